// Package arbor provides a minimal public API over a client-side
// reactive relational data layer: collections with an optimistic-overlay
// transaction core, live queries compiled to an incremental dataflow
// graph, and paced-mutation batching strategies on top.
//
// Most callers only need this root package. The internal/* packages hold
// the implementation and are not meant to be imported directly.
package arbor

import (
	"context"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/collection"
	"github.com/arborq/arbor/internal/scheduler"
	"github.com/arborq/arbor/internal/txn"
)

// Transaction manager and transaction core (spec §4.D).
type (
	Manager          = txn.Manager
	Transaction      = txn.Transaction
	TransactionState = txn.State
	MutationFn       = txn.MutationFn
	PendingMutation  = txn.PendingMutation
	MutationType     = txn.MutationType
)

const (
	StatePending    = txn.StatePending
	StatePersisting = txn.StatePersisting
	StateCompleted  = txn.StateCompleted
	StateFailed     = txn.StateFailed

	MutationInsert = txn.MutationInsert
	MutationUpdate = txn.MutationUpdate
	MutationDelete = txn.MutationDelete
)

// NewManager creates a transaction manager shared by every Collection and
// LiveQuery that should see each other's pending mutations.
func NewManager() *Manager { return txn.NewManager() }

// WithAmbient binds tx as the ambient transaction for ctx, so Collection
// mutation methods called with the returned context merge into tx instead
// of opening their own (spec §3.2's dynamic mutate-callback scoping).
func WithAmbient(ctx context.Context, tx *Transaction) context.Context {
	return txn.WithAmbient(ctx, tx)
}

// AmbientFrom returns the ambient transaction carried by ctx, if any.
func AmbientFrom(ctx context.Context) (*Transaction, bool) { return txn.AmbientFrom(ctx) }

// Change-event primitives (spec §4.C).
type (
	ChangeMessage[T any, K comparable] = changes.Message[T, K]
	ChangeType                         = changes.ChangeType
	Predicate[T any]                   = changes.Predicate[T]
)

const (
	Insert = changes.Insert
	Update = changes.Update
	Delete = changes.Delete
)

// Collection core and subscription protocol (spec §4.E/§4.F).
type (
	Collection[T any, K comparable]              = collection.Collection[T, K]
	Config[T any, K comparable]                  = collection.Config[T, K]
	SyncConfig[T any, K comparable]              = collection.SyncConfig[T, K]
	SyncController[T any, K comparable]          = collection.SyncController[T, K]
	Write[T any]                                 = collection.Write[T]
	Entry[T any, K comparable]                   = collection.Entry[T, K]
	Status                                       = collection.Status
	Stats                                        = collection.Stats
	SyncMode                                     = collection.SyncMode
	AutoIndexMode                                = collection.AutoIndexMode
	Validator[T any]                             = collection.Validator[T]
	ValidationResult                             = collection.ValidationResult
	CurrentStateOptions[T any]                   = collection.CurrentStateOptions[T]
	LoadSubsetOptions                            = collection.LoadSubsetOptions
	ChangesSubscription[T any, K comparable]     = collection.ChangesSubscription[T, K]
	SubscribeChangesOptions[T any]               = collection.SubscribeChangesOptions[T]
	SnapshotRequest[T any]                       = collection.SnapshotRequest[T]
	BatchListener[T any, K comparable]           = collection.BatchListener[T, K]
)

const (
	StatusIdle        = collection.StatusIdle
	StatusLoading     = collection.StatusLoading
	StatusInitial     = collection.StatusInitial
	StatusReady       = collection.StatusReady
	StatusLoadingMore = collection.StatusLoadingMore
	StatusError       = collection.StatusError
	StatusCleanedUp   = collection.StatusCleanedUp

	SyncEager    = collection.SyncEager
	SyncOnDemand = collection.SyncOnDemand

	AutoIndexOff   = collection.AutoIndexOff
	AutoIndexEager = collection.AutoIndexEager
)

// NewCollection creates a Collection[T,K] backed by mgr (spec §4.E New).
func NewCollection[T any, K comparable](mgr *Manager, cfg Config[T, K]) (*Collection[T, K], error) {
	return collection.New(mgr, cfg)
}

// Scheduler (spec §4.D.4/§4.J).
type (
	Job       = scheduler.Job
	JobResult = scheduler.Result
)

// NewScheduler creates an empty dependency scheduler.
func NewScheduler() *scheduler.Scheduler { return scheduler.New() }
