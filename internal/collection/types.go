// Package collection implements the collection core (spec §4.E) and its
// per-subscriber subscription protocol (spec §4.F): a virtual-derived-state
// container layering pending optimistic mutations over a synced baseline,
// with transactions, rollback, event emission, and a lifecycle state
// machine.
package collection

import (
	"context"
	"time"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/clock"
	"github.com/arborq/arbor/internal/errs"
	"github.com/arborq/arbor/internal/query"
	"github.com/arborq/arbor/internal/txn"
)

// Status is a Collection's lifecycle state (spec §3.1).
type Status string

const (
	StatusIdle        Status = "idle"
	StatusLoading     Status = "loading"
	StatusInitial     Status = "initialCommit"
	StatusReady       Status = "ready"
	StatusLoadingMore Status = "loadingMore"
	StatusError       Status = "error"
	StatusCleanedUp   Status = "cleanedUp"
)

// SyncMode controls whether sync starts eagerly on construction or only on
// first access/subscription.
type SyncMode string

const (
	SyncEager    SyncMode = "eager"
	SyncOnDemand SyncMode = "on-demand"
)

// AutoIndexMode controls whether a subscription's WHERE clause can trigger
// auto-creation of an equality index (spec §4.B "Auto-index policy").
type AutoIndexMode string

const (
	AutoIndexOff   AutoIndexMode = "off"
	AutoIndexEager AutoIndexMode = "eager"
)

// Validator is the synchronous schema-validation contract consumed from
// CollectionConfig (spec §6.4). Async validators must return an error
// synchronously instead of a pending result — the spec requires rejecting
// asynchronous validation with a TypeError-equivalent, modeled here as a
// plain error from Validate itself when the caller detects a future/promise
// shape; Go has no such ambiguity since Validate is just a function call,
// so this contract simply cannot express async validation, matching the
// required rejection by construction.
type Validator[T any] interface {
	Validate(value T) ValidationResult
}

// ValidationResult is either a (possibly coerced) value or a list of
// issues.
type ValidationResult struct {
	Value  any
	Issues []errs.ValidationIssue
}

func (r ValidationResult) OK() bool { return len(r.Issues) == 0 }

// Write is one buffered sync-source write (spec §6.1).
type Write[T any] struct {
	Type     changes.ChangeType
	Value    T
	Metadata any
}

// SyncConfig is the external sync source contract consumed by a collection
// (spec §6.1). Begin/Write/Commit drive the buffered pending-sync
// transaction; Sync itself is invoked once at collection startup (or
// restart) and may return a cleanup function.
type SyncConfig[T any, K comparable] struct {
	Sync func(ctx context.Context, controller SyncController[T, K]) (cleanup func(), err error)

	// LoadSubset requests the sync source push a filtered/ordered/limited
	// subset via the same begin/write/commit protocol. Returns whether the
	// source could honor the request at all (false means "fetch not
	// supported for this shape").
	LoadSubset func(ctx context.Context, opts LoadSubsetOptions) (bool, error)

	// LoadMore requests more data following a prior LoadSubset/initial
	// load, again via begin/write/commit.
	LoadMore func(ctx context.Context) error

	GetSyncMetadata func(ctx context.Context) map[string]string
}

// LoadSubsetOptions narrows a LoadSubset request.
type LoadSubsetOptions struct {
	Where  changes.Predicate[any]
	Limit  int
	Offset int
}

// SyncController is handed to SyncConfig.Sync; it is how the sync source
// drives begin()/write(msg)/commit()/markReady()/truncate().
type SyncController[T any, K comparable] interface {
	Begin()
	Write(w Write[T])
	Commit()
	MarkReady()
	Truncate()
}

// Config configures a Collection (spec §6.2, CollectionConfig).
type Config[T any, K comparable] struct {
	ID        string
	GetKey    func(T) K
	Sync      SyncConfig[T, K]
	Schema    Validator[T]
	GCTime    time.Duration
	StartSync *bool // nil defaults to true
	SyncMode  SyncMode
	AutoIndex AutoIndexMode
	OnInsert  func(ctx context.Context, tx *txn.Transaction, items []T) error
	OnUpdate  func(ctx context.Context, tx *txn.Transaction, keys []K) error
	OnDelete  func(ctx context.Context, tx *txn.Transaction, keys []K) error
	Compare   func(a, b T) int
	Utils     map[string]any

	// Clock overrides the collection's time source for GC-timer tests
	// (spec §8 scenario 6). Nil uses clock.Real.
	Clock clock.Clock

	// RawOptions, if non-nil, is validated for unknown keys against the
	// known CollectionConfig field names (spec §6.2 "strict unknown-property
	// rejection with close-match suggestions"). It is an additive,
	// string-keyed escape hatch for configs assembled dynamically (e.g.
	// from a serialized source) layered on top of the typed Config above.
	RawOptions map[string]any
}

var knownConfigFields = []string{
	"ID", "GetKey", "Sync", "Schema", "GCTime", "StartSync", "SyncMode",
	"AutoIndex", "OnInsert", "OnUpdate", "OnDelete", "Compare", "Utils", "Clock",
}

// ValidateRawOptions rejects unknown keys in RawOptions, suggesting the
// closest known field name (spec §6.2, §7 ConfigError).
func ValidateRawOptions(raw map[string]any) error {
	for k := range raw {
		known := false
		for _, f := range knownConfigFields {
			if f == k {
				known = true
				break
			}
		}
		if !known {
			return &errs.ConfigError{
				Field:      k,
				Reason:     "unknown configuration field",
				Suggestion: errs.ClosestMatch(k, knownConfigFields),
			}
		}
	}
	return nil
}

const defaultGCTime = 5 * time.Minute

// CurrentStateOptions configures CurrentStateAsChanges (spec §4.E).
// WhereExpr is the IR form of the filter; when it has the shape
// eq(field, literal) and an index covers field, the snapshot is served
// from the index instead of a full scan. Where is an already-compiled
// predicate applied on top.
type CurrentStateOptions[T any] struct {
	Where         changes.Predicate[T]
	WhereExpr     query.Expr
	OrderBy       func(a, b T) int
	Limit         int
	OptimizedOnly bool
}

// Stats is the supplemented read-only introspection surface (SPEC_FULL §11).
type Stats struct {
	Size             int
	PendingMutations int
	TransactionCount int
	Status           Status
}
