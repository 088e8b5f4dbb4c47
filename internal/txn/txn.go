// Package txn implements the transaction manager: pending-mutation merge,
// the transaction state machine, cascading rollback, and the dependency
// scheduler hook used by commit().
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arborq/arbor/internal/errs"
)

// MutationType is the kind of a PendingMutation.
type MutationType string

const (
	MutationInsert MutationType = "insert"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// CollectionRef identifies the collection a mutation belongs to and lets
// the transaction manager call back into it during commit/rollback
// without importing the collection package (avoiding an import cycle:
// collection imports txn, not the reverse).
type CollectionRef interface {
	// CollectionID returns a stable identifier for the collection.
	CollectionID() string
}

// PendingMutation is an immutable-once-written record of a single
// insert/update/delete against one (collection, key).
type PendingMutation struct {
	MutationID   string
	Type         MutationType
	Key          any
	Original     any // nil for insert
	Modified     any
	Changes      map[string]any
	Metadata     map[string]any
	SyncMetadata map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Collection   CollectionRef
}

type collectionKey struct {
	collectionID string
	key          any
}

// State is a Transaction's position in its state machine.
type State string

const (
	StatePending    State = "pending"
	StatePersisting State = "persisting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// MutationFn is invoked on commit once the transaction enters persisting.
type MutationFn func(ctx context.Context, tx *Transaction) error

// Transaction is a multi-collection optimistic transaction.
type Transaction struct {
	ID         string
	mu         sync.Mutex
	state      State
	createdAt  time.Time
	mutations  []*PendingMutation
	byKey      map[collectionKey]int // index into mutations, for O(1) merge lookup
	mutationFn MutationFn
	autoCommit bool
	Metadata   map[string]any
	err        error
	dependsOn  []*Transaction

	mgr *Manager

	doneCh     chan struct{}
	doneClosed bool
}

// State returns the current transaction state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Mutations returns a snapshot of the transaction's mutation list.
func (t *Transaction) Mutations() []*PendingMutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PendingMutation, len(t.mutations))
	copy(out, t.mutations)
	return out
}

// Error returns the error that caused a failed transaction, if any.
func (t *Transaction) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Mutate merges a new mutation into the transaction per the §4.D.1 merge
// table. Fails if the transaction is not pending.
func (t *Transaction) Mutate(m *PendingMutation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return &errs.TransactionStateError{TransactionID: t.ID, State: string(t.state), Op: "mutate"}
	}
	return t.mergeLocked(m)
}

// mergeLocked applies the §4.D.1 merge table. Caller holds t.mu.
func (t *Transaction) mergeLocked(n *PendingMutation) error {
	ck := collectionKey{collectionID: n.Collection.CollectionID(), key: n.Key}
	idx, exists := t.byKey[ck]
	if !exists {
		n.MutationID = uuid.NewString()
		n.CreatedAt = time.Now()
		n.UpdatedAt = n.CreatedAt
		t.mutations = append(t.mutations, n)
		t.byKey[ck] = len(t.mutations) - 1
		return nil
	}

	e := t.mutations[idx]
	switch e.Type {
	case MutationInsert:
		switch n.Type {
		case MutationInsert:
			return &errs.DuplicateKeyError{Key: n.Key, Origin: "user"}
		case MutationUpdate:
			merged := map[string]any{}
			for k, v := range e.Changes {
				merged[k] = v
			}
			for k, v := range n.Changes {
				merged[k] = v
			}
			e.Changes = merged
			e.Modified = n.Modified
			e.UpdatedAt = time.Now()
			return nil
		case MutationDelete:
			// net zero: remove the merged record entirely.
			t.removeAtLocked(idx)
			return nil
		}
	case MutationUpdate:
		switch n.Type {
		case MutationUpdate:
			merged := map[string]any{}
			for k, v := range e.Changes {
				merged[k] = v
			}
			for k, v := range n.Changes {
				merged[k] = v
			}
			e.Changes = merged
			e.Modified = n.Modified
			e.UpdatedAt = time.Now()
			return nil
		case MutationDelete:
			e.Type = MutationDelete
			e.Modified = nil
			e.Changes = nil
			e.UpdatedAt = time.Now()
			return nil
		case MutationInsert:
			return &errs.DuplicateKeyError{Key: n.Key, Origin: "user"}
		}
	case MutationDelete:
		return fmt.Errorf("cannot %s key %v: already deleted in this transaction", n.Type, n.Key)
	}
	return fmt.Errorf("unreachable merge case %s -> %s", e.Type, n.Type)
}

func (t *Transaction) removeAtLocked(idx int) {
	removed := t.mutations[idx]
	t.mutations = append(t.mutations[:idx], t.mutations[idx+1:]...)
	delete(t.byKey, collectionKey{collectionID: removed.Collection.CollectionID(), key: removed.Key})
	for ck, i := range t.byKey {
		if i > idx {
			t.byKey[ck] = i - 1
		}
	}
}

// Commit transitions pending -> persisting, invokes mutationFn (waiting on
// declared dependencies first), then transitions to completed or failed.
// It blocks until mutationFn resolves; callers that want async semantics
// should invoke Commit from their own goroutine and wait on Done().
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return &errs.TransactionStateError{TransactionID: t.ID, State: string(t.state), Op: "commit"}
	}
	if len(t.mutations) == 0 {
		t.state = StateCompleted
		t.mu.Unlock()
		t.closeDone()
		return nil
	}
	t.state = StatePersisting
	deps := append([]*Transaction(nil), t.dependsOn...)
	fn := t.mutationFn
	t.mu.Unlock()

	t.mgr.notifyOverlayChanged(t)

	// §4.D.4: wait for declared dependencies to reach a terminal state.
	// A failed dependency does not cascade failure to this transaction —
	// only shared-key overlap rollback does that (§4.D.3).
	for _, d := range deps {
		<-d.Done()
	}

	var err error
	if fn != nil {
		err = fn(ctx, t)
	}

	t.mu.Lock()
	if err != nil {
		t.state = StateFailed
		t.err = err
	} else {
		t.state = StateCompleted
	}
	t.mu.Unlock()

	t.mgr.onTerminal(t)
	t.closeDone()
	if err != nil {
		return err
	}
	return nil
}

// Done returns a channel closed once the transaction reaches a terminal
// state (completed or failed). Equivalent to the spec's isPersisted
// promise resolution/rejection point.
func (t *Transaction) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneCh
}

func (t *Transaction) closeDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.doneClosed {
		t.doneClosed = true
		close(t.doneCh)
	}
}

// Rollback transitions the transaction to failed (if not already
// terminal) and triggers cascading rollback of overlapping pending
// transactions via the Manager.
func (t *Transaction) Rollback(reason error) error {
	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateFailed {
		t.mu.Unlock()
		return &errs.TransactionStateError{TransactionID: t.ID, State: string(t.state), Op: "rollback"}
	}
	t.state = StateFailed
	t.err = reason
	t.mu.Unlock()

	t.mgr.cascadeRollback(t)
	t.mgr.onTerminal(t)
	t.closeDone()
	return nil
}

// keysTouched returns the (collection,key) set this transaction's
// mutations touch, for overlap detection.
func (t *Transaction) keysTouched() map[collectionKey]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[collectionKey]struct{}, len(t.mutations))
	for _, m := range t.mutations {
		out[collectionKey{collectionID: m.Collection.CollectionID(), key: m.Key}] = struct{}{}
	}
	return out
}
