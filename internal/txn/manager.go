package txn

import (
	"sync"

	"github.com/google/uuid"
)

// Manager owns the set of active transactions across all collections and
// implements cascading rollback (§4.D.3). The ambient transaction used by
// Collection methods (§3.2, "Active-transaction context") is carried in a
// context.Context (see WithAmbient), not by the Manager.
type Manager struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	// OnOverlayChanged is invoked whenever any transaction's mutation set
	// changes, so a Collection can trigger its recompute routine. Keyed by
	// collection ID so one Manager can serve many collections.
	listeners map[string][]func()
}

// NewManager creates an empty transaction manager.
func NewManager() *Manager {
	return &Manager{
		transactions: make(map[string]*Transaction),
		listeners:    make(map[string][]func()),
	}
}

// OnOverlayChanged registers a callback invoked after any mutation is
// added to, or removed from, the active transaction set for collectionID.
func (m *Manager) OnOverlayChanged(collectionID string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[collectionID] = append(m.listeners[collectionID], fn)
}

// Begin creates a new pending transaction.
func (m *Manager) Begin(mutationFn MutationFn, autoCommit bool, metadata map[string]any, dependsOn []*Transaction) *Transaction {
	t := &Transaction{
		ID:         uuid.NewString(),
		state:      StatePending,
		byKey:      make(map[collectionKey]int),
		mutationFn: mutationFn,
		autoCommit: autoCommit,
		Metadata:   metadata,
		dependsOn:  dependsOn,
		mgr:        m,
		doneCh:     make(chan struct{}),
	}
	m.mu.Lock()
	m.transactions[t.ID] = t
	m.mu.Unlock()
	return t
}

// Mutate merges m into tx, then notifies listeners for the touched
// collection so it can recompute its derived view. This is the entry
// point Collection.insert/update/delete call after constructing a
// PendingMutation.
func (m *Manager) Mutate(t *Transaction, mutation *PendingMutation) error {
	if err := t.Mutate(mutation); err != nil {
		return err
	}
	m.notify(mutation.Collection.CollectionID())
	return nil
}

func (m *Manager) notify(collectionID string) {
	m.mu.Lock()
	fns := make([]func(), len(m.listeners[collectionID]))
	copy(fns, m.listeners[collectionID])
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) notifyOverlayChanged(t *Transaction) {
	seen := map[string]bool{}
	for _, mut := range t.Mutations() {
		id := mut.Collection.CollectionID()
		if !seen[id] {
			seen[id] = true
			m.notify(id)
		}
	}
}

func (m *Manager) onTerminal(t *Transaction) {
	m.notifyOverlayChanged(t)
	m.mu.Lock()
	delete(m.transactions, t.ID)
	m.mu.Unlock()
}

// cascadeRollback implements §4.D.3: rolling back tx rolls back every
// other *pending* transaction that shares a (collection,key) with it,
// transitively (the Open Question in spec §9 is resolved here in favor of
// full transitive closure — see scenario 2 in DESIGN.md).
func (m *Manager) cascadeRollback(tx *Transaction) {
	visited := map[string]bool{tx.ID: true}
	frontier := []*Transaction{tx}

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		touched := next.keysTouched()

		m.mu.Lock()
		var candidates []*Transaction
		for _, other := range m.transactions {
			if visited[other.ID] {
				continue
			}
			if other.State() != StatePending {
				continue
			}
			candidates = append(candidates, other)
		}
		m.mu.Unlock()

		for _, other := range candidates {
			if overlaps(touched, other.keysTouched()) {
				visited[other.ID] = true
				other.mu.Lock()
				other.state = StateFailed
				other.err = errRolledBackViaCascade
				other.mu.Unlock()
				other.closeDone()
				m.notifyOverlayChanged(other)
				m.mu.Lock()
				delete(m.transactions, other.ID)
				m.mu.Unlock()
				frontier = append(frontier, other)
			}
		}
	}
}

func overlaps(a, b map[collectionKey]struct{}) bool {
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}

// RollbackOptimisticUpdates implements §4.D.5: rolls back every pending
// transaction touching any of keys within collectionID, or every pending
// transaction of that collection if keys is empty. No-op if none match.
func (m *Manager) RollbackOptimisticUpdates(collectionID string, keys []any) {
	m.mu.Lock()
	var targets []*Transaction
	for _, t := range m.transactions {
		if t.State() != StatePending {
			continue
		}
		if rollbackTargetsCollection(t, collectionID, keys) {
			targets = append(targets, t)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		if t.State() == StatePending {
			_ = t.Rollback(errManualRollback)
		}
	}
}

func rollbackTargetsCollection(t *Transaction, collectionID string, keys []any) bool {
	for _, m := range t.Mutations() {
		if m.Collection.CollectionID() != collectionID {
			continue
		}
		if len(keys) == 0 {
			return true
		}
		for _, k := range keys {
			if k == m.Key {
				return true
			}
		}
	}
	return false
}
