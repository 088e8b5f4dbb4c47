package collection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/collection"
	"github.com/arborq/arbor/internal/errs"
	"github.com/arborq/arbor/internal/txn"
)

type task struct {
	ID       string
	Title    string
	Priority int
}

// seededCollection builds a Collection whose sync source writes seed once
// and immediately marks ready, with onInsert/onUpdate/onDelete wired so
// direct (non-ambient) mutation calls can auto-begin and commit.
func seededCollection(t *testing.T, mgr *txn.Manager, seed []task) *collection.Collection[task, string] {
	t.Helper()
	col, err := collection.New(mgr, collection.Config[task, string]{
		GetKey: func(tk task) string { return tk.ID },
		Sync: collection.SyncConfig[task, string]{
			Sync: func(_ context.Context, ctrl collection.SyncController[task, string]) (func(), error) {
				ctrl.Begin()
				for _, tk := range seed {
					ctrl.Write(collection.Write[task]{Value: tk})
				}
				ctrl.Commit()
				ctrl.MarkReady()
				return nil, nil
			},
		},
		OnInsert: func(ctx context.Context, tx *txn.Transaction, items []task) error { return nil },
		OnUpdate: func(ctx context.Context, tx *txn.Transaction, keys []string) error { return nil },
		OnDelete: func(ctx context.Context, tx *txn.Transaction, keys []string) error { return nil },
	})
	require.NoError(t, err)
	return col
}

func preload(t *testing.T, col *collection.Collection[task, string]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, col.Preload(ctx))
}

func TestInsertUpdateDeleteHappyPath(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, nil)
	preload(t, tasks)

	ctx := context.Background()
	require.NoError(t, tasks.Insert(ctx, task{ID: "1", Title: "write tests", Priority: 1}))

	v, ok := tasks.Get("1")
	require.True(t, ok)
	assert.Equal(t, "write tests", v.Title)

	require.NoError(t, tasks.Update(ctx, "1", func(tk task) task {
		tk.Priority = 2
		return tk
	}))
	v, ok = tasks.Get("1")
	require.True(t, ok)
	assert.Equal(t, 2, v.Priority)

	require.NoError(t, tasks.Delete(ctx, "1"))
	_, ok = tasks.Get("1")
	assert.False(t, ok)
}

func TestInsertDuplicateKeyErrors(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1", Title: "seeded"}})
	preload(t, tasks)

	err := tasks.Insert(context.Background(), task{ID: "1", Title: "duplicate"})
	var dup *errs.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "1", dup.Key)
}

func TestUpdateUnknownKeyErrors(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, nil)
	preload(t, tasks)

	err := tasks.Update(context.Background(), "missing", func(tk task) task { return tk })
	var unk *errs.UnknownKeyError
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, "update", unk.Op)
}

func TestDeleteUnknownKeyErrors(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, nil)
	preload(t, tasks)

	err := tasks.Delete(context.Background(), "missing")
	var unk *errs.UnknownKeyError
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, "delete", unk.Op)
}

func TestUpdateChangingDerivedKeyErrors(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1", Title: "seeded"}})
	preload(t, tasks)

	err := tasks.Update(context.Background(), "1", func(tk task) task {
		tk.ID = "2"
		return tk
	})
	var km *errs.KeyMutationError
	require.ErrorAs(t, err, &km)
	assert.Equal(t, "1", km.OriginalKey)
	assert.Equal(t, "2", km.ModifiedKey)
}

func TestDirectMutationWithoutHandlerErrors(t *testing.T) {
	mgr := txn.NewManager()
	col, err := collection.New(mgr, collection.Config[task, string]{
		GetKey: func(tk task) string { return tk.ID },
	})
	require.NoError(t, err)
	preload(t, col)

	err = col.Insert(context.Background(), task{ID: "1"})
	var mh *errs.MissingHandlerError
	require.ErrorAs(t, err, &mh)
	assert.Equal(t, "insert", mh.Op)
}

// TestAmbientTransactionMergesMultipleMutations exercises WithAmbient:
// a caller-owned transaction collects two inserts and only commits once,
// explicitly, rather than each Insert call auto-committing its own.
func TestAmbientTransactionMergesMultipleMutations(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, nil)
	preload(t, tasks)

	tx := mgr.Begin(func(ctx context.Context, tx *txn.Transaction) error { return nil }, false, nil, nil)
	ctx := txn.WithAmbient(context.Background(), tx)

	require.NoError(t, tasks.Insert(ctx, task{ID: "1"}))
	require.NoError(t, tasks.Insert(ctx, task{ID: "2"}))
	assert.Equal(t, txn.StatePending, tx.State())
	assert.Len(t, tx.Mutations(), 2)

	require.NoError(t, tx.Commit(context.Background()))
	_, ok := tasks.Get("1")
	assert.True(t, ok)
	_, ok = tasks.Get("2")
	assert.True(t, ok)
}

func TestPreloadDedupsConcurrentCallers(t *testing.T) {
	mgr := txn.NewManager()
	gate := make(chan struct{})
	col, err := collection.New(mgr, collection.Config[task, string]{
		GetKey: func(tk task) string { return tk.ID },
		Sync: collection.SyncConfig[task, string]{
			Sync: func(_ context.Context, ctrl collection.SyncController[task, string]) (func(), error) {
				<-gate
				ctrl.Begin()
				ctrl.Write(collection.Write[task]{Value: task{ID: "1"}})
				ctrl.Commit()
				ctrl.MarkReady()
				return nil, nil
			},
		},
	})
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs[i] = col.Preload(ctx)
		}(i)
	}
	close(gate)
	wg.Wait()

	for _, e := range errs {
		assert.NoError(t, e)
	}
	assert.True(t, col.Has("1"))
}

func TestSubscribeDeliversInitialSnapshotThenLiveChanges(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1", Title: "seeded"}})
	preload(t, tasks)

	var mu sync.Mutex
	var received []changes.Message[task, string]
	unsubscribe := tasks.Subscribe(nil, func(msg changes.Message[task, string]) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	})
	defer unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond, "initial snapshot burst")

	require.NoError(t, tasks.Insert(context.Background(), task{ID: "2", Title: "new"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond, "live insert")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, changes.Insert, received[0].Type)
	assert.Equal(t, changes.Insert, received[1].Type)
	assert.Equal(t, "2", received[1].Key)
}

func TestSubscribeKeyOnlySeesMatchingKeyChanges(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1"}, {ID: "2"}})
	preload(t, tasks)

	var mu sync.Mutex
	var received []changes.Message[task, string]
	unsubscribe := tasks.SubscribeKey("1", func(msg changes.Message[task, string]) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	})
	defer unsubscribe()

	require.NoError(t, tasks.Update(context.Background(), "2", func(tk task) task { return tk }))
	require.NoError(t, tasks.Update(context.Background(), "1", func(tk task) task {
		tk.Title = "changed"
		return tk
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond, "key-scoped update")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "1", received[0].Key)
}

func TestCurrentStateAsChangesHonorsWhereAndLimit(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{
		{ID: "1", Priority: 1},
		{ID: "2", Priority: 5},
		{ID: "3", Priority: 9},
	})
	preload(t, tasks)

	msgs, ok := tasks.CurrentStateAsChanges(collection.CurrentStateOptions[task]{
		Where: func(tk task) bool { return tk.Priority >= 5 },
	})
	require.True(t, ok)
	assert.Len(t, msgs, 2)

	msgs, ok = tasks.CurrentStateAsChanges(collection.CurrentStateOptions[task]{Limit: 1})
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestCurrentStateAsChangesOptimizedOnlyFailsWithoutIndex(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1"}})
	preload(t, tasks)

	_, ok := tasks.CurrentStateAsChanges(collection.CurrentStateOptions[task]{OptimizedOnly: true})
	assert.False(t, ok)

	tasks.CreateIndex("Priority", func(tk task) any { return tk.Priority }, nil)
	_, ok = tasks.CurrentStateAsChanges(collection.CurrentStateOptions[task]{OptimizedOnly: true})
	assert.True(t, ok)
}

func TestCreateIndexBackfillsExistingItems(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{
		{ID: "1", Priority: 1},
		{ID: "2", Priority: 2},
	})
	preload(t, tasks)

	tasks.CreateIndex("Priority", func(tk task) any { return tk.Priority }, func(a, b any) int {
		return a.(int) - b.(int)
	})

	require.NoError(t, tasks.Insert(context.Background(), task{ID: "3", Priority: 3}))
	assert.Equal(t, 3, tasks.Size())
}

func TestStateWhenReadyAndToArrayWhenReadyReturnSeededData(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1", Title: "a"}, {ID: "2", Title: "b"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state, err := tasks.StateWhenReady(ctx)
	require.NoError(t, err)
	assert.Len(t, state, 2)

	arr, err := tasks.ToArrayWhenReady(ctx)
	require.NoError(t, err)
	assert.Len(t, arr, 2)
}

func TestPreloadRespectsCallerContextCancellation(t *testing.T) {
	mgr := txn.NewManager()
	col, err := collection.New(mgr, collection.Config[task, string]{
		GetKey: func(tk task) string { return tk.ID },
		Sync: collection.SyncConfig[task, string]{
			Sync: func(_ context.Context, ctrl collection.SyncController[task, string]) (func(), error) {
				select {}
			},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = col.Preload(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetSyncedValueIgnoresOptimisticOverlay(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1", Title: "synced"}})
	preload(t, tasks)

	// A never-committed ambient transaction keeps the update as a live
	// overlay; an auto-committed update would complete and be folded into
	// the baseline.
	tx := mgr.Begin(func(context.Context, *txn.Transaction) error { return nil }, false, nil, nil)
	ctx := txn.WithAmbient(context.Background(), tx)
	require.NoError(t, tasks.Update(ctx, "1", func(tk task) task {
		tk.Title = "optimistic"
		return tk
	}))

	view, ok := tasks.Get("1")
	require.True(t, ok)
	assert.Equal(t, "optimistic", view.Title)

	synced, ok := tasks.GetSyncedValue("1")
	require.True(t, ok)
	assert.Equal(t, "synced", synced.Title)
}

func TestStatsReflectsSizeAndStatus(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1"}})
	preload(t, tasks)

	stats := tasks.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, collection.StatusReady, stats.Status)
}

// ticket is the item type for TestOptimisticInsertReplacedByServerGeneratedID
// (spec §8 scenario 1): keyed by an int id, as the scenario's literal
// {id:-1,title} / {id:42,title} example requires.
type ticket struct {
	ID    int
	Title string
}

// TestOptimisticInsertReplacedByServerGeneratedID implements spec §8
// scenario 1 verbatim: inserting a placeholder id=-1 item whose OnInsert
// handler calls a "server" that allocates id=42 and writes the
// server-confirmed row back through the sync path must, once the
// transaction's commit resolves, show id=-1 gone and id=42 present with
// the server's value — never both, never neither.
func TestOptimisticInsertReplacedByServerGeneratedID(t *testing.T) {
	mgr := txn.NewManager()

	var ctrl collection.SyncController[ticket, int]
	col, err := collection.New(mgr, collection.Config[ticket, int]{
		GetKey: func(tk ticket) int { return tk.ID },
		Sync: collection.SyncConfig[ticket, int]{
			Sync: func(_ context.Context, c collection.SyncController[ticket, int]) (func(), error) {
				ctrl = c
				ctrl.MarkReady()
				return nil, nil
			},
		},
		OnInsert: func(ctx context.Context, tx *txn.Transaction, items []ticket) error {
			// Simulate a server call that allocates a real id, then write the
			// confirmed row back through the sync path before the mutation's
			// own transaction transitions out of persisting.
			for range items {
				ctrl.Begin()
				ctrl.Write(collection.Write[ticket]{Value: ticket{ID: 42, Title: "T"}})
				ctrl.Commit()
			}
			return nil
		},
	})
	require.NoError(t, err)
	preloadCtx, preloadCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer preloadCancel()
	require.NoError(t, col.Preload(preloadCtx))

	require.NoError(t, col.Insert(context.Background(), ticket{ID: -1, Title: "T"}))

	_, hasPlaceholder := col.Get(-1)
	assert.False(t, hasPlaceholder, "placeholder id must not survive the commit")

	confirmed, hasConfirmed := col.Get(42)
	require.True(t, hasConfirmed, "server-confirmed id must be visible")
	assert.Equal(t, ticket{ID: 42, Title: "T"}, confirmed)
}

func TestInsertManyBatchesAllItemsIntoOneTransaction(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, nil)
	preload(t, tasks)

	tx := mgr.Begin(func(context.Context, *txn.Transaction) error { return nil }, false, nil, nil)
	ctx := txn.WithAmbient(context.Background(), tx)

	require.NoError(t, tasks.Insert(ctx, task{ID: "1"}, task{ID: "2"}, task{ID: "3"}))
	assert.Len(t, tx.Mutations(), 3)

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, 3, tasks.Size())
}

func TestInsertManyRejectsDuplicateKeyWithinBatch(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, nil)
	preload(t, tasks)

	err := tasks.Insert(context.Background(), task{ID: "1", Title: "a"}, task{ID: "1", Title: "b"})
	var dup *errs.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "1", dup.Key)
	assert.Zero(t, tasks.Size(), "a rejected batch must not apply partially")
}

func TestUpdateManyAppliesCallbackToEveryKey(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{
		{ID: "1", Priority: 1},
		{ID: "2", Priority: 2},
		{ID: "3", Priority: 3},
	})
	preload(t, tasks)

	require.NoError(t, tasks.UpdateMany(context.Background(), []string{"1", "3"}, func(tk task) task {
		tk.Priority += 10
		return tk
	}))

	v, _ := tasks.Get("1")
	assert.Equal(t, 11, v.Priority)
	v, _ = tasks.Get("2")
	assert.Equal(t, 2, v.Priority)
	v, _ = tasks.Get("3")
	assert.Equal(t, 13, v.Priority)
}

func TestUpdateManyEmptyKeyArrayErrors(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, nil)
	preload(t, tasks)

	err := tasks.UpdateMany(context.Background(), nil, func(tk task) task { return tk })
	var empty *errs.EmptyKeysError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, "update", empty.Op)
}

func TestDeleteManyRemovesAllKeysInOneCall(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{
		{ID: "1"}, {ID: "2"}, {ID: "3"},
	})
	preload(t, tasks)

	require.NoError(t, tasks.Delete(context.Background(), "1", "3"))
	assert.Equal(t, 1, tasks.Size())
	assert.True(t, tasks.Has("2"))

	err := tasks.Delete(context.Background())
	var empty *errs.EmptyKeysError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, "delete", empty.Op)
}

func TestUpdateRecordsOnlyChangedFields(t *testing.T) {
	mgr := txn.NewManager()
	tasks := seededCollection(t, mgr, []task{{ID: "1", Title: "keep", Priority: 1}})
	preload(t, tasks)

	tx := mgr.Begin(func(context.Context, *txn.Transaction) error { return nil }, false, nil, nil)
	ctx := txn.WithAmbient(context.Background(), tx)

	require.NoError(t, tasks.Update(ctx, "1", func(tk task) task {
		tk.Priority = 5
		return tk
	}))

	muts := tx.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, map[string]any{"Priority": 5}, muts[0].Changes)

	require.NoError(t, tx.Commit(context.Background()))
}
