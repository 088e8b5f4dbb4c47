package collection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/clock"
	"github.com/arborq/arbor/internal/collection"
	"github.com/arborq/arbor/internal/txn"
)

// fakeClock is a manually-advanced clock.Clock used to drive the GC timer
// deterministically (spec §8 scenario 6).
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	clk     *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	t := &fakeTimer{clk: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	existed := !t.stopped && !t.fired
	t.at = t.clk.now.Add(d)
	t.stopped = false
	t.fired = false
	return existed
}

// Advance moves the clock forward by d and synchronously invokes every
// timer whose deadline has passed and that has not been stopped.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
		t.mu.Unlock()
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// eventually polls cond until it is true or the timeout elapses.
func eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), msg)
}

// TestGCCleansUpAfterLastSubscriberLeaves covers spec §8 scenario 6:
// subscribe, unsubscribe, advance past gcTime (tearing down a still
// in-flight sync generation), re-subscribe, and confirm zero data leaked
// from the cancelled generation once both async syncs have had time to
// resolve.
func TestGCCleansUpAfterLastSubscriberLeaves(t *testing.T) {
	mgr := txn.NewManager()
	clk := newFakeClock()

	var mu sync.Mutex
	var syncCalls int

	col, err := collection.New(mgr, collection.Config[task, string]{
		GetKey: func(tk task) string { return tk.ID },
		GCTime: 50 * time.Millisecond,
		Clock:  clk,
		Sync: collection.SyncConfig[task, string]{
			Sync: func(_ context.Context, ctrl collection.SyncController[task, string]) (func(), error) {
				mu.Lock()
				syncCalls++
				gen := syncCalls
				mu.Unlock()
				// Generation 1 resolves slowly (simulating the 200ms async
				// backend of spec scenario 6); generation 2 resolves quickly.
				// Each writes an item tagged with its own generation number, so
				// a write landing from a cancelled generation is detectable.
				delay := 150 * time.Millisecond
				if gen > 1 {
					delay = 20 * time.Millisecond
				}
				go func() {
					time.Sleep(delay)
					ctrl.Begin()
					ctrl.Write(collection.Write[task]{Value: task{ID: "1", Title: "gen", Priority: gen}})
					ctrl.Commit()
					ctrl.MarkReady()
				}()
				return nil, nil
			},
		},
	})
	require.NoError(t, err)

	// New() already started generation 1's sync eagerly; subscribing just
	// takes the one subscriber slot that keeps the GC timer disarmed.
	unsub := col.Subscribe(nil, func(changes.Message[task, string]) {})
	unsub() // drops to zero subscribers, arms the 50ms GC timer

	clk.Advance(50 * time.Millisecond) // fires the GC timer -> cleanedUp, bumps generation

	eventually(t, func() bool {
		return col.GetStatus() == collection.StatusCleanedUp
	}, time.Second, "collection did not clean up after GC timer fired")

	// Re-subscribing on a cleaned-up collection restarts sync under a new
	// generation (spec §3.1 cleanedUp -> loading).
	unsub2 := col.Subscribe(nil, func(changes.Message[task, string]) {}) // starts generation 2
	defer unsub2()

	clk.Advance(5 * time.Millisecond)
	clk.Advance(1 * time.Second)

	eventually(t, func() bool {
		v, ok := col.Get("1")
		return ok && v.Priority == 2
	}, time.Second, "second generation never synced after restart")

	// Give generation 1's delayed commit time to arrive at the controller;
	// its generation guard must make this a no-op.
	time.Sleep(200 * time.Millisecond)

	v, ok := col.Get("1")
	require.True(t, ok)
	assert.Equal(t, 2, v.Priority, "a write from the cancelled generation leaked into the final state")
}

// TestGCTimerDisarmedByNewSubscriberBeforeItFires ensures a subscriber
// arriving before the GC deadline cancels the pending cleanup instead of
// racing it.
func TestGCTimerDisarmedByNewSubscriberBeforeItFires(t *testing.T) {
	mgr := txn.NewManager()
	clk := newFakeClock()

	col := seededCollectionWithClock(t, mgr, []task{{ID: "1", Title: "a"}}, clk, 50*time.Millisecond)
	preload(t, col)

	unsub := col.Subscribe(nil, func(changes.Message[task, string]) {})
	unsub()

	// Re-subscribe before the timer would fire.
	unsub2 := col.Subscribe(nil, func(changes.Message[task, string]) {})
	defer unsub2()

	clk.Advance(50 * time.Millisecond)

	assert.Equal(t, collection.StatusReady, col.GetStatus())
	v, ok := col.Get("1")
	assert.True(t, ok)
	assert.Equal(t, "a", v.Title)
}

func seededCollectionWithClock(t *testing.T, mgr *txn.Manager, seed []task, clk clock.Clock, gcTime time.Duration) *collection.Collection[task, string] {
	t.Helper()
	col, err := collection.New(mgr, collection.Config[task, string]{
		GetKey: func(tk task) string { return tk.ID },
		GCTime: gcTime,
		Clock:  clk,
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
