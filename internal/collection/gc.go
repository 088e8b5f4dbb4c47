package collection

import "github.com/arborq/arbor/internal/changes"

// armGCTimerLocked starts (or restarts) the idle-collection GC timer once
// the last subscriber has gone away (spec §3.1 ready -> cleanedUp, gated
// on GCTime). A collection with no sync source never gets garbage
// collected, since there is nothing to resubscribe to.
func (c *Collection[T, K]) armGCTimerLocked() {
	if c.activeSubscribers > 0 || c.cfg.Sync.Sync == nil {
		return
	}
	c.disarmGCTimerLocked()
	gen := c.generation
	c.gcTimer = c.clk.AfterFunc(c.cfg.GCTime, func() {
		c.cmdCh <- func() {
			if c.generation != gen || c.activeSubscribers > 0 {
				return
			}
			c.cleanupLocked()
		}
	})
}

func (c *Collection[T, K]) disarmGCTimerLocked() {
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}
}

// Cleanup tears the collection down immediately: cancels any in-flight
// sync, drops all listeners and subscriptions, and transitions to
// cleanedUp. A subsequent access restarts sync from scratch.
func (c *Collection[T, K]) Cleanup() {
	submit(c, func() any {
		c.cleanupLocked()
		return nil
	})
}

func (c *Collection[T, K]) cleanupLocked() {
	c.generation++ // invalidate any in-flight sync callbacks for the old generation
	c.disarmGCTimerLocked()
	if c.cleanupFn != nil {
		c.cleanupFn()
		c.cleanupFn = nil
	}
	c.listeners = make(map[int]changes.Listener[T, K])
	c.keyListeners = make(map[K][]keyListenerEntry[T, K])
	c.subs = make(map[int]*Subscription[T, K])
	for _, sub := range c.changeSubs {
		sub.closed = true
	}
	c.changeSubs = make(map[int]*ChangesSubscription[T, K])
	c.changeSubOrder = nil
	c.batchBuf = nil
	c.pendingSync = nil
	c.syncCommitRequested = false
	c.hasReceivedFirstCommit = false
	c.status = StatusCleanedUp
}
