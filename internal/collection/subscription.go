package collection

import "github.com/arborq/arbor/internal/changes"

// Subscription is a single subscriber's state (spec §4.F). Subscribers
// receive a synthesized initial snapshot as a burst of Insert messages,
// followed by live change messages until Unsubscribe is called.
type Subscription[T any, K comparable] struct {
	id       int
	where    changes.Predicate[T]
	filtered *changes.FilteredListener[T, K]
}

// Subscribe registers onChange to receive the current matching state as a
// burst of inserts, then every subsequent change, filtered by where (nil
// means unfiltered). The returned function must be called exactly once to
// stop receiving events and release the subscriber slot (spec §4.F,
// unsubscribe also re-arms the GC timer once the last subscriber leaves).
func (c *Collection[T, K]) Subscribe(where changes.Predicate[T], onChange changes.Listener[T, K]) func() {
	id := submit(c, func() int {
		c.ensureStartedLocked()
		c.disarmGCTimerLocked()
		c.activeSubscribers++

		id := c.nextSubID
		c.nextSubID++

		var listener changes.Listener[T, K]
		var fl *changes.FilteredListener[T, K]
		if where != nil {
			fl = changes.NewFilteredListener(where, onChange)
			listener = fl.Handle
		} else {
			listener = onChange
		}
		c.subs[id] = &Subscription[T, K]{id: id, where: where, filtered: fl}
		c.listeners[id] = listener

		for _, k := range c.keysLocked() {
			v, _ := c.viewLocked(k)
			listener(changes.Message[T, K]{Type: changes.Insert, Key: k, Value: v})
		}
		return id
	})

	var done bool
	return func() {
		if done {
			return
		}
		done = true
		submit(c, func() any {
			delete(c.subs, id)
			delete(c.listeners, id)
			c.activeSubscribers--
			if c.activeSubscribers == 0 {
				c.armGCTimerLocked()
			}
			return nil
		})
	}
}

// SubscribeKey registers onChange to receive only change messages for the
// given key, with no initial snapshot burst (used by single-item watchers
// that already hold the current value from Get).
func (c *Collection[T, K]) SubscribeKey(key K, onChange changes.Listener[T, K]) func() {
	id := submit(c, func() int {
		c.ensureStartedLocked()
		id := c.nextKeyListenerID
		c.nextKeyListenerID++
		c.keyListeners[key] = append(c.keyListeners[key], keyListenerEntry[T, K]{id: id, fn: onChange})
		return id
	})
	return func() {
		submit(c, func() any {
			ls := c.keyListeners[key]
			for i, e := range ls {
				if e.id == id {
					c.keyListeners[key] = append(ls[:i], ls[i+1:]...)
					break
				}
			}
			if len(c.keyListeners[key]) == 0 {
				delete(c.keyListeners, key)
			}
			return nil
		})
	}
}
