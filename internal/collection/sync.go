package collection

import (
	"reflect"

	"dario.cat/mergo"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/ordered"
	"github.com/arborq/arbor/internal/txn"
)

// syncController implements SyncController for one sync() invocation. Its
// generation guards against a restarted sync (after cleanup + reaccess)
// racing writes from the prior run back into the current state.
type syncController[T any, K comparable] struct {
	c          *Collection[T, K]
	generation int
}

func (s *syncController[T, K]) Begin() {
	s.c.cmdCh <- func() {
		if s.c.generation != s.generation {
			return
		}
		s.c.pendingSync = nil
	}
}

func (s *syncController[T, K]) Write(w Write[T]) {
	s.c.cmdCh <- func() {
		if s.c.generation != s.generation {
			return
		}
		s.c.pendingSync = append(s.c.pendingSync, pendingSyncOp[T]{write: w})
	}
}

func (s *syncController[T, K]) Truncate() {
	s.c.cmdCh <- func() {
		if s.c.generation != s.generation {
			return
		}
		s.c.pendingSync = append(s.c.pendingSync, pendingSyncOp[T]{truncate: true})
	}
}

func (s *syncController[T, K]) Commit() {
	done := make(chan struct{})
	s.c.cmdCh <- func() {
		defer close(done)
		if s.c.generation != s.generation {
			return
		}
		s.c.syncCommitRequested = true
		s.c.maybeApplySyncLocked()
	}
	<-done
}

func (s *syncController[T, K]) MarkReady() {
	done := make(chan struct{})
	s.c.cmdCh <- func() {
		defer close(done)
		if s.c.generation != s.generation {
			return
		}
		s.c.markReadyLocked()
	}
	<-done
}

// maybeApplySyncLocked applies a requested sync commit once no user
// transaction is persisting against this collection (spec §4.E: a sync
// commit arriving mid-persist is held so server-delivered state lands
// after the in-flight optimistic write resolves). The gate reopens from
// the overlay-changed hook when a transaction reaches a terminal state.
func (c *Collection[T, K]) maybeApplySyncLocked() {
	if !c.syncCommitRequested {
		return
	}
	for _, tx := range c.activeTxOrder {
		if tx.State() == txn.StatePersisting {
			return
		}
	}
	c.syncCommitRequested = false
	c.applySyncBatchLocked()
}

// applySyncBatchLocked folds the buffered begin/write/truncate ops into
// syncedData/syncedMetadata and emits a change message for every key whose
// derived view actually moved. Keys currently masked by the optimistic
// overlay (an upsert or tombstone) emit nothing: the view consumers see is
// unchanged until the overlay clears (spec §4.E sync commit).
func (c *Collection[T, K]) applySyncBatchLocked() {
	ops := c.pendingSync
	c.pendingSync = nil

	affected := make(map[K]struct{})
	for _, op := range ops {
		if op.truncate {
			// Truncate replaces the whole baseline atomically within this
			// commit cycle; every currently synced key may change.
			for _, k := range c.syncedData.Keys() {
				affected[k] = struct{}{}
			}
			continue
		}
		affected[c.cfg.GetKey(op.write.Value)] = struct{}{}
	}

	type prior struct {
		val T
		ok  bool
	}
	before := make(map[K]prior, len(affected))
	for k := range affected {
		v, ok := c.viewLocked(k)
		before[k] = prior{val: v, ok: ok}
	}

	for _, op := range ops {
		if op.truncate {
			c.syncedData = ordered.NewMap[K, T](defaultKeyCmp[K]())
			c.syncedMetadata = make(map[K]any)
			continue
		}
		k := c.cfg.GetKey(op.write.Value)
		switch op.write.Type {
		case changes.Delete:
			c.syncedData.Delete(k)
			delete(c.syncedMetadata, k)
		default:
			// Insert, Update, and writes with an unspecified type are all
			// upserts against the baseline.
			_, existed := c.syncedData.Get(k)
			c.syncedData.Set(k, op.write.Value)
			if op.write.Metadata != nil {
				c.syncedMetadata[k] = mergeMetadata(existed, c.syncedMetadata[k], op.write.Metadata)
			}
		}
	}

	for k := range affected {
		old := before[k]
		newVal, newOK := c.viewLocked(k)
		c.updateIndicesLocked(k, old.val, old.ok, newVal, newOK)
		switch {
		case !old.ok && newOK:
			c.emitLocked(changes.Message[T, K]{Type: changes.Insert, Key: k, Value: newVal})
		case old.ok && !newOK:
			ov := old.val
			c.emitLocked(changes.Message[T, K]{Type: changes.Delete, Key: k, PreviousValue: &ov})
		case old.ok && newOK && !reflect.DeepEqual(old.val, newVal):
			ov := old.val
			c.emitLocked(changes.Message[T, K]{Type: changes.Update, Key: k, Value: newVal, PreviousValue: &ov})
		}
	}

	c.recompute()
	c.markReadyLocked()
}

// mergeMetadata applies the spec's object-merge semantics for metadata on
// updates of an existing key: map-shaped metadata merges onto what is
// already stored, anything else replaces it wholesale.
func mergeMetadata(existed bool, current, incoming any) any {
	if !existed {
		return incoming
	}
	cur, curOK := current.(map[string]any)
	inc, incOK := incoming.(map[string]any)
	if !curOK || !incOK {
		return incoming
	}
	merged := make(map[string]any, len(cur)+len(inc))
	for k, v := range cur {
		merged[k] = v
	}
	if err := mergo.Map(&merged, inc, mergo.WithOverride); err != nil {
		return incoming
	}
	return merged
}

func (c *Collection[T, K]) markReadyLocked() {
	c.markFirstCommitLocked()
	if c.status != StatusCleanedUp && c.status != StatusLoadingMore {
		c.status = StatusReady
	}
	c.armGCTimerLocked()
}
