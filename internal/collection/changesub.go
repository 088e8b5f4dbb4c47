package collection

import (
	"context"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/errs"
	"github.com/arborq/arbor/internal/index"
	"github.com/arborq/arbor/internal/query"
)

// BatchListener receives one batch of change messages per commit or
// recompute pass, in diff order.
type BatchListener[T any, K comparable] func(batch []changes.Message[T, K])

// SubscribeChangesOptions configures a batched change-stream subscription
// (spec §4.F).
type SubscribeChangesOptions[T any] struct {
	// ExcludeInitialState suppresses the synthesized initial snapshot
	// burst; the subscriber then drives its own snapshot delivery via
	// RequestSnapshot / RequestLimitedSnapshot. The zero value keeps the
	// spec default of includeInitialState=true.
	ExcludeInitialState bool

	// Where filters the stream with an already-compiled predicate.
	Where changes.Predicate[T]

	// WhereExpr is the IR form of the filter. When set it is compiled to a
	// predicate (unless Where is also given), can trigger eager
	// auto-indexing, and lets snapshots be served from an index.
	WhereExpr query.Expr
}

// SnapshotRequest narrows one RequestSnapshot call (spec §4.F
// requestSnapshot). A zero-value request means "everything the
// subscription's own filter admits" and completes initial-state loading.
type SnapshotRequest[T any] struct {
	Where         changes.Predicate[T]
	WhereExpr     query.Expr
	OptimizedOnly bool
}

func (r SnapshotRequest[T]) zero() bool {
	return r.Where == nil && r.WhereExpr == nil && !r.OptimizedOnly
}

// ChangesSubscription is one subscriber's view of a collection's batched
// change stream (spec §4.F). All state is owned by the collection's run
// loop; the exported methods marshal onto it. The listener runs on the run
// loop too, so it must not call back into blocking collection methods.
type ChangesSubscription[T any, K comparable] struct {
	c  *Collection[T, K]
	id int

	listener  BatchListener[T, K]
	where     changes.Predicate[T]
	whereExpr query.Expr

	sentKeys           map[K]struct{}
	loadedInitialState bool
	snapshotSent       bool
	status             Status
	outstandingLoads   int

	// localIndexExhausted is set when a limited snapshot drains the range
	// index before filling its limit, and cleared only by a subsequent
	// insert event — never by an update or delete (spec §4.F termination
	// safeguard).
	localIndexExhausted bool
	cursor              *index.Cursor[K]

	closed bool
}

// SubscribeChanges registers listener to receive batched change messages.
// Unless opts.ExcludeInitialState is set, the current matching state is
// delivered immediately as one batch of insert messages (spec §4.F
// subscribeChanges, includeInitialState=true default).
func (c *Collection[T, K]) SubscribeChanges(listener BatchListener[T, K], opts SubscribeChangesOptions[T]) *ChangesSubscription[T, K] {
	return submit(c, func() *ChangesSubscription[T, K] {
		c.ensureStartedLocked()
		c.disarmGCTimerLocked()
		c.activeSubscribers++
		c.autoIndexLocked(opts.WhereExpr)

		where := opts.Where
		if where == nil && opts.WhereExpr != nil {
			where = query.ItemPredicate[T](opts.WhereExpr)
		}

		id := c.nextChangeSubID
		c.nextChangeSubID++
		sub := &ChangesSubscription[T, K]{
			c:         c,
			id:        id,
			listener:  listener,
			where:     where,
			whereExpr: opts.WhereExpr,
			sentKeys:  make(map[K]struct{}),
			status:    StatusReady,
		}
		c.changeSubs[id] = sub
		c.changeSubOrder = append(c.changeSubOrder, id)

		if !opts.ExcludeInitialState {
			msgs, _ := c.currentStateAsChangesLocked(CurrentStateOptions[T]{Where: where})
			sub.markSent(msgs)
			sub.loadedInitialState = true
			sub.snapshotSent = true
			if len(msgs) > 0 {
				deliverBatchSafely(sub.listener, msgs)
			}
		}
		return sub
	})
}

// Unsubscribe removes the subscription; the last subscriber leaving arms
// the collection GC timer. Safe to call more than once.
func (s *ChangesSubscription[T, K]) Unsubscribe() {
	submit(s.c, func() any {
		if s.closed {
			return nil
		}
		s.closed = true
		delete(s.c.changeSubs, s.id)
		for i, id := range s.c.changeSubOrder {
			if id == s.id {
				s.c.changeSubOrder = append(s.c.changeSubOrder[:i], s.c.changeSubOrder[i+1:]...)
				break
			}
		}
		s.c.activeSubscribers--
		if s.c.activeSubscribers == 0 {
			s.c.armGCTimerLocked()
		}
		return nil
	})
}

// Status reports ready or loadingMore (spec §4.F per-subscriber status).
func (s *ChangesSubscription[T, K]) Status() Status {
	return submit(s.c, func() Status { return s.status })
}

// LoadedInitialState reports whether the full initial snapshot has been
// delivered.
func (s *ChangesSubscription[T, K]) LoadedInitialState() bool {
	return submit(s.c, func() bool { return s.loadedInitialState })
}

// RequestSnapshot delivers the collection's current matching state, minus
// already-sent keys, as one batch of inserts. A no-op once the initial
// state has fully loaded. Returns false when req.OptimizedOnly is set and
// no index can serve the combined filter (spec §4.F requestSnapshot).
func (s *ChangesSubscription[T, K]) RequestSnapshot(req SnapshotRequest[T]) bool {
	return submit(s.c, func() bool {
		if s.closed || s.loadedInitialState {
			return true
		}
		combined := s.where
		if req.Where != nil {
			sub, extra := s.where, req.Where
			if sub == nil {
				combined = extra
			} else {
				combined = func(v T) bool { return sub(v) && extra(v) }
			}
		}
		expr := req.WhereExpr
		if expr == nil {
			expr = s.whereExpr
		}
		msgs, served := s.c.currentStateAsChangesLocked(CurrentStateOptions[T]{
			Where:         combined,
			WhereExpr:     expr,
			OptimizedOnly: req.OptimizedOnly,
		})
		if !served {
			return false
		}
		fresh := msgs[:0:0]
		for _, m := range msgs {
			if _, sent := s.sentKeys[m.Key]; sent {
				continue
			}
			fresh = append(fresh, m)
		}
		s.markSent(fresh)
		s.snapshotSent = true
		if req.zero() {
			s.loadedInitialState = true
		}
		if len(fresh) > 0 {
			deliverBatchSafely(s.listener, fresh)
		}
		return true
	})
}

// RequestLimitedSnapshot delivers up to limit not-yet-sent rows in the
// order of the range index over field, resuming strictly after the cursor
// left by the previous call (spec §4.F requestLimitedSnapshot). Rows
// failing the subscription's filter are skipped without counting toward
// limit. When the index drains before limit is filled the subscription is
// marked locally exhausted; further calls are no-ops until a new insert
// event arrives.
func (s *ChangesSubscription[T, K]) RequestLimitedSnapshot(field string, limit int) (int, error) {
	type result struct {
		n   int
		err error
	}
	r := submit(s.c, func() result {
		if s.closed || limit <= 0 || s.localIndexExhausted {
			return result{}
		}
		ri := s.c.indexFor(field)
		if ri == nil || ri.bt == nil {
			return result{err: &errs.ConfigError{
				Field:  field,
				Reason: "limited snapshot requires a range index over this field",
			}}
		}

		filter := func(k K) bool {
			if _, sent := s.sentKeys[k]; sent {
				return false
			}
			v, present := s.c.viewLocked(k)
			if !present {
				return false
			}
			return s.where == nil || s.where(v)
		}

		var batch []changes.Message[T, K]
		for len(batch) < limit {
			keys, next, ok := ri.bt.Take(limit-len(batch), s.cursor, filter)
			for _, k := range keys {
				v, present := s.c.viewLocked(k)
				if !present {
					continue
				}
				batch = append(batch, changes.Message[T, K]{Type: changes.Insert, Key: k, Value: v})
			}
			if !ok {
				s.localIndexExhausted = true
				break
			}
			s.cursor = &next
		}

		s.markSent(batch)
		s.snapshotSent = true
		if len(batch) > 0 {
			deliverBatchSafely(s.listener, batch)
		}
		return result{n: len(batch)}
	})
	return r.n, r.err
}

// LoadMore asks the sync source for more data, tracking the outstanding
// request so Status reports loadingMore until every overlapping request
// settles — resolutions and rejections both unblock (spec §4.F loadMore
// integration). A source without LoadMore makes this a no-op.
func (s *ChangesSubscription[T, K]) LoadMore(ctx context.Context) error {
	fn := s.c.cfg.Sync.LoadMore
	if fn == nil {
		return nil
	}
	s.beginLoad()
	err := fn(ctx)
	s.endLoad()
	return err
}

// LoadSubset asks the sync source for a filtered/limited subset, with the
// same status tracking as LoadMore. The bool reports whether the source
// could honor the request shape at all (spec §6.1 loadSubset).
func (s *ChangesSubscription[T, K]) LoadSubset(ctx context.Context, opts LoadSubsetOptions) (bool, error) {
	fn := s.c.cfg.Sync.LoadSubset
	if fn == nil {
		return false, nil
	}
	s.beginLoad()
	ok, err := fn(ctx, opts)
	s.endLoad()
	return ok, err
}

func (s *ChangesSubscription[T, K]) beginLoad() {
	submit(s.c, func() any {
		s.outstandingLoads++
		s.status = StatusLoadingMore
		if s.c.status == StatusReady {
			s.c.status = StatusLoadingMore
		}
		return nil
	})
}

func (s *ChangesSubscription[T, K]) endLoad() {
	submit(s.c, func() any {
		s.outstandingLoads--
		if s.outstandingLoads > 0 {
			return nil
		}
		s.status = StatusReady
		for _, other := range s.c.changeSubs {
			if other.outstandingLoads > 0 {
				return nil
			}
		}
		if s.c.status == StatusLoadingMore {
			s.c.status = StatusReady
		}
		return nil
	})
}

func (s *ChangesSubscription[T, K]) markSent(msgs []changes.Message[T, K]) {
	for _, m := range msgs {
		s.sentKeys[m.Key] = struct{}{}
	}
}

// flushBatchLocked fans the buffered emit batch out to every change
// subscription, applying each one's filter and the not-yet-sent flip: an
// update for an unseen key becomes an insert, a delete for an unseen key
// is dropped, so downstream never sees an update or delete for a key it
// was never handed (spec §4.F emitEvents).
func (c *Collection[T, K]) flushBatchLocked() {
	if len(c.batchBuf) == 0 {
		return
	}
	batch := c.batchBuf
	c.batchBuf = nil
	for _, id := range c.changeSubOrder {
		sub, ok := c.changeSubs[id]
		if !ok {
			continue
		}
		if out := sub.transform(batch); len(out) > 0 {
			deliverBatchSafely(sub.listener, out)
		}
	}
}

func (s *ChangesSubscription[T, K]) transform(batch []changes.Message[T, K]) []changes.Message[T, K] {
	var out []changes.Message[T, K]
	for _, m := range batch {
		if m.Type == changes.Insert {
			// Only a genuinely new row can fill a previously-drained
			// limited snapshot; resume from the top of the index so the
			// newcomer is not skipped by a stale cursor.
			if s.localIndexExhausted {
				s.localIndexExhausted = false
				s.cursor = nil
			}
		}

		_, sent := s.sentKeys[m.Key]
		matches := m.Type == changes.Delete || s.where == nil || s.where(m.Value)

		switch {
		case !sent && m.Type == changes.Delete:
			// never seen, nothing to retract
		case !sent && matches:
			s.sentKeys[m.Key] = struct{}{}
			out = append(out, changes.Message[T, K]{Type: changes.Insert, Key: m.Key, Value: m.Value})
		case !sent:
			// unseen and filtered out: still invisible
		case sent && m.Type == changes.Delete:
			delete(s.sentKeys, m.Key)
			out = append(out, m)
		case sent && matches:
			out = append(out, m)
		default:
			// crossed the predicate boundary outward: synthesize a delete
			delete(s.sentKeys, m.Key)
			prev := m.PreviousValue
			out = append(out, changes.Message[T, K]{Type: changes.Delete, Key: m.Key, PreviousValue: prev})
		}
	}
	return out
}

// deliverBatchSafely isolates a batch listener's panic from the run loop,
// same policy as dispatchSafely for single-message listeners.
func deliverBatchSafely[T any, K comparable](l BatchListener[T, K], batch []changes.Message[T, K]) {
	defer func() { _ = recover() }()
	l(batch)
}
