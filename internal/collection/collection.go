package collection

import (
	"context"
	"reflect"
	"sort"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/clock"
	"github.com/arborq/arbor/internal/errs"
	"github.com/arborq/arbor/internal/index"
	"github.com/arborq/arbor/internal/ordered"
	"github.com/arborq/arbor/internal/query"
	"github.com/arborq/arbor/internal/txn"
)

// Collection is the keyed optimistic-overlay container of spec §3.1/§4.E.
// All state is owned by a single run-loop goroutine; public methods submit
// closures onto cmdCh and block for the result, giving multi-goroutine
// callers the same "synchronous within one mutation" guarantees a
// single-threaded event loop gives the original implementation.
type Collection[T any, K comparable] struct {
	id  string
	cfg Config[T, K]
	mgr *txn.Manager
	clk clock.Clock

	cmdCh chan func()

	// --- run-loop-owned state below; never touch from outside cmdCh ---
	syncedData     *ordered.Map[K, T]
	syncedMetadata map[K]any
	derivedUpserts map[K]T
	derivedDeletes map[K]struct{}

	activeTx      map[string]*txn.Transaction
	activeTxOrder []*txn.Transaction

	status                 Status
	hasReceivedFirstCommit bool
	firstCommitCallbacks   []func()
	activeSubscribers      int
	generation             int
	gcTimer                clock.Timer

	listeners    map[int]changes.Listener[T, K]
	keyListeners map[K][]keyListenerEntry[T, K]

	subs              map[int]*Subscription[T, K]
	nextSubID         int
	nextKeyListenerID int

	changeSubs      map[int]*ChangesSubscription[T, K]
	changeSubOrder  []int
	nextChangeSubID int
	batchBuf        []changes.Message[T, K]

	pendingSync         []pendingSyncOp[T]
	syncCommitRequested bool

	indices []*registeredIndex[T, K]

	cleanupFn func()

	// preloadGroup dedups concurrent Preload/StateWhenReady/ToArrayWhenReady
	// callers into one run-loop round trip: otherwise N callers waiting on
	// the same not-yet-ready collection would each submit their own
	// redundant callback registration onto cmdCh.
	preloadGroup singleflight.Group
}

type pendingSyncOp[T any] struct {
	write    Write[T]
	truncate bool
}

type keyListenerEntry[T any, K comparable] struct {
	id int
	fn changes.Listener[T, K]
}

type registeredIndex[T any, K comparable] struct {
	field     string
	extractor func(T) any
	eq        *index.EqualityIndex[K]
	bt        *index.BTreeIndex[K]
}

// pair is a two-value return shuttle for submit(), whose signature only
// carries a single generic result type.
type pair[A any, B any] struct {
	First  A
	Second B
}

// New creates a collection. If cfg.StartSync is nil or true, sync begins
// immediately; otherwise sync is deferred until the first access or
// subscription (spec §3.1 idle -> loading transition).
func New[T any, K comparable](mgr *txn.Manager, cfg Config[T, K]) (*Collection[T, K], error) {
	if cfg.GetKey == nil {
		return nil, &errs.ConfigError{Field: "GetKey", Reason: "required"}
	}
	if cfg.RawOptions != nil {
		if err := ValidateRawOptions(cfg.RawOptions); err != nil {
			return nil, err
		}
	}
	if cfg.GCTime == 0 {
		cfg.GCTime = defaultGCTime
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Collection[T, K]{
		id:             cfg.ID,
		cfg:            cfg,
		mgr:            mgr,
		clk:            clk,
		cmdCh:          make(chan func(), 64),
		syncedData:     ordered.NewMap[K, T](defaultKeyCmp[K]()),
		syncedMetadata: make(map[K]any),
		derivedUpserts: make(map[K]T),
		derivedDeletes: make(map[K]struct{}),
		activeTx:       make(map[string]*txn.Transaction),
		status:         StatusIdle,
		listeners:      make(map[int]changes.Listener[T, K]),
		keyListeners:   make(map[K][]keyListenerEntry[T, K]),
		subs:           make(map[int]*Subscription[T, K]),
		changeSubs:     make(map[int]*ChangesSubscription[T, K]),
	}
	go c.run()

	mgr.OnOverlayChanged(c.id, func() {
		c.cmdCh <- func() {
			c.recompute()
			// A transaction leaving persisting may reopen the sync-commit
			// gate (spec §4.E): flush anything the gate held back.
			c.maybeApplySyncLocked()
		}
	})

	start := (cfg.StartSync == nil || *cfg.StartSync) && cfg.SyncMode != SyncOnDemand
	if start {
		submit(c, func() any { c.startSyncLocked(); return nil })
	}
	return c, nil
}

// CollectionID implements txn.CollectionRef.
func (c *Collection[T, K]) CollectionID() string { return c.id }

func (c *Collection[T, K]) run() {
	for fn := range c.cmdCh {
		fn()
	}
}

func submit[T any, K comparable, R any](c *Collection[T, K], fn func() R) R {
	resCh := make(chan R, 1)
	c.cmdCh <- func() { resCh <- fn() }
	return <-resCh
}

func defaultKeyCmp[K comparable]() ordered.Comparator[K] {
	return func(a, b K) int {
		av, bv := any(a), any(b)
		switch x := av.(type) {
		case string:
			y := bv.(string)
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		case int:
			y := bv.(int)
			return x - y
		default:
			as := reflect.ValueOf(av)
			bs := reflect.ValueOf(bv)
			if as.Kind() == reflect.Int64 || as.Kind() == reflect.Int32 {
				ai, bi := as.Int(), bs.Int()
				switch {
				case ai < bi:
					return -1
				case ai > bi:
					return 1
				default:
					return 0
				}
			}
			as2 := stringize(av)
			bs2 := stringize(bv)
			switch {
			case as2 < bs2:
				return -1
			case as2 > bs2:
				return 1
			default:
				return 0
			}
		}
	}
}

func stringize(v any) string {
	return reflect.ValueOf(v).String()
}

// deriveView computes the derived value for k against the given overlay
// maps: deleted(k) ? absent : upsert(k) ?? synced(k) (spec §3.1).
func (c *Collection[T, K]) deriveView(k K, upserts map[K]T, deletes map[K]struct{}) (T, bool) {
	if _, deleted := deletes[k]; deleted {
		var zero T
		return zero, false
	}
	if v, ok := upserts[k]; ok {
		return v, true
	}
	return c.syncedData.Get(k)
}

func (c *Collection[T, K]) viewLocked(k K) (T, bool) {
	return c.deriveView(k, c.derivedUpserts, c.derivedDeletes)
}

func (c *Collection[T, K]) ensureStartedLocked() {
	if c.status == StatusCleanedUp || c.status == StatusIdle {
		c.startSyncLocked()
	}
}

func (c *Collection[T, K]) startSyncLocked() {
	if c.cfg.Sync.Sync == nil {
		c.status = StatusReady
		c.markFirstCommitLocked()
		return
	}
	c.generation++
	gen := c.generation
	c.status = StatusLoading
	ctrl := &syncController[T, K]{c: c, generation: gen}
	go func() {
		cleanup, err := c.cfg.Sync.Sync(context.Background(), ctrl)
		c.cmdCh <- func() {
			if c.generation != gen {
				if cleanup != nil {
					cleanup()
				}
				return
			}
			if err != nil {
				c.status = StatusError
				return
			}
			c.cleanupFn = cleanup
		}
	}()
}

func (c *Collection[T, K]) markFirstCommitLocked() {
	if c.hasReceivedFirstCommit {
		return
	}
	c.hasReceivedFirstCommit = true
	cbs := c.firstCommitCallbacks
	c.firstCommitCallbacks = nil
	for _, cb := range cbs {
		cb()
	}
}

// --- mutation path (spec §4.E insert/update/delete) ---

type mutationResult struct {
	tx          *txn.Transaction
	createdHere bool
	err         error
}

func (r mutationResult) finish(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	if r.createdHere {
		return r.tx.Commit(ctx)
	}
	return nil
}

// Insert adds one or more values, each under its derived key, as a single
// transaction. Fails with DuplicateKeyError if any key already exists in
// the derived view (or twice within the batch), or SchemaValidationError
// if a Schema validator rejects a value. Inserting nothing is a no-op.
func (c *Collection[T, K]) Insert(ctx context.Context, values ...T) error {
	if len(values) == 0 {
		return nil
	}
	if c.cfg.Schema != nil {
		for _, v := range values {
			if res := c.cfg.Schema.Validate(v); !res.OK() {
				return &errs.SchemaValidationError{Type: "insert", Issues: res.Issues}
			}
		}
	}
	r := submit(c, func() mutationResult {
		c.ensureStartedLocked()
		seen := make(map[K]struct{}, len(values))
		specs := make([]mutationSpec[K], 0, len(values))
		for _, v := range values {
			key := c.cfg.GetKey(v)
			if _, dup := seen[key]; dup {
				return mutationResult{err: &errs.DuplicateKeyError{Key: key, Origin: "user"}}
			}
			if _, ok := c.viewLocked(key); ok {
				return mutationResult{err: &errs.DuplicateKeyError{Key: key, Origin: "user"}}
			}
			seen[key] = struct{}{}
			specs = append(specs, mutationSpec[K]{key: key, modified: v})
		}
		tx, createdHere, err := c.beginMutationsLocked(ctx, txn.MutationInsert, specs)
		return mutationResult{tx: tx, createdHere: createdHere, err: err}
	})
	return r.finish(ctx)
}

// Update applies updateFn to the current derived value at key and writes
// the result. Fails with UnknownKeyError if key is not present, or
// KeyMutationError if updateFn's result hashes to a different key.
func (c *Collection[T, K]) Update(ctx context.Context, key K, updateFn func(T) T) error {
	return c.UpdateMany(ctx, []K{key}, updateFn)
}

// UpdateMany applies updateFn to every listed key, recording all resulting
// mutations in one transaction. Each mutation's Changes carries only the
// fields updateFn actually altered, diffed against the prior value. Fails
// with EmptyKeysError for an empty key array, UnknownKeyError for a
// missing key, and KeyMutationError if updateFn's result hashes to a
// different key.
func (c *Collection[T, K]) UpdateMany(ctx context.Context, keys []K, updateFn func(T) T) error {
	if len(keys) == 0 {
		return &errs.EmptyKeysError{Op: "update"}
	}
	r := submit(c, func() mutationResult {
		c.ensureStartedLocked()
		specs := make([]mutationSpec[K], 0, len(keys))
		for _, key := range keys {
			current, ok := c.viewLocked(key)
			if !ok {
				return mutationResult{err: &errs.UnknownKeyError{Key: key, Op: "update"}}
			}
			modified := updateFn(current)
			if newKey := c.cfg.GetKey(modified); newKey != key {
				return mutationResult{err: &errs.KeyMutationError{OriginalKey: key, ModifiedKey: newKey}}
			}
			if c.cfg.Schema != nil {
				if res := c.cfg.Schema.Validate(modified); !res.OK() {
					return mutationResult{err: &errs.SchemaValidationError{Type: "update", Issues: res.Issues}}
				}
			}
			specs = append(specs, mutationSpec[K]{
				key:      key,
				original: current,
				modified: modified,
				changes:  diffChanges(current, modified),
			})
		}
		tx, createdHere, err := c.beginMutationsLocked(ctx, txn.MutationUpdate, specs)
		return mutationResult{tx: tx, createdHere: createdHere, err: err}
	})
	return r.finish(ctx)
}

// UpdatePartial merges patch onto the current value via mergo.Map and
// writes the merged result, recording patch's keys as the transaction's
// field-level change set (spec §4.D "changes" bookkeeping used by merge).
func (c *Collection[T, K]) UpdatePartial(ctx context.Context, key K, patch map[string]any) error {
	r := submit(c, func() mutationResult {
		c.ensureStartedLocked()
		current, ok := c.viewLocked(key)
		if !ok {
			return mutationResult{err: &errs.UnknownKeyError{Key: key, Op: "update"}}
		}
		modified := current
		if err := mergo.Map(&modified, patch, mergo.WithOverride); err != nil {
			return mutationResult{err: err}
		}
		if newKey := c.cfg.GetKey(modified); newKey != key {
			return mutationResult{err: &errs.KeyMutationError{OriginalKey: key, ModifiedKey: newKey}}
		}
		if c.cfg.Schema != nil {
			if res := c.cfg.Schema.Validate(modified); !res.OK() {
				return mutationResult{err: &errs.SchemaValidationError{Type: "update", Issues: res.Issues}}
			}
		}
		tx, createdHere, err := c.beginMutationsLocked(ctx, txn.MutationUpdate, []mutationSpec[K]{
			{key: key, original: current, modified: modified, changes: patch},
		})
		return mutationResult{tx: tx, createdHere: createdHere, err: err}
	})
	return r.finish(ctx)
}

// Delete removes one or more keys from the derived view as a single
// transaction. Fails with EmptyKeysError when no keys are given, or
// UnknownKeyError if any key is not currently present.
func (c *Collection[T, K]) Delete(ctx context.Context, keys ...K) error {
	if len(keys) == 0 {
		return &errs.EmptyKeysError{Op: "delete"}
	}
	r := submit(c, func() mutationResult {
		c.ensureStartedLocked()
		specs := make([]mutationSpec[K], 0, len(keys))
		for _, key := range keys {
			current, ok := c.viewLocked(key)
			if !ok {
				return mutationResult{err: &errs.UnknownKeyError{Key: key, Op: "delete"}}
			}
			specs = append(specs, mutationSpec[K]{key: key, original: current, modified: current})
		}
		tx, createdHere, err := c.beginMutationsLocked(ctx, txn.MutationDelete, specs)
		return mutationResult{tx: tx, createdHere: createdHere, err: err}
	})
	return r.finish(ctx)
}

// mutationSpec is one validated entry of a mutation batch, ready to be
// turned into a PendingMutation.
type mutationSpec[K comparable] struct {
	key      K
	original any
	modified any
	changes  map[string]any
}

// beginMutationsLocked merges a batch of PendingMutations into the ambient
// transaction carried by ctx, or a freshly begun auto-commit transaction
// if none is ambient (spec §3.2's dynamic mutate-callback scoping,
// expressed via context propagation — see internal/txn/ambient.go). Caller
// must be on the run-loop goroutine and must have validated every spec
// already. It returns createdHere=true when the caller owns committing
// the returned transaction.
func (c *Collection[T, K]) beginMutationsLocked(ctx context.Context, mt txn.MutationType, specs []mutationSpec[K]) (*txn.Transaction, bool, error) {
	tx, ambient := txn.AmbientFrom(ctx)
	createdHere := false
	if !ambient {
		if !c.handlerConfiguredFor(mt) {
			return nil, false, &errs.MissingHandlerError{Op: string(mt)}
		}
		createdHere = true
		tx = c.mgr.Begin(c.mutationFnFor(mt), true, nil, nil)
	}

	for _, sp := range specs {
		pm := &txn.PendingMutation{
			Type:       mt,
			Key:        sp.key,
			Original:   sp.original,
			Modified:   sp.modified,
			Changes:    sp.changes,
			Collection: c,
		}
		if err := c.mgr.Mutate(tx, pm); err != nil {
			return nil, createdHere, err
		}
	}

	if _, ok := c.activeTx[tx.ID]; !ok {
		c.activeTx[tx.ID] = tx
		c.activeTxOrder = append(c.activeTxOrder, tx)
	}
	c.recompute()
	return tx, createdHere, nil
}

// diffChanges computes the field-level change set between two versions of
// an item: only fields whose value actually differs appear, with the new
// value (a field dropped between versions maps to nil). This is the
// post-hoc equivalent of a change-tracked draft for the callback-style
// Update path.
func diffChanges(before, after any) map[string]any {
	bm, errB := query.ItemRow(before)
	am, errA := query.ItemRow(after)
	if errB != nil || errA != nil {
		return nil
	}
	out := make(map[string]any)
	for k, av := range am {
		if bv, ok := bm[k]; !ok || !reflect.DeepEqual(bv, av) {
			out[k] = av
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			out[k] = nil
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Collection[T, K]) handlerConfiguredFor(mt txn.MutationType) bool {
	switch mt {
	case txn.MutationInsert:
		return c.cfg.OnInsert != nil
	case txn.MutationUpdate:
		return c.cfg.OnUpdate != nil
	case txn.MutationDelete:
		return c.cfg.OnDelete != nil
	}
	return false
}

func (c *Collection[T, K]) mutationFnFor(mt txn.MutationType) txn.MutationFn {
	return func(ctx context.Context, tx *txn.Transaction) error {
		switch mt {
		case txn.MutationInsert:
			if c.cfg.OnInsert == nil {
				return nil
			}
			var items []T
			for _, pm := range tx.Mutations() {
				if pm.Collection.CollectionID() != c.id || pm.Type != txn.MutationInsert {
					continue
				}
				if v, ok := pm.Modified.(T); ok {
					items = append(items, v)
				}
			}
			return c.cfg.OnInsert(ctx, tx, items)
		case txn.MutationUpdate:
			if c.cfg.OnUpdate == nil {
				return nil
			}
			return c.cfg.OnUpdate(ctx, tx, c.collectionKeysOf(tx, txn.MutationUpdate))
		case txn.MutationDelete:
			if c.cfg.OnDelete == nil {
				return nil
			}
			return c.cfg.OnDelete(ctx, tx, c.collectionKeysOf(tx, txn.MutationDelete))
		}
		return nil
	}
}

func (c *Collection[T, K]) collectionKeysOf(tx *txn.Transaction, mt txn.MutationType) []K {
	var keys []K
	for _, pm := range tx.Mutations() {
		if pm.Collection.CollectionID() != c.id || pm.Type != mt {
			continue
		}
		if k, ok := pm.Key.(K); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// recompute rebuilds derivedUpserts/derivedDeletes from every non-terminal
// transaction this collection has ever been mutated through (spec §4.E
// "recompute optimistic state"), diffs the result against the prior
// overlay, maintains index membership, and emits change messages for every
// key whose derived view actually changed. Caller must be on the run-loop
// goroutine.
func (c *Collection[T, K]) recompute() {
	newUpserts := make(map[K]T)
	newDeletes := make(map[K]struct{})

	live := c.activeTxOrder[:0:0]
	for _, tx := range c.activeTxOrder {
		switch tx.State() {
		case txn.StateCompleted:
			delete(c.activeTx, tx.ID)
			// A handler that resolved without producing any sync write has
			// no server echo coming: fold the final mutation values into
			// the baseline so the committed data is not silently dropped.
			// Buffered sync data means the server is about to speak — let
			// it win instead (spec §4.E completed-tx semantics, §8
			// scenario 1).
			if len(c.pendingSync) == 0 && !c.syncCommitRequested {
				c.foldCompletedLocked(tx)
			}
			continue
		case txn.StateFailed:
			delete(c.activeTx, tx.ID)
			continue
		}
		live = append(live, tx)
		for _, pm := range tx.Mutations() {
			if pm.Collection.CollectionID() != c.id {
				continue
			}
			k, ok := pm.Key.(K)
			if !ok {
				continue
			}
			switch pm.Type {
			case txn.MutationInsert, txn.MutationUpdate:
				if v, ok := pm.Modified.(T); ok {
					newUpserts[k] = v
					delete(newDeletes, k)
				}
			case txn.MutationDelete:
				newDeletes[k] = struct{}{}
				delete(newUpserts, k)
			}
		}
	}
	c.activeTxOrder = live

	affected := make(map[K]struct{})
	for k := range c.derivedUpserts {
		affected[k] = struct{}{}
	}
	for k := range c.derivedDeletes {
		affected[k] = struct{}{}
	}
	for k := range newUpserts {
		affected[k] = struct{}{}
	}
	for k := range newDeletes {
		affected[k] = struct{}{}
	}

	oldUpserts, oldDeletes := c.derivedUpserts, c.derivedDeletes
	c.derivedUpserts, c.derivedDeletes = newUpserts, newDeletes

	for k := range affected {
		oldVal, oldOK := c.deriveView(k, oldUpserts, oldDeletes)
		newVal, newOK := c.deriveView(k, newUpserts, newDeletes)
		c.updateIndicesLocked(k, oldVal, oldOK, newVal, newOK)

		switch {
		case !oldOK && newOK:
			c.emitLocked(changes.Message[T, K]{Type: changes.Insert, Key: k, Value: newVal})
		case oldOK && !newOK:
			ov := oldVal
			c.emitLocked(changes.Message[T, K]{Type: changes.Delete, Key: k, PreviousValue: &ov})
		case oldOK && newOK && !reflect.DeepEqual(oldVal, newVal):
			ov := oldVal
			c.emitLocked(changes.Message[T, K]{Type: changes.Update, Key: k, Value: newVal, PreviousValue: &ov})
		}
	}

	c.flushBatchLocked()
}

// foldCompletedLocked writes a completed transaction's mutations for this
// collection into syncedData. Called only when no sync-sourced data is
// buffered; the subsequent diff sees an unchanged view, so no events fire.
func (c *Collection[T, K]) foldCompletedLocked(tx *txn.Transaction) {
	for _, pm := range tx.Mutations() {
		if pm.Collection.CollectionID() != c.id {
			continue
		}
		k, ok := pm.Key.(K)
		if !ok {
			continue
		}
		switch pm.Type {
		case txn.MutationInsert, txn.MutationUpdate:
			if v, ok := pm.Modified.(T); ok {
				c.syncedData.Set(k, v)
			}
		case txn.MutationDelete:
			c.syncedData.Delete(k)
			delete(c.syncedMetadata, k)
		}
	}
}

func (c *Collection[T, K]) updateIndicesLocked(k K, oldVal T, oldOK bool, newVal T, newOK bool) {
	for _, ri := range c.indices {
		if oldOK {
			ov := ri.extractor(oldVal)
			if ri.eq != nil {
				ri.eq.Remove(k, ov)
			}
			if ri.bt != nil {
				ri.bt.Remove(k, ov)
			}
		}
		if newOK {
			nv := ri.extractor(newVal)
			if ri.eq != nil {
				ri.eq.Add(k, nv)
			}
			if ri.bt != nil {
				ri.bt.Add(k, nv)
			}
		}
	}
}

func (c *Collection[T, K]) emitLocked(msg changes.Message[T, K]) {
	for _, l := range c.listeners {
		dispatchSafely(l, msg)
	}
	for _, e := range c.keyListeners[msg.Key] {
		dispatchSafely(e.fn, msg)
	}
	if len(c.changeSubs) > 0 {
		c.batchBuf = append(c.batchBuf, msg)
	}
}

// dispatchSafely isolates one listener's panic from the run loop, per the
// isolate-listener-errors policy (SPEC_FULL §9): a broken subscriber must
// not take down the collection or any other subscriber.
func dispatchSafely[T any, K comparable](l changes.Listener[T, K], msg changes.Message[T, K]) {
	defer func() { _ = recover() }()
	l(msg)
}

// --- read accessors ---

func (c *Collection[T, K]) Get(k K) (T, bool) {
	p := submit(c, func() pair[T, bool] {
		c.ensureStartedLocked()
		v, ok := c.viewLocked(k)
		return pair[T, bool]{v, ok}
	})
	return p.First, p.Second
}

func (c *Collection[T, K]) Has(k K) bool {
	_, ok := c.Get(k)
	return ok
}

func (c *Collection[T, K]) keysLocked() []K {
	var out []K
	for _, k := range c.syncedData.Keys() {
		if _, deleted := c.derivedDeletes[k]; deleted {
			continue
		}
		out = append(out, k)
	}
	for k := range c.derivedUpserts {
		if !c.syncedData.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (c *Collection[T, K]) Keys() []K {
	return submit(c, func() []K {
		c.ensureStartedLocked()
		return c.keysLocked()
	})
}

func (c *Collection[T, K]) Values() []T {
	return submit(c, func() []T {
		c.ensureStartedLocked()
		keys := c.keysLocked()
		out := make([]T, 0, len(keys))
		for _, k := range keys {
			v, _ := c.viewLocked(k)
			out = append(out, v)
		}
		return out
	})
}

type Entry[T any, K comparable] struct {
	Key   K
	Value T
}

func (c *Collection[T, K]) Entries() []Entry[T, K] {
	return submit(c, func() []Entry[T, K] {
		c.ensureStartedLocked()
		keys := c.keysLocked()
		out := make([]Entry[T, K], 0, len(keys))
		for _, k := range keys {
			v, _ := c.viewLocked(k)
			out = append(out, Entry[T, K]{Key: k, Value: v})
		}
		return out
	})
}

func (c *Collection[T, K]) Size() int {
	return submit(c, func() int {
		c.ensureStartedLocked()
		return len(c.keysLocked())
	})
}

func (c *Collection[T, K]) ToArray() []T { return c.Values() }

func (c *Collection[T, K]) State() map[K]T {
	return submit(c, func() map[K]T {
		c.ensureStartedLocked()
		out := make(map[K]T)
		for _, k := range c.keysLocked() {
			out[k], _ = c.viewLocked(k)
		}
		return out
	})
}

func (c *Collection[T, K]) GetSyncedValue(k K) (T, bool) {
	p := submit(c, func() pair[T, bool] {
		v, ok := c.syncedData.Get(k)
		return pair[T, bool]{v, ok}
	})
	return p.First, p.Second
}

func (c *Collection[T, K]) GetSyncedMetadata(k K) (any, bool) {
	p := submit(c, func() pair[any, bool] {
		v, ok := c.syncedMetadata[k]
		return pair[any, bool]{v, ok}
	})
	return p.First, p.Second
}

func (c *Collection[T, K]) GetStatus() Status {
	return submit(c, func() Status { return c.status })
}

// Stats is the supplemented introspection surface (SPEC_FULL §11).
func (c *Collection[T, K]) Stats() Stats {
	return submit(c, func() Stats {
		return Stats{
			Size:             len(c.keysLocked()),
			PendingMutations: len(c.derivedUpserts) + len(c.derivedDeletes),
			TransactionCount: len(c.activeTx),
			Status:           c.status,
		}
	})
}

func (c *Collection[T, K]) OnFirstCommit(cb func()) {
	submit(c, func() any {
		if c.hasReceivedFirstCommit {
			cb()
		} else {
			c.firstCommitCallbacks = append(c.firstCommitCallbacks, cb)
		}
		return nil
	})
}

func (c *Collection[T, K]) Preload(ctx context.Context) error {
	ch := c.preloadGroup.DoChan("preload", func() (any, error) {
		done := make(chan struct{})
		submit(c, func() any {
			c.ensureStartedLocked()
			if c.hasReceivedFirstCommit {
				close(done)
			} else {
				c.firstCommitCallbacks = append(c.firstCommitCallbacks, func() { close(done) })
			}
			return nil
		})
		<-done
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collection[T, K]) StateWhenReady(ctx context.Context) (map[K]T, error) {
	if err := c.Preload(ctx); err != nil {
		return nil, err
	}
	return c.State(), nil
}

func (c *Collection[T, K]) ToArrayWhenReady(ctx context.Context) ([]T, error) {
	if err := c.Preload(ctx); err != nil {
		return nil, err
	}
	return c.ToArray(), nil
}

// CurrentStateAsChanges returns the current derived view as a batch of
// insert ChangeMessages, honoring Where/WhereExpr/OrderBy/Limit (spec §4.F
// requestSnapshot). ok is false if OptimizedOnly is set and no index could
// serve the request.
func (c *Collection[T, K]) CurrentStateAsChanges(opts CurrentStateOptions[T]) (msgs []changes.Message[T, K], ok bool) {
	p := submit(c, func() pair[[]changes.Message[T, K], bool] {
		c.ensureStartedLocked()
		out, served := c.currentStateAsChangesLocked(opts)
		return pair[[]changes.Message[T, K], bool]{out, served}
	})
	return p.First, p.Second
}

func (c *Collection[T, K]) currentStateAsChangesLocked(opts CurrentStateOptions[T]) ([]changes.Message[T, K], bool) {
	var exprPred changes.Predicate[T]
	if opts.WhereExpr != nil {
		exprPred = query.ItemPredicate[T](opts.WhereExpr)
	}
	match := func(v T) bool {
		if opts.Where != nil && !opts.Where(v) {
			return false
		}
		return exprPred == nil || exprPred(v)
	}
	finish := func(out []changes.Message[T, K]) []changes.Message[T, K] {
		if opts.OrderBy != nil {
			sort.SliceStable(out, func(i, j int) bool {
				return opts.OrderBy(out[i].Value, out[j].Value) < 0
			})
		}
		if opts.Limit > 0 && len(out) > opts.Limit {
			out = out[:opts.Limit]
		}
		return out
	}

	// Index-served path: an eq(field, literal) filter whose field has a
	// registered index turns the scan into a point lookup.
	if opts.WhereExpr != nil {
		if field, lit, isEq := query.EqLiteral(opts.WhereExpr); isEq {
			if ri := c.indexFor(field); ri != nil {
				var keys []K
				if ri.eq != nil {
					keys = ri.eq.Lookup(lit)
				} else {
					keys = ri.bt.Lookup(lit)
				}
				cmp := defaultKeyCmp[K]()
				sort.Slice(keys, func(i, j int) bool { return cmp(keys[i], keys[j]) < 0 })
				var out []changes.Message[T, K]
				for _, k := range keys {
					v, present := c.viewLocked(k)
					if !present || (opts.Where != nil && !opts.Where(v)) {
						continue
					}
					out = append(out, changes.Message[T, K]{Type: changes.Insert, Key: k, Value: v})
				}
				return finish(out), true
			}
		}
		if opts.OptimizedOnly {
			return nil, false
		}
	} else if opts.OptimizedOnly && len(c.indices) == 0 {
		return nil, false
	}

	var out []changes.Message[T, K]
	for _, k := range c.keysLocked() {
		v, _ := c.viewLocked(k)
		if !match(v) {
			continue
		}
		out = append(out, changes.Message[T, K]{Type: changes.Insert, Key: k, Value: v})
		if opts.OrderBy == nil && opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return finish(out), true
}

func (c *Collection[T, K]) indexFor(field string) *registeredIndex[T, K] {
	for _, ri := range c.indices {
		if ri.field == field {
			return ri
		}
	}
	return nil
}

func (c *Collection[T, K]) Utils() map[string]any { return c.cfg.Utils }

// CreateIndex registers an index over the value extractor() derives from
// each item. Passing a non-nil cmp builds an ordered BTreeIndex capable of
// range scans and paginated Take; a nil cmp builds a point-lookup-only
// EqualityIndex (spec §4.B).
func (c *Collection[T, K]) CreateIndex(field string, extractor func(T) any, cmp index.ValueCompare) {
	submit(c, func() any {
		c.ensureStartedLocked()
		c.createIndexLocked(field, extractor, cmp)
		return nil
	})
}

func (c *Collection[T, K]) createIndexLocked(field string, extractor func(T) any, cmp index.ValueCompare) *registeredIndex[T, K] {
	ri := &registeredIndex[T, K]{field: field, extractor: extractor}
	if cmp != nil {
		ri.bt = index.NewBTreeIndex[K](field, cmp, defaultKeyCmp[K]())
	} else {
		ri.eq = index.NewEqualityIndex[K](field, nil)
	}
	for _, k := range c.keysLocked() {
		v, _ := c.viewLocked(k)
		val := extractor(v)
		if ri.eq != nil {
			ri.eq.Add(k, val)
		}
		if ri.bt != nil {
			ri.bt.Add(k, val)
		}
	}
	c.indices = append(c.indices, ri)
	return ri
}

// autoIndexLocked creates an equality index for a subscription's
// eq(field, literal) filter when AutoIndex is eager and the field has no
// index yet (spec §4.B auto-index policy).
func (c *Collection[T, K]) autoIndexLocked(expr query.Expr) {
	if c.cfg.AutoIndex != AutoIndexEager || expr == nil {
		return
	}
	field, _, isEq := query.EqLiteral(expr)
	if !isEq || c.indexFor(field) != nil {
		return
	}
	extract := query.FieldExtractor(field)
	c.createIndexLocked(field, func(v T) any { return extract(v) }, nil)
}
