// Package livequery implements spec §4.I: a live query is itself a
// Collection whose sync source is the compiled dataflow graph's output
// stream. It subscribes to each input collection via the standard
// subscription protocol (internal/collection's SubscribeChanges, which already
// delivers an initial snapshot burst followed by live changes) and feeds
// every change into the compiled query.Plan bound to a dataflow.Graph.
package livequery

import (
	"context"
	"fmt"
	"sync"

	"github.com/arborq/arbor/internal/changes"
	"github.com/arborq/arbor/internal/collection"
	"github.com/arborq/arbor/internal/dataflow"
	"github.com/arborq/arbor/internal/query"
	"github.com/arborq/arbor/internal/txn"
)

// RowSource adapts an arbitrary Collection[T,K] into the namespaced Msg
// stream a compiled query consumes, erasing the source's concrete T/K so
// one graph can bind sources of different item types under their query
// aliases (spec §4.I "subscribes to each source collection via a
// CollectionSubscription").
type RowSource interface {
	Alias() string
	// Subscribe delivers the source's current rows as a burst of Mult=1
	// messages, then batches of subsequent changes, until the returned
	// function is called.
	Subscribe(onBatch func([]dataflow.Msg)) (unsubscribe func())
}

// NewRowSource adapts col under alias.
func NewRowSource[T any, K comparable](alias string, col *collection.Collection[T, K]) RowSource {
	return &rowSource[T, K]{alias: alias, col: col}
}

type rowSource[T any, K comparable] struct {
	alias string
	col   *collection.Collection[T, K]
}

func (r *rowSource[T, K]) Alias() string { return r.alias }

func (r *rowSource[T, K]) Subscribe(onBatch func([]dataflow.Msg)) func() {
	sub := r.col.SubscribeChanges(func(batch []changes.Message[T, K]) {
		msgs := make([]dataflow.Msg, 0, len(batch))
		for _, m := range batch {
			switch m.Type {
			case changes.Insert:
				msgs = append(msgs, dataflow.Msg{Row: dataflow.Row{r.alias: m.Value}, Mult: 1})
			case changes.Update:
				if m.PreviousValue != nil {
					msgs = append(msgs, dataflow.Msg{Row: dataflow.Row{r.alias: *m.PreviousValue}, Mult: -1})
				}
				msgs = append(msgs, dataflow.Msg{Row: dataflow.Row{r.alias: m.Value}, Mult: 1})
			case changes.Delete:
				if m.PreviousValue != nil {
					msgs = append(msgs, dataflow.Msg{Row: dataflow.Row{r.alias: *m.PreviousValue}, Mult: -1})
				}
			}
		}
		if len(msgs) > 0 {
			onBatch(msgs)
		}
	}, collection.SubscribeChangesOptions[T]{})
	return sub.Unsubscribe
}

// Config configures one live query instance.
type Config struct {
	ID      string
	Query   *query.Query
	Sources map[string]RowSource

	// GetKey derives the output collection's key from a result row. When
	// nil, the default tries the output row's own "id" field (the
	// deducible primary key of a findOne/select projection per spec §4.I)
	// and otherwise falls back to an internally assigned identifier stable
	// across a row's insert/retract lifecycle.
	GetKey func(dataflow.Row) string
}

// Collection is a live query's result set: a regular Collection whose
// synced baseline is driven entirely by the dataflow graph (spec §4.I).
// Embedding gives callers the full Collection API (Subscribe, Get,
// ToArray, Preload, ...) directly over the query's live output.
type Collection struct {
	*collection.Collection[dataflow.Row, string]

	compiled *dataflow.Compiled

	mu           sync.Mutex
	idByIdentity map[string]string
	nextID       int
}

// New compiles cfg.Query, binds cfg.Sources to the resulting dataflow
// graph, and returns the live query's output Collection. The returned
// Collection starts syncing immediately (StartSync defaults to true, as
// for any Collection); call Preload to wait for the first full-graph pass
// to land, per spec §4.I "preload() resolves after the first full-graph
// pass".
func New(mgr *txn.Manager, cfg Config) (*Collection, error) {
	plan, err := query.Compile(cfg.Query)
	if err != nil {
		return nil, err
	}
	compiled, err := dataflow.Compile(plan)
	if err != nil {
		return nil, err
	}

	lq := &Collection{compiled: compiled, idByIdentity: make(map[string]string)}

	getKey := cfg.GetKey
	if getKey == nil {
		getKey = lq.defaultGetKey
	}

	id := cfg.ID
	if id == "" {
		id = "livequery"
	}

	col, err := collection.New(mgr, collection.Config[dataflow.Row, string]{
		ID:     id,
		GetKey: getKey,
		Sync: collection.SyncConfig[dataflow.Row, string]{
			Sync: func(_ context.Context, ctrl collection.SyncController[dataflow.Row, string]) (func(), error) {
				compiled.Graph.Sink(compiled.Output, func(batch []dataflow.Msg) {
					ctrl.Begin()
					for _, m := range batch {
						if m.Mult > 0 {
							ctrl.Write(collection.Write[dataflow.Row]{Type: changes.Insert, Value: m.Row})
						} else {
							ctrl.Write(collection.Write[dataflow.Row]{Type: changes.Delete, Value: m.Row})
						}
					}
					ctrl.Commit()
				})

				var unsubs []func()
				for alias, src := range cfg.Sources {
					nodeID, ok := compiled.Sources[alias]
					if !ok {
						continue // alias not referenced by this plan: nothing to feed
					}
					node, s := nodeID, src
					unsubs = append(unsubs, s.Subscribe(func(batch []dataflow.Msg) {
						_ = compiled.Graph.Feed(node, 0, batch)
					}))
				}

				ctrl.Begin()
				ctrl.MarkReady()
				ctrl.Commit()

				return func() {
					for _, u := range unsubs {
						u()
					}
				}, nil
			},
		},
	})
	if err != nil {
		return nil, err
	}
	lq.Collection = col
	return lq, nil
}

func (lq *Collection) defaultGetKey(row dataflow.Row) string {
	if v, ok := row["id"]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return lq.assignKey(row)
}

// assignKey allocates (or reuses) a stable identifier for row's non-index
// content, so the same logical row keeps the same output key across the
// retract-old/insert-new pairs the dataflow operators emit on every
// update (e.g. a changed order's position in a top-K window).
func (lq *Collection) assignKey(row dataflow.Row) string {
	identity := stableIdentity(row)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if id, ok := lq.idByIdentity[identity]; ok {
		return id
	}
	lq.nextID++
	id := fmt.Sprintf("lq-%d", lq.nextID)
	lq.idByIdentity[identity] = id
	return id
}

func stableIdentity(row dataflow.Row) string {
	clone := make(dataflow.Row, len(row))
	for k, v := range row {
		if k == "_index" {
			continue
		}
		clone[k] = v
	}
	return fmt.Sprintf("%v", clone)
}
