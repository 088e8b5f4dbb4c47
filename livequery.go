package arbor

import (
	"github.com/arborq/arbor/internal/dataflow"
	"github.com/arborq/arbor/internal/livequery"
)

// Live-query collection (spec §4.I): a live query is itself a Collection
// whose synced baseline is the compiled dataflow graph's output stream.
type (
	LiveQuery       = livequery.Collection
	LiveQueryConfig = livequery.Config
	RowSource       = livequery.RowSource
	DataflowRow     = dataflow.Row
	DataflowMsg     = dataflow.Msg
)

// NewLiveQuery compiles cfg.Query, binds cfg.Sources, and returns the
// live query's output Collection (spec §4.I New).
func NewLiveQuery(mgr *Manager, cfg LiveQueryConfig) (*LiveQuery, error) {
	return livequery.New(mgr, cfg)
}

// NewRowSource adapts an existing Collection[T,K] into a named dataflow
// source a live query's Sources map can reference by alias.
func NewRowSource[T any, K comparable](alias string, col *Collection[T, K]) RowSource {
	return livequery.NewRowSource(alias, col)
}
