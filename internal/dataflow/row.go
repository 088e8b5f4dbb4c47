// Package dataflow implements the incremental multiset runtime of spec
// §4.H: map, filter, join, group-by, order-by/top-K, and consolidate
// operators driven by collection change-streams, plus the single-threaded
// cooperative tick loop and safety cap of spec §5/§9.
package dataflow

import "github.com/arborq/arbor/internal/query"

// Row is a namespaced tuple flowing through the graph; alias "" names no
// one and is reserved. Re-exported from query so operator code reads
// naturally without an extra import alias everywhere.
type Row = query.Row

// Msg is one multiset message: a row paired with a multiplicity. +1 is an
// insertion, -1 a deletion; an update is represented as a -1 of the old
// row immediately followed by a +1 of the new row within the same batch
// (spec §4.H).
type Msg struct {
	Row  Row
	Mult int
}

func cloneRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
