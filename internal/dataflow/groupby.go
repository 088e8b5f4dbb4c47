package dataflow

import (
	"fmt"

	"github.com/arborq/arbor/internal/query"
)

// groupAccum tracks one group's incremental aggregate state. min/max keep
// a value->refcount multiset rather than a sorted structure, so removing
// the current extreme falls back to an O(distinct values) rescan — simple
// and correct, not the asymptotically optimal choice a dedicated
// order-statistics structure would give.
type groupAccum struct {
	count     int
	keyRow    Row // representative row for passthrough field access
	sums      map[string]float64
	sumCounts map[string]int
	multisets map[string]map[any]int
}

func newGroupAccum() *groupAccum {
	return &groupAccum{
		sums:      make(map[string]float64),
		sumCounts: make(map[string]int),
		multisets: make(map[string]map[any]int),
	}
}

// GroupByOp implements spec §4.H's group-by operator: per-group
// accumulators, emitting (old_group,-1) and (new_group,+1) whenever a
// group's aggregate output actually changes.
type GroupByOp struct {
	Keys       []query.Expr
	Aggregates map[string]query.Aggregate

	groups map[string]*groupAccum
}

func (g *GroupByOp) Push(_ int, batch []Msg) []Msg {
	if g.groups == nil {
		g.groups = make(map[string]*groupAccum)
	}
	var out []Msg
	for _, m := range batch {
		key, err := g.groupKey(m.Row)
		if err != nil {
			continue
		}
		acc, existed := g.groups[key]
		var oldRow Row
		hadOutput := existed && acc.count > 0
		if hadOutput {
			oldRow = g.renderGroup(acc)
		}
		if !existed {
			acc = newGroupAccum()
			g.groups[key] = acc
		}
		acc.keyRow = m.Row
		acc.count += m.Mult
		for name, agg := range g.Aggregates {
			g.applyAggregate(acc, name, agg, m.Row, m.Mult)
		}

		if acc.count <= 0 {
			if hadOutput {
				out = append(out, Msg{Row: oldRow, Mult: -1})
			}
			delete(g.groups, key)
			continue
		}
		newRow := g.renderGroup(acc)
		if hadOutput {
			out = append(out, Msg{Row: oldRow, Mult: -1})
		}
		out = append(out, Msg{Row: newRow, Mult: 1})
	}
	return out
}

func (g *GroupByOp) groupKey(row Row) (string, error) {
	s := ""
	for i, k := range g.Keys {
		v, err := query.Eval(k, row)
		if err != nil {
			return "", err
		}
		if i > 0 {
			s += "\x1f"
		}
		s += fmt.Sprintf("%v", v)
	}
	return s, nil
}

func (g *GroupByOp) applyAggregate(acc *groupAccum, name string, agg query.Aggregate, row Row, mult int) {
	switch agg.Kind {
	case query.AggCount:
		if agg.Arg == nil {
			return // group count itself carries count(*)
		}
		v, err := query.Eval(agg.Arg, row)
		if err == nil && v != nil {
			acc.sumCounts[name] += mult
		}
	case query.AggSum, query.AggAvg:
		v, err := query.Eval(agg.Arg, row)
		if err != nil || v == nil {
			return
		}
		f, ok := toFloat(v)
		if !ok {
			return
		}
		acc.sums[name] += f * float64(mult)
		acc.sumCounts[name] += mult
	case query.AggMin, query.AggMax:
		v, err := query.Eval(agg.Arg, row)
		if err != nil || v == nil {
			return
		}
		bucket := acc.multisets[name]
		if bucket == nil {
			bucket = make(map[any]int)
			acc.multisets[name] = bucket
		}
		bucket[v] += mult
		if bucket[v] == 0 {
			delete(bucket, v)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// renderGroup computes the current output row for a group: the
// representative row (so a PropRef into the grouping columns still
// resolves) plus an "_agg" map of computed aggregate values keyed by
// each Aggregate's String() form, which query.Eval looks up for
// Aggregate nodes appearing in having/select/orderBy.
func (g *GroupByOp) renderGroup(acc *groupAccum) Row {
	out := cloneRow(acc.keyRow)
	aggVals := make(map[string]any, len(g.Aggregates))
	for name, agg := range g.Aggregates {
		switch agg.Kind {
		case query.AggCount:
			if agg.Arg == nil {
				aggVals[name] = acc.count
			} else {
				aggVals[name] = acc.sumCounts[name]
			}
		case query.AggSum:
			aggVals[name] = acc.sums[name]
		case query.AggAvg:
			if acc.sumCounts[name] == 0 {
				aggVals[name] = 0.0
			} else {
				aggVals[name] = acc.sums[name] / float64(acc.sumCounts[name])
			}
		case query.AggMin:
			aggVals[name] = extreme(acc.multisets[name], true)
		case query.AggMax:
			aggVals[name] = extreme(acc.multisets[name], false)
		}
	}
	out["_agg"] = aggVals
	return out
}

func extreme(bucket map[any]int, wantMin bool) any {
	var best any
	have := false
	for v := range bucket {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		if !have {
			best, have = v, true
			continue
		}
		bf, _ := toFloat(best)
		if (wantMin && f < bf) || (!wantMin && f > bf) {
			best = v
		}
	}
	return best
}

// HavingOp filters a grouped stream by a predicate that may reference
// Aggregate nodes (spec §4.G "having -> filter over grouped stream").
type HavingOp struct {
	Predicate query.Expr
}

func (h *HavingOp) Push(_ int, batch []Msg) []Msg {
	out := make([]Msg, 0, len(batch))
	for _, m := range batch {
		v, err := query.Eval(h.Predicate, m.Row)
		if err != nil {
			continue
		}
		if b, ok := v.(bool); ok && b {
			out = append(out, m)
		}
	}
	return out
}
