package query

import (
	"github.com/arborq/arbor/internal/errs"
)

// NodeKind identifies a Plan node's dataflow operator (spec §4.G "emit
// operators").
type NodeKind string

const (
	NodeSource  NodeKind = "source"
	NodeFilter  NodeKind = "filter"
	NodeJoin    NodeKind = "join"
	NodeGroupBy NodeKind = "group_by"
	NodeHaving  NodeKind = "having"
	NodeOrderBy NodeKind = "order_by" // carries limit/offset as a top-K
	NodeSelect  NodeKind = "select"
)

// IndexKind selects how an OrderBy node assigns positional indices to
// live rows in its window: numeric renumbers on every shift, fractional
// interleaves a variable-length key so unaffected rows never move (spec
// §4.G, §9 "fractional index generation").
type IndexKind string

const (
	IndexNumeric    IndexKind = "numeric"
	IndexFractional IndexKind = "fractional"
)

// PlanNode is one arena slot: operators hold indices into the shared node
// pool rather than pointers to each other (spec §9 "arena-backed dataflow
// graph" design note), so cyclic or generation-invalidated references
// never need tracing GC support.
type PlanNode struct {
	ID     int
	Kind   NodeKind
	Inputs []int

	// NodeSource
	Alias      string
	Collection string
	Sub        *Plan

	// NodeFilter / NodeHaving
	Predicate Expr

	// NodeJoin
	JoinKind JoinKind
	JoinOn   Expr

	// NodeGroupBy
	GroupKeys  []Expr
	Aggregates map[string]Aggregate

	// NodeOrderBy
	OrderBy   []OrderTerm
	Limit     int
	Offset    int
	IndexKind IndexKind

	// NodeSelect
	Select  map[string]Expr
	FindOne bool
}

// Plan is the compiled arena-backed dataflow graph for one Query. Output
// names the node producing the query's final result stream.
type Plan struct {
	Nodes  []PlanNode
	Output int
}

// Validate checks the structural invariants of spec §3.3: limit/offset
// require orderBy, having requires groupBy, aggregates are rejected in
// where and in groupBy keys, and an aggregate in orderBy requires groupBy.
func Validate(q *Query) error {
	if (q.Limit > 0 || q.Offset > 0) && len(q.OrderBy) == 0 {
		return &errs.QueryValidationError{Reason: "limit/offset require a non-empty orderBy"}
	}
	if q.Having != nil && len(q.GroupBy) == 0 {
		return &errs.QueryValidationError{Reason: "having requires groupBy"}
	}
	if containsAggregate(q.Where) {
		return &errs.QueryValidationError{Reason: "aggregate not allowed in where"}
	}
	for _, g := range q.GroupBy {
		if containsAggregate(g) {
			return &errs.QueryValidationError{Reason: "aggregate not allowed in groupBy key"}
		}
	}
	for _, ob := range q.OrderBy {
		if containsAggregate(ob.Expr) && len(q.GroupBy) == 0 {
			return &errs.QueryValidationError{Reason: "aggregate in orderBy requires groupBy"}
		}
	}
	return nil
}

func containsAggregate(e Expr) bool {
	switch v := e.(type) {
	case nil:
		return false
	case Aggregate:
		return true
	case Func:
		for _, a := range v.Args {
			if containsAggregate(a) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// builder accumulates PlanNodes for one Compile call.
type builder struct {
	nodes []PlanNode
}

func (b *builder) add(n PlanNode) int {
	n.ID = len(b.nodes)
	b.nodes = append(b.nodes, n)
	return n.ID
}

// Compile validates q and lowers it to a Plan: push-down of Where below
// joins where it only references the probed side, then a straight-line
// emission of join -> filter -> groupBy -> having -> orderBy(+limit) ->
// select, matching the validate -> optimize -> emit pipeline shape of
// spec §4.G (structurally grounded on the teacher's canUseFilterOnly ->
// buildFilter/buildPredicate split, generalized from "IssueFilter vs
// predicate" to "pushdown-eligible filter vs full predicate").
func Compile(q *Query) (*Plan, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	b := &builder{}
	root, err := compileSource(b, q.From)
	if err != nil {
		return nil, err
	}

	pushed, residual := splitPushable(q.Where, q.From.Alias)
	if pushed != nil {
		root = b.add(PlanNode{Kind: NodeFilter, Inputs: []int{root}, Predicate: pushed})
	}

	for _, j := range q.Joins {
		rightRoot, err := compileSource(b, j.Source)
		if err != nil {
			return nil, err
		}
		root = b.add(PlanNode{
			Kind:     NodeJoin,
			Inputs:   []int{root, rightRoot},
			JoinKind: j.Kind,
			JoinOn:   j.On,
		})
	}

	if residual != nil {
		root = b.add(PlanNode{Kind: NodeFilter, Inputs: []int{root}, Predicate: residual})
	}

	if len(q.GroupBy) > 0 {
		aggs := collectAggregates(q)
		root = b.add(PlanNode{Kind: NodeGroupBy, Inputs: []int{root}, GroupKeys: q.GroupBy, Aggregates: aggs})
	}

	if q.Having != nil {
		root = b.add(PlanNode{Kind: NodeHaving, Inputs: []int{root}, Predicate: q.Having})
	}

	if len(q.OrderBy) > 0 {
		ik := IndexNumeric
		if q.Limit > 0 {
			ik = IndexFractional
		}
		root = b.add(PlanNode{
			Kind: NodeOrderBy, Inputs: []int{root},
			OrderBy: q.OrderBy, Limit: q.Limit, Offset: q.Offset, IndexKind: ik,
		})
	}

	if q.Select != nil || q.FindOne {
		root = b.add(PlanNode{Kind: NodeSelect, Inputs: []int{root}, Select: q.Select, FindOne: q.FindOne})
	}

	return &Plan{Nodes: b.nodes, Output: root}, nil
}

func compileSource(b *builder, s Source) (int, error) {
	if s.Sub != nil {
		sub, err := Compile(s.Sub)
		if err != nil {
			return 0, err
		}
		return b.add(PlanNode{Kind: NodeSource, Alias: s.Alias, Sub: sub}), nil
	}
	return b.add(PlanNode{Kind: NodeSource, Alias: s.Alias, Collection: s.Collection}), nil
}

// collectAggregates walks select+having for Aggregate nodes and keys them
// by their String() form so the groupBy operator knows which accumulators
// to maintain; Eval looks the computed values up under the same key.
func collectAggregates(q *Query) map[string]Aggregate {
	out := map[string]Aggregate{}
	var walk func(e Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case Aggregate:
			out[v.String()] = v
		case Func:
			for _, a := range v.Args {
				walk(a)
			}
		}
	}
	for _, e := range q.Select {
		walk(e)
	}
	walk(q.Having)
	return out
}

// splitPushable splits where into the part referencing only alias
// (pushable below joins) and a residual part that must run after the
// join produces the full namespaced row (spec §4.G optimize step "push
// where predicates below joins").
func splitPushable(where Expr, alias string) (pushed, residual Expr) {
	if where == nil {
		return nil, nil
	}
	if f, ok := where.(Func); ok && f.Name == "and" {
		var pushedParts, residualParts []Expr
		for _, a := range f.Args {
			p, r := splitPushable(a, alias)
			if p != nil {
				pushedParts = append(pushedParts, p)
			}
			if r != nil {
				residualParts = append(residualParts, r)
			}
		}
		return conjunction(pushedParts), conjunction(residualParts)
	}
	if referencesOnly(where, alias) {
		return where, nil
	}
	return nil, where
}

func conjunction(parts []Expr) Expr {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		return Call("and", parts...)
	}
}

func referencesOnly(e Expr, alias string) bool {
	switch v := e.(type) {
	case PropRef:
		return len(v.Path) > 0 && v.Path[0] == alias
	case Value:
		return true
	case Func:
		for _, a := range v.Args {
			if !referencesOnly(a, alias) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
