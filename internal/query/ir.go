// Package query implements the structured query IR of spec §3.3 and the
// validate -> optimize -> emit compiler of spec §4.G. There is no text
// parser: a Query is always assembled through the fluent Builder (§6.5)
// and compiled directly to a Plan, an arena-backed dataflow graph
// description (spec §9 "arena-backed dataflow graph" design note) that
// internal/dataflow turns into live incremental operators.
package query

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Expr is the tagged-union IR expression sum type of spec §3.3:
// PropRef | Value | Func | Aggregate. Compilers switch on the concrete
// type rather than relying on open interface dispatch, per SPEC_FULL §9's
// "tagged-union IR vs inheritance" note.
type Expr interface {
	exprNode()
	String() string
}

// PropRef is a path-indexed field reference, e.g. Prop("user", "age").
type PropRef struct {
	Path []string
}

func Prop(path ...string) PropRef { return PropRef{Path: path} }

func (PropRef) exprNode() {}
func (p PropRef) String() string {
	s := ""
	for i, seg := range p.Path {
		if i > 0 {
			s += "."
		}
		s += seg
	}
	return s
}

// Value is a constant literal.
type Value struct {
	Literal any
}

func Lit(v any) Value { return Value{Literal: v} }

func (Value) exprNode()        {}
func (v Value) String() string { return fmt.Sprintf("%v", v.Literal) }

// Func is a pure scalar function call: eq, gt, lt, gte, lte, and, or, not,
// add, coalesce, and similar. Function identity is a plain name rather
// than a closed enum so new scalar functions can be added without
// touching the IR type.
type Func struct {
	Name string
	Args []Expr
}

func Call(name string, args ...Expr) Func { return Func{Name: name, Args: args} }

func (Func) exprNode() {}
func (f Func) String() string {
	s := f.Name + "("
	for i, a := range f.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	return s + ")"
}

// AggregateKind enumerates the legal aggregate functions (spec §3.3).
type AggregateKind string

const (
	AggSum   AggregateKind = "sum"
	AggCount AggregateKind = "count"
	AggAvg   AggregateKind = "avg"
	AggMin   AggregateKind = "min"
	AggMax   AggregateKind = "max"
)

// Aggregate is legal only inside group-by or a projection over a grouped
// stream (spec §3.3 invariant, enforced by Validate).
type Aggregate struct {
	Kind AggregateKind
	Arg  Expr // nil for count(*)
}

func Agg(kind AggregateKind, arg Expr) Aggregate { return Aggregate{Kind: kind, Arg: arg} }

func (Aggregate) exprNode() {}
func (a Aggregate) String() string {
	if a.Arg == nil {
		return string(a.Kind) + "(*)"
	}
	return string(a.Kind) + "(" + a.Arg.String() + ")"
}

// --- evaluation over namespaced rows ---

// Row is a namespaced tuple: alias -> the item contributed by that source
// (a struct, a map[string]any, or nil for an unmatched outer-join side).
type Row map[string]any

// Eval evaluates expr against row. An Aggregate evaluates to the value the
// group-by operator stored under its String() form in row["_agg"]; on a
// row without that entry it returns an error.
func Eval(expr Expr, row Row) (any, error) {
	switch e := expr.(type) {
	case PropRef:
		return extract(row, e.Path)
	case Value:
		return e.Literal, nil
	case Func:
		return evalFunc(e, row)
	case Aggregate:
		if aggs, ok := row["_agg"].(map[string]any); ok {
			if v, ok2 := aggs[e.String()]; ok2 {
				return v, nil
			}
		}
		return nil, fmt.Errorf("query: aggregate %s evaluated outside a grouped projection", e)
	default:
		return nil, fmt.Errorf("query: unknown expression type %T", expr)
	}
}

// extract resolves a dotted path against row. The first segment selects
// the aliased source; remaining segments drill into that source's fields,
// going through mapstructure.Decode so arbitrary item structs (not just
// map[string]any) can be addressed by field name.
func extract(row Row, path []string) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("query: empty property path")
	}
	cur, ok := row[path[0]]
	if !ok {
		return nil, nil
	}
	for _, seg := range path[1:] {
		if cur == nil {
			return nil, nil
		}
		m, err := asMap(cur)
		if err != nil {
			return nil, err
		}
		cur = m[seg]
	}
	return cur, nil
}

func asMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	var out map[string]any
	if err := mapstructure.Decode(v, &out); err != nil {
		return nil, fmt.Errorf("query: cannot address fields of %T: %w", v, err)
	}
	return out, nil
}
