package query

import (
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ItemRow decodes a bare collection item into a field-addressable Row, so
// item-relative expressions (PropRef paths with no alias segment) can be
// evaluated with the same Eval used for namespaced query rows.
func ItemRow(item any) (Row, error) {
	if m, ok := item.(map[string]any); ok {
		return Row(m), nil
	}
	var out map[string]any
	if err := mapstructure.Decode(item, &out); err != nil {
		return nil, err
	}
	return Row(out), nil
}

// ItemPredicate compiles expr into a boolean predicate over bare items.
// Items that fail to decode or whose evaluation errors are treated as
// non-matches, matching FilterOp's policy for malformed rows.
func ItemPredicate[T any](expr Expr) func(T) bool {
	return func(item T) bool {
		row, err := ItemRow(item)
		if err != nil {
			return false
		}
		v, err := Eval(expr, row)
		if err != nil {
			return false
		}
		b, ok := v.(bool)
		return ok && b
	}
}

// FieldExtractor returns an extractor reading the dotted field path off a
// bare item, suitable for registering a collection index over that field.
func FieldExtractor(field string) func(any) any {
	ref := Prop(strings.Split(field, ".")...)
	return func(item any) any {
		row, err := ItemRow(item)
		if err != nil {
			return nil
		}
		v, err := Eval(ref, row)
		if err != nil {
			return nil
		}
		return v
	}
}

// EqLiteral reports whether expr has the shape eq(field, literal) (in
// either argument order), returning the dotted field path and the literal.
// This is the shape the auto-index policy and index-served snapshots can
// satisfy with an equality index (spec §4.B "Auto-index policy").
func EqLiteral(expr Expr) (field string, literal any, ok bool) {
	f, isFunc := expr.(Func)
	if !isFunc || f.Name != "eq" || len(f.Args) != 2 {
		return "", nil, false
	}
	if p, isProp := f.Args[0].(PropRef); isProp {
		if v, isVal := f.Args[1].(Value); isVal {
			return strings.Join(p.Path, "."), v.Literal, true
		}
	}
	if p, isProp := f.Args[1].(PropRef); isProp {
		if v, isVal := f.Args[0].(Value); isVal {
			return strings.Join(p.Path, "."), v.Literal, true
		}
	}
	return "", nil, false
}
