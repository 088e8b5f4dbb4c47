package query

import "fmt"

// evalFunc implements the scalar function library. Functions are pure and
// total over their evaluated arguments; comparison functions fall back to
// false on incomparable operands rather than panicking, since a live
// query must keep running on heterogeneous/partial data (spec §9
// comparator-robustness note generalized to predicate evaluation).
func evalFunc(f Func, row Row) (any, error) {
	args := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := Eval(a, row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch f.Name {
	case "eq":
		return looseEqual(args[0], args[1]), nil
	case "neq":
		return !looseEqual(args[0], args[1]), nil
	case "gt":
		c, ok := compareAny(args[0], args[1])
		return ok && c > 0, nil
	case "gte":
		c, ok := compareAny(args[0], args[1])
		return ok && c >= 0, nil
	case "lt":
		c, ok := compareAny(args[0], args[1])
		return ok && c < 0, nil
	case "lte":
		c, ok := compareAny(args[0], args[1])
		return ok && c <= 0, nil
	case "and":
		for _, a := range args {
			if !truthy(a) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, a := range args {
			if truthy(a) {
				return true, nil
			}
		}
		return false, nil
	case "not":
		return !truthy(args[0]), nil
	case "add":
		return numAdd(args[0], args[1]), nil
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("query: unknown function %q", f.Name)
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareAny(a, b); ok {
		return c == 0
	}
	return a == b
}

// compareAny orders two numbers (any int/float kind) or two strings; ok is
// false for every other pair, bools and times included (e.g. a string vs
// a map), letting the caller
// decide the fallback (spec §9 NaN-safe comparator wrapping).
func compareAny(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
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

func numAdd(a, b any) any {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af + bf
	}
	return nil
}
