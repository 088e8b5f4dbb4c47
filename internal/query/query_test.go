package query

import "testing"

func TestValidateLimitRequiresOrderBy(t *testing.T) {
	q := From("t", "todos").Limit(5).Build()
	if err := Validate(q); err == nil {
		t.Fatal("expected error for limit without orderBy")
	}
}

func TestValidateHavingRequiresGroupBy(t *testing.T) {
	q := From("t", "todos").Having(Call("gt", Agg(AggCount, nil), Lit(1))).Build()
	if err := Validate(q); err == nil {
		t.Fatal("expected error for having without groupBy")
	}
}

func TestValidateOK(t *testing.T) {
	q := From("t", "todos").
		Where(Call("eq", Prop("t", "done"), Lit(false))).
		OrderBy(Prop("t", "priority"), true).
		Limit(10).
		Build()
	if err := Validate(q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCompileProducesSourceFilterOrderBy(t *testing.T) {
	q := From("t", "todos").
		Where(Call("eq", Prop("t", "done"), Lit(false))).
		OrderBy(Prop("t", "priority"), true).
		Limit(3).
		Build()
	plan, err := Compile(q)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if plan.Nodes[plan.Output].Kind != NodeOrderBy {
		t.Fatalf("expected root node to be order_by, got %s", plan.Nodes[plan.Output].Kind)
	}
	if plan.Nodes[plan.Output].IndexKind != IndexFractional {
		t.Fatalf("expected fractional index for a limited orderBy, got %s", plan.Nodes[plan.Output].IndexKind)
	}
}

func TestCompileJoinAndPushdown(t *testing.T) {
	q := From("a", "authors").
		Join("b", "books", JoinInner, Call("eq", Prop("a", "id"), Prop("b", "authorId"))).
		Where(Call("and",
			Call("eq", Prop("a", "active"), Lit(true)),
			Call("gt", Prop("b", "pages"), Lit(100)),
		)).
		Build()
	plan, err := Compile(q)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var sawJoin, sawFilterBeforeJoin bool
	for _, n := range plan.Nodes {
		if n.Kind == NodeJoin {
			sawJoin = true
		}
		if n.Kind == NodeFilter && !sawJoin {
			sawFilterBeforeJoin = true
		}
	}
	if !sawJoin {
		t.Fatal("expected a join node")
	}
	if !sawFilterBeforeJoin {
		t.Fatal("expected the alias-only predicate to be pushed below the join")
	}
}

func TestEvalPropRefAndFuncs(t *testing.T) {
	row := Row{"t": map[string]any{"priority": 3, "done": false}}
	v, err := Eval(Call("and", Call("eq", Prop("t", "done"), Lit(false)), Call("gt", Prop("t", "priority"), Lit(1))), row)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if b, ok := v.(bool); !ok || !b {
		t.Fatalf("expected true, got %v", v)
	}
}

func TestEvalStructItem(t *testing.T) {
	type Todo struct {
		Priority int
		Done     bool
	}
	row := Row{"t": Todo{Priority: 5, Done: true}}
	v, err := Eval(Prop("t", "Priority"), row)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected 5, got %v", v)
	}
}
