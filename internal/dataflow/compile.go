package dataflow

import "github.com/arborq/arbor/internal/query"

// Compiled binds a query.Plan's arena nodes to live operator instances
// wired into a Graph. Sources maps each leaf collection alias to the
// graph node that should receive that collection's change-stream Feed
// calls; Output is the node whose emissions are the query's result rows.
type Compiled struct {
	Graph   *Graph
	Sources map[string]int
	Output  int
}

// Compile lowers a query.Plan (spec §4.G's arena-backed plan) into a
// runnable dataflow.Graph (spec §4.H's operator instances), the second
// half of the compile -> execute split the query package's own Compile
// leaves for this package to close.
func Compile(plan *query.Plan) (*Compiled, error) {
	g := NewGraph(0)
	sources := make(map[string]int)
	nodeIDs, err := compileInto(g, plan, sources)
	if err != nil {
		return nil, err
	}
	return &Compiled{Graph: g, Sources: sources, Output: nodeIDs[plan.Output]}, nil
}

func compileInto(g *Graph, plan *query.Plan, sources map[string]int) ([]int, error) {
	nodeIDs := make([]int, len(plan.Nodes))

	for _, n := range plan.Nodes {
		if n.Kind == query.NodeSource && n.Sub != nil {
			subIDs, err := compileInto(g, n.Sub, sources)
			if err != nil {
				return nil, err
			}
			nodeIDs[n.ID] = subIDs[n.Sub.Output]
			continue
		}

		var op Operator
		switch n.Kind {
		case query.NodeSource:
			op = &SourceOp{Alias: n.Alias}
		case query.NodeFilter:
			op = &FilterOp{Predicate: n.Predicate}
		case query.NodeJoin:
			leftAliases := map[string]bool{}
			collectAliases(plan, n.Inputs[0], leftAliases)
			leftKeys, rightKeys := decomposeJoinOn(n.JoinOn, leftAliases)
			op = &JoinOp{
				Kind:       n.JoinKind,
				LeftAlias:  soleSourceAlias(plan, n.Inputs[0]),
				RightAlias: soleSourceAlias(plan, n.Inputs[1]),
				LeftKeys:   leftKeys,
				RightKeys:  rightKeys,
			}
		case query.NodeGroupBy:
			op = &GroupByOp{Keys: n.GroupKeys, Aggregates: n.Aggregates}
		case query.NodeHaving:
			op = &HavingOp{Predicate: n.Predicate}
		case query.NodeOrderBy:
			op = &TopKOp{OrderBy: n.OrderBy, Limit: n.Limit, Offset: n.Offset, IndexKind: n.IndexKind}
		case query.NodeSelect:
			op = &SelectOp{Fields: n.Select, FindOne: n.FindOne}
		}

		id := g.AddNode(op)
		nodeIDs[n.ID] = id
		if n.Kind == query.NodeSource {
			sources[n.Alias] = id
		}
	}

	for _, n := range plan.Nodes {
		if n.Kind == query.NodeSource {
			continue // sources have no Plan-level inputs; a sub-source wired itself recursively above
		}
		for port, input := range n.Inputs {
			g.Connect(nodeIDs[input], nodeIDs[n.ID], port)
		}
	}

	return nodeIDs, nil
}

// collectAliases walks a plan subtree rooted at nodeID and gathers every
// source alias it bottoms out on, used to classify which side of a join
// predicate's PropRef belongs to.
func collectAliases(plan *query.Plan, nodeID int, into map[string]bool) {
	n := plan.Nodes[nodeID]
	if n.Kind == query.NodeSource {
		if n.Sub != nil {
			collectAliases(n.Sub, n.Sub.Output, into)
			return
		}
		into[n.Alias] = true
		return
	}
	for _, in := range n.Inputs {
		collectAliases(plan, in, into)
	}
}

// soleSourceAlias returns the alias of a join side's immediate source node,
// used only to label outer-join padding (spec §4.H join row); joins over a
// non-trivial subtree still resolve a representative alias since exactly
// one source feeds a join side in every plan this compiler emits.
func soleSourceAlias(plan *query.Plan, nodeID int) string {
	aliases := map[string]bool{}
	collectAliases(plan, nodeID, aliases)
	for a := range aliases {
		return a
	}
	return ""
}

// decomposeJoinOn splits an On predicate (an eq, or an and-conjunction of
// eq's) into parallel key-expression slices for the left and right side,
// using leftAliases to decide which operand of each eq belongs to which
// side (spec §4.G join "on" -> hash-join key extraction).
func decomposeJoinOn(on query.Expr, leftAliases map[string]bool) (leftKeys, rightKeys []query.Expr) {
	var walk func(e query.Expr)
	walk = func(e query.Expr) {
		f, ok := e.(query.Func)
		if !ok {
			return
		}
		if f.Name == "and" {
			for _, a := range f.Args {
				walk(a)
			}
			return
		}
		if f.Name != "eq" || len(f.Args) != 2 {
			return
		}
		a, b := f.Args[0], f.Args[1]
		ap, aIsProp := a.(query.PropRef)
		if !aIsProp || len(ap.Path) == 0 {
			leftKeys, rightKeys = append(leftKeys, a), append(rightKeys, b)
			return
		}
		if leftAliases[ap.Path[0]] {
			leftKeys, rightKeys = append(leftKeys, a), append(rightKeys, b)
		} else {
			leftKeys, rightKeys = append(leftKeys, b), append(rightKeys, a)
		}
	}
	walk(on)
	return leftKeys, rightKeys
}
