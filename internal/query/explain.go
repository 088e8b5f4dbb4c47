package query

import "fmt"

// Explain renders a human-readable dump of the compiled operator graph,
// supplementing the spec with the original's dev-tooling query-plan
// viewer (SPEC_FULL §11).
func (p *Plan) Explain() string {
	out := ""
	var walk func(id int, depth int)
	walk = func(id int, depth int) {
		n := p.Nodes[id]
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "  "
		}
		out += fmt.Sprintf("%s#%d %s %s\n", indent, n.ID, n.Kind, describeNode(n))
		for _, in := range n.Inputs {
			walk(in, depth+1)
		}
		if n.Sub != nil {
			out += fmt.Sprintf("%s  (subquery)\n", indent)
			walk(n.Sub.Output, depth+2)
		}
	}
	walk(p.Output, 0)
	return out
}

func describeNode(n PlanNode) string {
	switch n.Kind {
	case NodeSource:
		if n.Sub != nil {
			return fmt.Sprintf("alias=%s source=<subquery>", n.Alias)
		}
		return fmt.Sprintf("alias=%s collection=%s", n.Alias, n.Collection)
	case NodeFilter, NodeHaving:
		return n.Predicate.String()
	case NodeJoin:
		return fmt.Sprintf("kind=%s on=%s", n.JoinKind, n.JoinOn.String())
	case NodeGroupBy:
		return fmt.Sprintf("keys=%d aggs=%d", len(n.GroupKeys), len(n.Aggregates))
	case NodeOrderBy:
		return fmt.Sprintf("terms=%d limit=%d offset=%d index=%s", len(n.OrderBy), n.Limit, n.Offset, n.IndexKind)
	case NodeSelect:
		return fmt.Sprintf("findOne=%v fields=%d", n.FindOne, len(n.Select))
	default:
		return ""
	}
}
