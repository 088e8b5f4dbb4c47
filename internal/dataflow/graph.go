package dataflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/arborq/arbor/internal/errs"
)

// defaultTickCap is the "generous, e.g. 1e5" safety cap of spec §4.H.
const defaultTickCap = 100000

var dataflowMeter = otel.Meter("github.com/arborq/arbor/internal/dataflow")

var dataflowMetrics struct {
	ticks metric.Int64Counter
}

func init() {
	dataflowMetrics.ticks, _ = dataflowMeter.Int64Counter("arbor.dataflow.ticks",
		metric.WithDescription("dataflow graph ticks processed per Feed call"),
	)
}

// Operator is one arena-pooled dataflow node (spec §9 "arena-backed
// dataflow graph"): it holds no references to neighboring operators,
// only behavior; the Graph owns all wiring as (node index, port index)
// edges.
type Operator interface {
	// Push processes an input batch arriving on the given port (ports
	// distinguish join's two sides; every other operator has one port)
	// and returns the output delta batch.
	Push(port int, batch []Msg) []Msg
}

type edge struct {
	to   int
	port int
}

// Graph is one compiled live-query's incremental dataflow instance. It
// runs a single-threaded cooperative tick loop: Feed drains a work queue
// until no operator has pending input, then returns (spec §4.H
// "Scheduling").
type Graph struct {
	ops      []Operator
	outEdges [][]edge
	sinks    map[int]func([]Msg)
	tickCap  int
}

// NewGraph creates an empty arena. tickCap<=0 uses the package default.
func NewGraph(tickCap int) *Graph {
	if tickCap <= 0 {
		tickCap = defaultTickCap
	}
	return &Graph{sinks: make(map[int]func([]Msg)), tickCap: tickCap}
}

// AddNode reserves the next arena slot for op and returns its index.
func (g *Graph) AddNode(op Operator) int {
	g.ops = append(g.ops, op)
	g.outEdges = append(g.outEdges, nil)
	return len(g.ops) - 1
}

// Connect wires from's output into to's input port.
func (g *Graph) Connect(from, to, port int) {
	g.outEdges[from] = append(g.outEdges[from], edge{to: to, port: port})
}

// Sink registers fn to receive every output batch node produces,
// independent of whatever consumer edges it also feeds. Used for the
// final output node of a compiled plan.
func (g *Graph) Sink(node int, fn func([]Msg)) {
	g.sinks[node] = fn
}

type work struct {
	node  int
	port  int
	batch []Msg
}

// Feed injects batch at node's given port and drains the resulting
// cascade of operator activity to completion, calling any registered
// sinks along the way. It returns DataflowSafetyError if the tick cap is
// exceeded — a diagnostic condition, not a recoverable one (spec §4.H).
func (g *Graph) Feed(node, port int, batch []Msg) error {
	queue := []work{{node: node, port: port, batch: batch}}
	ticks := 0
	for len(queue) > 0 {
		ticks++
		if ticks > g.tickCap {
			dataflowMetrics.ticks.Add(context.Background(), int64(ticks))
			return &errs.DataflowSafetyError{TickCount: ticks, NodeID: queue[0].node}
		}
		w := queue[0]
		queue = queue[1:]
		out := g.ops[w.node].Push(w.port, w.batch)
		if len(out) == 0 {
			continue
		}
		if sink, ok := g.sinks[w.node]; ok {
			sink(out)
		}
		for _, e := range g.outEdges[w.node] {
			queue = append(queue, work{node: e.to, port: e.port, batch: out})
		}
	}
	dataflowMetrics.ticks.Add(context.Background(), int64(ticks))
	return nil
}
