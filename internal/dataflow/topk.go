package dataflow

import (
	"fmt"
	"sort"

	"github.com/esote/minmaxheap"

	"github.com/arborq/arbor/internal/index"
	"github.com/arborq/arbor/internal/query"
)

// rankHeap is a bounded minmaxheap.Interface over row identities, ordered
// by less (true = ranks ahead of / better than). minmaxheap gives O(log n)
// access to both the best (PopMin) and worst (PopMax) member, which is
// exactly what a top-K window needs: PopMax finds the eviction candidate
// when a better row arrives; PopMin would surface the current winner for
// a findOne-shaped query.
type rankHeap struct {
	ids  []string
	less func(a, b string) bool
}

func (h *rankHeap) Len() int           { return len(h.ids) }
func (h *rankHeap) Less(i, j int) bool { return h.less(h.ids[i], h.ids[j]) }
func (h *rankHeap) Swap(i, j int)      { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *rankHeap) Push(x any)         { h.ids = append(h.ids, x.(string)) }
func (h *rankHeap) Pop() any {
	n := len(h.ids)
	last := h.ids[n-1]
	h.ids = h.ids[:n-1]
	return last
}

func (h *rankHeap) removeID(id string) {
	for i, v := range h.ids {
		if v == id {
			h.ids[i] = h.ids[len(h.ids)-1]
			h.ids = h.ids[:len(h.ids)-1]
			minmaxheap.Init(h)
			return
		}
	}
}

// TopKOp implements spec §4.G/§4.H's orderBy+limit/offset top-K operator.
// bt is the full ordered index of every row currently known to the
// operator (the reservoir a window refill draws from); heap is the
// bounded (offset+limit)-sized window drawn from it. Each change emits
// only the rows that enter or leave the window or whose index changes: a
// row keeps its fractional key for as long as it stays in the window, and
// a numeric index is re-emitted only when the row's position moves.
type TopKOp struct {
	OrderBy   []query.OrderTerm
	Limit     int
	Offset    int
	IndexKind query.IndexKind

	bt       *index.BTreeIndex[string]
	rows     map[string]Row
	heap     *rankHeap
	inWindow map[string]bool

	prevWindow   []string // ordered ids of the last emitted window
	prevRows     map[string]Row
	prevFracKeys map[string]string
}

func cmpTuple(orderBy []query.OrderTerm) index.ValueCompare {
	return func(a, b any) int {
		at := a.([]any)
		bt := b.([]any)
		for i := range at {
			c := compareOrdered(at[i], bt[i])
			if orderBy[i].Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

func compareOrdered(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok2 := a.(string)
	bs, bok2 := b.(string)
	if aok2 && bok2 {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	// Incomparable or NaN-shaped values (spec §9 comparator robustness):
	// treat as equal so the key tiebreaker (row identity) decides order
	// instead of oscillating.
	return 0
}

func (t *TopKOp) ensure() {
	if t.bt != nil {
		return
	}
	cmp := cmpTuple(t.OrderBy)
	t.bt = index.NewBTreeIndex[string]("_topk", cmp, func(a, b string) int {
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	t.rows = make(map[string]Row)
	t.inWindow = make(map[string]bool)
	t.heap = &rankHeap{less: func(a, b string) bool {
		av, _ := t.sortValueOf(a)
		bv, _ := t.sortValueOf(b)
		if c := cmp(av, bv); c != 0 {
			return c < 0
		}
		return a < b // tie-break by row identity (spec §9 comparator totalization)
	}}
	t.prevRows = make(map[string]Row)
	t.prevFracKeys = make(map[string]string)
}

func (t *TopKOp) sortValueOf(id string) ([]any, bool) {
	row, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return t.sortTuple(row), true
}

func (t *TopKOp) sortTuple(row Row) []any {
	out := make([]any, len(t.OrderBy))
	for i, ob := range t.OrderBy {
		v, _ := query.Eval(ob.Expr, row)
		out[i] = v
	}
	return out
}

func (t *TopKOp) cut() int {
	return t.Offset + t.Limit
}

func (t *TopKOp) Push(_ int, batch []Msg) []Msg {
	t.ensure()
	for _, m := range batch {
		id := rowIdentity(m.Row)
		if m.Mult > 0 {
			t.insert(id, m.Row)
		} else {
			t.remove(id)
		}
	}
	return t.emitDiff()
}

func (t *TopKOp) insert(id string, row Row) {
	sortVal := t.sortTuple(row)
	t.rows[id] = row
	t.bt.Add(id, sortVal)

	cut := t.cut()
	if cut <= 0 {
		return
	}
	if t.heap.Len() < cut {
		minmaxheap.Push(t.heap, id)
		t.inWindow[id] = true
		return
	}
	worst := minmaxheap.PopMax(t.heap).(string)
	worstVal, _ := t.sortValueOf(worst)
	c := cmpTuple(t.OrderBy)(sortVal, worstVal)
	betterThanWorst := c < 0 || (c == 0 && id < worst)
	if betterThanWorst {
		delete(t.inWindow, worst)
		t.inWindow[id] = true
		minmaxheap.Push(t.heap, id)
	} else {
		minmaxheap.Push(t.heap, worst)
	}
}

func (t *TopKOp) remove(id string) {
	if sv, ok := t.sortValueOf(id); ok {
		t.bt.Remove(id, sv)
	}
	delete(t.rows, id)
	if !t.inWindow[id] {
		return
	}
	delete(t.inWindow, id)
	t.heap.removeID(id)

	cut := t.cut()
	if t.heap.Len() >= cut {
		return
	}
	keys, _, _ := t.bt.Take(1, nil, func(k string) bool { return !t.inWindow[k] })
	if len(keys) == 1 {
		minmaxheap.Push(t.heap, keys[0])
		t.inWindow[keys[0]] = true
	}
}

// orderedWindow drains a copy of the heap into ascending-rank order and
// slices off Offset entries.
func (t *TopKOp) orderedWindow() []string {
	ids := append([]string(nil), t.heap.ids...)
	cmp := cmpTuple(t.OrderBy)
	sort.Slice(ids, func(i, j int) bool {
		vi, _ := t.sortValueOf(ids[i])
		vj, _ := t.sortValueOf(ids[j])
		if c := cmp(vi, vj); c != 0 {
			return c < 0
		}
		return ids[i] < ids[j] // tie-break by row identity (spec §9 comparator totalization)
	})
	if t.Offset >= len(ids) {
		return nil
	}
	return ids[t.Offset:]
}

func (t *TopKOp) emitDiff() []Msg {
	newWindow := t.orderedWindow()
	newSet := make(map[string]bool, len(newWindow))
	for _, id := range newWindow {
		newSet[id] = true
	}
	oldSet := make(map[string]bool, len(t.prevWindow))
	oldIdx := make(map[string]string, len(t.prevWindow))
	for i, id := range t.prevWindow {
		oldSet[id] = true
		if t.IndexKind == query.IndexFractional {
			oldIdx[id] = t.prevFracKeys[id]
		} else {
			oldIdx[id] = fmt.Sprint(i + t.Offset)
		}
	}

	var out []Msg
	for _, id := range t.prevWindow {
		if !newSet[id] {
			out = append(out, Msg{Row: t.withIndex(t.prevRows[id], oldIdx[id]), Mult: -1})
		}
	}

	newFracKeys := make(map[string]string, len(newWindow))
	var prevKeyPtr *string
	for i, id := range newWindow {
		row := t.rows[id]
		var idxVal any
		switch t.IndexKind {
		case query.IndexFractional:
			key, reused := t.fracKeyFor(id, i, newWindow, prevKeyPtr)
			newFracKeys[id] = key
			idxVal = key
			k := key
			prevKeyPtr = &k
			if reused && oldSet[id] {
				continue // unchanged position and key: no diff needed
			}
		default:
			idxVal = i + t.Offset
			if oldSet[id] && oldIdx[id] == fmt.Sprint(idxVal) {
				continue // same numeric position as last emitted: no diff needed
			}
		}
		if oldSet[id] {
			out = append(out, Msg{Row: t.withIndex(t.prevRows[id], oldIdx[id]), Mult: -1})
		}
		out = append(out, Msg{Row: t.withIndex(row, fmt.Sprint(idxVal)), Mult: 1})
	}

	t.prevWindow = newWindow
	t.prevRows = make(map[string]Row, len(newWindow))
	for _, id := range newWindow {
		t.prevRows[id] = t.rows[id]
	}
	if t.IndexKind == query.IndexFractional {
		t.prevFracKeys = newFracKeys
	}
	return out
}

// fracKeyFor reuses an existing id's fractional key when it already has
// one, otherwise allocates one strictly between its neighbors in the new
// window ordering.
func (t *TopKOp) fracKeyFor(id string, pos int, window []string, _ *string) (string, bool) {
	if k, ok := t.prevFracKeys[id]; ok {
		return k, true
	}
	var lo, hi *string
	if pos > 0 {
		if k, ok := t.prevFracKeys[window[pos-1]]; ok {
			lo = &k
		}
	}
	if pos < len(window)-1 {
		if k, ok := t.prevFracKeys[window[pos+1]]; ok {
			hi = &k
		}
	}
	return Between(lo, hi), false
}

func (t *TopKOp) withIndex(row Row, idx string) Row {
	out := cloneRow(row)
	out["_index"] = idx
	return out
}
