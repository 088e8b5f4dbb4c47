// Package ordered provides a deterministic, comparator-ordered map used as
// the storage primitive for collections and indices. It guarantees
// in-order iteration and O(log n) range operations from an exclusive lower
// bound, with a totalized comparator so no traversal can loop forever on a
// comparator that returns an inconsistent order for a given pair.
package ordered

import (
	"github.com/google/btree"
)

// Comparator returns <0, 0, or >0 for a < b, a == b, a > b respectively.
// NewMap uses the Comparator as given and treats keys it reports equal as
// the same key; wrap it with Totalize first to keep distinct keys apart.
type Comparator[K any] func(a, b K) int

// Totalize wraps cmp so it never reports two distinct keys as equal and
// never "oscillates": ties (including NaN-producing comparisons, which
// cmp should normalize to 0 before this wrapper sees them) are broken by
// a secondary, already-total comparator over an opaque tiebreak value.
// This is the comparator-totalization strategy of spec §9: "wrap user
// comparator cmp(a,b) ... so no branch ever returns NaN or zero for
// distinct items."
func Totalize[K any, T any](cmp Comparator[K], tiebreak func(K) T, tiebreakCmp Comparator[T]) Comparator[K] {
	return func(a, b K) int {
		if c := cmp(a, b); c != 0 {
			return c
		}
		return tiebreakCmp(tiebreak(a), tiebreak(b))
	}
}

type entry[K any, V any] struct {
	key K
	val V
}

// Map is an ordered K->V map. Zero value is not usable; use NewMap.
type Map[K any, V any] struct {
	cmp  Comparator[K]
	tree *btree.BTreeG[entry[K, V]]
	size int
}

// NewMap creates an ordered map using cmp as the total key order.
func NewMap[K any, V any](cmp Comparator[K]) *Map[K, V] {
	less := func(a, b entry[K, V]) bool { return cmp(a.key, b.key) < 0 }
	return &Map[K, V]{
		cmp:  cmp,
		tree: btree.NewG(32, less),
	}
}

// Set inserts or overwrites the value for key.
func (m *Map[K, V]) Set(key K, val V) {
	_, existed := m.tree.ReplaceOrInsert(entry[K, V]{key, val})
	if !existed {
		m.size++
	}
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	e, ok := m.tree.Get(entry[K, V]{key: key})
	return e.val, ok
}

// Has reports whether key is present.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.tree.Get(entry[K, V]{key: key})
	return ok
}

// Delete removes key, reporting whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	_, existed := m.tree.Delete(entry[K, V]{key: key})
	if existed {
		m.size--
	}
	return existed
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return m.size }

// Keys returns all keys in ascending comparator order.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, 0, m.size)
	m.tree.Ascend(func(e entry[K, V]) bool {
		out = append(out, e.key)
		return true
	})
	return out
}

// Entries returns all (key, value) pairs in ascending comparator order.
func (m *Map[K, V]) Entries() []struct {
	Key K
	Val V
} {
	out := make([]struct {
		Key K
		Val V
	}, 0, m.size)
	m.tree.Ascend(func(e entry[K, V]) bool {
		out = append(out, struct {
			Key K
			Val V
		}{e.key, e.val})
		return true
	})
	return out
}

// Range iterates all entries in ascending order, calling fn until it
// returns false or entries are exhausted. RangeFrom starts after a key.
func (m *Map[K, V]) Range(fn func(key K, val V) bool) {
	m.tree.Ascend(func(e entry[K, V]) bool {
		return fn(e.key, e.val)
	})
}

// RangeFrom iterates entries strictly greater than minKey in ascending
// order. This is the primitive range operators and indices build their
// "take" semantics on top of.
func (m *Map[K, V]) RangeFrom(minKey K, fn func(key K, val V) bool) {
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: minKey}, func(e entry[K, V]) bool {
		if m.cmp(e.key, minKey) == 0 {
			return true // skip the boundary itself; caller wants strictly greater
		}
		return fn(e.key, e.val)
	})
}

// Clone returns a shallow copy of the map.
func (m *Map[K, V]) Clone() *Map[K, V] {
	return &Map[K, V]{cmp: m.cmp, tree: m.tree.Clone(), size: m.size}
}
