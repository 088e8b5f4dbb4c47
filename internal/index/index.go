// Package index implements the equality and B-tree index variants that
// back WHERE-clause optimization and ORDER BY + LIMIT execution.
package index

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// Index is the polymorphic interface both EqualityIndex and BTreeIndex
// satisfy.
type Index[K comparable] interface {
	// Lookup returns the row keys whose extracted value equals value.
	Lookup(value any) []K
	// Add records that row key k now extracts to value.
	Add(k K, value any)
	// Remove undoes a prior Add for k with the same value.
	Remove(k K, value any)
	// SupportsExpression reports whether this index can serve the given
	// field path + operator combination. Field/op are opaque strings so
	// the query compiler decides applicability.
	SupportsExpression(fieldPath string, op string) bool
}

// hashable canonicalizes value to a comparable bucket key: nil maps to 0,
// and every other value, scalars included, to an xxhash digest of its
// JSON encoding (its Go-syntax form if it does not encode). This lets the index
// bucket on values extracted by an arbitrary user extractor function,
// including structs and slices that are not `comparable` in Go's type
// system.
func hashable(value any) uint64 {
	switch v := value.(type) {
	case nil:
		return 0
	case bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		b, _ := json.Marshal(v)
		return xxhash.Sum64(b)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			// Fall back to a stable-ish digest of the Go-syntax representation.
			b = []byte(jsonFallback(v))
		}
		return xxhash.Sum64(b)
	}
}

func jsonFallback(v any) string {
	return "fallback:" + stringOf(v)
}

func stringOf(v any) string {
	b, err := json.Marshal(struct {
		V any `json:"v"`
	}{v})
	if err != nil {
		return "<unencodable>"
	}
	return string(b)
}

// EqualityIndex answers point lookups only: Extractor(item) -> bucket key.
type EqualityIndex[K comparable] struct {
	buckets   map[uint64]map[K]struct{}
	field     string
	supported func(op string) bool
}

// NewEqualityIndex creates an equality index over the named field path.
// supportedOps reports which comparison operators ("eq" only, typically)
// this index can serve.
func NewEqualityIndex[K comparable](field string, supportedOps func(op string) bool) *EqualityIndex[K] {
	return &EqualityIndex[K]{
		buckets:   make(map[uint64]map[K]struct{}),
		field:     field,
		supported: supportedOps,
	}
}

func (idx *EqualityIndex[K]) Lookup(value any) []K {
	bucket, ok := idx.buckets[hashable(value)]
	if !ok {
		return nil
	}
	out := make([]K, 0, len(bucket))
	for k := range bucket {
		out = append(out, k)
	}
	return out
}

func (idx *EqualityIndex[K]) Add(k K, value any) {
	h := hashable(value)
	bucket, ok := idx.buckets[h]
	if !ok {
		bucket = make(map[K]struct{})
		idx.buckets[h] = bucket
	}
	bucket[k] = struct{}{}
}

func (idx *EqualityIndex[K]) Remove(k K, value any) {
	h := hashable(value)
	bucket, ok := idx.buckets[h]
	if !ok {
		return
	}
	delete(bucket, k)
	if len(bucket) == 0 {
		delete(idx.buckets, h)
	}
}

func (idx *EqualityIndex[K]) SupportsExpression(fieldPath string, op string) bool {
	if fieldPath != idx.field {
		return false
	}
	if idx.supported == nil {
		return op == "eq"
	}
	return idx.supported(op)
}

// ValueCompare orders two extracted index values. Implementations should
// be total; Take wraps it with a row-key tiebreak regardless.
type ValueCompare func(a, b any) int

type btreeEntry[K comparable] struct {
	value any
	key   K
}

// BTreeIndex supports ordered Take and range scans in addition to point
// lookups, backed by github.com/google/btree.
type BTreeIndex[K comparable] struct {
	field   string
	extract func(value any) any // identity by default; present for symmetry with EqualityIndex
	cmp     ValueCompare
	keyCmp  func(a, b K) int
	tree    *btree.BTreeG[btreeEntry[K]]
	eq      *EqualityIndex[K]
}

// NewBTreeIndex creates a range-capable index over field, ordering values
// with cmp and breaking ties between equal values by keyCmp(rowKeyA,
// rowKeyB) so iteration order is always deterministic.
func NewBTreeIndex[K comparable](field string, cmp ValueCompare, keyCmp func(a, b K) int) *BTreeIndex[K] {
	less := func(a, b btreeEntry[K]) bool {
		if c := cmp(a.value, b.value); c != 0 {
			return c < 0
		}
		return keyCmp(a.key, b.key) < 0
	}
	return &BTreeIndex[K]{
		field:  field,
		cmp:    cmp,
		keyCmp: keyCmp,
		tree:   btree.NewG(32, less),
		eq:     NewEqualityIndex[K](field, func(op string) bool { return op == "eq" }),
	}
}

func (idx *BTreeIndex[K]) Lookup(value any) []K { return idx.eq.Lookup(value) }

func (idx *BTreeIndex[K]) Add(k K, value any) {
	idx.eq.Add(k, value)
	idx.tree.ReplaceOrInsert(btreeEntry[K]{value: value, key: k})
}

func (idx *BTreeIndex[K]) Remove(k K, value any) {
	idx.eq.Remove(k, value)
	idx.tree.Delete(btreeEntry[K]{value: value, key: k})
}

func (idx *BTreeIndex[K]) SupportsExpression(fieldPath string, op string) bool {
	if fieldPath != idx.field {
		return false
	}
	switch op {
	case "eq", "gt", "gte", "lt", "lte":
		return true
	default:
		return false
	}
}

// RangeScan returns row keys whose extracted value is in [lo, hi]
// (inclusive), in ascending order. A nil bound is unbounded on that side.
func (idx *BTreeIndex[K]) RangeScan(lo, hi any) []K {
	var out []K
	visit := func(e btreeEntry[K]) bool {
		if hi != nil && idx.cmp(e.value, hi) > 0 {
			return false
		}
		out = append(out, e.key)
		return true
	}
	if lo != nil {
		idx.tree.AscendGreaterOrEqual(btreeEntry[K]{value: lo}, visit)
	} else {
		idx.tree.Ascend(visit)
	}
	return out
}

// Cursor identifies the last row returned by a previous Take call, so the
// next call can resume strictly after it. Two rows with an equal extracted
// value are still totally ordered by Key (the (value,key) compound order
// the tree is built on), which is what makes resumption safe even when
// many rows tie on the same index value (spec §4.B termination rule: ties
// at the boundary are returned once, then the cursor advances past all of
// them, never re-entering the same key).
type Cursor[K comparable] struct {
	Value any
	Key   K
}

// Take visits index entries in strictly ascending (value, key) order,
// starting strictly after `after` if supplied (nil means "from the
// beginning"). filter is applied to the row key; rejected rows are
// skipped but do not count toward limit. Take returns at most limit row
// keys, plus a cursor identifying the last row visited (for the next
// call). ok is false only when the call visited no entry (nothing lies
// after `after`, or limit <= 0); a call that reaches the end of the index
// after visiting entries still reports true.
func (idx *BTreeIndex[K]) Take(limit int, after *Cursor[K], filter func(K) bool) (keys []K, next Cursor[K], ok bool) {
	if limit <= 0 {
		return nil, Cursor[K]{}, false
	}
	out := make([]K, 0, limit)
	var last btreeEntry[K]
	haveLast := false

	visit := func(e btreeEntry[K]) bool {
		if filter == nil || filter(e.key) {
			out = append(out, e.key)
		}
		last = e
		haveLast = true
		return len(out) < limit
	}

	if after != nil {
		pivot := btreeEntry[K]{value: after.Value, key: after.Key}
		idx.tree.AscendGreaterOrEqual(pivot, func(e btreeEntry[K]) bool {
			if idx.cmp(e.value, after.Value) == 0 && idx.keyCmp(e.key, after.Key) <= 0 {
				return true // still at or before the boundary entry itself: skip, never re-enter it
			}
			return visit(e)
		})
	} else {
		idx.tree.Ascend(visit)
	}

	if !haveLast {
		return out, Cursor[K]{}, false
	}
	return out, Cursor[K]{Value: last.value, Key: last.key}, true
}
