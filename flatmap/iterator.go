// ════════════════════════════════════════════════════════════════════════════════════════════════
// Sorted-Order Tree Cursor
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: Bidirectional Iteration
//
// Description:
//   In-order traversal over the index-linked tree without any auxiliary stack: each step uses
//   only the Left/Right/Parent triples already stored in the management segment, so a cursor is
//   two words and stepping is O(1) amortized across a full sweep.
//
// Wrap-around contract:
//   The end position is part of a cycle, not a wall. Next from end lands on the minimum entry
//   and Prev from end lands on the maximum, which lets one cursor sweep repeatedly without
//   re-anchoring. Dereferencing at end is still a contract violation and aborts; only movement
//   wraps.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package flatmap

// view is the read surface a cursor steps over. Map serves it from live segments, Reader from
// its validated copy; the cursor itself cannot tell the difference and never mutates through it.
type view[K Ordered, V comparable] interface {
	linkAt(idx Index) Link
	entryRef(idx Index) *Entry[K, V]
	rootIdx() Index
}

// Iterator is a position inside one container's sorted sequence. The zero value is not a valid
// cursor; obtain one from Begin, End, RBegin, or a bound query. Cursors stay valid across
// mutations of other entries (slot indices are stable) but a cursor on an erased entry is dead.
type Iterator[K Ordered, V comparable] struct {
	src view[K, V] // container being traversed
	cur Index      // current slot, NilIdx at the end position
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// POSITION PREDICATES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Movement methods use pointer receivers; everything else takes the cursor by value so that
// positions returned by Begin/End/LowerBound can be inspected without an intermediate variable.

// AtEnd reports whether the cursor sits on the past-the-end position.
//
//go:nosplit
//go:inline
func (it Iterator[K, V]) AtEnd() bool { return it.cur == NilIdx }

// Index returns the slot the cursor sits on, or NilIdx at the end position. The index is stable
// for the entry's whole occupancy and is the handle to pass to KeyAt/ValueAt.
//
//go:nosplit
//go:inline
func (it Iterator[K, V]) Index() Index { return it.cur }

// Equal reports whether two cursors address the same position of the same container.
//
//go:nosplit
//go:inline
func (it Iterator[K, V]) Equal(other Iterator[K, V]) bool {
	return it.src == other.src && it.cur == other.cur
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DEREFERENCE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Key returns the key at the cursor. Dereferencing the end position aborts.
func (it Iterator[K, V]) Key() K {
	if it.cur == NilIdx {
		panic("flatmap: cursor dereferenced at end position")
	}
	return it.src.entryRef(it.cur).Key
}

// Value returns the value at the cursor. Dereferencing the end position aborts.
func (it Iterator[K, V]) Value() V {
	if it.cur == NilIdx {
		panic("flatmap: cursor dereferenced at end position")
	}
	return it.src.entryRef(it.cur).Val
}

// EntryRef returns a pointer to the entry at the cursor. Dereferencing the end position aborts.
//
// ⚠️  The pointer aliases the container's data segment. Writing through it on a writer-side
// cursor mutates the live entry (changing the key breaks the ordering invariant); on a reader
// it mutates the borrowed payload.
func (it Iterator[K, V]) EntryRef() *Entry[K, V] {
	if it.cur == NilIdx {
		panic("flatmap: cursor dereferenced at end position")
	}
	return it.src.entryRef(it.cur)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MOVEMENT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Next advances to the in-order successor and returns the cursor for chaining.
//
// Algorithm steps:
//  1. At end: wrap to the minimum entry (stay at end when the container is empty)
//  2. Right subtree exists: successor is that subtree's minimum
//  3. Otherwise: climb Parent links while arriving from a right child; the first ancestor
//     entered from the left is the successor, and running out of ancestors is the end position
func (it *Iterator[K, V]) Next() *Iterator[K, V] {
	if it.cur == NilIdx {
		it.cur = viewMin(it.src, it.src.rootIdx())
		return it
	}
	if r := it.src.linkAt(it.cur).Right; r != NilIdx {
		it.cur = viewMin(it.src, r)
		return it
	}
	cur := it.cur
	parent := it.src.linkAt(cur).Parent
	for parent != NilIdx && it.src.linkAt(parent).Right == cur {
		cur = parent
		parent = it.src.linkAt(cur).Parent
	}
	it.cur = parent
	return it
}

// Prev steps to the in-order predecessor, mirroring Next: wrap from end to the maximum entry,
// otherwise descend into the left subtree's maximum or climb until arriving from a right child.
func (it *Iterator[K, V]) Prev() *Iterator[K, V] {
	if it.cur == NilIdx {
		it.cur = viewMax(it.src, it.src.rootIdx())
		return it
	}
	if l := it.src.linkAt(it.cur).Left; l != NilIdx {
		it.cur = viewMax(it.src, l)
		return it
	}
	cur := it.cur
	parent := it.src.linkAt(cur).Parent
	for parent != NilIdx && it.src.linkAt(parent).Left == cur {
		cur = parent
		parent = it.src.linkAt(cur).Parent
	}
	it.cur = parent
	return it
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUBTREE EXTREMA
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// viewMin returns the leftmost slot reachable from idx, or NilIdx for an empty subtree.
func viewMin[K Ordered, V comparable](src view[K, V], idx Index) Index {
	if idx == NilIdx {
		return NilIdx
	}
	for {
		l := src.linkAt(idx).Left
		if l == NilIdx {
			return idx
		}
		idx = l
	}
}

// viewMax returns the rightmost slot reachable from idx, or NilIdx for an empty subtree.
func viewMax[K Ordered, V comparable](src view[K, V], idx Index) Index {
	if idx == NilIdx {
		return NilIdx
	}
	for {
		r := src.linkAt(idx).Right
		if r == NilIdx {
			return idx
		}
		idx = r
	}
}
