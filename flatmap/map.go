// ════════════════════════════════════════════════════════════════════════════════════════════════
// Index-Linked Ordered Map Arena
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: Mutating Map Implementation
//
// Description:
//   The writer-side container. Maintains a binary search tree over at most Capacity key/value
//   pairs entirely inside two fixed-size slices allocated once at construction. Unused slots are
//   chained into a free list threaded through the Right link field, so allocation and release
//   are O(1) pointer-free list operations on the same arrays.
//
// Safety model:
//   - The map only ever traverses linkage it wrote itself, so operations skip revalidation
//   - Caller contract violations (capacity overflow, At on a missing key) abort immediately
//     with a descriptive message instead of corrupting the arena
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package flatmap

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MAP STRUCTURE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Map is a fixed-capacity ordered map over index-linked storage. The zero value is unusable;
// construct with New. After construction the map never allocates, never rebalances, and never
// grows: the memory image is the same three blocks for its whole lifetime.
//
//go:align 64
type Map[K Ordered, V comparable] struct {
	hdr     Header        // 12B - Occupied count, tree root, free-list head
	slots   Index         // 4B  - Slot count fixed at construction
	links   []Link        // 24B - Management segment, one triple per slot
	entries []Entry[K, V] // 24B - Data segment, one key/value per slot
}

// New constructs an empty map with the given slot capacity. The value type's layout is audited
// once here (see assertNoIndirection); a type that could not survive a raw byte copy is rejected
// before any storage exists. Capacity outside [1, MaxCapacity] is likewise fatal.
func New[K Ordered, V comparable](capacity int) *Map[K, V] {
	n := checkCapacity(capacity)
	assertNoIndirection(entryType[K, V]())

	m := &Map[K, V]{
		slots:   n,
		links:   make([]Link, n),
		entries: make([]Entry[K, V], n),
	}
	m.Clear()
	return m
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERY OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Size returns the number of occupied slots.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) Size() int { return int(m.hdr.Size) }

// Empty reports whether no slot is occupied.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) Empty() bool { return m.hdr.Size == 0 }

// Capacity returns the fixed slot count chosen at construction.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) Capacity() int { return int(m.slots) }

// locate descends from the root comparing keys, returning the last non-sentinel slot visited
// and whether the key was found there. On a miss the returned slot is exactly the node the new
// key must attach under, which is what Insert exploits. Cost is O(tree height); the tree is
// never rebalanced, so height is shaped by the insertion order.
func (m *Map[K, V]) locate(key K) (Index, bool) {
	last := NilIdx
	cur := m.hdr.Root
	for cur != NilIdx {
		last = cur
		k := m.entries[cur].Key
		switch {
		case key < k:
			cur = m.links[cur].Left
		case key > k:
			cur = m.links[cur].Right
		default:
			return cur, true
		}
	}
	return last, false
}

// Find returns the slot index holding key, or (NilIdx, false) when the key is absent.
func (m *Map[K, V]) Find(key K) (Index, bool) {
	if idx, found := m.locate(key); found {
		return idx, true
	}
	return NilIdx, false
}

// Get returns the value stored under key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	if idx, found := m.locate(key); found {
		return m.entries[idx].Val, true
	}
	var zero V
	return zero, false
}

// At returns the value stored under key. Asking for an absent key is a caller contract
// violation and aborts; use Get when presence is not guaranteed.
func (m *Map[K, V]) At(key K) V {
	idx, found := m.locate(key)
	if !found {
		panic("flatmap: At called with a key not present in the map")
	}
	return m.entries[idx].Val
}

// Count returns how many entries hold key: 0 or 1, keys being unique.
func (m *Map[K, V]) Count(key K) int {
	if _, found := m.locate(key); found {
		return 1
	}
	return 0
}

// KeyAt returns the key stored in an occupied slot. The index must come from this map's own
// lookups or cursors; no revalidation is performed beyond the slice bounds check.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) KeyAt(idx Index) K { return m.entries[idx].Key }

// ValueAt returns the value stored in an occupied slot, under the same contract as KeyAt.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) ValueAt(idx Index) V { return m.entries[idx].Val }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// FREE-LIST ALLOCATOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// grab pops the free-list head. An exhausted free list means the caller inserted past the fixed
// capacity; there is no growth path, so this aborts rather than hand out a slot that does not
// exist.
func (m *Map[K, V]) grab() Index {
	h := m.hdr.Free
	if h == NilIdx {
		panic("flatmap: capacity exceeded, free list exhausted")
	}
	m.hdr.Free = m.links[h].Right
	return h
}

// release pushes a detached slot back onto the free-list head. Only Right carries the chain;
// Left and Parent are reset to the sentinel so a freed slot is visibly untangled from the tree.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) release(idx Index) {
	m.links[idx] = Link{Left: NilIdx, Right: m.hdr.Free, Parent: NilIdx}
	m.hdr.Free = idx
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTATING OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Insert stores key/val in a fresh slot unless the key is already present. It returns the slot
// index holding the key and whether it already existed; an existing entry is left completely
// untouched (no value overwrite). Inserting past the fixed capacity aborts.
//
// The slot index is stable for the entry's whole occupancy: later inserts and erases of other
// keys never move it.
func (m *Map[K, V]) Insert(key K, val V) (Index, bool) {
	at, found := m.locate(key)
	if found {
		return at, true
	}

	idx := m.grab()
	m.entries[idx] = Entry[K, V]{Key: key, Val: val}
	m.links[idx] = Link{Left: NilIdx, Right: NilIdx, Parent: at}

	// Attach under the last node the descent visited, or become the root of an empty tree.
	switch {
	case at == NilIdx:
		m.hdr.Root = idx
	case key < m.entries[at].Key:
		m.links[at].Left = idx
	default:
		m.links[at].Right = idx
	}

	m.hdr.Size++
	return idx, false
}

// detach splices a node with at most one child out of the tree, promoting that child (or the
// sentinel) into its position and re-pointing the child's Parent. The slot's own links are left
// as-is; callers either transplant over them or release the slot immediately after.
func (m *Map[K, V]) detach(idx Index) {
	child := m.links[idx].Left
	if child == NilIdx {
		child = m.links[idx].Right
	}
	parent := m.links[idx].Parent

	if child != NilIdx {
		m.links[child].Parent = parent
	}
	switch {
	case parent == NilIdx:
		m.hdr.Root = child
	case m.links[parent].Left == idx:
		m.links[parent].Left = child
	default:
		m.links[parent].Right = child
	}
}

// Erase removes the entry stored under key, returning the number of entries removed (0 or 1).
// Erasing an absent key is a no-op that leaves every slot byte-for-byte unchanged.
//
// Deletion is the standard three-case splice expressed over indices:
//   - no children: detach from the parent directly
//   - one child: promote the child into the erased position
//   - two children: splice out the in-order successor (minimum of the right subtree, which by
//     construction has no left child), then re-link it into the erased node's position,
//     re-pointing the adopted children's Parent fields
func (m *Map[K, V]) Erase(key K) int {
	idx, found := m.locate(key)
	if !found {
		return 0
	}

	if m.links[idx].Left != NilIdx && m.links[idx].Right != NilIdx {
		succ := m.minFrom(m.links[idx].Right)
		m.detach(succ)

		// The successor adopts the erased node's exact linkage. detach already rewired the
		// right subtree when the successor was the erased node's direct right child, so the
		// copied triple is current in every case.
		m.links[succ] = m.links[idx]
		if l := m.links[succ].Left; l != NilIdx {
			m.links[l].Parent = succ
		}
		if r := m.links[succ].Right; r != NilIdx {
			m.links[r].Parent = succ
		}
		switch p := m.links[succ].Parent; {
		case p == NilIdx:
			m.hdr.Root = succ
		case m.links[p].Left == idx:
			m.links[p].Left = succ
		default:
			m.links[p].Right = succ
		}
	} else {
		m.detach(idx)
	}

	m.release(idx)
	m.hdr.Size--
	return 1
}

// Clear resets the map to the freshly constructed state: zero occupied slots, sentinel root,
// and the free list rebuilt as one chain over all slots in index order. Entry payloads are not
// scrubbed; free-slot contents are meaningless by definition.
func (m *Map[K, V]) Clear() {
	last := m.slots - 1
	for i := Index(0); i < last; i++ {
		m.links[i] = Link{Left: NilIdx, Right: i + 1, Parent: NilIdx}
	}
	m.links[last] = Link{Left: NilIdx, Right: NilIdx, Parent: NilIdx}
	m.hdr = Header{Size: 0, Root: NilIdx, Free: 0}
}

// Swap exchanges the complete state of two maps by exchanging their owned storage. Because the
// segments hold no interior pointers this is equivalent to swapping the two byte images, at the
// cost of three word swaps.
func (m *Map[K, V]) Swap(other *Map[K, V]) {
	m.hdr, other.hdr = other.hdr, m.hdr
	m.slots, other.slots = other.slots, m.slots
	m.links, other.links = other.links, m.links
	m.entries, other.entries = other.entries, m.entries
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ORDER QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// minFrom walks Left children exhaustively from a non-sentinel subtree root and returns the
// slot holding the subtree's minimum key.
func (m *Map[K, V]) minFrom(idx Index) Index {
	for m.links[idx].Left != NilIdx {
		idx = m.links[idx].Left
	}
	return idx
}

// maxFrom walks Right children exhaustively from a non-sentinel subtree root and returns the
// slot holding the subtree's maximum key.
func (m *Map[K, V]) maxFrom(idx Index) Index {
	for m.links[idx].Right != NilIdx {
		idx = m.links[idx].Right
	}
	return idx
}

// LowerBound returns a cursor on the first entry whose key is not less than key, or the end
// cursor when every key is smaller.
func (m *Map[K, V]) LowerBound(key K) Iterator[K, V] {
	best := NilIdx
	cur := m.hdr.Root
	for cur != NilIdx {
		if m.entries[cur].Key >= key {
			best = cur
			cur = m.links[cur].Left
		} else {
			cur = m.links[cur].Right
		}
	}
	return Iterator[K, V]{src: m, cur: best}
}

// UpperBound returns a cursor on the first entry whose key is greater than key, or the end
// cursor when no key is.
func (m *Map[K, V]) UpperBound(key K) Iterator[K, V] {
	best := NilIdx
	cur := m.hdr.Root
	for cur != NilIdx {
		if m.entries[cur].Key > key {
			best = cur
			cur = m.links[cur].Left
		} else {
			cur = m.links[cur].Right
		}
	}
	return Iterator[K, V]{src: m, cur: best}
}

// EqualRange returns the [LowerBound, UpperBound) cursor pair for key: an empty range for an
// absent key, a one-entry range for a present one.
func (m *Map[K, V]) EqualRange(key K) (Iterator[K, V], Iterator[K, V]) {
	return m.LowerBound(key), m.UpperBound(key)
}

// Equal reports whether two maps hold identical sorted sequences of key/value pairs. Slot
// layout is deliberately ignored: two maps built by different operation histories compare equal
// as long as their contents match.
func (m *Map[K, V]) Equal(other *Map[K, V]) bool {
	if m.hdr.Size != other.hdr.Size {
		return false
	}
	a, b := m.Begin(), other.Begin()
	for !a.AtEnd() {
		if a.Key() != b.Key() || a.Value() != b.Value() {
			return false
		}
		a.Next()
		b.Next()
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CURSOR CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Begin returns a cursor on the minimum-key entry, or the end cursor for an empty map.
func (m *Map[K, V]) Begin() Iterator[K, V] {
	if m.hdr.Root == NilIdx {
		return m.End()
	}
	return Iterator[K, V]{src: m, cur: m.minFrom(m.hdr.Root)}
}

// End returns the past-the-end cursor. See Iterator for the wrap-around behavior of stepping
// an end cursor.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) End() Iterator[K, V] { return Iterator[K, V]{src: m, cur: NilIdx} }

// RBegin returns a cursor on the maximum-key entry, or the end cursor for an empty map. Walk
// backwards from here with Prev.
func (m *Map[K, V]) RBegin() Iterator[K, V] {
	if m.hdr.Root == NilIdx {
		return m.End()
	}
	return Iterator[K, V]{src: m, cur: m.maxFrom(m.hdr.Root)}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SEGMENT ACCESS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Header returns a snapshot of the control block.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) Header() Header { return m.hdr }

// Links exposes the live management segment for image packing and reader construction.
//
// ⚠️  The returned slice aliases the map's own storage. Mutating it, or holding it across
// map mutations while expecting a stable snapshot, is a caller contract violation.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) Links() []Link { return m.links }

// Entries exposes the live data segment under the same aliasing contract as Links.
//
//go:nosplit
//go:inline
func (m *Map[K, V]) Entries() []Entry[K, V] { return m.entries }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INTERNAL VIEW PLUMBING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Map satisfies the cursor's view contract directly over its live segments.

//go:nosplit
//go:inline
func (m *Map[K, V]) linkAt(idx Index) Link { return m.links[idx] }

//go:nosplit
//go:inline
func (m *Map[K, V]) entryRef(idx Index) *Entry[K, V] { return &m.entries[idx] }

//go:nosplit
//go:inline
func (m *Map[K, V]) rootIdx() Index { return m.hdr.Root }
