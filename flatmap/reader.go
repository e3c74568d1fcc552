// ════════════════════════════════════════════════════════════════════════════════════════════════
// Validating Read-Only Container View
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: Untrusted-Copy Audit & Query Surface
//
// Description:
//   A map image that crossed a process or trust boundary cannot be traversed on faith: a forged
//   or torn link segment can point out of bounds or form a cycle. Reader is the quarantine gate.
//   Construction copies the structural metadata, audits the complete topology in O(size), and
//   only on success yields a value whose whole query surface is memory-safe without any further
//   per-access checking.
//
// Audit scope:
//   - Checked: index bounds, parent/child agreement, reachable-count vs declared size (which
//     also bounds the walk over cyclic input)
//   - Not checked: payload key ordering. A forged payload can make lookups return wrong
//     answers, never out-of-bounds reads or non-termination
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package flatmap

import (
	"errors"
	"fmt"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CORRUPTION REPORTING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ErrCorruptContainer is the sentinel matched by errors.Is for every structural audit failure.
var ErrCorruptContainer = errors.New("flatmap: corrupt container image")

// Audit failure reasons, one per rejected invariant.
const (
	corruptCapacity = "slot count out of range"
	corruptSegments = "data segment shorter than link segment"
	corruptSizeCap  = "declared size exceeds slot count"
	corruptRootSet  = "root set in empty container"
	corruptBounds   = "link index out of bounds"
	corruptOverrun  = "traversal exceeded declared size"
	corruptParent   = "parent link disagrees with tree position"
	corruptCount    = "reachable entry count disagrees with declared size"
)

// CorruptionError reports why an image was rejected and, where one exists, the slot or index
// value the audit tripped on. Corruption is expected operational input on an untrusted boundary,
// so it surfaces as a recoverable error rather than an abort: log it, discard the copy, request
// a fresh one.
type CorruptionError struct {
	Reason string // rejected invariant
	Slot   Index  // offending slot or index value, NilIdx when the fault is header-level
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	if e.Slot == NilIdx {
		return "flatmap: corrupt container image: " + e.Reason
	}
	return fmt.Sprintf("flatmap: corrupt container image: %s (slot %d)", e.Reason, e.Slot)
}

// Unwrap chains every corruption report to ErrCorruptContainer.
func (e *CorruptionError) Unwrap() error { return ErrCorruptContainer }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// READER STRUCTURE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Reader is a read-only view over a validated container image. Its header and link segment are
// private copies frozen by the audit; the data segment stays borrowed from the caller and must
// outlive the Reader unchanged. Existence of a Reader is the proof that every index its queries
// can encounter is in bounds and acyclic.
//
//go:align 64
type Reader[K Ordered, V comparable] struct {
	hdr     Header        // 12B - Audited control block copy
	slots   Index         // 4B  - Slot count, len(links) at construction
	links   []Link        // 24B - Audited private copy of the management segment
	entries []Entry[K, V] // 24B - Borrowed payload, never copied, ordering never verified
}

// NewReader audits an untrusted header-and-links snapshot and, on success, returns a Reader
// over the borrowed entries segment. The link slice is copied before the audit runs, so later
// caller-side mutation of the input cannot invalidate the proof. Failure is always a
// *CorruptionError matching ErrCorruptContainer.
func NewReader[K Ordered, V comparable](hdr Header, links []Link, entries []Entry[K, V]) (*Reader[K, V], error) {
	owned := make([]Link, len(links))
	copy(owned, links)
	return NewReaderOwned(hdr, owned, entries)
}

// NewReaderOwned is NewReader without the defensive link copy, for callers that already hold a
// private link slice (the segment decoder decodes into one). The slice must not be mutated after
// this call.
func NewReaderOwned[K Ordered, V comparable](hdr Header, links []Link, entries []Entry[K, V]) (*Reader[K, V], error) {
	if len(links) == 0 || len(links) > MaxCapacity {
		return nil, &CorruptionError{Reason: corruptCapacity, Slot: NilIdx}
	}
	n := Index(len(links))
	if len(entries) < len(links) {
		return nil, &CorruptionError{Reason: corruptSegments, Slot: NilIdx}
	}
	if hdr.Size > uint32(n) {
		return nil, &CorruptionError{Reason: corruptSizeCap, Slot: NilIdx}
	}
	if err := auditTree(hdr, links, n); err != nil {
		return nil, err
	}
	return &Reader[K, V]{hdr: hdr, slots: n, links: links, entries: entries}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STRUCTURAL AUDIT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// auditHop is one pending tree visit: the slot to inspect and the parent the inspected slot
// must record.
type auditHop struct {
	idx    Index // 4B - Slot to visit
	parent Index // 4B - Expected Parent field value at idx
}

// auditTree proves the declared tree topology safe to traverse.
//
// Algorithm steps:
//  1. Empty container short-circuit: Size 0 requires a sentinel root, nothing else to walk
//  2. Depth-first walk from the root with an explicit stack, each hop carrying the expected
//     parent. Reject an index at or past the slot count, a visited count overrunning the
//     declared size (the bound that terminates the walk over cyclic input), or a recorded
//     Parent disagreeing with the edge the walk arrived by
//  3. Require the final visited count to equal the declared size exactly, which rejects both
//     unreachable ghost entries and an inflated size field
//
// The free-list chain is never audited: no Reader query dereferences it, so a forged free list
// cannot affect the read surface.
func auditTree(hdr Header, links []Link, n Index) *CorruptionError {
	if hdr.Size == 0 {
		if hdr.Root != NilIdx {
			return &CorruptionError{Reason: corruptRootSet, Slot: hdr.Root}
		}
		return nil
	}

	visited := uint32(0)
	stack := make([]auditHop, 0, 64)
	if hdr.Root != NilIdx {
		stack = append(stack, auditHop{idx: hdr.Root, parent: NilIdx})
	}
	for len(stack) > 0 {
		hop := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if hop.idx >= n {
			return &CorruptionError{Reason: corruptBounds, Slot: hop.idx}
		}
		visited++
		if visited > hdr.Size {
			return &CorruptionError{Reason: corruptOverrun, Slot: hop.idx}
		}
		lk := links[hop.idx]
		if lk.Parent != hop.parent {
			return &CorruptionError{Reason: corruptParent, Slot: hop.idx}
		}
		if lk.Right != NilIdx {
			stack = append(stack, auditHop{idx: lk.Right, parent: hop.idx})
		}
		if lk.Left != NilIdx {
			stack = append(stack, auditHop{idx: lk.Left, parent: hop.idx})
		}
	}
	if visited != hdr.Size {
		return &CorruptionError{Reason: corruptCount, Slot: NilIdx}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERY OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Size returns the audited occupied-slot count.
//
//go:nosplit
//go:inline
func (r *Reader[K, V]) Size() int { return int(r.hdr.Size) }

// Empty reports whether the audited image holds no entries.
//
//go:nosplit
//go:inline
func (r *Reader[K, V]) Empty() bool { return r.hdr.Size == 0 }

// Capacity returns the image's slot count.
//
//go:nosplit
//go:inline
func (r *Reader[K, V]) Capacity() int { return int(r.slots) }

// locate is the same descent as the writer side, running over the audited copy. Every index it
// can reach was proven in bounds and acyclic at construction.
func (r *Reader[K, V]) locate(key K) (Index, bool) {
	last := NilIdx
	cur := r.hdr.Root
	for cur != NilIdx {
		last = cur
		k := r.entries[cur].Key
		switch {
		case key < k:
			cur = r.links[cur].Left
		case key > k:
			cur = r.links[cur].Right
		default:
			return cur, true
		}
	}
	return last, false
}

// Find returns the slot index holding key, or (NilIdx, false) when the key is absent.
func (r *Reader[K, V]) Find(key K) (Index, bool) {
	if idx, found := r.locate(key); found {
		return idx, true
	}
	return NilIdx, false
}

// Get returns the value stored under key and whether it was present.
func (r *Reader[K, V]) Get(key K) (V, bool) {
	if idx, found := r.locate(key); found {
		return r.entries[idx].Val, true
	}
	var zero V
	return zero, false
}

// At returns the value stored under key, aborting when the key is absent. Use Get when presence
// is not guaranteed.
func (r *Reader[K, V]) At(key K) V {
	idx, found := r.locate(key)
	if !found {
		panic("flatmap: At called with a key not present in the container")
	}
	return r.entries[idx].Val
}

// Count returns how many entries hold key: 0 or 1, keys being unique.
func (r *Reader[K, V]) Count(key K) int {
	if _, found := r.locate(key); found {
		return 1
	}
	return 0
}

// KeyAt returns the key stored in an occupied slot previously returned by a lookup or cursor.
//
//go:nosplit
//go:inline
func (r *Reader[K, V]) KeyAt(idx Index) K { return r.entries[idx].Key }

// ValueAt returns the value stored in an occupied slot, under the same contract as KeyAt.
//
//go:nosplit
//go:inline
func (r *Reader[K, V]) ValueAt(idx Index) V { return r.entries[idx].Val }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ORDERED BOUNDS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// LowerBound returns a cursor on the first entry whose key is not less than key, or the end
// cursor when every key is smaller.
func (r *Reader[K, V]) LowerBound(key K) Iterator[K, V] {
	best := NilIdx
	cur := r.hdr.Root
	for cur != NilIdx {
		if r.entries[cur].Key >= key {
			best = cur
			cur = r.links[cur].Left
		} else {
			cur = r.links[cur].Right
		}
	}
	return Iterator[K, V]{src: r, cur: best}
}

// UpperBound returns a cursor on the first entry whose key is greater than key, or the end
// cursor when no key is.
func (r *Reader[K, V]) UpperBound(key K) Iterator[K, V] {
	best := NilIdx
	cur := r.hdr.Root
	for cur != NilIdx {
		if r.entries[cur].Key > key {
			best = cur
			cur = r.links[cur].Left
		} else {
			cur = r.links[cur].Right
		}
	}
	return Iterator[K, V]{src: r, cur: best}
}

// EqualRange returns the [LowerBound, UpperBound) cursor pair for key: an empty range for an
// absent key, a one-entry range for a present one.
func (r *Reader[K, V]) EqualRange(key K) (Iterator[K, V], Iterator[K, V]) {
	return r.LowerBound(key), r.UpperBound(key)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CURSOR CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Begin returns a cursor on the minimum-key entry, or the end cursor for an empty image.
func (r *Reader[K, V]) Begin() Iterator[K, V] {
	return Iterator[K, V]{src: r, cur: viewMin[K, V](r, r.hdr.Root)}
}

// End returns the past-the-end cursor.
//
//go:nosplit
//go:inline
func (r *Reader[K, V]) End() Iterator[K, V] { return Iterator[K, V]{src: r, cur: NilIdx} }

// RBegin returns a cursor on the maximum-key entry, or the end cursor for an empty image. Walk
// backwards from here with Prev.
func (r *Reader[K, V]) RBegin() Iterator[K, V] {
	return Iterator[K, V]{src: r, cur: viewMax[K, V](r, r.hdr.Root)}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INTERNAL VIEW PLUMBING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Reader satisfies the cursor's view contract over its audited copy and borrowed payload.

//go:nosplit
//go:inline
func (r *Reader[K, V]) linkAt(idx Index) Link { return r.links[idx] }

//go:nosplit
//go:inline
func (r *Reader[K, V]) entryRef(idx Index) *Entry[K, V] { return &r.entries[idx] }

//go:nosplit
//go:inline
func (r *Reader[K, V]) rootIdx() Index { return r.hdr.Root }
