// ════════════════════════════════════════════════════════════════════════════════════════════════
// Index-Linked Ordered Map Arena
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: Core Types & Layout Contracts
//
// Description:
//   Fixed-capacity ordered map whose entire state lives in two parallel, pointer-free segments:
//   a management segment of tree-link triples and a data segment of key/value entries. All node
//   linkage is expressed as slot indices, never addresses, so the whole object can be copied
//   byte-for-byte between address spaces (shared memory, bulk IPC) and remain valid wherever it
//   lands.
//
// Features:
//   - Binary search tree over slot indices with an embedded free-list allocator
//   - Sentinel index encoding for "no node" (empty subtree, no parent, end of sequence)
//   - Compile-time ordering constraint on keys, one-shot layout audit on values
//   - Zero allocation after construction
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Package flatmap implements a fixed-capacity ordered map stored as a pointer-free index arena,
// plus a validating read-only view for copies received across a trust boundary.
package flatmap

import (
	"reflect"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION CONSTANTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Index addresses one storage slot inside the arena. Links between tree nodes are held as
// Index values into the same arrays, which is what keeps the structure position-independent.
type Index uint32

// NilIdx is the sentinel slot index meaning "no node": an empty subtree, a missing parent,
// an exhausted free list, or the past-the-end cursor position.
const NilIdx Index = ^Index(0)

// MaxCapacity bounds the slot count so that doubling any valid index can never overflow Index
// arithmetic and no valid slot can collide with NilIdx. Checked once at construction.
const MaxCapacity = 1<<31 - 1

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE CONSTRAINTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Ordered restricts keys to scalar kinds with a built-in total order. Scalars carry no interior
// pointers, so any Ordered key survives a raw byte copy by construction.
//
// Float keys are admitted for parity with the comparison operators, with one caveat: NaN breaks
// strict ordering, and inserting it is a caller error with unspecified (but memory-safe) results.
type Ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STORAGE SEGMENTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Link is one management-segment node: the tree linkage for the slot at the same index in the
// data segment. A slot on the free list threads the chain through Right only; its Left and
// Parent are NilIdx and its entry is meaningless.
type Link struct {
	Left   Index // 4B - Left child slot or NilIdx
	Right  Index // 4B - Right child slot, or next free slot while unused
	Parent Index // 4B - Parent slot or NilIdx (root, free)
}

// Entry is one data-segment slot: the stored key/value pair. Both fields are plain values with
// no indirection, so the segment is raw-copyable as a whole.
type Entry[K Ordered, V comparable] struct {
	Key K // Search key, unique within the map
	Val V // Payload value
}

// Header is the fixed-size control block shared by the map and by read-only views of its copies.
// Together with the two segments it is the complete serialized state: header, link array, data
// array, in that order, with fixed-width index fields.
type Header struct {
	Size uint32 // 4B - Count of occupied slots
	Root Index  // 4B - BST root slot or NilIdx
	Free Index  // 4B - Free-list head slot or NilIdx
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION-TIME LAYOUT AUDIT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// checkCapacity validates the construction-time slot count. Violations are caller programming
// errors and abort immediately: a map that cannot hold its promised shape must never exist.
func checkCapacity(capacity int) Index {
	if capacity <= 0 {
		panic("flatmap: capacity must be positive")
	}
	if capacity > MaxCapacity {
		panic("flatmap: capacity exceeds index arithmetic bound")
	}
	return Index(capacity)
}

// assertNoIndirection walks a value type's layout once and aborts if any reachable field could
// embed an address. The compiler already rejects non-comparable values; this closes the gap for
// types that compare fine yet still carry pointers (and would silently break on a raw copy).
//
// The walk runs once per map construction, never on any per-operation path.
func assertNoIndirection(t reflect.Type) {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return
	case reflect.Array:
		assertNoIndirection(t.Elem())
		return
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			assertNoIndirection(t.Field(i).Type)
		}
		return
	default:
		// Pointer, string, interface, channel and friends all smuggle addresses that turn to
		// garbage the moment the bytes land in another address space.
		panic("flatmap: value type " + t.String() + " embeds indirection and is not raw-copyable")
	}
}

// entryType returns the reflected layout of the instantiated entry, used by the construction
// audit and by image packers that need the entry's exact size and alignment.
func entryType[K Ordered, V comparable]() reflect.Type {
	return reflect.TypeOf(Entry[K, V]{})
}
