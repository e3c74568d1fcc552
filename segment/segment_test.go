// ============================================================================
// SEGMENT CODEC: ENVELOPE AND ROUND-TRIP TESTS
// ============================================================================
//
// Validation of the image envelope: pack/unpack round-trips, writer
// provenance stamping, every envelope rejection gate in its pinned order,
// alignment enforcement on the borrowed data section, and the hand-off of
// topology corruption to the container audit.
//
// Test categories:
//   1. Geometry and round-trip fidelity
//   2. Writer identity and sequence stamping
//   3. Envelope rejection matrix (one gate per subtest)
//   4. Borrowed-payload semantics
//   5. Audit hand-off for in-envelope topology damage
// ============================================================================

package segment

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"shmap/flatmap"
)

// Envelope field byte offsets used by the tamper tests.
const (
	offMagic     = 0
	offVersion   = 8
	offSlots     = 16
	offEntrySize = 20
	offSize      = 24
	offLayoutSum = 64
	offChecksum  = envelopeSize - 8
)

// buildMap returns a capacity-`capacity` map holding the given keys in insertion order, each
// mapped to three times its key.
func buildMap(capacity int, keys ...int64) *flatmap.Map[int64, uint64] {
	m := flatmap.New[int64, uint64](capacity)
	for _, k := range keys {
		m.Insert(k, uint64(k)*3)
	}
	return m
}

// sweep drains a cursor forward and returns the visited key and value sequences.
func sweep(it flatmap.Iterator[int64, uint64]) ([]int64, []uint64) {
	var keys []int64
	var vals []uint64
	for ; !it.AtEnd(); it.Next() {
		keys = append(keys, it.Key())
		vals = append(vals, it.Value())
	}
	return keys, vals
}

// reseal recomputes the trailing checksum after a tamper test edits image bytes, so the edit
// reaches the gate under test instead of tripping the checksum gate.
func reseal(img []byte) {
	d := xxhash.New()
	d.Write(img[:envelopeSize-8])
	d.Write(img[envelopeSize:])
	binary.LittleEndian.PutUint64(img[offChecksum:envelopeSize], d.Sum64())
}

// assertBadSegment requires err to be an envelope rejection with exactly the given reason.
func assertBadSegment(t *testing.T, err error, reason string) {
	if err == nil {
		t.Fatalf("expected envelope rejection %q, got nil error", reason)
	}
	if !errors.Is(err, ErrBadSegment) {
		t.Fatalf("error does not match ErrBadSegment: %v", err)
	}
	var se *SegmentError
	if !errors.As(err, &se) {
		t.Fatalf("error is not a *SegmentError: %v", err)
	}
	if se.Reason != reason {
		t.Errorf("rejection reason: got %q, want %q", se.Reason, reason)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Geometry and round-trip fidelity
// ────────────────────────────────────────────────────────────────────────────

// TestPackedImageGeometry validates the size contract writers rely on to size
// shared regions.
//
// Verification criteria:
//   - envelope length is a multiple of 8 so the link section starts aligned
//   - Pack emits exactly PackedSize bytes
//   - the data section offset is 8-byte aligned for any slot count
func TestPackedImageGeometry(t *testing.T) {
	if envelopeSize%8 != 0 {
		t.Fatalf("envelope size %d is not a multiple of 8", envelopeSize)
	}
	for _, slots := range []int{1, 2, 3, 4, 7, 64, 4096} {
		if got := dataOffset(slots) % 8; got != 0 {
			t.Errorf("data offset for %d slots: misaligned by %d bytes", slots, got)
		}
	}
	m := buildMap(4, 5, 2, 8)
	img := Pack(m, nil)
	if want := PackedSize[int64, uint64](4); len(img) != want {
		t.Errorf("packed image length: got %d, want %d", len(img), want)
	}
}

// TestPackUnpackRoundTrip validates that a packed image reopens as a view
// identical in content to the source map.
//
// Test sequence:
//  1. Build a map with an unsorted insertion order
//  2. Pack with a fresh origin, unpack into a reader
//  3. Compare size, full sorted traversal, point lookups, and bounds queries
//
// Verification criteria:
//   - traversal is element-wise identical to the source map
//   - present keys resolve to their values, absent keys report missing
//   - Info reproduces the origin stamp and the image geometry
func TestPackUnpackRoundTrip(t *testing.T) {
	m := buildMap(8, 5, 2, 8, 11, 3)
	o := NewOrigin()
	img := Pack(m, o)

	r, info, err := Unpack[int64, uint64](img)
	if err != nil {
		t.Fatalf("round-trip unpack failed: %v", err)
	}

	if r.Size() != m.Size() {
		t.Errorf("reader size: got %d, want %d", r.Size(), m.Size())
	}
	gotKeys, gotVals := sweep(r.Begin())
	wantKeys, wantVals := sweep(m.Begin())
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("traversal length: got %d, want %d", len(gotKeys), len(wantKeys))
	}
	for i := range wantKeys {
		if gotKeys[i] != wantKeys[i] || gotVals[i] != wantVals[i] {
			t.Errorf("traversal position %d: got (%d, %d), want (%d, %d)",
				i, gotKeys[i], gotVals[i], wantKeys[i], wantVals[i])
		}
	}

	for _, k := range []int64{5, 2, 8, 11, 3} {
		got, ok := r.Get(k)
		if !ok || got != uint64(k)*3 {
			t.Errorf("Get(%d): got (%d, %v), want (%d, true)", k, got, ok, uint64(k)*3)
		}
	}
	if _, ok := r.Get(7); ok {
		t.Error("Get(7) found a key that was never inserted")
	}
	if it := r.LowerBound(6); it.AtEnd() || it.Key() != 8 {
		t.Error("LowerBound(6) did not land on key 8")
	}

	if info.WriterID != o.WriterID {
		t.Errorf("info writer: got %v, want %v", info.WriterID, o.WriterID)
	}
	if info.Sequence != 1 {
		t.Errorf("info sequence: got %d, want 1", info.Sequence)
	}
	if info.Slots != 8 || info.Entries != 5 {
		t.Errorf("info geometry: got (%d slots, %d entries), want (8, 5)", info.Slots, info.Entries)
	}
	if info.Version != version1 {
		t.Errorf("info version: got %d, want %d", info.Version, version1)
	}
}

// TestEmptyMapRoundTrip validates that the sentinel root and free-list head
// survive the uint32 wire fields.
func TestEmptyMapRoundTrip(t *testing.T) {
	m := flatmap.New[int64, uint64](3)
	m.Insert(1, 10)
	m.Erase(1)

	r, info, err := Unpack[int64, uint64](Pack(m, nil))
	if err != nil {
		t.Fatalf("empty-map unpack failed: %v", err)
	}
	if !r.Empty() || info.Entries != 0 {
		t.Errorf("reader not empty: size %d, info entries %d", r.Size(), info.Entries)
	}
	if !r.Begin().AtEnd() {
		t.Error("Begin on an empty view is not at end")
	}
}

// TestUnpackToleratesTrailingBytes validates that a page-rounded window larger
// than the image still unpacks: the checksum covers the image, not the window.
func TestUnpackToleratesTrailingBytes(t *testing.T) {
	m := buildMap(4, 5, 2, 8)
	img := Pack(m, nil)
	window := make([]byte, len(img)+4096)
	copy(window, img)

	r, _, err := Unpack[int64, uint64](window)
	if err != nil {
		t.Fatalf("unpack over padded window failed: %v", err)
	}
	if keys, _ := sweep(r.Begin()); len(keys) != 3 {
		t.Errorf("traversal length over padded window: got %d, want 3", len(keys))
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Writer identity and sequence stamping
// ────────────────────────────────────────────────────────────────────────────

// TestOriginSequencing validates the publication ordinal contract.
//
// Test scenarios:
//  1. Repeated packs through one origin stamp 1, 2, 3
//  2. A nil origin publishes anonymously at sequence zero
//  3. A failed PackTo consumes no ordinal
func TestOriginSequencing(t *testing.T) {
	m := buildMap(4, 5)
	o := NewOrigin()

	for want := uint64(1); want <= 3; want++ {
		_, info, err := Unpack[int64, uint64](Pack(m, o))
		if err != nil {
			t.Fatalf("pack %d failed to unpack: %v", want, err)
		}
		if info.Sequence != want {
			t.Errorf("pack %d sequence: got %d, want %d", want, info.Sequence, want)
		}
	}
	if o.Sequence != 3 {
		t.Errorf("origin sequence after three packs: got %d, want 3", o.Sequence)
	}

	_, info, err := Unpack[int64, uint64](Pack(m, nil))
	if err != nil {
		t.Fatalf("anonymous pack failed to unpack: %v", err)
	}
	if info.WriterID != uuid.Nil || info.Sequence != 0 {
		t.Errorf("anonymous stamp: got (%v, %d), want (%v, 0)", info.WriterID, info.Sequence, uuid.Nil)
	}

	short := make([]byte, 16)
	if _, err := PackTo(short, m, o); err == nil {
		t.Fatal("PackTo into an undersized buffer did not fail")
	}
	if o.Sequence != 3 {
		t.Errorf("failed PackTo consumed an ordinal: sequence %d, want 3", o.Sequence)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Envelope rejection matrix
// ────────────────────────────────────────────────────────────────────────────

// TestUnpackRejectsEnvelope walks every envelope gate with one targeted edit
// per subtest. Gates before the checksum are exercised without resealing,
// pinning gate order; gates after it reseal first.
//
// Verification criteria:
//   - every rejection matches ErrBadSegment with the exact gate reason
//   - an image of a different instantiation with identical entry size and
//     alignment is still rejected by the layout fingerprint alone
func TestUnpackRejectsEnvelope(t *testing.T) {
	pack := func() []byte { return Pack(buildMap(4, 5, 2, 8), nil) }

	t.Run("TooShort", func(t *testing.T) {
		_, _, err := Unpack[int64, uint64](pack()[:envelopeSize-1])
		assertBadSegment(t, err, segTooShort)
	})

	t.Run("BadMagic", func(t *testing.T) {
		img := pack()
		img[offMagic] ^= 0xFF
		_, _, err := Unpack[int64, uint64](img)
		assertBadSegment(t, err, segBadMagic)
	})

	t.Run("BadVersion", func(t *testing.T) {
		img := pack()
		img[offVersion] = version1 + 1
		_, _, err := Unpack[int64, uint64](img)
		assertBadSegment(t, err, segBadVersion)
	})

	t.Run("ZeroSlots", func(t *testing.T) {
		img := pack()
		binary.LittleEndian.PutUint32(img[offSlots:], 0)
		_, _, err := Unpack[int64, uint64](img)
		assertBadSegment(t, err, segBadShape)
	})

	t.Run("ForgedEntrySize", func(t *testing.T) {
		img := pack()
		binary.LittleEndian.PutUint32(img[offEntrySize:], 24)
		_, _, err := Unpack[int64, uint64](img)
		assertBadSegment(t, err, segBadLayout)
	})

	t.Run("ForgedFingerprint", func(t *testing.T) {
		img := pack()
		img[offLayoutSum] ^= 0xFF
		_, _, err := Unpack[int64, uint64](img)
		assertBadSegment(t, err, segBadLayout)
	})

	// Entry[int32, uint64] has the same 16-byte size and 8-byte alignment as
	// Entry[int64, uint64]; only the fingerprint can tell the images apart.
	t.Run("WrongInstantiation", func(t *testing.T) {
		_, _, err := Unpack[int32, uint64](pack())
		assertBadSegment(t, err, segBadLayout)
	})

	t.Run("Truncated", func(t *testing.T) {
		img := pack()
		_, _, err := Unpack[int64, uint64](img[:len(img)-8])
		assertBadSegment(t, err, segBadShape)
	})

	t.Run("ChecksumFieldFlip", func(t *testing.T) {
		img := pack()
		img[offChecksum] ^= 0x01
		_, _, err := Unpack[int64, uint64](img)
		assertBadSegment(t, err, segBadChecksum)
	})

	t.Run("PayloadFlipWithoutReseal", func(t *testing.T) {
		img := pack()
		img[len(img)-1] ^= 0x01
		_, _, err := Unpack[int64, uint64](img)
		assertBadSegment(t, err, segBadChecksum)
	})

	t.Run("Misaligned", func(t *testing.T) {
		img := pack()
		shifted := make([]byte, len(img)+4)
		copy(shifted[4:], img)
		_, _, err := Unpack[int64, uint64](shifted[4:])
		assertBadSegment(t, err, segMisaligned)
	})
}

// ────────────────────────────────────────────────────────────────────────────
// Audit hand-off
// ────────────────────────────────────────────────────────────────────────────

// TestUnpackSurfacesTopologyCorruption validates the two-tier error contract:
// damage inside a well-formed envelope is the container audit's verdict, not
// an envelope rejection.
//
// Test scenarios:
//  1. An out-of-bounds child index planted in the link section, resealed
//  2. An inflated declared size, resealed
//
// Verification criteria:
//   - both match flatmap.ErrCorruptContainer and carry a *CorruptionError
//   - neither matches ErrBadSegment
func TestUnpackSurfacesTopologyCorruption(t *testing.T) {
	m := buildMap(4, 5, 2, 8)
	root := int(m.Header().Root)

	t.Run("OutOfBoundsChild", func(t *testing.T) {
		img := Pack(m, nil)
		binary.LittleEndian.PutUint32(img[envelopeSize+root*linkWidth:], 99)
		reseal(img)

		_, _, err := Unpack[int64, uint64](img)
		if !errors.Is(err, flatmap.ErrCorruptContainer) {
			t.Fatalf("error does not match ErrCorruptContainer: %v", err)
		}
		var ce *flatmap.CorruptionError
		if !errors.As(err, &ce) {
			t.Fatalf("error is not a *CorruptionError: %v", err)
		}
		if errors.Is(err, ErrBadSegment) {
			t.Error("topology corruption also matched ErrBadSegment")
		}
	})

	t.Run("InflatedSize", func(t *testing.T) {
		img := Pack(m, nil)
		binary.LittleEndian.PutUint32(img[offSize:], 4)
		reseal(img)

		_, _, err := Unpack[int64, uint64](img)
		if !errors.Is(err, flatmap.ErrCorruptContainer) {
			t.Fatalf("error does not match ErrCorruptContainer: %v", err)
		}
	})
}

// ────────────────────────────────────────────────────────────────────────────
// Borrowed-payload semantics
// ────────────────────────────────────────────────────────────────────────────

// TestUnpackBorrowsDataSection validates that the reader reads the image's
// entry bytes in place: a post-audit store into the buffer is visible through
// the view. The checksum guards transport, not the open window.
func TestUnpackBorrowsDataSection(t *testing.T) {
	m := buildMap(4, 10)
	slot, ok := m.Find(10)
	if !ok {
		t.Fatal("key 10 missing from source map")
	}
	img := Pack(m, nil)

	r, _, err := Unpack[int64, uint64](img)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if got := r.At(10); got != 30 {
		t.Fatalf("pre-edit value: got %d, want 30", got)
	}

	entrySize, _ := entrySpec[int64, uint64]()
	off := dataOffset(m.Capacity()) + int(slot)*entrySize
	ent := (*flatmap.Entry[int64, uint64])(unsafe.Pointer(&img[off]))
	ent.Val = 777

	if got := r.At(10); got != 777 {
		t.Errorf("post-edit value: got %d, want 777 through the borrowed section", got)
	}
}
