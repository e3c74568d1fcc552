// ════════════════════════════════════════════════════════════════════════════════════════════════
// Container Image Envelope Codec
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: Cross-Boundary Serialization & Integrity Envelope
//
// Description:
//   Packs a map arena into one contiguous, self-describing byte image and re-opens such an image
//   as a validated read-only view. The envelope answers the questions the structural audit
//   cannot: is this buffer a container image at all, produced by a compatible build, for the
//   same key/value layout, and did it arrive without bit damage. The flatmap audit then answers
//   the one the envelope cannot: is the topology inside safe to traverse. Unpack always runs
//   both; a valid checksum is never trusted for topology.
//
// Image layout (little-endian envelope, 8-byte aligned sections):
//   envelope ∥ links[slots]{left,right,parent: u32} ∥ pad8 ∥ entries[slots] (raw, host-endian)
//
// The entry section is reinterpreted in place on Unpack, never copied. Host endianness and the
// concrete entry layout are pinned by the layout fingerprint, so an image can only be opened by
// a build that would read those raw bytes identically.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"shmap/flatmap"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ENVELOPE LAYOUT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	magic            = 0x47455350414d4853 // "SHMAPSEG" as little-endian uint64
	version1   uint8 = 1
	indexWidth       = 4  // bytes per index field on the wire
	linkWidth        = 12 // three index fields per slot
)

const envelopeSize = 104

// envelope is the fixed little-endian prefix of every packed image. Checksum is last and covers
// every preceding envelope byte plus both sections.
type envelope struct {
	Magic      uint64   // 8B  - Image discriminator
	Version    uint8    // 1B  - Envelope format revision
	IndexWidth uint8    // 1B  - Wire width of one index field
	EntryAlign uint8    // 1B  - Required alignment of the entry section
	_          uint8    // 1B  - Reserved
	Flags      uint32   // 4B  - Reserved
	Slots      uint32   // 4B  - Arena capacity N
	EntrySize  uint32   // 4B  - Bytes per raw entry
	Size       uint32   // 4B  - Occupied slot count
	Root       uint32   // 4B  - Tree root index or sentinel
	Free       uint32   // 4B  - Free-list head index or sentinel
	_          uint32   // 4B  - Reserved
	Sequence   uint64   // 8B  - Writer-assigned publication ordinal
	WriterID   [16]byte // 16B - Writer identity (UUID)
	LayoutSum  [32]byte // 32B - Fingerprint of the concrete entry layout
	Checksum   uint64   // 8B  - xxhash64 of envelope[:96] ∥ sections
}

// Origin identifies a publishing writer. Sequence increments once per Pack, giving readers a
// total order over images from one writer.
type Origin struct {
	WriterID uuid.UUID
	Sequence uint64
}

// NewOrigin returns a fresh random writer identity with the sequence at zero.
func NewOrigin() *Origin {
	return &Origin{WriterID: uuid.New()}
}

// Info reports the envelope metadata of a successfully unpacked image.
type Info struct {
	WriterID uuid.UUID // publishing writer identity
	Sequence uint64    // publication ordinal
	Slots    int       // arena capacity
	Entries  int       // occupied slot count
	Version  uint8     // envelope format revision
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REJECTION REPORTING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ErrBadSegment is the sentinel matched by errors.Is for every envelope-level rejection.
// Structural rejections from the topology audit surface unchanged and match
// flatmap.ErrCorruptContainer instead.
var ErrBadSegment = errors.New("segment: bad segment image")

// Envelope rejection reasons, one per failed gate.
const (
	segTooShort    = "buffer shorter than the envelope"
	segBadMagic    = "magic mismatch"
	segBadVersion  = "unsupported version"
	segBadLayout   = "entry layout fingerprint mismatch"
	segBadShape    = "declared geometry inconsistent with buffer length"
	segBadChecksum = "checksum mismatch"
	segMisaligned  = "data section misaligned for the entry type"
)

// SegmentError reports why a buffer was rejected before any content was trusted.
type SegmentError struct {
	Reason string
}

// Error implements the error interface.
func (e *SegmentError) Error() string { return "segment: bad segment image: " + e.Reason }

// Unwrap chains every envelope rejection to ErrBadSegment.
func (e *SegmentError) Unwrap() error { return ErrBadSegment }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LAYOUT FINGERPRINT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// entrySpec returns the in-memory size and alignment of one entry for the instantiated types.
func entrySpec[K flatmap.Ordered, V comparable]() (size, align int) {
	var e flatmap.Entry[K, V]
	return int(unsafe.Sizeof(e)), int(unsafe.Alignof(e))
}

// hostEndianTag names the byte order the raw entry section is written in.
func hostEndianTag() string {
	probe := uint16(1)
	if *(*byte)(unsafe.Pointer(&probe)) == 1 {
		return "le"
	}
	return "be"
}

// layoutSum fingerprints everything that decides whether two builds read the raw entry bytes
// identically: the concrete entry type, its size and alignment, the index wire width, and the
// host byte order. Images from an incompatible build fail the fingerprint gate instead of
// being misread.
func layoutSum[K flatmap.Ordered, V comparable]() [32]byte {
	var e flatmap.Entry[K, V]
	size, align := entrySpec[K, V]()
	desc := fmt.Sprintf("shmap segment v1 entry=%s size=%d align=%d index=%d endian=%s",
		reflect.TypeOf(e).String(), size, align, indexWidth, hostEndianTag())
	return sha3.Sum256([]byte(desc))
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// GEOMETRY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

//go:nosplit
//go:inline
func pad8(n int) int { return (n + 7) &^ 7 }

// dataOffset returns the byte offset of the entry section for a given slot count. The link
// section is padded so the entry section starts 8-byte aligned relative to the image base.
//
//go:nosplit
//go:inline
func dataOffset(slots int) int { return envelopeSize + pad8(slots*linkWidth) }

// PackedSize returns the exact byte length of a packed image for a capacity-`slots` arena of
// the instantiated types. Writers size shared regions with this.
func PackedSize[K flatmap.Ordered, V comparable](slots int) int {
	if slots <= 0 || slots > flatmap.MaxCapacity {
		panic("segment: slot count out of range")
	}
	size, _ := entrySpec[K, V]()
	return dataOffset(slots) + slots*size
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PACKING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Pack serializes the map into a freshly allocated image. A non-nil origin stamps the writer
// identity and consumes one publication ordinal; a nil origin publishes anonymously at
// sequence zero.
func Pack[K flatmap.Ordered, V comparable](m *flatmap.Map[K, V], o *Origin) []byte {
	buf := make([]byte, PackedSize[K, V](m.Capacity()))
	if _, err := PackTo(buf, m, o); err != nil {
		panic("segment: " + err.Error())
	}
	return buf
}

// PackTo serializes the map into dst, which must hold at least PackedSize bytes (a shared
// mapping window, typically page-rounded, qualifies). It returns the number of image bytes
// written; trailing dst bytes are left untouched.
func PackTo[K flatmap.Ordered, V comparable](dst []byte, m *flatmap.Map[K, V], o *Origin) (int, error) {
	slots := m.Capacity()
	need := PackedSize[K, V](slots)
	if len(dst) < need {
		return 0, fmt.Errorf("segment: destination holds %d bytes, image needs %d", len(dst), need)
	}
	entrySize, entryAlign := entrySpec[K, V]()
	hdr := m.Header()

	e := envelope{
		Magic:      magic,
		Version:    version1,
		IndexWidth: indexWidth,
		EntryAlign: uint8(entryAlign),
		Slots:      uint32(slots),
		EntrySize:  uint32(entrySize),
		Size:       hdr.Size,
		Root:       uint32(hdr.Root),
		Free:       uint32(hdr.Free),
		LayoutSum:  layoutSum[K, V](),
	}
	if o != nil {
		o.Sequence++
		e.Sequence = o.Sequence
		e.WriterID = o.WriterID
	}

	var envBuf bytes.Buffer
	if err := binary.Write(&envBuf, binary.LittleEndian, &e); err != nil {
		panic(err)
	}
	if envBuf.Len() != envelopeSize {
		panic("segment: envelope size mismatch")
	}
	copy(dst[:envelopeSize], envBuf.Bytes())

	// Link section: fixed-width little-endian index triples.
	links := m.Links()
	off := envelopeSize
	for i := 0; i < slots; i++ {
		binary.LittleEndian.PutUint32(dst[off:], uint32(links[i].Left))
		binary.LittleEndian.PutUint32(dst[off+4:], uint32(links[i].Right))
		binary.LittleEndian.PutUint32(dst[off+8:], uint32(links[i].Parent))
		off += linkWidth
	}
	for ; off < dataOffset(slots); off++ {
		dst[off] = 0
	}

	// Entry section: the arena's raw bytes, host byte order, pinned by the fingerprint.
	entries := m.Entries()
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&entries[0])), slots*entrySize)
	copy(dst[off:need], raw)

	// Checksum written last, over every envelope byte before it plus both sections.
	d := xxhash.New()
	d.Write(dst[:envelopeSize-8])
	d.Write(dst[envelopeSize:need])
	binary.LittleEndian.PutUint64(dst[envelopeSize-8:envelopeSize], d.Sum64())

	return need, nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// UNPACKING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Unpack opens a packed image as a validated read-only view.
//
// Algorithm steps:
//  1. Envelope gates in order: length, magic, version, slot bounds, entry layout fingerprint,
//     declared geometry vs buffer length, checksum. Any failure is a *SegmentError matching
//     ErrBadSegment; trailing buffer bytes past the image (page rounding) are permitted and
//     ignored
//  2. Decode the link section into a fresh private slice
//  3. Reinterpret the entry section in place as the typed data segment, borrowing buf; the
//     section's alignment is checked against the entry type first
//  4. Hand header, links, and entries to the structural audit, whose rejections surface
//     unchanged (match flatmap.ErrCorruptContainer)
//
// The returned Reader borrows buf's entry section: buf must stay alive and unmodified for the
// Reader's lifetime.
func Unpack[K flatmap.Ordered, V comparable](buf []byte) (*flatmap.Reader[K, V], Info, error) {
	if len(buf) < envelopeSize {
		return nil, Info{}, &SegmentError{Reason: segTooShort}
	}
	var e envelope
	if err := binary.Read(bytes.NewReader(buf[:envelopeSize]), binary.LittleEndian, &e); err != nil {
		panic(err)
	}

	if e.Magic != magic {
		return nil, Info{}, &SegmentError{Reason: segBadMagic}
	}
	if e.Version != version1 {
		return nil, Info{}, &SegmentError{Reason: segBadVersion}
	}
	if e.Slots == 0 || e.Slots > flatmap.MaxCapacity {
		return nil, Info{}, &SegmentError{Reason: segBadShape}
	}

	entrySize, entryAlign := entrySpec[K, V]()
	if int(e.IndexWidth) != indexWidth || int(e.EntrySize) != entrySize ||
		int(e.EntryAlign) != entryAlign || e.LayoutSum != layoutSum[K, V]() {
		return nil, Info{}, &SegmentError{Reason: segBadLayout}
	}

	slots := int(e.Slots)
	need := dataOffset(slots) + slots*entrySize
	if len(buf) < need {
		return nil, Info{}, &SegmentError{Reason: segBadShape}
	}

	d := xxhash.New()
	d.Write(buf[:envelopeSize-8])
	d.Write(buf[envelopeSize:need])
	if d.Sum64() != e.Checksum {
		return nil, Info{}, &SegmentError{Reason: segBadChecksum}
	}

	links := make([]flatmap.Link, slots)
	off := envelopeSize
	for i := 0; i < slots; i++ {
		links[i] = flatmap.Link{
			Left:   flatmap.Index(binary.LittleEndian.Uint32(buf[off:])),
			Right:  flatmap.Index(binary.LittleEndian.Uint32(buf[off+4:])),
			Parent: flatmap.Index(binary.LittleEndian.Uint32(buf[off+8:])),
		}
		off += linkWidth
	}

	dataOff := dataOffset(slots)
	if uintptr(unsafe.Pointer(&buf[dataOff]))%uintptr(entryAlign) != 0 {
		return nil, Info{}, &SegmentError{Reason: segMisaligned}
	}
	entries := unsafe.Slice((*flatmap.Entry[K, V])(unsafe.Pointer(&buf[dataOff])), slots)

	hdr := flatmap.Header{
		Size: e.Size,
		Root: flatmap.Index(e.Root),
		Free: flatmap.Index(e.Free),
	}
	r, err := flatmap.NewReaderOwned(hdr, links, entries)
	if err != nil {
		return nil, Info{}, err
	}

	info := Info{
		WriterID: uuid.UUID(e.WriterID),
		Sequence: e.Sequence,
		Slots:    slots,
		Entries:  int(e.Size),
		Version:  e.Version,
	}
	return r, info, nil
}
