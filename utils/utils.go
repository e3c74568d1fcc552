// ════════════════════════════════════════════════════════════════════════════════════════════════
// Zero-Allocation Helpers
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: Diagnostic Formatting Primitives
//
// Description:
//   Allocation-free string casts, decimal formatting, stderr output, and a 64-bit avalanche
//   mixer. Serves the cold-path diagnostics layer and the soak harness; the container core
//   never formats anything.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package utils

import (
	"os"
	"unsafe"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ZERO-ALLOC CASTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// B2s converts a []byte to a string without allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// S2b converts a string to a []byte without allocation.
// ⚠️ The result aliases the string's storage and must never be written.
//
//go:nosplit
//go:inline
func S2b(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DECIMAL FORMATTING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Utoa formats an unsigned integer in decimal. One allocation for the result string, nothing
// else.
//
//go:nosplit
//go:inline
func Utoa(u uint64) string {
	var buf [20]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
		if u == 0 {
			break
		}
	}
	return string(buf[i:])
}

// Itoa formats a signed integer in decimal. Handles the minimum value via the unsigned
// magnitude.
//
//go:nosplit
//go:inline
func Itoa(n int) string {
	u := uint64(n)
	if n >= 0 {
		return Utoa(u)
	}
	var buf [21]byte
	u = -u
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
		if u == 0 {
			break
		}
	}
	i--
	buf[i] = '-'
	return string(buf[i:])
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STDERR OUTPUT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// PrintWarning writes msg to stderr in one call, no allocation, no fmt.
// ⚠️ Cold paths only — diagnostics, never per-operation logging.
//
//go:nosplit
func PrintWarning(msg string) {
	if len(msg) == 0 {
		return
	}
	os.Stderr.Write(S2b(msg))
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MIXING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Mix64 applies a Murmur3-style avalanche to a 64-bit value. The soak harness derives entry
// payloads from (key, step) with it so value mismatches cannot cancel out.
//
//go:nosplit
//go:inline
func Mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
