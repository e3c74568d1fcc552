// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — cold-path diagnostics (zero-alloc)
//
// Purpose:
//   - Logs infrequent failure and progress paths without heap pressure.
//   - Used around the container edges: rejected segment images, audit
//     failures on attach, soak-harness progress and verdicts.
//
// Notes:
//   - Avoids fmt entirely; messages are assembled by plain concatenation.
//   - The container core never logs. Only embedding code calls in here.
//
// ⚠️ Never invoke in hot loops — use only for diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import "shmap/utils"

// DropError logs an error with its prefix, or just the prefix when err is nil.
// Writes to stderr through the alloc-free print path.
//
//go:nosplit
//go:inline
//go:registerparams
func DropError(prefix string, err error) {
	if err != nil {
		utils.PrintWarning(prefix + ": " + err.Error() + "\n")
	} else {
		utils.PrintWarning(prefix + "\n")
	}
}

// DropMessage logs a prefixed diagnostic message.
// Used for cold paths: mapping lifecycle, republication notices, run verdicts.
//
//go:nosplit
//go:inline
//go:registerparams
func DropMessage(prefix, message string) {
	utils.PrintWarning(prefix + ": " + message + "\n")
}

// DropCount logs a prefixed counter without fmt.
// Used for progress lines: operations applied, round-trips completed.
//
//go:nosplit
//go:inline
//go:registerparams
func DropCount(prefix string, n int) {
	utils.PrintWarning(prefix + ": " + utils.Itoa(n) + "\n")
}
