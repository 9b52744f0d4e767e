package journal

import (
	"strconv"

	"github.com/acequia-iot/telemetry-node/model"
)

// readCursor returns the byte offset the next drain should resume from,
// clamped to [headerLen, size]. A missing or empty cursor file defaults to
// the header length (spec §4.2: "created on first drain attempt"); a
// malformed (non-numeric) cursor is healed the same way but also reported
// via REINTENTO_FIX (spec §7 StorageFormatMismatch); a cursor beyond the
// current size (truncated file) clamps to size so the caller's off>=size
// check archives the file on this call (spec §8 boundary behavior).
func (j *Journal) readCursor(name string, size int64) int64 {
	off, ok, malformed := j.readCursorRaw(name)
	if malformed {
		j.emitReintentoFix(name)
	}
	if !ok || off < int64(len(model.Header)) {
		off = int64(len(model.Header))
	}
	if off > size {
		off = size
	}
	return off
}

// writeCursor atomically persists off as the cursor for name.
func (j *Journal) writeCursor(name string, off int64) error {
	return j.fs.WriteFileAtomic(cursorPath(name), []byte(strconv.FormatInt(off, 10)+"\n"))
}
