// Package journal implements the durable, append-only persistence layer
// from spec §4.2: JournalFile creation and writes, the crash-safe Cursor,
// enumeration of files with outstanding work, and (in drain.go) the drain
// protocol that turns PENDING records into acknowledged deliveries.
//
// Grounded on spec §4.2 and original_source/src/sdbackup.cpp/
// reenviarBackupSD.cpp (forensic store with reason codes, /pendientes.idx
// maintenance, open+seek fallback on write).
package journal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/acequia-iot/telemetry-node/model"
	"github.com/acequia-iot/telemetry-node/storage"
)

// ErrStorageUnavailable is returned by Store when the underlying file
// cannot be opened even after the append-then-seek fallback (spec §4.2).
var ErrStorageUnavailable = errors.New("journal: storage unavailable")

const (
	unsyncFileName    = "backup_unsync.csv"
	pendingIndexName  = "pendientes.idx"
	sentDir           = "sent"
	archivedRawDir    = "sent/raw"
)

// DateProvider tells the Journal which dated file to write to. When Valid
// is false, every write goes to backup_unsync.csv regardless of
// CurrentDateUTC's value (spec §4.2, §8 boundary behavior).
type DateProvider interface {
	Valid() bool
	CurrentDateUTC() string // YYYYMMDD
}

// EventSink is the narrow view of EventLog the Journal needs, to report a
// healed cursor (spec §7 StorageFormatMismatch: "a malformed cursor is
// reset to header-end with a REINTENTO_FIX event").
type EventSink interface {
	Emit(module, code, state string, kv map[string]string)
}

// Journal owns the JournalFile/Cursor pairs under one storage root.
type Journal struct {
	fs     storage.FS
	date   DateProvider
	nowUs  func() uint64
	events EventSink
}

// New creates a Journal. nowUs supplies the disciplined (or fallback)
// microsecond clock used to stamp ts_envio in the sent/ audit trail.
// events may be nil, in which case a healed cursor is not reported (tests
// that do not care about forensic events may omit it).
func New(fs storage.FS, date DateProvider, nowUs func() uint64, events EventSink) *Journal {
	return &Journal{fs: fs, date: date, nowUs: nowUs, events: events}
}

// emitReintentoFix reports that name's cursor was malformed and has been
// reset to header-end (spec §7 StorageFormatMismatch).
func (j *Journal) emitReintentoFix(name string) {
	if j.events == nil {
		return
	}
	j.events.Emit("JOURNAL", "REINTENTO_FIX", "", map[string]string{"path": name})
}

// pathForWrite returns the JournalFile path a new sample should be stored
// in, per spec §8 "A store arriving while rtc_valid=false lands in
// backup_unsync.csv regardless [of time-of-day]".
func (j *Journal) pathForWrite() string {
	if !j.date.Valid() {
		return unsyncFileName
	}
	return fmt.Sprintf("backup_%s.csv", j.date.CurrentDateUTC())
}

// Store appends one PENDING record for sample to today's JournalFile (or
// backup_unsync.csv if the clock is not valid), creating the file with its
// header if absent, and records the file in the pending-index hint.
// Store takes no reason argument and records none: why a sample was
// journaled appears only in the caller's own EventLog entry, and Store
// itself does not log.
func (j *Journal) Store(sample model.Sample) error {
	path := j.pathForWrite()

	if err := j.ensureHeader(path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	rec := model.PendingRecord{Sample: sample, Status: model.StatusPending}
	line := model.FormatLine(rec) + "\n"

	w, err := j.fs.OpenAppend(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	sizeBefore, _ := j.fs.Size(path)
	n, werr := w.Write([]byte(line))
	cerr := w.Close()
	if werr != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, werr)
	}
	if cerr != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, cerr)
	}
	if n != len(line) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", ErrStorageUnavailable, n, len(line))
	}

	// Verify the file actually grew by at least the formatted length
	// (spec §4.2 write protocol step 6).
	sizeAfter, err := j.fs.Size(path)
	if err == nil && sizeAfter < sizeBefore+int64(len(line)) {
		return fmt.Errorf("%w: post-write size did not increase as expected", ErrStorageUnavailable)
	}

	j.addToPendingIndex(path)
	return nil
}

// ensureHeader writes the bit-exact header line if path does not yet
// exist. A file is considered valid iff its header is present (spec §3).
func (j *Journal) ensureHeader(path string) error {
	if j.fs.Exists(path) {
		return nil
	}
	w, err := j.fs.OpenAppend(path)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write([]byte(model.Header))
	return err
}

// addToPendingIndex appends path to pendientes.idx if it is not already
// listed. Best-effort: pendientes.idx is a hint, not a source of truth
// (spec §3), so a failure here is not propagated as a Store error.
func (j *Journal) addToPendingIndex(path string) {
	existing, _ := j.fs.ReadFile(pendingIndexName)
	for _, line := range strings.Split(string(existing), "\n") {
		if line == path {
			return
		}
	}
	w, err := j.fs.OpenAppend(pendingIndexName)
	if err != nil {
		return
	}
	defer w.Close()
	w.Write([]byte(path + "\n"))
}

// EnumeratePending scans the storage root for JournalFiles with
// outstanding work: files named backup_YYYYMMDD.csv (excluding any legacy
// name containing "1970") plus backup_unsync.csv, where the cursor is
// missing or less than the file size (spec §4.2). The pendientes.idx hint
// is not consulted; the authoritative set is always recomputed by scan.
func (j *Journal) EnumeratePending() ([]string, error) {
	names, err := j.fs.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, name := range names {
		if !isJournalFileName(name) {
			continue
		}
		size, err := j.fs.Size(name)
		if err != nil {
			continue
		}
		off, ok, malformed := j.readCursorRaw(name)
		if malformed {
			j.emitReintentoFix(name)
		}
		if !ok || off < size {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

func isJournalFileName(name string) bool {
	if strings.Contains(name, "1970") {
		return false
	}
	if name == unsyncFileName {
		return true
	}
	if !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".csv") {
		return false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "backup_"), ".csv")
	if len(digits) != 8 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// readCursorRaw reads the raw cursor value for name without any
// size-clamping. ok is false when the cursor file is missing or empty (the
// ordinary "not yet drained" state); malformed is true specifically when
// the file exists with non-empty content that does not parse as a decimal
// integer (spec §7 StorageFormatMismatch), which callers must heal and
// report, not treat as equivalent to a missing cursor.
func (j *Journal) readCursorRaw(name string) (off int64, ok bool, malformed bool) {
	data, err := j.fs.ReadFile(cursorPath(name))
	if err != nil {
		return 0, false, false
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return 0, false, false
	}
	n, perr := strconv.ParseInt(token, 10, 64)
	if perr != nil {
		return 0, false, true
	}
	return n, true, false
}

func cursorPath(name string) string    { return name + ".idx" }
func sentAuditPath(name string) string { return sentDir + "/" + name }
func archivedPath(name string) string  { return archivedRawDir + "/" + name }
