package journal

import (
	"bufio"
	"context"
	"strings"

	"github.com/acequia-iot/telemetry-node/model"
)

// UploadResultKind classifies the outcome of one delivery attempt (spec
// §4.3 "Wire protocol" classification table).
type UploadResultKind int

const (
	// UploadOK: the endpoint accepted the record; its cursor line can be
	// marked SENT and the drain can advance past it.
	UploadOK UploadResultKind = iota
	// UploadTransportError: no response was obtained (timeout, DNS, reset).
	UploadTransportError
	// UploadHTTPError: a response was obtained but it does not satisfy the
	// success classification (any status other than 200-with-"OK"-body or
	// 204).
	UploadHTTPError
	// UploadRejectedPermanently: the endpoint rejected the record in a way
	// that will never succeed on retry (spec §4.3 treats this the same as
	// UploadHTTPError for cursor-advancement purposes: the drain still
	// halts at this line rather than skip it, since silently discarding a
	// forensic record is not this system's call to make).
	UploadRejectedPermanently
)

// UploadOutcome is the result of attempting to deliver one sample.
type UploadOutcome struct {
	Kind       UploadResultKind
	HTTPStatus int
}

// UploadFunc delivers one sample and reports the outcome. Implemented by
// package uploader; kept as a narrow function type here so journal does
// not need to import net/http.
type UploadFunc func(ctx context.Context, sample model.Sample) UploadOutcome

// DrainStats summarizes one DrainOne call.
type DrainStats struct {
	Sent       int
	Skipped    int
	Archived   bool
	Progressed bool
	// Held is true when the drain made no progress on a non-empty pending
	// file while the link was up — the caller should log a HOLD event
	// (spec §4.3, §4.4 "UPLOAD_HOLD").
	Held       bool
	LastKind   UploadResultKind
	LastStatus int
}

// DrainOne runs the drain protocol (spec §4.3) against one JournalFile:
// it reads up to maxRecords lines starting at the persisted cursor
// (skipped non-PENDING or malformed lines count toward maxRecords),
// attempts delivery for each PENDING one, appends a SENT audit line to
// sent/<name> for every success, and stops at the first failure without
// advancing past it. The cursor is only ever moved forward to an offset
// that has been durably recorded as sent or skipped.
func (j *Journal) DrainOne(ctx context.Context, name string, maxRecords int, linkReady bool, upload UploadFunc) (DrainStats, error) {
	var stats DrainStats
	if !linkReady {
		return stats, nil
	}

	size0, err := j.fs.Size(name)
	if err != nil {
		return stats, err
	}

	off := j.readCursor(name, size0)
	if off >= size0 {
		if archErr := j.archive(name); archErr != nil {
			return stats, archErr
		}
		stats.Archived = true
		return stats, nil
	}

	r, err := j.fs.OpenRead(name)
	if err != nil {
		return stats, err
	}
	defer r.Close()
	if _, err := r.Seek(off, 0); err != nil {
		return stats, err
	}

	reader := bufio.NewReader(r)
	cur := off

	for processed := 0; processed < maxRecords; {
		line, rerr := reader.ReadString('\n')
		if rerr != nil {
			// EOF with no trailing newline: a torn or not-yet-flushed
			// write. Stop without consuming it.
			break
		}

		lineStart := cur
		lineEnd := cur + int64(len(line))
		processed++

		rec, ok := model.ParseLine(strings.TrimSuffix(line, "\n"))
		if !ok || rec.Status != model.StatusPending {
			cur = lineEnd
			stats.Skipped++
			continue
		}

		outcome := upload(ctx, rec.Sample)
		if outcome.Kind == UploadOK {
			if err := j.appendSentAudit(name, rec); err != nil {
				return stats, err
			}
			cur = lineEnd
			stats.Sent++
			continue
		}

		// Failure: halt at the start of this line so the next drain
		// attempt retries the same record.
		cur = lineStart
		stats.LastKind = outcome.Kind
		stats.LastStatus = outcome.HTTPStatus
		break
	}

	if cur > off {
		if err := j.writeCursor(name, cur); err != nil {
			return stats, err
		}
		stats.Progressed = true
	}

	size1, err := j.fs.Size(name)
	if err == nil && cur >= size1 {
		if archErr := j.archive(name); archErr != nil {
			return stats, archErr
		}
		stats.Archived = true
	} else if cur == off {
		stats.Held = true
	}

	return stats, nil
}

// appendSentAudit records a successful delivery in the append-only
// sent/<name> audit trail (spec §4.3, §1 "forensic log of what left the
// device and when").
func (j *Journal) appendSentAudit(name string, rec model.PendingRecord) error {
	path := sentAuditPath(name)
	if !j.fs.Exists(path) {
		w, err := j.fs.OpenAppend(path)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(model.Header)); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	rec.Status = model.StatusSent
	rec.TSAckUs = j.nowUs()
	w, err := j.fs.OpenAppend(path)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write([]byte(model.FormatLine(rec) + "\n"))
	return err
}

// archive moves a fully-drained JournalFile (and drops its now-useless
// cursor) into sent/raw/, per spec §4.3's completion step.
func (j *Journal) archive(name string) error {
	if j.fs.Exists(name) {
		if err := j.fs.Rename(name, archivedPath(name)); err != nil {
			return err
		}
	}
	return j.fs.Remove(cursorPath(name))
}
