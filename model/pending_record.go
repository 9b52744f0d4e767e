package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the delivery status of a PendingRecord as recorded on disk.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
)

// PendingRecord is a Sample plus the bookkeeping fields a JournalFile line
// carries: its delivery Status and, once SENT, the acknowledgement
// timestamp. The original line on disk is never rewritten in place; a
// transition to SENT is recorded as a separate append to the audit file.
type PendingRecord struct {
	Sample
	Status  Status
	TSAckUs uint64
}

// Header is the bit-exact CSV header line shared by every JournalFile and
// audit file (trailing newline included).
const Header = "timestamp,measurement,sensor,valor,source,status,ts_envio\n"

const fieldCount = 7

// FormatLine renders r as one CSV line, without a trailing newline. Value is
// formatted with two decimals and timestamps as plain decimal integers, per
// spec §4.2's write protocol and §6's wire format for valor/ts.
func FormatLine(r PendingRecord) string {
	return fmt.Sprintf("%d,%s,%s,%.2f,%s,%s,%d",
		r.TSUs, r.Measurement, r.Sensor, r.Value, r.Source, r.Status, r.TSAckUs)
}

// ParseLine parses one CSV line (no trailing newline) into a PendingRecord.
// It returns ok=false for an empty, too-short, or malformed line; callers
// treat that as a skipped record per spec §4.3 step 3.
func ParseLine(line string) (rec PendingRecord, ok bool) {
	fields := strings.Split(line, ",")
	if len(fields) != fieldCount {
		return PendingRecord{}, false
	}

	tsUs, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return PendingRecord{}, false
	}
	value, err := strconv.ParseFloat(fields[3], 32)
	if err != nil {
		return PendingRecord{}, false
	}
	tsAck, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return PendingRecord{}, false
	}

	rec = PendingRecord{
		Sample: Sample{
			TSUs:        tsUs,
			Measurement: Measurement(fields[1]),
			Sensor:      fields[2],
			Value:       float32(value),
			Source:      Source(fields[4]),
		},
		Status:  Status(fields[5]),
		TSAckUs: tsAck,
	}
	return rec, true
}
