// Package eventlog implements the structured forensic log described in
// spec §4.4: severity inference, coalescing of repeated (module, code)
// pairs, a global rate ceiling, RAM-buffered spill when storage is
// unavailable, and daily rotation with byte-size-triggered parts.
//
// Rotation is grounded on the teacher's two rotating writers,
// rtcmlogger/logger.Writer (date-keyed daily file) and rtcmlogger/log.Writer
// (cron-driven rollover); the structured CSV record itself has no teacher
// analogue and is new code written to spec §3/§6.
package eventlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acequia-iot/telemetry-node/clock"
	"github.com/acequia-iot/telemetry-node/storage"
)

// Level is the inferred severity of an EventRecord.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// InferLevel derives an event's severity from its code token per spec
// §4.4: contains ERR|ERROR|FAIL -> ERROR; contains WARN|WARNING|RESPALDO|
// TS_INVALID_BACKUP -> WARN; contains DEBUG -> DEBUG; else INFO.
func InferLevel(code string) Level {
	switch {
	case containsAny(code, "ERR", "ERROR", "FAIL"):
		return LevelError
	case containsAny(code, "WARN", "WARNING", "RESPALDO", "TS_INVALID_BACKUP"):
		return LevelWarn
	case containsAny(code, "DEBUG"):
		return LevelDebug
	default:
		return LevelInfo
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Header is the bit-exact EventLog CSV header line (spec §6).
const Header = "ts_iso,ts_us,level,mod,code,fsm,kv\n"

// Config bounds and tunes the EventLog's coalescing, rate limit, RAM
// buffer, and rotation behavior. Zero values are replaced with sensible
// defaults by New.
type Config struct {
	MaxBytesPerFile    int64
	CoalesceWindow     time.Duration
	CoalesceTableSize  int
	RateLimitPerSecond int
	RAMBufferSize      int
}

func (c Config) withDefaults() Config {
	if c.MaxBytesPerFile <= 0 {
		c.MaxBytesPerFile = 10 * 1024 * 1024
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 2 * time.Second
	}
	if c.CoalesceTableSize <= 0 {
		c.CoalesceTableSize = 32
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 50
	}
	if c.RAMBufferSize <= 0 {
		c.RAMBufferSize = 256
	}
	return c
}

type coalesceEntry struct {
	used   bool
	key    string
	lastMs int64
	count  int
}

// EventLog is the structured forensic log. It is owned by one Supervisor
// and safe for concurrent use (cron-driven ticks and the cooperative main
// loop both call into it).
type EventLog struct {
	fs    storage.FS
	clock clock.Clock
	nowUs func() uint64
	cfg   Config

	mu sync.Mutex

	currentDate string
	partN       int
	bytesInPart int64
	storageDown bool

	ramBuffer []string
	ramHead   int
	ramCount  int
	ramDrops  uint64

	rateSecond int64
	rateCount  int
	rateDrops  uint64

	coalesce []coalesceEntry

	attrs  map[string]string
	seq    uint64
	bootID string
}

// New creates an EventLog. nowUs supplies the ts_us column (it may return
// 0 when the system clock is not yet valid; that is a valid forensic
// observation, not an error). bootID should be generated once per process
// boot by the caller (spec §4.4 "Cross-cutting state").
func New(fs storage.FS, wallClock clock.Clock, nowUs func() uint64, bootID string, cfg Config) *EventLog {
	cfg = cfg.withDefaults()
	return &EventLog{
		fs:       fs,
		clock:    wallClock,
		nowUs:    nowUs,
		cfg:      cfg,
		coalesce: make([]coalesceEntry, cfg.CoalesceTableSize),
		attrs:    make(map[string]string),
		bootID:   bootID,
	}
}

// SetAttr sets a cross-cutting attribute (spec §4.4: boot_id, MAC,
// firmware version, heap free, link RSSI, current Scheduler state) that is
// auto-attached to every subsequent event's kv.
func (e *EventLog) SetAttr(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attrs[key] = value
}

// RAMDrops returns the number of events evicted from the RAM spill buffer
// because it was full, for the heartbeat to report (spec §4.4).
func (e *EventLog) RAMDrops() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ramDrops
}

// RateDrops returns the number of events silently dropped by the rate
// limiter, for the heartbeat to report (spec §7 RateLimited).
func (e *EventLog) RateDrops() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateDrops
}

// Emit records one event. level is inferred from code, never supplied by
// the caller, so there is exactly one source of truth for severity (spec
// §4.4).
func (e *EventLog) Emit(module, code, state string, kv map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	key := module + "|" + code
	suppressed, carriedCount := e.coalesceLocked(key, now)
	if suppressed {
		return
	}

	if !e.rateAllowLocked(now) {
		e.rateDrops++
		return
	}

	level := InferLevel(code)
	line := e.formatLineLocked(now, level, module, code, state, kv, carriedCount)
	e.writeLocked(now, line)
}

// Tick flushes any coalesced entry whose window has elapsed with
// suppressed repeats pending, emitting the deferred summary line even if
// no further event for that key arrives. The Supervisor calls this on
// every iteration of its main loop (Supervisor.Run), not from a cron
// entry.
func (e *EventLog) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	nowMs := now.UnixMilli()
	windowMs := e.cfg.CoalesceWindow.Milliseconds()

	for i := range e.coalesce {
		entry := &e.coalesce[i]
		if !entry.used || entry.count == 0 {
			continue
		}
		if nowMs-entry.lastMs < windowMs {
			continue
		}
		parts := strings.SplitN(entry.key, "|", 2)
		module, code := parts[0], ""
		if len(parts) == 2 {
			code = parts[1]
		}
		count := entry.count
		entry.count = 0
		entry.lastMs = nowMs

		if !e.rateAllowLocked(now) {
			e.rateDrops++
			continue
		}
		level := InferLevel(code)
		line := e.formatLineLocked(now, level, module, code, "", nil, count)
		e.writeLocked(now, line)
	}
}

// coalesceLocked applies the coalescing rule from spec §4.4. Caller must
// hold e.mu.
func (e *EventLog) coalesceLocked(key string, now time.Time) (suppressed bool, carriedCount int) {
	nowMs := now.UnixMilli()
	windowMs := e.cfg.CoalesceWindow.Milliseconds()

	var match *coalesceEntry
	var empty *coalesceEntry
	for i := range e.coalesce {
		if e.coalesce[i].used && e.coalesce[i].key == key {
			match = &e.coalesce[i]
			break
		}
		if empty == nil && !e.coalesce[i].used {
			empty = &e.coalesce[i]
		}
	}

	if match == nil {
		slot := empty
		if slot == nil {
			// Table full: simplest-slot-first replacement (spec §4.4).
			slot = &e.coalesce[0]
		}
		slot.used = true
		slot.key = key
		slot.lastMs = nowMs
		slot.count = 0
		return false, 0
	}

	if nowMs-match.lastMs < windowMs {
		match.count++
		return true, 0
	}

	count := match.count
	match.lastMs = nowMs
	match.count = 0
	return false, count
}

// rateAllowLocked enforces the global per-second emission ceiling. Caller
// must hold e.mu.
func (e *EventLog) rateAllowLocked(now time.Time) bool {
	sec := now.Unix()
	if sec != e.rateSecond {
		e.rateSecond = sec
		e.rateCount = 0
	}
	if e.rateCount >= e.cfg.RateLimitPerSecond {
		return false
	}
	e.rateCount++
	return true
}

// formatLineLocked renders one CSV line (no trailing newline). Caller must
// hold e.mu.
func (e *EventLog) formatLineLocked(now time.Time, level Level, module, code, state string, kv map[string]string, carriedCount int) string {
	e.seq++

	pairs := make([]string, 0, len(e.attrs)+len(kv)+2)
	pairs = append(pairs, "boot_id="+sanitizeKV(e.bootID))
	pairs = append(pairs, fmt.Sprintf("seq=%d", e.seq))
	for k, v := range e.attrs {
		pairs = append(pairs, sanitizeKV(k)+"="+sanitizeKV(v))
	}
	for k, v := range kv {
		pairs = append(pairs, sanitizeKV(k)+"="+sanitizeKV(v))
	}
	if carriedCount > 0 {
		pairs = append(pairs, fmt.Sprintf("count=%d", carriedCount))
	}

	var tsUs uint64
	if e.nowUs != nil {
		tsUs = e.nowUs()
	}

	return fmt.Sprintf("%s,%d,%s,%s,%s,%s,%s",
		now.UTC().Format(time.RFC3339Nano), tsUs, level, module, code, state, strings.Join(pairs, ";"))
}

func sanitizeKV(s string) string {
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

// writeLocked appends line to the current daily/part file, rotating first
// if necessary, spilling to RAM if storage is unavailable, and draining
// the RAM buffer on the first successful write after an outage. Caller
// must hold e.mu.
func (e *EventLog) writeLocked(now time.Time, line string) {
	path, err := e.currentPathLocked(now, int64(len(line))+1)
	if err != nil {
		e.spillLocked(line)
		return
	}

	if err := e.appendLineLocked(path, line); err != nil {
		e.spillLocked(line)
		return
	}

	e.bytesInPart += int64(len(line)) + 1

	if e.storageDown {
		e.storageDown = false
		e.drainRAMLocked(now)
	}
}

// currentPathLocked computes (and rotates, if needed) the path to write
// the next line+newLineLen bytes to. Caller must hold e.mu.
func (e *EventLog) currentPathLocked(now time.Time, newLineLen int64) (string, error) {
	date := now.UTC().Format("2006.01.02")
	if date != e.currentDate {
		e.currentDate = date
		e.partN = 0
		e.bytesInPart = 0
	}

	path := dailyPath(e.currentDate, e.partN)
	if e.fs.Exists(path) {
		size, err := e.fs.Size(path)
		if err == nil {
			e.bytesInPart = size
		}
	} else {
		e.bytesInPart = 0
	}

	if e.bytesInPart+int64(len(Header))+newLineLen > e.cfg.MaxBytesPerFile && e.bytesInPart > 0 {
		e.partN++
		e.bytesInPart = 0
		path = dailyPath(e.currentDate, e.partN)
	}

	if !e.fs.Exists(path) {
		if err := e.writeHeaderLocked(path); err != nil {
			return "", err
		}
	}

	return path, nil
}

func dailyPath(date string, partN int) string {
	if partN == 0 {
		return fmt.Sprintf("eventlog_%s.csv", date)
	}
	return fmt.Sprintf("eventlog_%s_part%d.csv", date, partN)
}

func (e *EventLog) writeHeaderLocked(path string) error {
	w, err := e.fs.OpenAppend(path)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write([]byte(Header))
	return err
}

func (e *EventLog) appendLineLocked(path, line string) error {
	w, err := e.fs.OpenAppend(path)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write([]byte(line + "\n"))
	return err
}

// spillLocked pushes line into the bounded circular RAM buffer, evicting
// the oldest entry (counted as a RAM drop) if full. Caller must hold e.mu.
func (e *EventLog) spillLocked(line string) {
	e.storageDown = true
	if e.ramBuffer == nil {
		e.ramBuffer = make([]string, e.cfg.RAMBufferSize)
	}

	if e.ramCount < len(e.ramBuffer) {
		idx := (e.ramHead + e.ramCount) % len(e.ramBuffer)
		e.ramBuffer[idx] = line
		e.ramCount++
		return
	}

	// Buffer full: oldest-wins eviction.
	e.ramBuffer[e.ramHead] = line
	e.ramHead = (e.ramHead + 1) % len(e.ramBuffer)
	e.ramDrops++
}

// drainRAMLocked writes every buffered line to the current file. Caller
// must hold e.mu. If a drained write itself fails, the remaining lines
// stay buffered and storageDown is set again.
func (e *EventLog) drainRAMLocked(now time.Time) {
	for e.ramCount > 0 {
		line := e.ramBuffer[e.ramHead]
		path, err := e.currentPathLocked(now, int64(len(line))+1)
		if err != nil {
			e.storageDown = true
			return
		}
		if err := e.appendLineLocked(path, line); err != nil {
			e.storageDown = true
			return
		}
		e.bytesInPart += int64(len(line)) + 1
		e.ramHead = (e.ramHead + 1) % len(e.ramBuffer)
		e.ramCount--
	}
}
