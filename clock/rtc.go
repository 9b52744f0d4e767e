package clock

import (
	"errors"
	"sync"
	"time"
)

// Plausibility window for a UNIX-seconds value, per spec §4.1: 2020-01-01
// (inclusive) to 2100-01-01 (exclusive). Both bounds fit in uint32 (max
// 4294967295).
const (
	plausibleLowerBoundSec uint32 = 1577836800
	plausibleUpperBoundSec uint32 = 4102444800
)

// ErrRTCNotPresent is returned when an operation that requires a physical
// RTC is attempted on a device that never had one detected at boot.
var ErrRTCNotPresent = errors.New("clock: rtc not present")

// ErrImplausibleTime is returned when a candidate UNIX-seconds value falls
// outside the plausibility window.
var ErrImplausibleTime = errors.New("clock: implausible unix time")

// Plausible reports whether s is a plausible UNIX-seconds value per spec
// §4.1: 1577836800 <= s < 4102444800.
func Plausible(s uint32) bool {
	return s >= plausibleLowerBoundSec && s < plausibleUpperBoundSec
}

// DisciplineResult reports the outcome of one Discipline call, so the caller
// (the Supervisor) can emit the event spec §4.1 requires ("Emit an event
// with the delta").
type DisciplineResult struct {
	Applied  bool  // whether the RTC second was changed
	DeltaSec int64 // ntp_sec - rtc_sec, or 0 if the RTC had no prior value
}

// RTC implements the disciplined time source from spec §4.1: a one-second-
// resolution real-time clock, extrapolated to microsecond resolution using
// a monotonic counter, and periodically disciplined against a network time
// source.
//
// present is fixed at construction: it represents a boot-time hardware
// fact (is there a battery-backed RTC chip at all), not a runtime state,
// so rtc_valid => rtc_present (spec §3) can never be violated by a later
// call.
type RTC struct {
	monotonic Clock

	mu            sync.Mutex
	present       bool
	valid         bool
	monoRefSet    bool      // whether monoRef has been captured yet
	monoRef       time.Time // first monotonic reading ever taken; elapsed time is measured against it
	baseRTCSec    uint64    // the disciplined UNIX second as of baseMonoUs
	baseMonoUs    uint64
	lastSec       uint64 // last_sec from spec §4.1's now_us algorithm
	lastMicroSnap uint64 // last_micro_snap from the same algorithm
}

// NewRTC creates an RTC backed by the given monotonic Clock. present
// records whether a physical RTC was detected at boot; if false, the RTC
// can never become valid (spec §4.1 "Failure model").
func NewRTC(monotonic Clock, present bool) *RTC {
	return &RTC{monotonic: monotonic, present: present}
}

// Present reports whether a physical RTC was detected at boot.
func (r *RTC) Present() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present
}

// Valid reports whether the RTC currently holds a plausible, disciplined
// time.
func (r *RTC) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid
}

// monotonicMicrosLocked returns elapsed microseconds since the first call
// ever made to this method, measured with t.Sub against the reference
// instant captured on that first call. Using Sub (rather than
// round-tripping through Unix()/Nanosecond()) preserves time.Time's
// internal monotonic reading when the underlying Clock is backed by
// time.Now(), so the result cannot run backward if the host wall clock is
// later stepped by something other than this package's own Discipline.
// Caller must hold r.mu.
func (r *RTC) monotonicMicrosLocked() uint64 {
	t := r.monotonic.Now()
	if !r.monoRefSet {
		r.monoRef = t
		r.monoRefSet = true
		return 0
	}
	elapsed := t.Sub(r.monoRef)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / time.Microsecond)
}

// rtcSecondAtLocked computes the current disciplined UNIX second given a
// monotonic microsecond reading. Caller must hold r.mu and r.valid.
func (r *RTC) rtcSecondAtLocked(nowUs uint64) uint64 {
	elapsedUs := nowUs - r.baseMonoUs
	return r.baseRTCSec + elapsedUs/1_000_000
}

// SetFromUnix sets the RTC unconditionally to s, if s is plausible and a
// physical RTC is present. It returns false (and leaves the RTC unchanged)
// otherwise.
func (r *RTC) SetFromUnix(s uint32) bool {
	if !Plausible(s) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.present {
		return false
	}
	r.setLocked(uint64(s))
	return true
}

// setLocked installs s as the current disciplined second, anchored to the
// monotonic clock's current reading. Caller must hold r.mu and have already
// checked r.present.
func (r *RTC) setLocked(s uint64) {
	now := r.monotonicMicrosLocked()
	r.baseRTCSec = s
	r.baseMonoUs = now
	r.lastSec = s
	r.lastMicroSnap = now
	r.valid = true
}

// Discipline adjusts the RTC toward ntpSec per spec §4.1: if the RTC is not
// valid, it is set unconditionally; if it is valid, it is updated only when
// the delta exceeds 2 seconds. It returns ErrImplausibleTime if ntpSec is
// outside the plausibility window and ErrRTCNotPresent if no physical RTC
// was detected at boot.
func (r *RTC) Discipline(ntpSec uint32) (DisciplineResult, error) {
	if !Plausible(ntpSec) {
		return DisciplineResult{}, ErrImplausibleTime
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.present {
		return DisciplineResult{}, ErrRTCNotPresent
	}

	if !r.valid {
		r.setLocked(uint64(ntpSec))
		return DisciplineResult{Applied: true, DeltaSec: 0}, nil
	}

	nowUs := r.monotonicMicrosLocked()
	currentSec := r.rtcSecondAtLocked(nowUs)
	delta := int64(ntpSec) - int64(currentSec)
	if delta < 0 {
		delta = -delta
	}
	if delta <= 2 {
		return DisciplineResult{Applied: false, DeltaSec: int64(ntpSec) - int64(currentSec)}, nil
	}

	result := DisciplineResult{Applied: true, DeltaSec: int64(ntpSec) - int64(currentSec)}
	r.setLocked(uint64(ntpSec))
	return result, nil
}

// NowUs returns the current time as UNIX microseconds, monotonic
// non-decreasing across any sequence of calls that does not cross an RTC
// adjustment. It returns 0 if the RTC is not valid; callers must fall back
// to a local monotonic source for journaling only, never for live upload
// (spec §4.1).
func (r *RTC) NowUs() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return 0
	}

	nowUs := r.monotonicMicrosLocked()
	curSec := r.rtcSecondAtLocked(nowUs)
	if curSec != r.lastSec {
		r.lastSec = curSec
		r.lastMicroSnap = nowUs
	}

	sub := int64(nowUs) - int64(r.lastMicroSnap)
	if sub < 0 {
		sub = 0
	}
	if sub > 999_999 {
		sub = 999_999
	}

	return curSec*1_000_000 + uint64(sub)
}

// CurrentSec returns the disciplined UNIX second, or 0 if the RTC is not
// valid.
func (r *RTC) CurrentSec() uint64 {
	us := r.NowUs()
	return us / 1_000_000
}
