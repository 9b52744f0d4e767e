// Package linkmonitor exposes a debounced ready() signal and up/down edge
// stream for the external network link (spec §4.6). The underlying
// station driver is out of scope (spec §1); this package only models the
// boolean state machine layered on top of it.
//
// Grounded on the teacher's jsonconfig.WaitAndConnectToInput/
// findInputDevice retry idiom (poll, log only the first of a run of
// failures, sleep, retry) and file_handler.Handle's EOF/retry-with-
// deadline loop, narrowed to the single ready()/edge-detecting shape spec
// §4.6 requires.
package linkmonitor

import (
	"time"

	"github.com/acequia-iot/telemetry-node/clock"
)

// DefaultHysteresis is the minimum continuous time the link must hold an
// IP before Monitor reports ready when no override is given (spec §4.6:
// "≥ 2.5 s", spec §6 "timing.stabilize_ms default 2500").
const DefaultHysteresis = 2500 * time.Millisecond

// MinReconnectBackoff is the minimum wait between reattach attempts after
// a down edge (spec §4.6: "minimum 4-s back-off"). Spec §6 does not list a
// config option for this value, so it is not configurable.
const MinReconnectBackoff = 4 * time.Second

// Edge is an up/down transition reported by Poll.
type Edge int

const (
	// NoEdge: no transition occurred on this call.
	NoEdge Edge = iota
	EdgeUp
	EdgeDown
)

// Monitor tracks whether the link currently has an IP (hasIP, supplied by
// the caller each Poll from whatever driver owns the actual radio) and
// derives a hysteresis-debounced ready() plus up/down edges from it.
type Monitor struct {
	clock      clock.Clock
	hysteresis time.Duration

	hasIP       bool
	sinceUs     time.Time // when hasIP last became true
	ready       bool      // debounced state, what the rest of the system sees
	lastAttempt time.Time
	attempted   bool
	pendingUp   bool // an up edge fired and has not yet been consumed
}

// New creates a Monitor using wallClock to time the hysteresis window and
// the reconnect back-off. hysteresis overrides DefaultHysteresis (spec §6
// "timing.stabilize_ms"); a value <= 0 falls back to DefaultHysteresis.
func New(wallClock clock.Clock, hysteresis time.Duration) *Monitor {
	if hysteresis <= 0 {
		hysteresis = DefaultHysteresis
	}
	return &Monitor{clock: wallClock, hysteresis: hysteresis}
}

// Poll drives one step of the Monitor against attemptConnect, the
// external probe for whether the link currently has an IP (the Wi-Fi
// station driver named in spec §1). While the link is down, attemptConnect
// is called no more than once per MinReconnectBackoff (spec §4.6: "Retries
// attach with a minimum 4-s back-off"); between attempts, Poll reports the
// prior state unchanged without touching the driver. While the link is up,
// attemptConnect is probed on every call so a down edge is caught promptly.
// Poll returns any edge that fires as a result plus the (possibly
// unchanged) hysteresis-debounced ready state.
func (m *Monitor) Poll(attemptConnect func() bool) (Edge, bool) {
	now := m.clock.Now()

	if !m.hasIP && m.attempted && now.Sub(m.lastAttempt) < MinReconnectBackoff {
		return NoEdge, m.ready
	}
	m.attempted = true
	m.lastAttempt = now

	if !attemptConnect() {
		m.hasIP = false
		m.sinceUs = time.Time{}
		if m.ready {
			m.ready = false
			return EdgeDown, m.ready
		}
		return NoEdge, m.ready
	}

	if !m.hasIP {
		m.hasIP = true
		m.sinceUs = now
	}

	if !m.ready && now.Sub(m.sinceUs) >= m.hysteresis {
		m.ready = true
		m.pendingUp = true
		return EdgeUp, m.ready
	}

	return NoEdge, m.ready
}

// Ready reports the current debounced link state.
func (m *Monitor) Ready() bool {
	return m.ready
}

// ConsumeUpEdge reports whether an up edge fired since the last call to
// ConsumeUpEdge, clearing the flag either way. Satisfies
// scheduler.LinkSource so the Supervisor's up-edge-triggered Replay
// (spec §4.6: "the Supervisor uses the up edge to prime a one-shot
// Replay") is a one-shot regardless of how many Scheduler ticks occur
// before it is observed.
func (m *Monitor) ConsumeUpEdge() bool {
	edge := m.pendingUp
	m.pendingUp = false
	return edge
}
