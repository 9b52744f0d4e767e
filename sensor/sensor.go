// Package sensor implements the polymorphic capability set from spec §3/
// §4.5 component C8: a tagged Real/Simulated variant pair behind one
// interface, selected at boot from config.SensorConfig.Mode.
//
// Grounded on spec DESIGN NOTES §9 "Polymorphism" ("a tagged variant, not
// open-ended inheritance") and original_source/src/sensores_*. The
// interrupt-shared pulse counter for the flow sensor is grounded on §9's
// "Interrupt-shared state" note, translated to sync/atomic.
package sensor

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/acequia-iot/telemetry-node/config"
)

// Sensor is the capability set the Scheduler samples through.
type Sensor interface {
	Initialize() error
	Sample(ctx context.Context) (float32, error)
	CurrentValue() float32
}

// New selects a Sensor variant per mode. pulses feeds the Real variant's
// reading (nil for a sensor without a pulse counter) and is ignored by the
// Simulated variant; baseline is either variant's starting value and the
// centre of the Simulated variant's output.
func New(mode config.SensorMode, pulses *PulseCounter, baseline float32) Sensor {
	if mode == config.SensorModeReal {
		return NewReal(pulses, baseline)
	}
	return NewSimulated(baseline)
}

// PulseCounter is the Go translation of DESIGN NOTES §9's single atomic
// counter with an explicit snapshot-and-clear operation, standing in for
// the flow sensor's interrupt-driven pulse count. Add is safe to call
// from any context; SnapshotAndReset is called once per flow-sample tick
// from the cooperative loop.
type PulseCounter struct {
	count atomic.Uint64
}

// Add records n pulses having arrived. Modeled as the interrupt-context
// call in the original firmware; here it may be called from any
// goroutine since atomic.Uint64 needs no external lock.
func (p *PulseCounter) Add(n uint64) {
	p.count.Add(n)
}

// SnapshotAndReset atomically reads and zeroes the counter, the
// translation of "disable_interrupts; snapshot; zero; enable_interrupts"
// into a single atomic swap.
func (p *PulseCounter) SnapshotAndReset() uint64 {
	return p.count.Swap(0)
}

// Real is a thin stand-in for the out-of-scope acquisition ISR/ADC/SPI
// drivers named in spec §1. It derives a flow reading from pulses
// accumulated on PulseCounter and otherwise reports whatever CurrentValue
// last held, since the real conversion (pulses-per-liter, ADC scaling,
// voltage-divider ratio) lives in hardware-specific code this repo does
// not implement.
type Real struct {
	pulses  *PulseCounter
	current float32
}

// NewReal creates a Real sensor. pulses may be nil for temperature/
// voltage instances that have no pulse counter.
func NewReal(pulses *PulseCounter, baseline float32) *Real {
	return &Real{pulses: pulses, current: baseline}
}

func (r *Real) Initialize() error { return nil }

func (r *Real) Sample(ctx context.Context) (float32, error) {
	if r.pulses != nil {
		n := r.pulses.SnapshotAndReset()
		r.current = float32(n)
	}
	return r.current, nil
}

func (r *Real) CurrentValue() float32 { return r.current }

// Simulated generates plausible synthetic values for bench testing
// (spec §3 "SensorReading (Go-native addition, C8)"), a deterministic
// sine-wave-plus-baseline series rather than real acquisition.
type Simulated struct {
	baseline float32
	n        uint64
	current  float32
}

// NewSimulated creates a Simulated sensor centered on baseline.
func NewSimulated(baseline float32) *Simulated {
	return &Simulated{baseline: baseline, current: baseline}
}

func (s *Simulated) Initialize() error { return nil }

func (s *Simulated) Sample(ctx context.Context) (float32, error) {
	s.n++
	// Deterministic, seeded-by-call-count synthetic wobble: no external
	// randomness, so repeated test runs are reproducible.
	wobble := float32(math.Sin(float64(s.n) * 0.37))
	s.current = s.baseline + wobble
	return s.current, nil
}

func (s *Simulated) CurrentValue() float32 { return s.current }
