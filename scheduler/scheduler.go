// Package scheduler implements the second-of-minute state machine from
// spec §4.5: it drives sensor sampling windows, live-delivery-or-journal
// fallback, opportunistic replay, and the storage-recovery state.
//
// No teacher analogue exists (NTRIP has no per-minute sampling windows);
// this is new code grounded directly on spec §4.5's state machine.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/acequia-iot/telemetry-node/config"
	"github.com/acequia-iot/telemetry-node/journal"
	"github.com/acequia-iot/telemetry-node/model"
	"github.com/acequia-iot/telemetry-node/sensor"
)

// legacySentinelMicros is a faulty-clock sentinel ("year 1999-12-30")
// that a prior firmware revision once produced. It is recognized and
// rejected here; this codebase never generates it.
const legacySentinelMicros uint64 = 943920000000000

// State names one node of the Scheduler FSM (spec §4.5).
type State int

const (
	StateInit State = iota
	StateIdle
	StateFlowWindowOpen
	StatePointTemp
	StatePointVolt
	StateReplay
	StateRecoverStorage
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateIdle:
		return "Idle"
	case StateFlowWindowOpen:
		return "FlowWindowOpen"
	case StatePointTemp:
		return "PointTemp"
	case StatePointVolt:
		return "PointVolt"
	case StateReplay:
		return "Replay"
	case StateRecoverStorage:
		return "RecoverStorage"
	default:
		return "Unknown"
	}
}

// ClockSource is the narrow view of the Clock the Scheduler needs: a
// monotonic microsecond timestamp and whether it is RTC-disciplined.
type ClockSource interface {
	NowUs() uint64
	Valid() bool
}

// LinkSource is the narrow view of LinkMonitor the Scheduler needs.
type LinkSource interface {
	Ready() bool
	// ConsumeUpEdge reports, and clears, whether an up edge fired since
	// the last call.
	ConsumeUpEdge() bool
}

// Journaler is the narrow view of Journal the Scheduler needs.
type Journaler interface {
	Store(sample model.Sample) error
	EnumeratePending() ([]string, error)
	DrainOne(ctx context.Context, path string, maxRecords int, linkReady bool, upload journal.UploadFunc) (journal.DrainStats, error)
}

// EventSink is the narrow view of EventLog the Scheduler needs.
type EventSink interface {
	Emit(module, code, state string, kv map[string]string)
}

// MonotonicMs is an injectable monotonic millisecond source, used for the
// flow-send cadence, the opportunistic-scan interval, and the
// RecoverStorage back-off. It is independent of ClockSource, which may be
// invalid; this one never is.
type MonotonicMs func() int64

// Sensors wires one Sensor implementation and its stable hardware tag
// (spec §3: "sensor: a stable hardware tag") per measurement.
type Sensors struct {
	Flow     sensor.Sensor
	FlowTag  string
	Temp     sensor.Sensor
	TempTag  string
	Volt     sensor.Sensor
	VoltTag  string
}

// Deps bundles every collaborator the Scheduler drives.
type Deps struct {
	Clock         ClockSource
	Link          LinkSource
	Journal       Journaler
	Events        EventSink
	Upload        journal.UploadFunc
	Sensors       Sensors
	Timing        config.TimingConfig
	BatchMax      int
	NowMs         MonotonicMs
	StorageReady  func() bool
	ReinitStorage func() error
}

// Scheduler drives the second-of-minute FSM. Tick must be called
// frequently and regularly (the teacher's cooperative main-loop cadence);
// it performs at most one state transition's worth of work per call.
type Scheduler struct {
	deps Deps

	state State

	windowMinute   int64
	windowArmed    bool
	lastMinuteTemp int64
	lastMinuteVolt int64

	lastFlowSendMs int64
	lastScanMs     int64

	recoverSleepUntilMs int64
}

// New creates a Scheduler in StateInit.
func New(deps Deps) *Scheduler {
	return &Scheduler{
		deps:           deps,
		state:          StateInit,
		windowMinute:   -1,
		lastMinuteTemp: -1,
		lastMinuteVolt: -1,
	}
}

// State reports the current FSM state.
func (s *Scheduler) State() State { return s.state }

// currentTSUs returns the disciplined RTC microsecond timestamp, or a
// monotonic-millisecond fallback (spec §4.1: "local monotonic source
// millis*1000") when the clock is not valid.
func (s *Scheduler) currentTSUs() uint64 {
	if s.deps.Clock.Valid() {
		return s.deps.Clock.NowUs()
	}
	return uint64(s.deps.NowMs()) * 1000
}

func (s *Scheduler) secondAndMinute() (sec int, minute int64) {
	totalSec := int64(s.currentTSUs() / 1_000_000)
	return int(totalSec % 60), totalSec / 60
}

// Tick advances the FSM by one step.
func (s *Scheduler) Tick(ctx context.Context) {
	switch s.state {
	case StateInit:
		s.state = StateIdle

	case StateIdle:
		s.tickIdle(ctx)

	case StateFlowWindowOpen:
		s.tickFlowWindow(ctx)

	case StatePointTemp:
		s.sampleAndDeliver(ctx, model.MeasurementTemperature, s.deps.Sensors.Temp, s.deps.Sensors.TempTag)
		if s.state == StatePointTemp {
			s.state = StateIdle
		}

	case StatePointVolt:
		s.sampleAndDeliver(ctx, model.MeasurementVoltage, s.deps.Sensors.Volt, s.deps.Sensors.VoltTag)
		if s.state == StatePointVolt {
			s.state = StateIdle
		}

	case StateReplay:
		s.runReplay(ctx)
		s.lastScanMs = s.deps.NowMs()
		if s.state == StateReplay {
			s.state = StateIdle
		}

	case StateRecoverStorage:
		s.tickRecoverStorage()
	}
}

func (s *Scheduler) tickIdle(ctx context.Context) {
	sec, minute := s.secondAndMinute()
	t := s.deps.Timing

	if sec >= 0 && sec <= t.WindowFlowEndSec && minute != s.windowMinute {
		s.windowMinute = minute
		s.lastFlowSendMs = 0 // force an immediate send on entry
		s.state = StateFlowWindowOpen
		return
	}
	if sec == t.SamplePointTempSec && minute != s.lastMinuteTemp {
		s.lastMinuteTemp = minute
		s.state = StatePointTemp
		return
	}
	if sec == t.SamplePointVoltSec && minute != s.lastMinuteVolt {
		s.lastMinuteVolt = minute
		s.state = StatePointVolt
		return
	}
	if s.deps.Link.ConsumeUpEdge() && s.deps.StorageReady() {
		s.state = StateReplay
		return
	}
	if s.deps.Link.Ready() {
		pending, _ := s.deps.Journal.EnumeratePending()
		if len(pending) > 0 {
			s.state = StateReplay
			return
		}
		if s.deps.NowMs()-s.lastScanMs > int64(t.ScanPeriodMs) {
			s.state = StateReplay
			return
		}
	}
}

func (s *Scheduler) tickFlowWindow(ctx context.Context) {
	sec, _ := s.secondAndMinute()
	t := s.deps.Timing

	if sec > t.WindowFlowEndSec {
		s.state = StateIdle
		return
	}
	if s.deps.NowMs()-s.lastFlowSendMs >= int64(t.FlowSendPeriodMs) {
		s.lastFlowSendMs = s.deps.NowMs()
		s.sampleAndDeliver(ctx, model.MeasurementFlow, s.deps.Sensors.Flow, s.deps.Sensors.FlowTag)
	}
}

func (s *Scheduler) tickRecoverStorage() {
	if s.deps.NowMs() < s.recoverSleepUntilMs {
		return
	}
	if err := s.deps.ReinitStorage(); err != nil {
		s.recoverSleepUntilMs = s.deps.NowMs() + int64(time.Second/time.Millisecond)
		return
	}
	s.state = StateIdle
}

// EnterRecoverStorage moves the FSM to RecoverStorage. The Scheduler calls
// it itself when a Store or DrainOne call fails; the Supervisor calls it at
// boot when the storage root cannot be created.
func (s *Scheduler) EnterRecoverStorage() {
	s.state = StateRecoverStorage
	s.recoverSleepUntilMs = 0
}

// sampleAndDeliver reads one value and either delivers it live or falls
// back to the Journal, applying the timestamp defense from spec §4.5
// first.
func (s *Scheduler) sampleAndDeliver(ctx context.Context, measurement model.Measurement, sn sensor.Sensor, tag string) {
	value, err := sn.Sample(ctx)
	if err != nil {
		s.deps.Events.Emit("SCHEDULER", "SENSOR_ERR", s.state.String(), map[string]string{
			"measurement": string(measurement),
		})
		return
	}

	tsUs := s.currentTSUs()
	sample := model.Sample{
		TSUs:        tsUs,
		Measurement: measurement,
		Sensor:      tag,
		Value:       value,
		Source:      model.SourceWifi,
	}

	if !s.deps.Clock.Valid() || tsUs == 0 || tsUs == legacySentinelMicros {
		sample.Source = model.SourceBackup
		s.deps.Events.Emit("SCHEDULER", "TS_INVALID_BACKUP", s.state.String(), map[string]string{
			"measurement": string(measurement),
		})
		s.store(sample)
		return
	}

	if !s.deps.Link.Ready() {
		sample.Source = model.SourceBackup
		// spec §7 LinkDown: "Not an error: live sends become journal
		// stores with reason wifi_down".
		s.deps.Events.Emit("SCHEDULER", "WIFI_DOWN_BACKUP", s.state.String(), map[string]string{
			"measurement": string(measurement),
		})
		s.store(sample)
		return
	}

	outcome := s.deps.Upload(ctx, sample)
	if outcome.Kind == journal.UploadOK {
		return
	}
	sample.Source = model.SourceBackup
	// spec §7 TransportError/HttpError: "event emitted at DEBUG unless
	// previously silent for > coalescing window" — the DEBUG-classified
	// code leaves EventLog's own coalescing to collapse a burst of
	// identical failures.
	s.deps.Events.Emit("UPLOADER", "UPLOAD_DEBUG", s.state.String(), map[string]string{
		"measurement": string(measurement),
		"kind":        uploadKindString(outcome.Kind),
		"http_status": fmt.Sprint(outcome.HTTPStatus),
	})
	s.store(sample)
}

func uploadKindString(kind journal.UploadResultKind) string {
	switch kind {
	case journal.UploadTransportError:
		return "transport_error"
	case journal.UploadHTTPError:
		return "http_error"
	case journal.UploadRejectedPermanently:
		return "rejected_permanently"
	default:
		return "unknown"
	}
}

func (s *Scheduler) store(sample model.Sample) {
	if err := s.deps.Journal.Store(sample); err != nil {
		s.deps.Events.Emit("SCHEDULER", "STORAGE_ERR", s.state.String(), map[string]string{"err": err.Error()})
		s.EnterRecoverStorage()
	}
}

// runReplay makes one DrainOne pass over every pending file, each pass
// bounded by BatchMax lines, emitting a HOLD event for each file whose
// pass makes no progress.
func (s *Scheduler) runReplay(ctx context.Context) {
	pending, err := s.deps.Journal.EnumeratePending()
	if err != nil || len(pending) == 0 {
		return
	}

	for _, path := range pending {
		stats, err := s.deps.Journal.DrainOne(ctx, path, s.deps.BatchMax, s.deps.Link.Ready(), s.deps.Upload)
		if err != nil {
			s.deps.Events.Emit("SCHEDULER", "STORAGE_ERR", s.state.String(), map[string]string{"path": path})
			s.EnterRecoverStorage()
			return
		}
		if stats.Held {
			s.deps.Events.Emit("UPLOADER", "UPLOAD_HOLD", s.state.String(), map[string]string{
				"path": path,
			})
		}
	}
}
