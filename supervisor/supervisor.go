// Package supervisor wires every component together and drives the
// cooperative main loop (spec §4.7): Clock, EventLog, LinkMonitor,
// Journal, and Scheduler are constructed once at boot, then serviced
// once per loop iteration, with periodic heartbeat and clock-discipline
// work driven by cron entries.
//
// Grounded on the teacher's rtcmlogger.go init()/main() split (one-time
// wiring in init, a driving loop in main), generalized from a byte-copy
// pipeline to component construction plus a cooperative tick loop.
// github.com/robfig/cron/v3 drives the heartbeat/discipline ticks the way
// it drives the teacher's own rollover job.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/xid"

	"github.com/acequia-iot/telemetry-node/clock"
	"github.com/acequia-iot/telemetry-node/config"
	"github.com/acequia-iot/telemetry-node/eventlog"
	"github.com/acequia-iot/telemetry-node/journal"
	"github.com/acequia-iot/telemetry-node/linkmonitor"
	"github.com/acequia-iot/telemetry-node/model"
	"github.com/acequia-iot/telemetry-node/scheduler"
	"github.com/acequia-iot/telemetry-node/sensor"
	"github.com/acequia-iot/telemetry-node/storage"
	"github.com/acequia-iot/telemetry-node/uploader"
)

// Drivers holds the out-of-scope external collaborators named in spec §1:
// a link-has-IP poll, an NTP fetch, and diagnostic readouts for the
// heartbeat. None of these are implemented by this repository; they are
// supplied by the platform-specific main.
type Drivers struct {
	LinkHasIP  func() bool
	FetchNTP   func() (unixSec uint32, ok bool)
	RSSI       func() int
	HeapFreeKB func() int
	MAC        string
}

// Supervisor owns every long-lived component and the cron entries that
// drive periodic housekeeping.
type Supervisor struct {
	cfg         *config.Config
	drivers     Drivers
	storageRoot string

	wallClock clock.Clock
	rtc       *clock.RTC
	events    *eventlog.EventLog
	link      *linkmonitor.Monitor
	fs        storage.FS
	jrn       *journal.Journal
	up        *uploader.Uploader
	sched     *scheduler.Scheduler
	cron      *cron.Cron

	bootID string
}

// New boots every component. The Clock and the storage root are built
// first, because the EventLog is built on both; then come the EventLog,
// LinkMonitor, Journal and Scheduler. The EventLog is therefore not the
// first component constructed. If the storage root cannot be created, the
// Scheduler starts in RecoverStorage instead of Idle.
func New(cfg *config.Config, storageRoot string, drivers Drivers) (*Supervisor, error) {
	bootID := randomBootID()
	wallClock := clock.NewSystemClock()
	rtc := clock.NewRTC(wallClock, true)

	fs, fsErr := storage.New(storageRoot)
	if fsErr != nil {
		// Keep a usable handle on the same root so the EventLog's writes
		// fail (and spill to RAM) instead of dereferencing a nil *OSFS.
		fs = &storage.OSFS{Root: storageRoot}
	}

	events := eventlog.New(fs, wallClock, rtc.NowUs, bootID, eventlog.Config{
		MaxBytesPerFile: cfg.Storage.MaxLogBytes,
	})
	events.SetAttr("mac", drivers.MAC)
	events.SetAttr("boot_id", bootID)

	link := linkmonitor.New(wallClock, time.Duration(cfg.Timing.StabilizeMs)*time.Millisecond)
	up := uploader.New(nil, cfg.Endpoint.URL, cfg.Endpoint.APIKey, drivers.MAC)

	pulses := &sensor.PulseCounter{}
	sensors := scheduler.Sensors{
		Flow:    sensor.New(cfg.Sensor.Mode, pulses, 0),
		FlowTag: "flow1",
		Temp:    sensor.New(cfg.Sensor.Mode, nil, 20),
		TempTag: "temp1",
		Volt:    sensor.New(cfg.Sensor.Mode, nil, 230),
		VoltTag: "volt1",
	}

	s := &Supervisor{
		cfg:         cfg,
		drivers:     drivers,
		storageRoot: storageRoot,
		wallClock:   wallClock,
		rtc:         rtc,
		events:      events,
		link:        link,
		fs:          fs,
		up:          up,
		cron:        cron.New(),
		bootID:      bootID,
	}

	if fsErr == nil {
		s.jrn = journal.New(fs, dateProvider{rtc}, rtc.NowUs, eventSink{events})
	}

	sched := scheduler.New(scheduler.Deps{
		Clock:         rtc,
		Link:          link,
		Journal:       s.journaler(),
		Events:        eventSink{events},
		Upload:        up.Upload,
		Sensors:       sensors,
		Timing:        cfg.Timing,
		BatchMax:      cfg.Uploader.BatchMax,
		NowMs:         func() int64 { return wallClock.Now().UnixMilli() },
		StorageReady:  func() bool { return s.jrn != nil },
		ReinitStorage: s.reinitStorage,
	})
	s.sched = sched

	if fsErr != nil {
		sched.EnterRecoverStorage()
		events.Emit("SUPERVISOR", "STORAGE_ERR", "Init", map[string]string{"err": fsErr.Error()})
	}

	s.scheduleHousekeeping()
	return s, nil
}

// journaler returns a scheduler.Journaler backed by the current journal,
// or a stub that always reports StorageUnavailable when none is
// available yet (boot-time storage failure, before the first successful
// RecoverStorage reinit).
func (s *Supervisor) journaler() scheduler.Journaler {
	return journalerFunc(func() *journal.Journal { return s.jrn })
}

// journalerFunc defers to whatever *journal.Journal f returns at call
// time, so the Scheduler always sees the latest journal after a
// RecoverStorage reinit without needing to be reconstructed.
type journalerFunc func() *journal.Journal

func (f journalerFunc) Store(sample model.Sample) error {
	j := f()
	if j == nil {
		return journal.ErrStorageUnavailable
	}
	return j.Store(sample)
}

func (f journalerFunc) EnumeratePending() ([]string, error) {
	j := f()
	if j == nil {
		return nil, journal.ErrStorageUnavailable
	}
	return j.EnumeratePending()
}

func (f journalerFunc) DrainOne(ctx context.Context, path string, maxRecords int, linkReady bool, upload journal.UploadFunc) (journal.DrainStats, error) {
	j := f()
	if j == nil {
		return journal.DrainStats{}, journal.ErrStorageUnavailable
	}
	return j.DrainOne(ctx, path, maxRecords, linkReady, upload)
}

// dateProvider adapts *clock.RTC to journal.DateProvider.
type dateProvider struct{ rtc *clock.RTC }

func (d dateProvider) Valid() bool { return d.rtc.Valid() }
func (d dateProvider) CurrentDateUTC() string {
	sec := int64(d.rtc.CurrentSec())
	return time.Unix(sec, 0).UTC().Format("20060102")
}

// eventSink adapts *eventlog.EventLog to scheduler.EventSink.
type eventSink struct{ log *eventlog.EventLog }

func (e eventSink) Emit(module, code, state string, kv map[string]string) {
	e.log.Emit(module, code, state, kv)
}

// randomBootID mints a process-unique boot identifier, grounded on the
// rest of the example pack's use of rs/xid for connection-scoped IDs
// (runZeroInc-sockstats's exporter tags each socket with xid.New()); here
// it tags each boot instead, per spec §4.4's "boot_id (randomly generated
// once per boot)".
func randomBootID() string {
	return xid.New().String()
}

// reinitStorage is the Scheduler's RecoverStorage collaborator: it
// retries creating the storage root and, on success, rebuilds the
// Journal against it.
func (s *Supervisor) reinitStorage() error {
	fs, err := storage.New(s.storageRoot)
	if err != nil {
		return err
	}
	s.fs = fs
	s.jrn = journal.New(fs, dateProvider{s.rtc}, s.rtc.NowUs, eventSink{s.events})
	s.events.Emit("SUPERVISOR", "REINTENTO_FIX", s.sched.State().String(), nil)
	return nil
}

// scheduleHousekeeping wires the heartbeat (~60s) and clock-discipline
// cron entries (spec §4.7), the latter's period taken from
// cfg.Timing.SyncPeriodMs (spec §6 "timing.sync_period_ms", default 6h).
func (s *Supervisor) scheduleHousekeeping() {
	s.cron.AddFunc("@every 1m", s.heartbeat)
	syncPeriod := time.Duration(s.cfg.Timing.SyncPeriodMs) * time.Millisecond
	s.cron.AddFunc(fmt.Sprintf("@every %s", syncPeriod), s.disciplineClock)
	s.cron.Start()
	// Discipline once at boot when the link is ready, per spec §4.1
	// ("Discipline runs on three triggers: at boot when the link is
	// ready, on every link-up edge, and every 6 hours thereafter").
	if s.link.Ready() {
		s.disciplineClock()
	}
}

func (s *Supervisor) heartbeat() {
	kv := map[string]string{
		"ram_drops":  fmt.Sprint(s.events.RAMDrops()),
		"rate_drops": fmt.Sprint(s.events.RateDrops()),
		"state":      s.sched.State().String(),
	}
	if s.drivers.RSSI != nil {
		kv["rssi"] = fmt.Sprint(s.drivers.RSSI())
	}
	if s.drivers.HeapFreeKB != nil {
		kv["heap_kb"] = fmt.Sprint(s.drivers.HeapFreeKB())
	}
	s.events.Emit("SUPERVISOR", "HEARTBEAT", s.sched.State().String(), kv)
}

func (s *Supervisor) disciplineClock() {
	if s.drivers.FetchNTP == nil {
		return
	}
	sec, ok := s.drivers.FetchNTP()
	if !ok {
		return
	}
	result, err := s.rtc.Discipline(sec)
	if err != nil {
		s.events.Emit("CLOCK", "CLOCK_ERR", s.sched.State().String(), map[string]string{"err": err.Error()})
		return
	}
	if result.Applied {
		s.events.Emit("CLOCK", "CLOCK_DISCIPLINED", s.sched.State().String(), map[string]string{
			"delta_sec": fmt.Sprint(result.DeltaSec),
		})
	}
}

// Run services LinkMonitor and the Scheduler once per received tick until
// ctx is cancelled. The cron scheduler runs concurrently for the
// heartbeat and discipline ticks (spec §5: "every cron-triggered
// callback in this repo only ever touches channel sends or its own
// component's atomically guarded state").
func (s *Supervisor) Run(ctx context.Context, tick <-chan time.Time) {
	defer s.cron.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			edge, _ := s.link.Poll(s.drivers.LinkHasIP)
			if edge == linkmonitor.EdgeUp {
				s.disciplineClock()
			}
			s.events.Tick()
			s.sched.Tick(ctx)
		}
	}
}
