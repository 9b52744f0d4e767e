package scheduler

import (
	"context"
	"testing"

	"github.com/acequia-iot/telemetry-node/config"
	"github.com/acequia-iot/telemetry-node/journal"
	"github.com/acequia-iot/telemetry-node/model"
)

type fakeClock struct {
	us    uint64
	valid bool
}

func (c *fakeClock) NowUs() uint64 { return c.us }
func (c *fakeClock) Valid() bool   { return c.valid }

type fakeLink struct {
	ready bool
	edge  bool
}

func (l *fakeLink) Ready() bool { return l.ready }
func (l *fakeLink) ConsumeUpEdge() bool {
	e := l.edge
	l.edge = false
	return e
}

type fakeJournal struct {
	stored    []model.Sample
	pending   []string
	drainFunc func(ctx context.Context, path string, max int, linkReady bool, upload journal.UploadFunc) (journal.DrainStats, error)
	storeErr  error
}

func (j *fakeJournal) Store(sample model.Sample) error {
	j.stored = append(j.stored, sample)
	return j.storeErr
}
func (j *fakeJournal) EnumeratePending() ([]string, error) { return j.pending, nil }
func (j *fakeJournal) DrainOne(ctx context.Context, path string, max int, linkReady bool, upload journal.UploadFunc) (journal.DrainStats, error) {
	if j.drainFunc != nil {
		return j.drainFunc(ctx, path, max, linkReady, upload)
	}
	return journal.DrainStats{}, nil
}

type fakeEvents struct {
	emitted []string
}

func (e *fakeEvents) Emit(module, code, state string, kv map[string]string) {
	e.emitted = append(e.emitted, code)
}

type fakeSensor struct {
	value float32
	err   error
}

func (s *fakeSensor) Initialize() error { return nil }
func (s *fakeSensor) Sample(ctx context.Context) (float32, error) {
	return s.value, s.err
}
func (s *fakeSensor) CurrentValue() float32 { return s.value }

func baseDeps() (*Deps, *fakeClock, *fakeLink, *fakeJournal, *fakeEvents) {
	clk := &fakeClock{us: 0, valid: true}
	link := &fakeLink{ready: true}
	j := &fakeJournal{}
	ev := &fakeEvents{}
	nowMs := int64(0)

	deps := &Deps{
		Clock:   clk,
		Link:    link,
		Journal: j,
		Events:  ev,
		Upload: func(ctx context.Context, s model.Sample) journal.UploadOutcome {
			return journal.UploadOutcome{Kind: journal.UploadOK}
		},
		Sensors: Sensors{
			Flow:    &fakeSensor{value: 1},
			FlowTag: "flow1",
			Temp:    &fakeSensor{value: 2},
			TempTag: "temp1",
			Volt:    &fakeSensor{value: 3},
			VoltTag: "volt1",
		},
		Timing: config.TimingConfig{
			WindowFlowEndSec:   29,
			SamplePointTempSec: 35,
			SamplePointVoltSec: 40,
			FlowSendPeriodMs:   1000,
			ScanPeriodMs:       30000,
		},
		BatchMax:      6,
		NowMs:         func() int64 { return nowMs },
		StorageReady:  func() bool { return true },
		ReinitStorage: func() error { return nil },
	}
	return deps, clk, link, j, ev
}

func withSec(clk *fakeClock, sec int, minute int64) {
	clk.us = uint64(minute*60+int64(sec)) * 1_000_000
}

func TestInitTransitionsToIdle(t *testing.T) {
	deps, _, _, _, _ := baseDeps()
	s := New(*deps)
	s.Tick(context.Background())
	if s.State() != StateIdle {
		t.Fatalf("State() = %v, want Idle", s.State())
	}
}

func TestFlowWindowOpensOnceThenClosesAfterEnd(t *testing.T) {
	deps, clk, _, _, _ := baseDeps()
	s := New(*deps)
	s.state = StateIdle

	withSec(clk, 0, 100)
	s.Tick(context.Background())
	if s.State() != StateFlowWindowOpen {
		t.Fatalf("State() = %v, want FlowWindowOpen at second 0", s.State())
	}

	withSec(clk, 30, 100) // past WindowFlowEndSec=29
	s.Tick(context.Background())
	if s.State() != StateIdle {
		t.Fatalf("State() = %v, want Idle once s > W_flow", s.State())
	}

	// Same minute again at second 0: must not re-open.
	withSec(clk, 0, 100)
	s.Tick(context.Background())
	if s.State() != StateIdle {
		t.Fatalf("flow window re-opened within the same minute: State() = %v", s.State())
	}
}

func TestPointTempFiresOnceAtConfiguredSecond(t *testing.T) {
	deps, clk, _, journalMock, _ := baseDeps()
	s := New(*deps)
	s.state = StateIdle

	withSec(clk, 35, 100)
	s.Tick(context.Background()) // Idle -> PointTemp
	if s.State() != StatePointTemp {
		t.Fatalf("State() = %v, want PointTemp", s.State())
	}
	s.Tick(context.Background()) // PointTemp -> Idle, delivers live
	if s.State() != StateIdle {
		t.Fatalf("State() = %v, want Idle after sampling", s.State())
	}
	if len(journalMock.stored) != 0 {
		t.Errorf("a successful live upload should not journal anything: %v", journalMock.stored)
	}

	// Same minute again: must not refire.
	withSec(clk, 35, 100)
	s.Tick(context.Background())
	if s.State() != StateIdle {
		t.Fatalf("PointTemp refired within the same minute: State() = %v", s.State())
	}
}

func TestTimestampDefenseRejectsLegacySentinel(t *testing.T) {
	deps, clk, _, journalMock, events := baseDeps()
	clk.us = legacySentinelMicros
	s := New(*deps)
	s.state = StatePointTemp

	s.Tick(context.Background())

	if len(journalMock.stored) != 1 {
		t.Fatalf("expected the sample to be journaled, got %d", len(journalMock.stored))
	}
	if journalMock.stored[0].Source != model.SourceBackup {
		t.Errorf("Source = %v, want backup", journalMock.stored[0].Source)
	}
	found := false
	for _, code := range events.emitted {
		if code == "TS_INVALID_BACKUP" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a TS_INVALID_BACKUP event, got %v", events.emitted)
	}
}

func TestTimestampDefenseRejectsZero(t *testing.T) {
	deps, clk, _, journalMock, _ := baseDeps()
	clk.us = 0
	s := New(*deps)
	s.state = StatePointVolt

	s.Tick(context.Background())

	if len(journalMock.stored) != 1 {
		t.Fatalf("expected the sample to be journaled when ts_us == 0, got %d", len(journalMock.stored))
	}
}

func TestLiveUploadFailureFallsBackToJournal(t *testing.T) {
	deps, clk, _, journalMock, events := baseDeps()
	withSec(clk, 35, 1)
	deps.Upload = func(ctx context.Context, s model.Sample) journal.UploadOutcome {
		return journal.UploadOutcome{Kind: journal.UploadTransportError}
	}
	s := New(*deps)
	s.state = StatePointTemp

	s.Tick(context.Background())

	if len(journalMock.stored) != 1 {
		t.Fatalf("expected the sample to be journaled after a failed upload, got %d", len(journalMock.stored))
	}
	if journalMock.stored[0].Source != model.SourceBackup {
		t.Errorf("Source = %v, want backup", journalMock.stored[0].Source)
	}
	found := false
	for _, code := range events.emitted {
		if code == "UPLOAD_DEBUG" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an UPLOAD_DEBUG event for the failed delivery, got %v", events.emitted)
	}
}

func TestLinkDownRoutesDirectlyToJournalWithoutUploadAttempt(t *testing.T) {
	deps, clk, link, journalMock, events := baseDeps()
	withSec(clk, 35, 1)
	link.ready = false
	called := false
	deps.Upload = func(ctx context.Context, s model.Sample) journal.UploadOutcome {
		called = true
		return journal.UploadOutcome{Kind: journal.UploadOK}
	}
	s := New(*deps)
	s.state = StatePointTemp

	s.Tick(context.Background())

	if called {
		t.Errorf("upload should not be attempted while the link is down")
	}
	if len(journalMock.stored) != 1 {
		t.Fatalf("expected the sample to be journaled while the link is down, got %d", len(journalMock.stored))
	}
	found := false
	for _, code := range events.emitted {
		if code == "WIFI_DOWN_BACKUP" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a WIFI_DOWN_BACKUP event while the link is down, got %v", events.emitted)
	}
}

func TestReplayTriggeredByUpEdge(t *testing.T) {
	deps, clk, link, journalMock, _ := baseDeps()
	withSec(clk, 45, 1) // outside the flow window and both point-sample seconds
	link.edge = true
	drained := false
	journalMock.pending = []string{"backup_20250821.csv"}
	journalMock.drainFunc = func(ctx context.Context, path string, max int, linkReady bool, upload journal.UploadFunc) (journal.DrainStats, error) {
		drained = true
		return journal.DrainStats{Sent: 1}, nil
	}

	s := New(*deps)
	s.state = StateIdle
	s.Tick(context.Background())
	if s.State() != StateReplay {
		t.Fatalf("State() = %v, want Replay on up-edge", s.State())
	}
	s.Tick(context.Background())
	if !drained {
		t.Errorf("expected DrainOne to be called during Replay")
	}
	if s.State() != StateIdle {
		t.Fatalf("State() = %v, want Idle after Replay", s.State())
	}
}

func TestReplayEmitsHoldEventWhenNoProgress(t *testing.T) {
	deps, _, _, journalMock, events := baseDeps()
	journalMock.pending = []string{"backup_20250821.csv"}
	journalMock.drainFunc = func(ctx context.Context, path string, max int, linkReady bool, upload journal.UploadFunc) (journal.DrainStats, error) {
		return journal.DrainStats{Held: true}, nil
	}

	s := New(*deps)
	s.state = StateReplay
	s.Tick(context.Background())

	found := false
	for _, code := range events.emitted {
		if code == "UPLOAD_HOLD" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an UPLOAD_HOLD event, got %v", events.emitted)
	}
}

func TestStorageErrorEntersRecoverStorage(t *testing.T) {
	deps, clk, _, journalMock, _ := baseDeps()
	withSec(clk, 35, 1)
	journalMock.storeErr = journal.ErrStorageUnavailable
	deps.Upload = func(ctx context.Context, s model.Sample) journal.UploadOutcome {
		return journal.UploadOutcome{Kind: journal.UploadTransportError}
	}
	s := New(*deps)
	s.state = StatePointTemp

	s.Tick(context.Background())
	if s.State() != StateRecoverStorage {
		t.Fatalf("State() = %v, want RecoverStorage after a Store failure", s.State())
	}
}

func TestRecoverStorageReturnsToIdleOnSuccessfulReinit(t *testing.T) {
	deps, _, _, _, _ := baseDeps()
	s := New(*deps)
	s.state = StateRecoverStorage
	s.recoverSleepUntilMs = 0

	s.Tick(context.Background())
	if s.State() != StateIdle {
		t.Fatalf("State() = %v, want Idle after a successful storage reinit", s.State())
	}
}
