package supervisor

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/acequia-iot/telemetry-node/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(`{"endpoint":{"url":"http://example.invalid","api_key":"k"}}`), nil)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func TestNewBootsWithoutErrorAndWiresScheduler(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	sup, err := New(cfg, dir, Drivers{
		LinkHasIP: func() bool { return false },
		MAC:       "AA:BB:CC:DD:EE:FF",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.sched == nil {
		t.Fatalf("expected a wired Scheduler")
	}
	sup.cron.Stop()
}

func TestNewEntersRecoverStorageWhenRootCannotBeCreated(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	// A path nested under a plain file cannot be mkdir'd into.
	blocker := dir + "/blocker"
	f, err := os.Create(blocker)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	f.Close()

	sup, err := New(cfg, blocker+"/storage", Drivers{
		LinkHasIP: func() bool { return false },
		MAC:       "AA:BB:CC:DD:EE:FF",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.sched.State().String() != "RecoverStorage" {
		t.Fatalf("State() = %v, want RecoverStorage", sup.sched.State())
	}
	sup.cron.Stop()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	sup, err := New(cfg, dir, Drivers{LinkHasIP: func() bool { return false }, MAC: "AA:BB:CC:DD:EE:FF"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		sup.Run(ctx, tick)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}
