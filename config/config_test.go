package config

import (
	"strings"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`{"link":{"ssid":"shed"}}`), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Link.SSID != "shed" {
		t.Errorf("Link.SSID = %q, want %q", cfg.Link.SSID, "shed")
	}
	if cfg.Timing.WindowFlowEndSec != DefaultWindowFlowEndSec {
		t.Errorf("WindowFlowEndSec = %d, want %d", cfg.Timing.WindowFlowEndSec, DefaultWindowFlowEndSec)
	}
	if cfg.Timing.SamplePointTempSec != DefaultSamplePointTempSec {
		t.Errorf("SamplePointTempSec = %d, want %d", cfg.Timing.SamplePointTempSec, DefaultSamplePointTempSec)
	}
	if cfg.Uploader.BatchMax != DefaultBatchMax {
		t.Errorf("BatchMax = %d, want %d", cfg.Uploader.BatchMax, DefaultBatchMax)
	}
	if cfg.Storage.MaxLogBytes != DefaultMaxLogBytes {
		t.Errorf("MaxLogBytes = %d, want %d", cfg.Storage.MaxLogBytes, DefaultMaxLogBytes)
	}
	if cfg.Sensor.Mode != SensorModeSimulation {
		t.Errorf("Sensor.Mode = %q, want %q", cfg.Sensor.Mode, SensorModeSimulation)
	}
}

func TestParseHonorsExplicitValues(t *testing.T) {
	doc := `{
		"timing": {"window_flow_end_sec": 19, "sample_point_temp_sec": 25},
		"uploader": {"batch_max": 3},
		"sensor": {"mode": "REAL"}
	}`
	cfg, err := Parse(strings.NewReader(doc), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Timing.WindowFlowEndSec != 19 {
		t.Errorf("WindowFlowEndSec = %d, want 19", cfg.Timing.WindowFlowEndSec)
	}
	if cfg.Timing.SamplePointTempSec != 25 {
		t.Errorf("SamplePointTempSec = %d, want 25", cfg.Timing.SamplePointTempSec)
	}
	// Fields left unset in this document still pick up their defaults.
	if cfg.Timing.SamplePointVoltSec != DefaultSamplePointVoltSec {
		t.Errorf("SamplePointVoltSec = %d, want default %d", cfg.Timing.SamplePointVoltSec, DefaultSamplePointVoltSec)
	}
	if cfg.Uploader.BatchMax != 3 {
		t.Errorf("BatchMax = %d, want 3", cfg.Uploader.BatchMax)
	}
	if cfg.Sensor.Mode != SensorModeReal {
		t.Errorf("Sensor.Mode = %q, want REAL", cfg.Sensor.Mode)
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	if _, err := Parse(strings.NewReader("{not json"), nil); err == nil {
		t.Errorf("expected an error for invalid JSON")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/no/such/config.json", nil); err == nil {
		t.Errorf("expected an error for a missing file")
	}
}
