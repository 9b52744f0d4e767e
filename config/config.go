// Package config reads and defaults the JSON configuration document
// described in spec §6, following the read-then-unmarshal shape of the
// teacher's jsonconfig package (github.com/goblimey/go-ntrip/jsonconfig),
// generalized from NTRIP-caster fields to this system's link/endpoint/
// ntp/timing/storage/uploader/sensor sections.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// LinkConfig names the Wi-Fi network the LinkMonitor attaches to. The
// station driver itself is out of scope (spec §1); only these credentials
// are consumed by the core.
type LinkConfig struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// EndpointConfig names the remote HTTP ingestion endpoint (spec §6 "Wire
// protocol").
type EndpointConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// NTPConfig names the network time source (spec §1's fetch_unix_seconds
// collaborator) plus display-only offsets retained from the original
// firmware's configuration for any local-time diagnostics.
type NTPConfig struct {
	Server        string `json:"server"`
	GMTOffsetSec  int    `json:"gmt_offset_sec"`
	DSTOffsetSec  int    `json:"dst_offset_sec"`
}

// TimingConfig holds every second-of-minute and millisecond timing
// parameter named in spec §6, each with the default given there.
type TimingConfig struct {
	WindowFlowEndSec    int `json:"window_flow_end_sec"`
	SamplePointTempSec  int `json:"sample_point_temp_sec"`
	SamplePointVoltSec  int `json:"sample_point_volt_sec"`
	FlowSendPeriodMs    int `json:"flow_send_period_ms"`
	SyncPeriodMs        int `json:"sync_period_ms"`
	ScanPeriodMs        int `json:"scan_period_ms"`
	StabilizeMs         int `json:"stabilize_ms"`
}

// StorageConfig bounds the on-disk forensic log.
type StorageConfig struct {
	MaxLogBytes int64 `json:"max_log_bytes"`
}

// UploaderConfig bounds delivery work per scheduler tick.
type UploaderConfig struct {
	BatchMax int `json:"batch_max"`
}

// SensorMode selects the Sensor variant used by the Scheduler (spec §3/§4.5
// "Go rendition", component C8 — additive to the distilled spec's options).
type SensorMode string

const (
	SensorModeReal       SensorMode = "REAL"
	SensorModeSimulation SensorMode = "SIMULATION"
)

// SensorConfig selects which Sensor implementation is wired up at boot.
type SensorConfig struct {
	Mode SensorMode `json:"mode"`
}

// Config is the fully parsed, defaulted configuration document.
type Config struct {
	Link     LinkConfig     `json:"link"`
	Endpoint EndpointConfig `json:"endpoint"`
	NTP      NTPConfig      `json:"ntp"`
	Timing   TimingConfig   `json:"timing"`
	Storage  StorageConfig  `json:"storage"`
	Uploader UploaderConfig `json:"uploader"`
	Sensor   SensorConfig   `json:"sensor"`

	// SystemLog is not populated from JSON; callers supply it (or leave
	// it nil to fall back to the standard logger), mirroring
	// jsonconfig.Config's systemLog field.
	SystemLog *log.Logger `json:"-"`
}

// Defaults, per spec §6.
const (
	DefaultWindowFlowEndSec   = 29
	DefaultSamplePointTempSec = 35
	DefaultSamplePointVoltSec = 40
	DefaultFlowSendPeriodMs   = 1000
	DefaultSyncPeriodMs       = int(6 * time.Hour / time.Millisecond)
	DefaultScanPeriodMs       = 30_000
	DefaultStabilizeMs        = 2500
	DefaultMaxLogBytes        = 10 * 1024 * 1024
	DefaultBatchMax           = 6
	DefaultSensorMode         = SensorModeSimulation
)

// Load reads and parses the JSON configuration document at path and
// applies defaults for any field the document left unset.
func Load(path string, systemLog *log.Logger) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, systemLog)
}

// Parse reads the whole of r as a JSON configuration document, per
// jsonconfig.getJSONConfig's read-then-unmarshal shape.
func Parse(r io.Reader, systemLog *log.Logger) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		logLine(systemLog, fmt.Sprintf("config: cannot read configuration - %v", err))
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		logLine(systemLog, fmt.Sprintf("config: cannot parse configuration - %v", err))
		return nil, err
	}

	cfg.SystemLog = systemLog
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timing.WindowFlowEndSec == 0 {
		c.Timing.WindowFlowEndSec = DefaultWindowFlowEndSec
	}
	if c.Timing.SamplePointTempSec == 0 {
		c.Timing.SamplePointTempSec = DefaultSamplePointTempSec
	}
	if c.Timing.SamplePointVoltSec == 0 {
		c.Timing.SamplePointVoltSec = DefaultSamplePointVoltSec
	}
	if c.Timing.FlowSendPeriodMs == 0 {
		c.Timing.FlowSendPeriodMs = DefaultFlowSendPeriodMs
	}
	if c.Timing.SyncPeriodMs == 0 {
		c.Timing.SyncPeriodMs = DefaultSyncPeriodMs
	}
	if c.Timing.ScanPeriodMs == 0 {
		c.Timing.ScanPeriodMs = DefaultScanPeriodMs
	}
	if c.Timing.StabilizeMs == 0 {
		c.Timing.StabilizeMs = DefaultStabilizeMs
	}
	if c.Storage.MaxLogBytes == 0 {
		c.Storage.MaxLogBytes = DefaultMaxLogBytes
	}
	if c.Uploader.BatchMax == 0 {
		c.Uploader.BatchMax = DefaultBatchMax
	}
	if c.Sensor.Mode == "" {
		c.Sensor.Mode = DefaultSensorMode
	}
}

func logLine(systemLog *log.Logger, line string) {
	if systemLog != nil {
		systemLog.Println(line)
		return
	}
	log.Println(line)
}
