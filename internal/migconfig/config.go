// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package migconfig holds the YAML configuration surface for the demo CLI:
// chunk geometry, shared-base mode, bandwidth limit, max downtime, TLS
// material, and listen/dial addresses for both the send and receive sides.
package migconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceEntry names one local device path and the device name it is
// announced under on the wire (must match the receiver's lookup key). Size
// is only consulted on the receive side, to size a destination image file
// that does not already exist; the send side always sizes from the source
// file's existing length.
type DeviceEntry struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Size    string `yaml:"size"` // e.g. "20gb" — receive side only
	SizeRaw int64  `yaml:"-"`
}

// GeometryConfig controls chunk sizing. Zero values fall back to
// migration.DefaultGeometry.
type GeometryConfig struct {
	SectorSize     int64 `yaml:"sector_size"`
	SectorsPerChunk int64 `yaml:"sectors_per_chunk"`
}

// TLSConfig contains the mTLS material paths, reused verbatim on both the
// send and receive side.
type TLSConfig struct {
	CACert     string `yaml:"ca_cert"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
}

// LoggingConfig mirrors the teacher's LoggingInfo, plus a per-run log
// directory: each migration run gets its own dedicated debug-level log
// file fanned out alongside the base logger, the same role the teacher's
// per-backup-session log plays for a backup run.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	RunLogDir string `yaml:"run_log_dir"` // empty disables per-run log files
}

// MetricsConfig controls the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // recv default: "127.0.0.1:9850"
}

// TraceConfig names the file for an optional debug-only stream transcript,
// compressed with zstd. The blkmigrate CLI parses this block but does not
// read it or open a TraceWriter. A transcript never touches the live wire
// format a peer parses — purely a side channel for offline inspection.
type TraceConfig struct {
	File string `yaml:"file"` // empty disables tracing
}

// SendConfig is the full YAML configuration for `blkmigrate send`.
type SendConfig struct {
	Dial              string         `yaml:"dial"`
	SharedBase        bool           `yaml:"shared_base"`
	BandwidthLimit    string         `yaml:"bandwidth_limit"` // e.g. "64mb" (bytes/sec), empty = unlimited
	BandwidthLimitRaw int64          `yaml:"-"`
	MaxDowntime       time.Duration  `yaml:"max_downtime"` // cutover budget handed to the outer loop
	DSCP              string         `yaml:"dscp"`          // e.g. "AF41", empty = no marking
	DSCPRaw           int            `yaml:"-"`
	Geometry          GeometryConfig `yaml:"geometry"`
	Devices           []DeviceEntry  `yaml:"devices"`
	TLS               TLSConfig      `yaml:"tls"`
	Logging           LoggingConfig  `yaml:"logging"`
	Metrics           MetricsConfig  `yaml:"metrics"`
	Trace             TraceConfig    `yaml:"trace"`
}

// RecvConfig is the full YAML configuration for `blkmigrate recv`.
type RecvConfig struct {
	Listen   string         `yaml:"listen"`
	DSCP     string         `yaml:"dscp"`
	DSCPRaw  int            `yaml:"-"`
	Geometry GeometryConfig `yaml:"geometry"`
	Devices  []DeviceEntry  `yaml:"devices"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoadSendConfig reads and validates the YAML configuration for the send
// side of a migration.
func LoadSendConfig(path string) (*SendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading send config: %w", err)
	}

	var cfg SendConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing send config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating send config: %w", err)
	}
	return &cfg, nil
}

func (c *SendConfig) validate() error {
	if c.Dial == "" {
		return fmt.Errorf("dial is required")
	}
	if err := validateDevices(c.Devices); err != nil {
		return err
	}
	if err := validateTLS(c.TLS); err != nil {
		return err
	}
	if c.BandwidthLimit != "" {
		parsed, err := ParseByteSize(c.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("bandwidth_limit: %w", err)
		}
		c.BandwidthLimitRaw = parsed
	}
	if c.MaxDowntime <= 0 {
		c.MaxDowntime = 1 * time.Second
	}
	dscp, err := ParseDSCP(c.DSCP)
	if err != nil {
		return fmt.Errorf("dscp: %w", err)
	}
	c.DSCPRaw = dscp
	applyGeometryDefaults(&c.Geometry)
	applyLoggingDefaults(&c.Logging)
	applyMetricsDefaults(&c.Metrics, "127.0.0.1:9849")
	return nil
}

// LoadRecvConfig reads and validates the YAML configuration for the
// receive side of a migration.
func LoadRecvConfig(path string) (*RecvConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recv config: %w", err)
	}

	var cfg RecvConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing recv config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating recv config: %w", err)
	}
	return &cfg, nil
}

func (c *RecvConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if err := validateDevices(c.Devices); err != nil {
		return err
	}
	if err := validateTLS(c.TLS); err != nil {
		return err
	}
	dscp, err := ParseDSCP(c.DSCP)
	if err != nil {
		return fmt.Errorf("dscp: %w", err)
	}
	c.DSCPRaw = dscp
	applyGeometryDefaults(&c.Geometry)
	applyLoggingDefaults(&c.Logging)
	applyMetricsDefaults(&c.Metrics, "127.0.0.1:9850")
	return nil
}

func validateDevices(devices []DeviceEntry) error {
	if len(devices) == 0 {
		return fmt.Errorf("devices must have at least one entry")
	}
	for i, d := range devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		if d.Path == "" {
			return fmt.Errorf("devices[%d].path is required", i)
		}
		if d.Size != "" {
			parsed, err := ParseByteSize(d.Size)
			if err != nil {
				return fmt.Errorf("devices[%d].size: %w", i, err)
			}
			devices[i].SizeRaw = parsed
		}
	}
	return nil
}

func validateTLS(t TLSConfig) error {
	if t.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if t.Cert == "" {
		return fmt.Errorf("tls.cert is required")
	}
	if t.Key == "" {
		return fmt.Errorf("tls.key is required")
	}
	return nil
}

func applyGeometryDefaults(g *GeometryConfig) {
	if g.SectorSize <= 0 {
		g.SectorSize = 512
	}
	if g.SectorsPerChunk <= 0 {
		g.SectorsPerChunk = 2048
	}
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

func applyMetricsDefaults(m *MetricsConfig, defaultListen string) {
	if m.Enabled && m.Listen == "" {
		m.Listen = defaultListen
	}
}

// ParseByteSize converts human-readable sizes like "64mb", "1gb" into bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
