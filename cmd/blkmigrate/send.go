// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/blkmigrate/internal/blockdev"
	"github.com/nishisan-dev/blkmigrate/internal/logging"
	"github.com/nishisan-dev/blkmigrate/internal/migconfig"
	"github.com/nishisan-dev/blkmigrate/internal/migration"
	"github.com/nishisan-dev/blkmigrate/internal/mmetrics"
	"github.com/nishisan-dev/blkmigrate/internal/pki"
	"github.com/nishisan-dev/blkmigrate/internal/wire"
)

// bufferDelay is the outer loop's per-tick sleep when the stream reports
// itself rate-limited (spec.md §4.6, "sleeps ... between ticks when the
// stream is rate-limited"), matching the source's BUFFER_DELAY convention.
const bufferDelay = 100 * time.Millisecond

// pendingScanCap bounds how many bytes' worth of dirty chunks SavePending
// scans in one call, independent of the cutover threshold itself.
const pendingScanCap = 64 << 20

// fallbackBandwidth is assumed for the pending/max_downtime cutover
// comparison when bandwidth_limit is unset (unthrottled link) — the
// comparison in spec.md §4.6 needs *some* bytes/sec estimate.
const fallbackBandwidth = 100 << 20 // 100 MB/s

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "/etc/blkmigrate/send.yaml", "path to send config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := migconfig.LoadSendConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	runID := fmt.Sprintf("send-%s", cfg.Dial)
	runLogger, runLogCloser, runLogPath, err := logging.NewSessionLogger(logger, cfg.Logging.RunLogDir, "blkmigrate", runID)
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer runLogCloser.Close()
	logger = runLogger
	if runLogPath != "" {
		logger.Info("run log opened", "path", runLogPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, canceling migration", "signal", sig)
		cancel()
	}()

	metrics := mmetrics.NewRegistry()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	devices, closeDevices, err := openSendDevices(cfg)
	if err != nil {
		return fmt.Errorf("opening devices: %w", err)
	}
	defer closeDevices()

	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return fmt.Errorf("building client TLS config: %w", err)
	}

	dialer := &tls.Dialer{Config: tlsCfg}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.Dial)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", cfg.Dial, err)
	}
	defer netConn.Close()

	if tlsConn, ok := netConn.(*tls.Conn); ok {
		if err := migconfig.ApplyDSCP(tlsConn.NetConn(), cfg.DSCPRaw); err != nil {
			logger.Warn("failed to apply DSCP marking", "error", err)
		}
	}

	stream := migration.NewThrottledNetStream(netConn, cfg.BandwidthLimitRaw)

	geometry := migration.Geometry{
		SectorSize:      cfg.Geometry.SectorSize,
		SectorsPerChunk: cfg.Geometry.SectorsPerChunk,
	}

	ms := migration.NewMigrationState(geometry, devices, cfg.SharedBase)

	if err := ms.SaveSetup(stream); err != nil {
		return fmt.Errorf("save setup: %w", err)
	}
	logger.Info("migration setup complete", "devices", len(devices), "shared_base", cfg.SharedBase)

	bandwidth := cfg.BandwidthLimitRaw
	if bandwidth <= 0 {
		bandwidth = fallbackBandwidth
	}
	downtimeBudgetBytes := int64(cfg.MaxDowntime.Seconds() * float64(bandwidth))

	for {
		select {
		case <-ctx.Done():
			ms.Cancel()
			return fmt.Errorf("migration canceled: %w", ctx.Err())
		default:
		}

		if err := ms.SaveIterate(stream); err != nil {
			ms.Cancel()
			return fmt.Errorf("save iterate: %w", err)
		}

		pending := ms.SavePending(pendingScanCap)
		metrics.PendingBytes.Set(float64(pending))
		metrics.TransferredBytes.Set(float64(ms.Transferred()) * float64(geometry.ChunkBytes()))
		logger.Debug("iterate tick", "pending_bytes", pending, "transferred_blocks", ms.Transferred())

		if err := wire.WriteProgress(stream, progressPercent(pending, downtimeBudgetBytes)); err != nil {
			ms.Cancel()
			return err
		}

		if ms.BulkCompleted && pending <= downtimeBudgetBytes {
			break
		}

		if stream.RateLimited() {
			time.Sleep(bufferDelay)
		}
	}

	logger.Info("pending converged below downtime budget, cutting over",
		"max_downtime", cfg.MaxDowntime, "downtime_budget_bytes", downtimeBudgetBytes)

	if err := ms.SaveComplete(stream); err != nil {
		return fmt.Errorf("save complete: %w", err)
	}
	metrics.MigrationsDone.Inc()
	logger.Info("migration complete", "transferred_blocks", ms.Transferred())
	return nil
}

func openSendDevices(cfg *migconfig.SendConfig) ([]migration.Device, func(), error) {
	sectorSize := cfg.Geometry.SectorSize
	if sectorSize <= 0 {
		sectorSize = migration.DefaultGeometry.SectorSize
	}
	chunkSectors := cfg.Geometry.SectorsPerChunk
	if chunkSectors <= 0 {
		chunkSectors = migration.DefaultGeometry.SectorsPerChunk
	}

	var devices []migration.Device
	var files []*blockdev.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	for _, d := range cfg.Devices {
		fi, err := os.Stat(d.Path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("stat %s: %w", d.Path, err)
		}
		totalSectors := fi.Size() / sectorSize

		f, err := blockdev.OpenFile(d.Name, d.Path, sectorSize, totalSectors, chunkSectors)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		files = append(files, f)
		devices = append(devices, f)
	}
	return devices, closeAll, nil
}

// progressPercent reports coarse percentage-of-budget progress for the
// receiver-side progress bar; it is not consulted by either side's control
// flow. The result is always in 0..100: 100 when budget <= 0, otherwise
// 100 - pending*100/budget clamped at 0 (pending is never negative).
func progressPercent(pending, budget int64) int64 {
	if budget <= 0 {
		return 100
	}
	pct := 100 - (pending*100)/budget
	if pct < 0 {
		pct = 0
	}
	return pct
}
