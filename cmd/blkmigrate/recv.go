// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/blkmigrate/internal/blockdev"
	"github.com/nishisan-dev/blkmigrate/internal/logging"
	"github.com/nishisan-dev/blkmigrate/internal/migconfig"
	"github.com/nishisan-dev/blkmigrate/internal/migration"
	"github.com/nishisan-dev/blkmigrate/internal/mmetrics"
	"github.com/nishisan-dev/blkmigrate/internal/pki"
	"github.com/nishisan-dev/blkmigrate/internal/wire"
)

func runRecv(args []string) error {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	configPath := fs.String("config", "/etc/blkmigrate/recv.yaml", "path to recv config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := migconfig.LoadRecvConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	runID := fmt.Sprintf("recv-%s", cfg.Listen)
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
		logger.Info("received signal, shutting down", "signal", sig)
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

	devices, closeDevices, err := openRecvDevices(cfg)
	if err != nil {
		return fmt.Errorf("opening devices: %w", err)
	}
	defer closeDevices()

	lookup := func(name string) (wire.WritableDevice, bool) {
		d, ok := devices[name]
		return d, ok
	}

	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	ln, err := tls.Listen("tcp", cfg.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("listening for migration connection", "listen", cfg.Listen)
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := migconfig.ApplyDSCP(tlsConn.NetConn(), cfg.DSCPRaw); err != nil {
			logger.Warn("failed to apply DSCP marking", "error", err)
		}
	}

	return serveConn(conn, cfg, lookup, metrics, logger)
}

func serveConn(conn net.Conn, cfg *migconfig.RecvConfig, lookup wire.DeviceLookup,
	metrics *mmetrics.Registry, logger *slog.Logger) error {
	stream := migration.NewNetStream(conn)

	geometry := migration.Geometry{
		SectorSize:      cfg.Geometry.SectorSize,
		SectorsPerChunk: cfg.Geometry.SectorsPerChunk,
	}

	onProgress := func(value int64) {
		metrics.PendingBytes.Set(float64(value))
	}

	// The sender ends every save phase with EOS; keep loading sections until
	// it closes the connection at a record boundary.
	for {
		err := wire.Load(stream, int(geometry.ChunkBytes()), geometry.SectorsPerChunk, lookup, onProgress)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("loading migration stream: %w", err)
		}
	}

	metrics.MigrationsDone.Inc()
	logger.Info("migration received", "bytes", stream.Offset())
	return nil
}

func openRecvDevices(cfg *migconfig.RecvConfig) (map[string]*blockdev.File, func(), error) {
	sectorSize := cfg.Geometry.SectorSize
	if sectorSize <= 0 {
		sectorSize = migration.DefaultGeometry.SectorSize
	}
	chunkSectors := cfg.Geometry.SectorsPerChunk
	if chunkSectors <= 0 {
		chunkSectors = migration.DefaultGeometry.SectorsPerChunk
	}

	devices := make(map[string]*blockdev.File, len(cfg.Devices))
	closeAll := func() {
		for _, f := range devices {
			f.Close()
		}
	}

	for _, d := range cfg.Devices {
		totalSectors := d.SizeRaw / sectorSize
		if fi, statErr := os.Stat(d.Path); statErr == nil && fi.Size() > 0 {
			totalSectors = fi.Size() / sectorSize
		}
		if totalSectors <= 0 {
			closeAll()
			return nil, nil, fmt.Errorf("devices %q: no existing file and no size configured", d.Name)
		}

		f, err := blockdev.OpenFile(d.Name, d.Path, sectorSize, totalSectors, chunkSectors)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		devices[d.Name] = f
	}
	return devices, closeAll, nil
}
