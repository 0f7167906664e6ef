// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mmetrics exposes the Prometheus instruments behind a migration
// run's otherwise-silent progress surface: save_pending's return value,
// the dirty-chunk count driving convergence decisions, bytes already on
// the wire, and a counter of migrations that reached SaveComplete.
package mmetrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"
)

// Registry bundles the gauges and counters one migration process exposes.
// Zero value is not usable; construct with NewRegistry.
type Registry struct {
	PendingBytes     prometheus.Gauge
	DirtyChunks      prometheus.Gauge
	TransferredBytes prometheus.Gauge
	DiskFreeBytes    prometheus.Gauge
	MigrationsDone   prometheus.Counter

	reg *prometheus.Registry
}

// NewRegistry builds a fresh instrument set under its own registry, so
// multiple Registry instances (e.g. in tests) never collide on the
// default global registerer.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		PendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blkmigrate_pending_bytes",
			Help: "Bytes reported by the last save_pending call.",
		}),
		DirtyChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blkmigrate_dirty_chunks",
			Help: "Chunks currently marked dirty across all devices.",
		}),
		TransferredBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blkmigrate_transferred_bytes",
			Help: "Total payload bytes written to the wire so far.",
		}),
		DiskFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blkmigrate_disk_free_bytes",
			Help: "Free space on the host filesystem backing the destination devices.",
		}),
		MigrationsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blkmigrate_migrations_completed_total",
			Help: "Migrations that reached SaveComplete.",
		}),
		reg: reg,
	}

	reg.MustRegister(r.PendingBytes, r.DirtyChunks, r.TransferredBytes, r.DiskFreeBytes, r.MigrationsDone)
	return r
}

// Handler returns the net/http handler exposing this registry in the
// Prometheus text format, for mounting under ListenAndServe the way the
// teacher mounts its observability JSON endpoints.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing Handler() at /metrics until ctx is
// canceled.
func (r *Registry) Serve(ctx context.Context, listen string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// WatchDiskFree polls free space on path every interval and updates
// DiskFreeBytes, mirroring the teacher's periodic SystemMonitor.collect
// loop but scoped to the one stat this core cares about. Runs until ctx
// is canceled.
func (r *Registry) WatchDiskFree(ctx context.Context, path string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.collectDiskFree(path, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.collectDiskFree(path, logger)
		}
	}
}

func (r *Registry) collectDiskFree(path string, logger *slog.Logger) {
	usage, err := disk.Usage(path)
	if err != nil {
		if logger != nil {
			logger.Debug("failed to collect disk free stats", "path", path, "error", err)
		}
		return
	}
	r.DiskFreeBytes.Set(float64(usage.Free))
}
