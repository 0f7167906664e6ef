// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package blockdev implements migration.Device against plain Go storage: an
// in-memory device for tests and a local-file device for the demo CLI.
package blockdev

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// shardBytes is the granularity of the Memory device's internal locking —
// sized to cover one migration chunk at the default geometry so a reader
// of one chunk touches as few shard locks as possible.
const shardBytes = 1 << 20

// Memory is a RAM-backed migration.Device, sharded-locked the way
// ehrlich-b-go-ublk's backend.Memory is: per-shard sync.RWMutex instead of
// one whole-device lock, so concurrent AIO reads from different regions of
// the device don't serialize on each other.
type Memory struct {
	name         string
	sectorSize   int64
	chunkSectors int64
	data         []byte
	shards       []sync.RWMutex

	dirtyMu  sync.Mutex
	dirty    []bool // one bool per sector, but always set/cleared a whole chunk at a time
	tracking bool

	allocMu   sync.Mutex
	allocated []bool // nil means "fully allocated" (no shared-base hole)

	refMu sync.Mutex
	refs  int

	readDelay time.Duration // injected latency, for tests exercising AIO pipelining
}

// NewMemory allocates a zero-filled memory device of totalSectors sectors.
// chunkSectors is the migration chunk size this device's dirty tracking is
// rounded out to (spec.md §3, "dirty-tracking granularity ... chunk-
// aligned"); pass 1 for plain sector-granularity tracking.
func NewMemory(name string, sectorSize, totalSectors, chunkSectors int64) *Memory {
	size := sectorSize * totalSectors
	numShards := (size + shardBytes - 1) / shardBytes
	if numShards == 0 {
		numShards = 1
	}
	if chunkSectors <= 0 {
		chunkSectors = 1
	}
	return &Memory{
		name:         name,
		sectorSize:   sectorSize,
		chunkSectors: chunkSectors,
		data:         make([]byte, size),
		shards:       make([]sync.RWMutex, numShards),
		dirty:        make([]bool, totalSectors),
	}
}

// alignDirtyRange rounds [sector, sector+nrSectors) out to the chunk
// boundaries it overlaps, capped at the device length. DirtyStep only ever
// probes IsDirty at a chunk-aligned sector, so a write that touches any
// sector of a chunk must mark the whole chunk dirty or it is silently
// dropped from the next dirty-phase sweep.
func (m *Memory) alignDirtyRange(sector, nrSectors int64) (start, end int64) {
	start = (sector / m.chunkSectors) * m.chunkSectors
	end = ((sector + nrSectors + m.chunkSectors - 1) / m.chunkSectors) * m.chunkSectors
	if total := int64(len(m.dirty)); end > total {
		end = total
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

// WithHole marks [startSector, startSector+nrSectors) as unallocated,
// turning the device into a shared-base candidate (spec.md §4.4, shared
// base skip-ahead). Everything not explicitly marked is allocated.
func (m *Memory) WithHole(startSector, nrSectors int64) *Memory {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	if m.allocated == nil {
		m.allocated = make([]bool, len(m.dirty))
		for i := range m.allocated {
			m.allocated[i] = true
		}
	}
	for s := startSector; s < startSector+nrSectors && int(s) < len(m.allocated); s++ {
		m.allocated[s] = false
	}
	return m
}

// WithReadDelay injects artificial latency into ReadAtAsync, useful for
// tests that want to observe reads actually overlapping in the completion
// queue rather than finishing instantly.
func (m *Memory) WithReadDelay(d time.Duration) *Memory {
	m.readDelay = d
	return m
}

func (m *Memory) shardRange(byteOff, byteLen int64) (start, end int) {
	start = int(byteOff / shardBytes)
	end = int((byteOff + byteLen - 1) / shardBytes)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) LengthSectors() int64 { return int64(len(m.data)) / m.sectorSize }

func (m *Memory) ReadAt(ctx context.Context, sector, nrSectors int64, buf []byte) error {
	off := sector * m.sectorSize
	n := nrSectors * m.sectorSize
	if off+n > int64(len(m.data)) {
		return fmt.Errorf("blockdev: read past end of device %s", m.name)
	}

	start, end := m.shardRange(off, n)
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	copy(buf[:n], m.data[off:off+n])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return nil
}

func (m *Memory) ReadAtAsync(sector, nrSectors int64, buf []byte, done func(error)) {
	go func() {
		if m.readDelay > 0 {
			time.Sleep(m.readDelay)
		}
		done(m.ReadAt(context.Background(), sector, nrSectors, buf))
	}()
}

func (m *Memory) WriteAt(sector, nrSectors int64, buf []byte) error {
	off := sector * m.sectorSize
	n := nrSectors * m.sectorSize
	if off+n > int64(len(m.data)) {
		return fmt.Errorf("blockdev: write past end of device %s", m.name)
	}

	start, end := m.shardRange(off, n)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	copy(m.data[off:off+n], buf[:n])
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}

	m.dirtyMu.Lock()
	if m.tracking {
		start, end := m.alignDirtyRange(sector, nrSectors)
		for s := start; s < end; s++ {
			m.dirty[s] = true
		}
	}
	m.dirtyMu.Unlock()
	return nil
}

// MarkDirty simulates a guest write to [sector, sector+nrSectors) without
// touching device contents — the migration package's tests and the demo
// CLI use this to drive the dirty phase without a real guest, regardless
// of whether dirty tracking is currently enabled.
func (m *Memory) MarkDirty(sector, nrSectors int64) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	start, end := m.alignDirtyRange(sector, nrSectors)
	for s := start; s < end; s++ {
		m.dirty[s] = true
	}
}

func (m *Memory) EnableDirtyTracking() error {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	m.tracking = true
	for i := range m.dirty {
		m.dirty[i] = false
	}
	return nil
}

func (m *Memory) DisableDirtyTracking() error {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	m.tracking = false
	return nil
}

func (m *Memory) IsDirty(sector int64) bool {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if sector < 0 || int(sector) >= len(m.dirty) {
		return false
	}
	return m.dirty[sector]
}

func (m *Memory) ResetDirty(sector, nrSectors int64) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	for s := sector; s < sector+nrSectors && int(s) < len(m.dirty); s++ {
		m.dirty[s] = false
	}
}

func (m *Memory) IsAllocated(sector int64) (bool, int64) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	total := m.LengthSectors()
	if m.allocated == nil {
		return true, total - sector
	}
	if sector >= total {
		return false, 0
	}
	want := m.allocated[sector]
	var run int64
	for s := sector; s < total && m.allocated[s] == want; s++ {
		run++
	}
	return want, run
}

func (m *Memory) Acquire() {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.refs++
}

func (m *Memory) Release() {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.refs--
}

// Refs returns the current in-use refcount, for tests asserting P6-adjacent
// resource-cleanup properties.
func (m *Memory) Refs() int {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return m.refs
}

// Bytes returns a read-only snapshot of the device contents, for test
// assertions that compare source and destination devices directly.
func (m *Memory) Bytes() []byte {
	out := make([]byte, len(m.data))
	for i := range m.shards {
		m.shards[i].RLock()
	}
	copy(out, m.data)
	for i := range m.shards {
		m.shards[i].RUnlock()
	}
	return out
}

// LoadBytes seeds the device's contents directly, for test setup.
func (m *Memory) LoadBytes(b []byte) {
	for i := range m.shards {
		m.shards[i].Lock()
	}
	copy(m.data, b)
	for i := range m.shards {
		m.shards[i].Unlock()
	}
}
