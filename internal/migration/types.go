// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package migration implements the core of a live block-device migration:
// the bulk/dirty/drain transfer-loop state machine, the dirty-bitmap
// adaptor, the AIO read pipeline and completion queue, and the rate
// limiter that decides when the outer loop should cut over.
//
// Device and Stream are the external collaborators described in spec.md §1
// — this package only depends on their interfaces, never a concrete
// implementation. internal/blockdev supplies concrete Devices for tests and
// the demo CLI.
package migration

import "context"

// Geometry is the fixed chunk/sector configuration that must match between
// sender and receiver (spec.md §3, "Chunk").
type Geometry struct {
	SectorSize      int64
	SectorsPerChunk int64
}

// DefaultGeometry is 512-byte sectors, 2048 sectors (1 MiB) per chunk —
// spec.md §3's "typical" configuration.
var DefaultGeometry = Geometry{SectorSize: 512, SectorsPerChunk: 2048}

// ChunkBytes returns the fixed on-the-wire size of one chunk's payload.
func (g Geometry) ChunkBytes() int64 { return g.SectorsPerChunk * g.SectorSize }

// ChunkOf returns the chunk index covering sector.
func (g Geometry) ChunkOf(sector int64) int64 { return sector / g.SectorsPerChunk }

// ChunkCount returns the number of chunks needed to cover totalSectors.
func (g Geometry) ChunkCount(totalSectors int64) int64 {
	return (totalSectors + g.SectorsPerChunk - 1) / g.SectorsPerChunk
}

// AlignDown rounds sector down to the chunk boundary at or below it.
func (g Geometry) AlignDown(sector int64) int64 {
	return (sector / g.SectorsPerChunk) * g.SectorsPerChunk
}

// Device is the external block device abstraction (spec.md §1, "Out of
// scope"): length, sync/async read, sync write, dirty-tracking enable/
// disable, dirty-bit query/reset, allocation-map query, and an in-use
// refcount. The migration core only calls these; it never implements one
// for production use (see internal/blockdev for test/demo implementations).
type Device interface {
	Name() string
	LengthSectors() int64

	// ReadAt performs a synchronous read of nrSectors sectors starting at
	// sector into buf[:nrSectors*SectorSize].
	ReadAt(ctx context.Context, sector, nrSectors int64, buf []byte) error

	// ReadAtAsync starts an asynchronous read and returns immediately; done
	// is invoked from some other goroutine once the read completes (or
	// fails), exactly once. done must never be invoked synchronously from
	// within the ReadAtAsync call itself — the driver calls ReadAtAsync
	// while already holding its internal lock, and done re-enters it.
	ReadAtAsync(sector, nrSectors int64, buf []byte, done func(error))

	// WriteAt performs a synchronous write, used by the receiver.
	WriteAt(sector, nrSectors int64, buf []byte) error

	EnableDirtyTracking() error
	DisableDirtyTracking() error

	// IsDirty reports whether the sector has been written since the last
	// ResetDirty covering it. The dirty-phase engine only ever probes this
	// at chunk-aligned sectors (spec.md §3, "dirty-tracking granularity ...
	// chunk-aligned"), so an implementation must mark the whole chunk dirty
	// on any write that touches it, not just the written sectors.
	IsDirty(sector int64) bool
	ResetDirty(sector, nrSectors int64)

	// IsAllocated reports whether sector is backed by actual storage (vs.
	// a hole in a sparse/shared-base image), and how many sectors from
	// sector share that same allocated/unallocated status (a run length),
	// capped by the caller at MaxIsAllocatedSearch.
	IsAllocated(sector int64) (allocated bool, run int64)

	// Acquire/Release implement the in-use refcount of spec.md §3.
	Acquire()
	Release()
}

// Stream is the external byte-oriented transport abstraction (spec.md §1).
type Stream interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)

	PutU64(v uint64) error
	GetU64() (uint64, error)

	// RateLimited reports whether the stream's rate limiter currently has
	// no budget; the driver uses this to decide whether to keep flushing.
	RateLimited() bool

	// Offset is the current byte position written so far.
	Offset() int64

	// Err latches and returns the first write/read error seen, mirroring
	// the source's error-latching stream.
	Err() error
}

// MaxIsAllocatedSearch caps how many sectors one hop over an unallocated run
// advances the bulk cursor on a shared-base device. It does not bound the
// work of one BulkStep call: BulkStep keeps hopping until it reaches
// allocated data or the end of the device.
const MaxIsAllocatedSearch = 65536

// DeviceState is one participating block device (spec.md §3).
type DeviceState struct {
	Name             string
	Device           Device
	BulkCompleted    bool
	SharedBase       bool
	CurSector        int64
	CurDirty         int64
	CompletedSectors int64
	TotalSectors     int64

	inflight *inflightBitmap
}

// Block is one in-flight or completed read (spec.md §3).
type Block struct {
	DeviceIndex int // non-owning back-reference into MigrationState.Devices
	Sector      int64
	NrSectors   int64
	Buf         []byte // always exactly Geometry.ChunkBytes() long
	Ret         error
}
