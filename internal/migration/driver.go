// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/nishisan-dev/blkmigrate/internal/wire"
)

// MigrationState is the block-scoped state the transfer-loop driver
// sequences through setup → iterate* → complete (or cancel). One instance
// covers every participating Device for one migration (spec.md §3).
//
// All mutation goes through the exported methods, which take mu for the
// duration of their body — the Go stand-in for the source's process-wide
// iothread lock (spec.md §5). AIO completions arrive via onReadComplete,
// which also takes mu, so doneQueue order is always completion order.
type MigrationState struct {
	Geometry Geometry
	Devices  []*DeviceState

	BlkEnable  bool
	SharedBase bool

	TotalSectorSum int64
	PrevProgress   int64
	BulkCompleted  bool

	mu          sync.Mutex
	cond        *sync.Cond
	submitted   int64
	readDone    int64
	doneQueue   []*Block
	transferred int64
}

// NewMigrationState allocates a MigrationState for the given devices with
// the given geometry. devices must already be filtered to the writable,
// non-empty set the outer driver intends to migrate (spec.md §4.6,
// save_setup's "!read_only, length > 0" filter happens at the caller —
// this core has no concept of read-only).
func NewMigrationState(g Geometry, devices []Device, sharedBase bool) *MigrationState {
	ms := &MigrationState{
		Geometry:   g,
		BlkEnable:  true,
		SharedBase: sharedBase,
	}
	ms.cond = sync.NewCond(&ms.mu)
	for _, d := range devices {
		total := d.LengthSectors()
		ds := &DeviceState{
			Name:         d.Name(),
			Device:       d,
			SharedBase:   sharedBase,
			TotalSectors: total,
			inflight:     newInflightBitmap(g.ChunkCount(total)),
		}
		ms.Devices = append(ms.Devices, ds)
		ms.TotalSectorSum += total
	}
	return ms
}

// SaveSetup acquires every device, enables dirty tracking, and emits the
// opening EOS marker that closes the (empty) setup phase's stream slice
// (spec.md §4.6, save_setup).
func (ms *MigrationState) SaveSetup(s Stream) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, ds := range ms.Devices {
		ds.Device.Acquire()
		if err := ds.Device.EnableDirtyTracking(); err != nil {
			return fmt.Errorf("migration: enable dirty tracking on %s: %w", ds.Name, err)
		}
		ds.CurDirty = 0
	}
	return wire.WriteEOS(s)
}

// onReadComplete is the AIO completion callback (spec.md §4.6). It is safe
// to call from any goroutine; it takes mu itself, so doneQueue order is
// always completion order regardless of which goroutine's read finishes
// first.
func (ms *MigrationState) onReadComplete(blk *Block) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ds := ms.Devices[blk.DeviceIndex]
	ds.inflight.SetInflight(ms.Geometry.ChunkOf(blk.Sector), false)
	ms.doneQueue = append(ms.doneQueue, blk)
	ms.submitted--
	ms.readDone++
	ms.cond.Broadcast()
}

// submitAsyncRead starts an async read for one chunk of ds and wires its
// completion into onReadComplete. It marks the chunk in flight and resets
// the device's dirty bits over the submitted range — "the data we just
// scheduled is clean for dirty-phase purposes" (spec.md §4.4 step 8).
// Caller holds mu.
func (ms *MigrationState) submitAsyncRead(deviceIndex int, sector, nrSectors int64) {
	ds := ms.Devices[deviceIndex]
	ds.inflight.SetInflight(ms.Geometry.ChunkOf(sector), true)
	ds.Device.ResetDirty(sector, nrSectors)

	buf := make([]byte, ms.Geometry.ChunkBytes())
	blk := &Block{DeviceIndex: deviceIndex, Sector: sector, NrSectors: nrSectors, Buf: buf}
	ms.submitted++
	ds.Device.ReadAtAsync(sector, nrSectors, buf[:nrSectors*ms.Geometry.SectorSize], func(err error) {
		blk.Ret = err
		ms.onReadComplete(blk)
	})
}

// flushDoneQueue writes every Block currently in doneQueue to the stream,
// in completion order, stopping early if the stream reports itself
// rate-limited or a Block latched a read error. Caller holds mu.
func (ms *MigrationState) flushDoneQueue(s Stream) error {
	for len(ms.doneQueue) > 0 {
		if s.RateLimited() {
			return nil
		}
		blk := ms.doneQueue[0]
		if blk.Ret != nil {
			return fmt.Errorf("migration: aio read error on %s: %w", ms.Devices[blk.DeviceIndex].Name, blk.Ret)
		}
		ms.doneQueue = ms.doneQueue[1:]
		ms.readDone--

		ds := ms.Devices[blk.DeviceIndex]
		if err := wire.WriteDeviceBlock(s, ds.Name, blk.Sector, blk.Buf); err != nil {
			return err
		}
		ms.transferred++
	}
	return nil
}

// drainAllLocked blocks until every outstanding AIO read has completed.
// Caller holds mu; it is released while waiting (spec.md §5, "releases it
// while waiting on condition variables") and reacquired before returning.
func (ms *MigrationState) drainAllLocked() {
	for ms.submitted > 0 {
		ms.cond.Wait()
	}
}

// rateLimitBudgetChunks bounds how many chunk-sized reads SaveIterate keeps
// outstanding-or-queued before it stops submitting for this tick (spec.md
// §4.6, "(submitted+read_done)*CHUNK_SIZE < rate_limit_window"). A fixed
// per-tick cap keeps one iterate call bounded regardless of the specific
// bandwidth_limit the outer driver has configured on the Stream.
const rateLimitBudgetChunks = 32

// SaveIterate runs one tick of the bulk/dirty interleave (spec.md §4.6,
// save_iterate).
func (ms *MigrationState) SaveIterate(s Stream) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.flushDoneQueue(s); err != nil {
		return err
	}

	for _, ds := range ms.Devices {
		ds.CurDirty = 0
	}

	for (ms.submitted + ms.readDone) < rateLimitBudgetChunks {
		progressed := false

		if !ms.BulkCompleted {
			for i, ds := range ms.Devices {
				if ds.BulkCompleted {
					continue
				}
				sector, nr, submit, _ := BulkStep(ds, ms.Geometry)
				if submit {
					ms.submitAsyncRead(i, sector, nr)
					progressed = true
				}
				break // one device per step, devices-list order
			}
			if ms.allBulkCompleted() {
				ms.BulkCompleted = true
			}
		} else {
			for i, ds := range ms.Devices {
				sector, nr, found, _ := DirtyStep(ds, ms.Geometry, ms.drainAllLocked)
				if found {
					ms.submitAsyncRead(i, sector, nr)
					progressed = true
					break
				}
			}
		}

		if !progressed {
			break
		}
	}

	if err := ms.flushDoneQueue(s); err != nil {
		return err
	}
	return wire.WriteEOS(s)
}

func (ms *MigrationState) allBulkCompleted() bool {
	for _, ds := range ms.Devices {
		if !ds.BulkCompleted {
			return false
		}
	}
	return true
}

// SavePending reports an estimate of bytes still pending resend, capped so
// one call never scans an unbounded number of chunks (spec.md §4.6,
// save_pending). During bulk, pending is reported as max: from the outer
// loop's perspective it is effectively infinite until bulk converges.
func (ms *MigrationState) SavePending(max int64) int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.BulkCompleted {
		return max
	}
	chunkBytes := ms.Geometry.ChunkBytes()
	limit := max / chunkBytes
	if limit <= 0 {
		limit = 1
	}
	var total int64
	for _, ds := range ms.Devices {
		total += PendingDirtyChunks(ds, ms.Geometry, limit) * chunkBytes
		if total >= max {
			return max
		}
	}
	return total
}

// SaveComplete performs the stop-the-world final drain (spec.md §4.6,
// save_complete). Precondition: the caller has already stopped the guest.
func (ms *MigrationState) SaveComplete(s Stream) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.flushDoneQueue(s); err != nil {
		return err
	}
	if ms.submitted != 0 {
		return fmt.Errorf("migration: save_complete invariant violated: %d AIO still submitted", ms.submitted)
	}

	for {
		anyDirty := false
		for _, ds := range ms.Devices {
			sector, nr, found, _ := DirtyStep(ds, ms.Geometry, ms.drainAllLocked)
			if !found {
				continue
			}
			anyDirty = true

			buf := make([]byte, ms.Geometry.ChunkBytes())
			if err := ds.Device.ReadAt(context.Background(), sector, nr, buf[:nr*ms.Geometry.SectorSize]); err != nil {
				return fmt.Errorf("migration: sync read %s@%d: %w", ds.Name, sector, err)
			}
			ds.Device.ResetDirty(sector, nr)
			if err := wire.WriteDeviceBlock(s, ds.Name, sector, buf); err != nil {
				return err
			}
			ms.transferred++
		}
		if !anyDirty {
			break
		}
	}

	ms.cleanupLocked()

	if err := wire.WriteProgress(s, 100); err != nil {
		return err
	}
	return wire.WriteEOS(s)
}

// cleanupLocked drains outstanding AIO, disables dirty tracking, and
// releases every device (spec.md §4.6, cleanup). Caller holds mu.
func (ms *MigrationState) cleanupLocked() {
	ms.drainAllLocked()
	ms.doneQueue = nil
	ms.readDone = 0
	for _, ds := range ms.Devices {
		_ = ds.Device.DisableDirtyTracking()
		ds.Device.Release()
	}
}

// Cancel discards pending AIO (letting it complete and freeing its
// buffers) and runs cleanup (spec.md §4.6, cancel).
func (ms *MigrationState) Cancel() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.cleanupLocked()
}

// Transferred returns the number of Blocks fully sent so far.
func (ms *MigrationState) Transferred() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.transferred
}

// Submitted returns the number of AIO reads currently outstanding — an
// observation point for property P1.
func (ms *MigrationState) Submitted() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.submitted
}

// ReadDone returns the number of completed Blocks currently queued for
// flush — an observation point for property P1.
func (ms *MigrationState) ReadDone() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.readDone
}
