// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

// DirtyStep scans ds from its current dirty cursor for the next chunk that
// needs resending, one chunk per call (spec.md §4.5). If the scan walks
// onto a chunk that still has a read in flight, it calls drain (expected to
// block until every outstanding AIO across the whole migration completes)
// before re-examining that same chunk — draining clears every inflight bit,
// so the recheck always proceeds.
//
// It never submits a read itself: it only decides sector/nrSectors and
// advances the cursor past them, leaving submission (sync or async) to the
// driver, which also owns the inflight bitmap and dirty-bit reset once it
// has committed to a submission.
func DirtyStep(ds *DeviceState, g Geometry, drain func()) (sector, nrSectors int64, found bool, scanDone bool) {
	if ds.TotalSectors == 0 {
		return 0, 0, false, true
	}

	for ds.CurDirty < ds.TotalSectors {
		chunk := g.ChunkOf(ds.CurDirty)
		if ds.inflight.IsInflight(chunk) {
			drain()
			continue
		}

		if ds.Device.IsDirty(ds.CurDirty) {
			sector = g.AlignDown(ds.CurDirty)
			nrSectors = g.SectorsPerChunk
			if sector+nrSectors > ds.TotalSectors {
				nrSectors = ds.TotalSectors - sector
			}
			ds.CurDirty = sector + nrSectors
			return sector, nrSectors, true, false
		}

		ds.CurDirty += g.SectorsPerChunk
	}
	return 0, 0, false, true
}

// PendingDirtyChunks returns an upper bound on the number of dirty chunks
// ds currently needs to resend, capped by limit so the estimator used for
// the PROGRESS wire field (spec.md §6) never does unbounded work on a huge
// device. It does not consume or mutate ds.CurDirty.
func PendingDirtyChunks(ds *DeviceState, g Geometry, limit int64) int64 {
	if ds.TotalSectors == 0 {
		return 0
	}
	var n int64
	for sector := int64(0); sector < ds.TotalSectors && n < limit; sector += g.SectorsPerChunk {
		if ds.Device.IsDirty(sector) {
			n++
		}
	}
	return n
}
