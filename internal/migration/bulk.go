// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

// BulkStep advances ds's bulk-phase cursor by exactly one chunk and reports
// what (if anything) the caller should submit for it (spec.md §4.4).
//
// It never blocks and never touches the inflight bitmap or dirty bits
// itself — the driver does that once it has decided how to submit the
// read, keeping this function a pure cursor-advance.
func BulkStep(ds *DeviceState, g Geometry) (sector, nrSectors int64, submit bool, deviceDone bool) {
	if ds.SharedBase {
		for ds.CurSector < ds.TotalSectors {
			allocated, run := ds.Device.IsAllocated(ds.CurSector)
			if allocated {
				break
			}
			hop := run
			if hop > MaxIsAllocatedSearch {
				hop = MaxIsAllocatedSearch
			}
			if hop <= 0 {
				hop = g.SectorsPerChunk
			}
			ds.CurSector += hop
		}
	}

	if ds.CurSector >= ds.TotalSectors {
		ds.CompletedSectors = ds.TotalSectors
		ds.BulkCompleted = true
		return 0, 0, false, true
	}

	// Pre-increment for progress smoothness (spec.md §4.4 step 3): the
	// sectors about to be (re-)read from the chunk boundary down to here
	// count as already completed for progress-reporting purposes.
	ds.CompletedSectors = ds.CurSector

	ds.CurSector = g.AlignDown(ds.CurSector)
	nrSectors = g.SectorsPerChunk
	if ds.CurSector+nrSectors > ds.TotalSectors {
		nrSectors = ds.TotalSectors - ds.CurSector
	}
	sector = ds.CurSector

	ds.CurSector += nrSectors
	deviceDone = ds.CurSector >= ds.TotalSectors
	if deviceDone {
		ds.BulkCompleted = true
		ds.CompletedSectors = ds.TotalSectors
	}
	return sector, nrSectors, true, deviceDone
}
