// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

import (
	"testing"
	"time"

	"github.com/nishisan-dev/blkmigrate/internal/wire"
	"github.com/stretchr/testify/require"
)

// waitUntilIdle polls Submitted() until every outstanding AIO read has
// completed, giving the fakeDevice's background goroutines time to land
// before a test asserts on post-drain state.
func waitUntilIdle(t *testing.T, ms *MigrationState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ms.Submitted() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for AIO to drain")
}

// scenario 1: single 2 MiB device, idle guest, unlimited bandwidth.
func TestScenarioSingleDeviceBulkOnly(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048} // 1 MiB chunk
	dev := newFakeDevice("vda", g.SectorSize, 4096)        // 2 MiB
	for i := range dev.data {
		dev.data[i] = byte(i)
	}

	ms := NewMigrationState(g, []Device{dev}, false)
	s := &memStream{}

	require.NoError(t, ms.SaveSetup(s))
	require.NoError(t, ms.SaveIterate(s))
	waitUntilIdle(t, ms)
	require.NoError(t, ms.SaveIterate(s))

	require.Equal(t, int64(2), ms.Transferred())
	require.True(t, ms.BulkCompleted)
}

// scenario 2: tail chunk is partial; receiver only applies the covered
// sectors, even though the wire payload is always a full chunk.
func TestScenarioPartialTailChunkRoundTrip(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048}
	totalSectors := int64(3072) // 1.5 MiB: one full chunk + a 1024-sector tail
	src := newFakeDevice("vda", g.SectorSize, totalSectors)
	for i := range src.data {
		src.data[i] = byte(i % 251)
	}

	ms := NewMigrationState(g, []Device{src}, false)
	s := &memStream{}
	require.NoError(t, ms.SaveSetup(s))
	require.NoError(t, ms.SaveIterate(s))
	waitUntilIdle(t, ms)
	require.NoError(t, ms.SaveIterate(s))
	require.Equal(t, int64(2), ms.Transferred())

	dst := newFakeDevice("vda", g.SectorSize, totalSectors)
	lookup := func(name string) (wire.WritableDevice, bool) {
		if name == "vda" {
			return dst, true
		}
		return nil, false
	}
	// each save call ends its section with EOS; load every section.
	for s.buf.Len() > 0 {
		require.NoError(t, wire.Load(s, int(g.ChunkBytes()), g.SectorsPerChunk, lookup, nil))
	}
	require.Equal(t, src.data, dst.data)
}

// scenario 3: guest dirties a sector that was already bulk-copied; the
// dirty-phase resend must win on the receiver (last-write-wins by stream
// order).
func TestScenarioDirtySectorResendWinsOnReceiver(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048}
	totalSectors := int64(2048) // exactly one chunk
	src := newFakeDevice("vda", g.SectorSize, totalSectors)
	for i := range src.data {
		src.data[i] = 0xAA
	}

	ms := NewMigrationState(g, []Device{src}, false)
	s := &memStream{}
	require.NoError(t, ms.SaveSetup(s))
	require.NoError(t, ms.SaveIterate(s))
	waitUntilIdle(t, ms)
	require.NoError(t, ms.SaveIterate(s))
	require.True(t, ms.BulkCompleted)

	for i := range src.data {
		src.data[i] = 0xBB
	}
	src.MarkDirty(0, 1)

	require.NoError(t, ms.SaveIterate(s))
	waitUntilIdle(t, ms)
	require.NoError(t, ms.SaveIterate(s))
	require.Equal(t, int64(2), ms.Transferred())

	dst := newFakeDevice("vda", g.SectorSize, totalSectors)
	lookup := func(string) (wire.WritableDevice, bool) { return dst, true }
	// each save call ends its section with EOS; load every section.
	for s.buf.Len() > 0 {
		require.NoError(t, wire.Load(s, int(g.ChunkBytes()), g.SectorsPerChunk, lookup, nil))
	}
	require.Equal(t, src.data, dst.data)
}

// scenario 5: shared-base device with a hole; bulk emits exactly one frame
// for the allocated tail.
func TestScenarioSharedBaseSkipsHole(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048}
	total := int64(6144) // 3 MiB: 2 MiB hole + 1 MiB allocated
	dev := newFakeDevice("vda", g.SectorSize, total)
	dev.allocated = make([]bool, total)
	for s := int64(4096); s < total; s++ {
		dev.allocated[s] = true
	}

	ms := NewMigrationState(g, []Device{dev}, true)
	s := &memStream{}
	require.NoError(t, ms.SaveSetup(s))
	require.NoError(t, ms.SaveIterate(s))
	waitUntilIdle(t, ms)
	require.NoError(t, ms.SaveIterate(s))

	require.True(t, ms.BulkCompleted)
	require.Equal(t, int64(1), ms.Transferred())
}

// scenario 6: cancel during iterate leaves no AIO outstanding and releases
// every device's refcount.
func TestScenarioCancelDuringIterateCleansUp(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048}
	dev := newFakeDevice("vda", g.SectorSize, 4096)
	ms := NewMigrationState(g, []Device{dev}, false)
	s := &memStream{}

	require.NoError(t, ms.SaveSetup(s))
	require.Equal(t, 1, dev.acquired)
	require.NoError(t, ms.SaveIterate(s))

	ms.Cancel()
	require.Equal(t, int64(0), ms.Submitted())
	require.Equal(t, 0, dev.acquired)
}

// property P4: after SaveComplete, no outstanding AIO, empty done queue, no
// dirty chunks remain on any device.
func TestSaveCompleteInvariants(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048}
	dev := newFakeDevice("vda", g.SectorSize, 4096)
	ms := NewMigrationState(g, []Device{dev}, false)
	s := &memStream{}

	require.NoError(t, ms.SaveSetup(s))
	require.NoError(t, ms.SaveIterate(s))
	waitUntilIdle(t, ms)
	require.NoError(t, ms.SaveIterate(s))
	require.True(t, ms.BulkCompleted)

	dev.MarkDirty(0, 1)
	require.NoError(t, ms.SaveComplete(s))

	require.Equal(t, int64(0), ms.Submitted())
	require.Equal(t, int64(0), ms.ReadDone())
	for sector := int64(0); sector < dev.LengthSectors(); sector += g.SectorsPerChunk {
		require.False(t, dev.IsDirty(sector))
	}
}

func TestSavePendingReportsMaxDuringBulk(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048}
	dev := newFakeDevice("vda", g.SectorSize, 4096)
	ms := NewMigrationState(g, []Device{dev}, false)
	require.Equal(t, int64(1<<20), ms.SavePending(1<<20))
}

func TestSavePendingCountsDirtyChunksAfterBulk(t *testing.T) {
	g := Geometry{SectorSize: 512, SectorsPerChunk: 2048}
	dev := newFakeDevice("vda", g.SectorSize, 4096)
	ms := NewMigrationState(g, []Device{dev}, false)
	s := &memStream{}
	require.NoError(t, ms.SaveSetup(s))
	require.NoError(t, ms.SaveIterate(s))
	waitUntilIdle(t, ms)
	require.NoError(t, ms.SaveIterate(s))
	require.True(t, ms.BulkCompleted)

	dev.MarkDirty(0, 1)
	dev.MarkDirty(2048, 1)
	pending := ms.SavePending(1 << 30)
	require.Equal(t, g.ChunkBytes()*2, pending)
}
