// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geomForTest() Geometry { return Geometry{SectorSize: 512, SectorsPerChunk: 4} }

func newDeviceState(name string, dev *fakeDevice, g Geometry, sharedBase bool) *DeviceState {
	total := dev.LengthSectors()
	return &DeviceState{
		Name:         name,
		Device:       dev,
		SharedBase:   sharedBase,
		TotalSectors: total,
		inflight:     newInflightBitmap(g.ChunkCount(total)),
	}
}

func TestBulkStepWalksFullDeviceInChunks(t *testing.T) {
	g := geomForTest()
	dev := newFakeDevice("vda", g.SectorSize, 10) // 2 full chunks + a 2-sector tail
	ds := newDeviceState("vda", dev, g, false)

	sector, nr, submit, done := BulkStep(ds, g)
	require.True(t, submit)
	assert.Equal(t, int64(0), sector)
	assert.Equal(t, int64(4), nr)
	assert.False(t, done)

	sector, nr, submit, done = BulkStep(ds, g)
	require.True(t, submit)
	assert.Equal(t, int64(4), sector)
	assert.Equal(t, int64(4), nr)
	assert.False(t, done)

	sector, nr, submit, done = BulkStep(ds, g)
	require.True(t, submit)
	assert.Equal(t, int64(8), sector)
	assert.Equal(t, int64(2), nr) // tail chunk, partial
	assert.True(t, done)
	assert.True(t, ds.BulkCompleted)

	_, _, submit, done = BulkStep(ds, g)
	assert.False(t, submit)
	assert.True(t, done)
}

func TestBulkStepSkipsUnallocatedRunsWhenSharedBase(t *testing.T) {
	g := geomForTest()
	dev := newFakeDevice("vda", g.SectorSize, 16)
	dev.allocated = make([]bool, 16)
	for s := int64(8); s < 16; s++ {
		dev.allocated[s] = true
	}
	ds := newDeviceState("vda", dev, g, true)

	sector, nr, submit, done := BulkStep(ds, g)
	require.True(t, submit)
	assert.Equal(t, int64(8), sector)
	assert.Equal(t, int64(4), nr)
	assert.False(t, done)

	sector, nr, submit, done = BulkStep(ds, g)
	require.True(t, submit)
	assert.Equal(t, int64(12), sector)
	assert.Equal(t, int64(4), nr)
	assert.True(t, done)
}

func TestBulkStepEntirelyUnallocatedEmitsNothing(t *testing.T) {
	g := geomForTest()
	dev := newFakeDevice("vda", g.SectorSize, 16)
	dev.allocated = make([]bool, 16) // all false

	ds := newDeviceState("vda", dev, g, true)
	_, _, submit, done := BulkStep(ds, g)
	assert.False(t, submit)
	assert.True(t, done)
	assert.True(t, ds.BulkCompleted)
}
