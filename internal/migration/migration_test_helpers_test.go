// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// fakeDevice is an in-memory Device used across the migration package's
// tests: synchronous reads/writes against a byte slice, dirty tracking via
// a per-sector bool slice, and an optional allocation map for shared-base
// scenarios. Async reads run the read inline on a new goroutine to exercise
// the real completion-callback path.
type fakeDevice struct {
	mu         sync.Mutex
	name       string
	sectorSize int64
	data       []byte
	dirty      []bool
	allocated  []bool // nil means "everything allocated"
	acquired   int
	readErr    error
}

func newFakeDevice(name string, sectorSize, totalSectors int64) *fakeDevice {
	return &fakeDevice{
		name:       name,
		sectorSize: sectorSize,
		data:       make([]byte, sectorSize*totalSectors),
		dirty:      make([]bool, totalSectors),
	}
}

func (f *fakeDevice) Name() string { return f.name }

func (f *fakeDevice) LengthSectors() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)) / f.sectorSize
}

func (f *fakeDevice) ReadAt(ctx context.Context, sector, nrSectors int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	off := sector * f.sectorSize
	n := nrSectors * f.sectorSize
	copy(buf[:n], f.data[off:off+n])
	return nil
}

func (f *fakeDevice) ReadAtAsync(sector, nrSectors int64, buf []byte, done func(error)) {
	go func() {
		err := f.ReadAt(context.Background(), sector, nrSectors, buf)
		done(err)
	}()
}

func (f *fakeDevice) WriteAt(sector, nrSectors int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := sector * f.sectorSize
	n := nrSectors * f.sectorSize
	copy(f.data[off:off+n], buf[:n])
	return nil
}

func (f *fakeDevice) EnableDirtyTracking() error  { return nil }
func (f *fakeDevice) DisableDirtyTracking() error { return nil }

func (f *fakeDevice) IsDirty(sector int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sector < 0 || sector >= int64(len(f.dirty)) {
		return false
	}
	return f.dirty[sector]
}

func (f *fakeDevice) ResetDirty(sector, nrSectors int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := sector; s < sector+nrSectors && s < int64(len(f.dirty)); s++ {
		f.dirty[s] = false
	}
}

// MarkDirty is a test helper simulating a guest write.
func (f *fakeDevice) MarkDirty(sector, nrSectors int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := sector; s < sector+nrSectors && s < int64(len(f.dirty)); s++ {
		f.dirty[s] = true
	}
}

func (f *fakeDevice) IsAllocated(sector int64) (bool, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := int64(len(f.data)) / f.sectorSize
	if f.allocated == nil {
		return true, total - sector
	}
	if sector >= total {
		return false, 0
	}
	want := f.allocated[sector]
	run := int64(0)
	for s := sector; s < total && f.allocated[s] == want; s++ {
		run++
	}
	return want, run
}

func (f *fakeDevice) Acquire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
}

func (f *fakeDevice) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired--
}

// memStream is a Stream backed by an in-memory buffer, never rate-limited
// unless explicitly told to be, used by migration package tests that don't
// need a real network round trip.
type memStream struct {
	buf         bytes.Buffer
	offset      int64
	rateLimited bool
	err         error
}

func (s *memStream) Write(p []byte) (int, error) {
	n, err := s.buf.Write(p)
	s.offset += int64(n)
	if err != nil && s.err == nil {
		s.err = err
	}
	return n, err
}

func (s *memStream) Read(p []byte) (int, error) { return s.buf.Read(p) }

func (s *memStream) PutU64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := s.Write(b[:])
	return err
}

func (s *memStream) GetU64() (uint64, error) {
	var b [8]byte
	n, err := s.buf.Read(b[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("short header read: %d bytes", n)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (s *memStream) RateLimited() bool { return s.rateLimited }
func (s *memStream) Offset() int64     { return s.offset }
func (s *memStream) Err() error        { return s.err }
