// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package blockdev

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// fileAsyncWorkers is the size of the worker pool backing File's
// ReadAtAsync — the demo CLI's stand-in for the kernel AIO ring the source
// submits reads into.
const fileAsyncWorkers = 8

type fileReadJob struct {
	sector, nrSectors int64
	buf               []byte
	done              func(error)
}

// File is a migration.Device backed by a regular file on disk, used by the
// demo CLI (cmd/blkmigrate) in place of an actual virtual-machine block
// device. Async reads are dispatched onto a small worker pool rather than
// one goroutine per read, bounding concurrent file-descriptor use the way
// a real AIO ring bounds concurrent in-flight operations.
type File struct {
	name         string
	sectorSize   int64
	chunkSectors int64
	f            *os.File
	totalSect    int64

	jobs    chan fileReadJob
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once

	dirtyMu  sync.Mutex
	dirty    []bool
	tracking bool

	refMu sync.Mutex
	refs  int
}

// OpenFile opens (creating if needed) path for read/write and sets the file's
// length to exactly totalSectors*sectorSize, growing a shorter file (e.g. a
// freshly created destination image) and cutting a longer one; the device's
// length is totalSectors, not the file's previous length. chunkSectors is the
// migration chunk size this device's dirty tracking is rounded out to
// (spec.md §3, "dirty-tracking granularity ... chunk-aligned"); pass 1 for
// plain sector-granularity tracking.
func OpenFile(name, path string, sectorSize, totalSectors, chunkSectors int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	size := sectorSize * totalSectors
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s to %d bytes: %w", path, size, err)
	}
	if chunkSectors <= 0 {
		chunkSectors = 1
	}

	fd := &File{
		name:         name,
		sectorSize:   sectorSize,
		chunkSectors: chunkSectors,
		f:            f,
		totalSect:    totalSectors,
		jobs:         make(chan fileReadJob, fileAsyncWorkers),
		closing:      make(chan struct{}),
		dirty:        make([]bool, totalSectors),
	}
	for i := 0; i < fileAsyncWorkers; i++ {
		fd.wg.Add(1)
		go fd.worker()
	}
	return fd, nil
}

// alignDirtyRange rounds [sector, sector+nrSectors) out to the chunk
// boundaries it overlaps, capped at the device length — see
// Memory.alignDirtyRange for why this matters.
func (f *File) alignDirtyRange(sector, nrSectors int64) (start, end int64) {
	start = (sector / f.chunkSectors) * f.chunkSectors
	end = ((sector + nrSectors + f.chunkSectors - 1) / f.chunkSectors) * f.chunkSectors
	if total := int64(len(f.dirty)); end > total {
		end = total
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

func (f *File) worker() {
	defer f.wg.Done()
	for {
		select {
		case job, ok := <-f.jobs:
			if !ok {
				return
			}
			err := f.ReadAt(context.Background(), job.sector, job.nrSectors, job.buf)
			job.done(err)
		case <-f.closing:
			return
		}
	}
}

// Close stops the worker pool and closes the underlying file. Safe to call
// once; subsequent calls are no-ops.
func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closing)
		f.wg.Wait()
		err = f.f.Close()
	})
	return err
}

func (f *File) Name() string         { return f.name }
func (f *File) LengthSectors() int64 { return f.totalSect }

func (f *File) ReadAt(ctx context.Context, sector, nrSectors int64, buf []byte) error {
	off := sector * f.sectorSize
	n := nrSectors * f.sectorSize
	_, err := f.f.ReadAt(buf[:n], off)
	return err
}

func (f *File) ReadAtAsync(sector, nrSectors int64, buf []byte, done func(error)) {
	select {
	case f.jobs <- fileReadJob{sector: sector, nrSectors: nrSectors, buf: buf, done: done}:
	case <-f.closing:
		done(fmt.Errorf("blockdev: device %s closed", f.name))
	}
}

func (f *File) WriteAt(sector, nrSectors int64, buf []byte) error {
	off := sector * f.sectorSize
	n := nrSectors * f.sectorSize
	if _, err := f.f.WriteAt(buf[:n], off); err != nil {
		return err
	}

	f.dirtyMu.Lock()
	if f.tracking {
		start, end := f.alignDirtyRange(sector, nrSectors)
		for s := start; s < end; s++ {
			f.dirty[s] = true
		}
	}
	f.dirtyMu.Unlock()
	return nil
}

func (f *File) EnableDirtyTracking() error {
	f.dirtyMu.Lock()
	defer f.dirtyMu.Unlock()
	f.tracking = true
	for i := range f.dirty {
		f.dirty[i] = false
	}
	return nil
}

func (f *File) DisableDirtyTracking() error {
	f.dirtyMu.Lock()
	defer f.dirtyMu.Unlock()
	f.tracking = false
	return nil
}

func (f *File) IsDirty(sector int64) bool {
	f.dirtyMu.Lock()
	defer f.dirtyMu.Unlock()
	if sector < 0 || int(sector) >= len(f.dirty) {
		return false
	}
	return f.dirty[sector]
}

func (f *File) ResetDirty(sector, nrSectors int64) {
	f.dirtyMu.Lock()
	defer f.dirtyMu.Unlock()
	for s := sector; s < sector+nrSectors && int(s) < len(f.dirty); s++ {
		f.dirty[s] = false
	}
}

// IsAllocated always reports the whole device allocated — sparse-file hole
// detection (SEEK_HOLE/SEEK_DATA) is out of scope for the demo CLI; shared
// base mode against a File device degenerates to a full bulk copy.
func (f *File) IsAllocated(sector int64) (bool, int64) {
	return true, f.totalSect - sector
}

func (f *File) Acquire() {
	f.refMu.Lock()
	defer f.refMu.Unlock()
	f.refs++
}

func (f *File) Release() {
	f.refMu.Lock()
	defer f.refMu.Unlock()
	f.refs--
}
