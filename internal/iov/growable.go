// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iov

// poisonNalloc marks a GrowableVector as wrapping caller-owned storage: Add
// and Reset must not be called on it, mirroring the source's nalloc = -1
// sentinel for iov_init_external.
const poisonNalloc = -1

// GrowableVector is an owning, geometrically-growing scatter/gather list.
// It tracks size (the running total across all entries) alongside the
// entries themselves so callers don't need to recompute Size(v) on a hot
// path.
type GrowableVector struct {
	entries Vector
	nalloc  int
	size    int
}

// NewGrowableVector returns an empty, owning vector.
func NewGrowableVector() *GrowableVector {
	return &GrowableVector{}
}

// InitExternal wraps a caller-owned slice of entries without copying. The
// resulting vector's capacity is frozen: Add and Reset panic on it, matching
// the source's nalloc=-1 poison for externally-owned iovecs.
func InitExternal(entries Vector) *GrowableVector {
	size := 0
	for _, e := range entries {
		size += len(e)
	}
	return &GrowableVector{entries: entries, nalloc: poisonNalloc, size: size}
}

// Vector exposes the current entries as a plain Vector for use with the
// package-level Size/FromBuf/ToBuf/Memset/Copy/SendRecv functions.
func (g *GrowableVector) Vector() Vector { return g.entries }

// Size returns the running total size, O(1).
func (g *GrowableVector) Size() int { return g.size }

// Len returns the number of entries.
func (g *GrowableVector) Len() int { return len(g.entries) }

// Add appends one entry, growing capacity geometrically (2n+1) as the
// source does, so repeated single-entry appends stay amortized O(1).
func (g *GrowableVector) Add(buf []byte) {
	if g.nalloc == poisonNalloc {
		panic("iov: Add on externally-owned vector")
	}
	if len(g.entries) == cap(g.entries) {
		newCap := 2*len(g.entries) + 1
		grown := make(Vector, len(g.entries), newCap)
		copy(grown, g.entries)
		g.entries = grown
		g.nalloc = newCap
	}
	g.entries = append(g.entries, buf)
	g.size += len(buf)
}

// Concat splices entries [start, start+count) of src onto the end of g, by
// reference — no bytes are copied, only slice headers.
func (g *GrowableVector) Concat(src *GrowableVector, start, count int) {
	for i := start; i < start+count; i++ {
		g.Add(src.entries[i])
	}
}

// Reset drops all entries but keeps the underlying capacity.
func (g *GrowableVector) Reset() {
	if g.nalloc == poisonNalloc {
		panic("iov: Reset on externally-owned vector")
	}
	g.entries = g.entries[:0]
	g.size = 0
}

// Destroy releases the vector's storage. After Destroy, g must not be reused.
func (g *GrowableVector) Destroy() {
	g.entries = nil
	g.nalloc = 0
	g.size = 0
}
