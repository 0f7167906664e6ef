// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire implements the big-endian framing the sender and receiver of
// a block migration exchange over a Stream: a 64-bit header packing a
// sector number and a 9-bit flags field, followed by a flag-dependent payload.
package wire

// SectorBits is the width of the flags field at the low end of the 64-bit
// header word; the sector number occupies the remaining high bits.
const SectorBits = 9

// FlagsMask isolates the low SectorBits bits of a header word.
const FlagsMask = (1 << SectorBits) - 1

// Header flags (spec.md §6).
const (
	FlagDeviceBlock = 0x01
	FlagEOS         = 0x02
	FlagProgress    = 0x04
)

// Header is the 64-bit framing word: sector<<SectorBits | flags.
type Header uint64

// PackHeader builds a Header from a sector number and flags. Callers
// packing a PROGRESS header pass the progress value as sector (see
// ProgressHeader).
func PackHeader(sector int64, flags uint64) Header {
	return Header(uint64(sector)<<SectorBits | (flags & FlagsMask))
}

// Sector extracts the high bits of h as a sector number (or, for a
// PROGRESS header, whatever value was packed into that slot).
func (h Header) Sector() int64 { return int64(uint64(h) >> SectorBits) }

// Flags extracts the low bits of h.
func (h Header) Flags() uint64 { return uint64(h) & FlagsMask }

// DeviceBlockHeader packs a DEVICE_BLOCK header for the given sector.
func DeviceBlockHeader(sector int64) Header { return PackHeader(sector, FlagDeviceBlock) }

// EOSHeader packs the EOS marker header.
func EOSHeader() Header { return PackHeader(0, FlagEOS) }

// ProgressHeader packs a PROGRESS header. value is placed directly into the
// sector slot with no range check; this module's sender only ever passes a
// 0..100 percentage.
func ProgressHeader(value int64) Header { return PackHeader(value, FlagProgress) }
