// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import "fmt"

// WritableDevice is the minimal receiving-side device surface Load needs.
// Defined locally so this package never imports migration (migration
// imports wire, not the reverse).
type WritableDevice interface {
	LengthSectors() int64
	WriteAt(sector, nrSectors int64, buf []byte) error
}

// DeviceLookup resolves a device by the name carried on the wire.
type DeviceLookup func(name string) (WritableDevice, bool)

// ErrUnknownDevice is returned when a DEVICE_BLOCK frame names a device the
// lookup cannot resolve (spec.md §7, "Unknown device on receive").
var ErrUnknownDevice = fmt.Errorf("wire: unknown device")

// ErrZeroLengthDevice is returned on the first DEVICE_BLOCK reference to a
// device whose LengthSectors is zero (spec.md §7, "Zero-length device on
// receive").
var ErrZeroLengthDevice = fmt.Errorf("wire: zero-length device")

// ErrUnknownFlag is returned for a header whose flags match none of
// DEVICE_BLOCK, PROGRESS, or EOS (spec.md §7, "Unknown flag on receive").
var ErrUnknownFlag = fmt.Errorf("wire: unknown flag")

// Load reads framed records from s until EOS, reconstructing device
// contents by calling WriteAt on the looked-up device for each
// DEVICE_BLOCK. onProgress, if non-nil, is invoked with the raw value
// packed into a PROGRESS header's sector slot, unvalidated.
//
// Load takes no version argument; this core speaks exactly one wire version
// (spec.md §6, "Registration identifier is block, version 1").
func Load(s ByteStream, chunkBytes int, sectorsPerChunk int64, lookup DeviceLookup, onProgress func(value int64)) error {
	// cache avoids a LengthSectors() call on every DEVICE_BLOCK for the
	// same device in a row, mirroring the source's length-query cache.
	var cachedName string
	var cachedDev WritableDevice
	var cachedLen int64

	for {
		h, err := ReadHeader(s)
		if err != nil {
			return err
		}

		switch {
		case h.Flags()&FlagEOS != 0:
			return nil

		case h.Flags()&FlagDeviceBlock != 0:
			name, payload, err := ReadDeviceBlock(s, chunkBytes)
			if err != nil {
				return err
			}
			if name != cachedName {
				dev, ok := lookup(name)
				if !ok {
					return ErrUnknownDevice
				}
				length := dev.LengthSectors()
				if length <= 0 {
					return ErrZeroLengthDevice
				}
				cachedName = name
				cachedDev = dev
				cachedLen = length
			}
			sector := h.Sector()
			nr := sectorsPerChunk
			if sector+nr > cachedLen {
				nr = cachedLen - sector
			}
			if nr <= 0 {
				continue
			}
			if err := cachedDev.WriteAt(sector, nr, payload); err != nil {
				return err
			}

		case h.Flags()&FlagProgress != 0:
			if onProgress != nil {
				onProgress(h.Sector())
			}

		default:
			return ErrUnknownFlag
		}
	}
}
