// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nishisan-dev/blkmigrate/internal/coroio"
	"github.com/nishisan-dev/blkmigrate/internal/iov"
)

// MaxDeviceNameLen is the largest device name encodable in the one-byte
// length prefix of a DEVICE_BLOCK frame.
const MaxDeviceNameLen = 255

// ByteStream is the subset of the migration Stream abstraction this package
// needs: a byte sink/source plus big-endian 64-bit primitives. Defined
// locally (rather than imported) so wire has no dependency on the
// migration package — migration.Stream satisfies this structurally.
type ByteStream interface {
	io.Writer
	io.Reader
	PutU64(v uint64) error
	GetU64() (uint64, error)
}

// WriteDeviceBlock writes a DEVICE_BLOCK frame: header, one-byte name
// length, name bytes, then exactly len(payload) bytes (the caller is
// responsible for padding payload to a full chunk — see spec.md §9, "fixed
// chunk size vs partial tail"). The four pieces are assembled into a single
// iov.Vector and handed to coroio.SendAll as one scatter/gather write,
// rather than four separate stream writes (spec.md §2/§4.1/§4.2: the IOV
// utility is the framing layer's substrate).
func WriteDeviceBlock(s ByteStream, name string, sector int64, payload []byte) error {
	if len(name) > MaxDeviceNameLen {
		return fmt.Errorf("wire: device name %q exceeds %d bytes", name, MaxDeviceNameLen)
	}

	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(DeviceBlockHeader(sector)))
	nameLen := [1]byte{byte(len(name))}

	vec := iov.Vector{hdr[:], nameLen[:], []byte(name), payload}
	total := iov.Size(vec)
	n, err := coroio.SendAll(s, vec, 0, total)
	if err != nil {
		return err
	}
	if n != total {
		return coroio.ErrShortTransfer
	}
	return nil
}

// WriteEOS writes the end-of-stream marker frame.
func WriteEOS(s ByteStream) error {
	return s.PutU64(uint64(EOSHeader()))
}

// WriteProgress writes a PROGRESS frame carrying value in the header's
// sector slot.
func WriteProgress(s ByteStream, value int64) error {
	return s.PutU64(uint64(ProgressHeader(value)))
}
