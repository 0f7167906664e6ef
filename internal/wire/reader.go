// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"io"

	"github.com/nishisan-dev/blkmigrate/internal/coroio"
	"github.com/nishisan-dev/blkmigrate/internal/iov"
)

// ReadHeader reads and unpacks the next 64-bit header word from s.
func ReadHeader(s ByteStream) (Header, error) {
	v, err := s.GetU64()
	if err != nil {
		return 0, err
	}
	return Header(v), nil
}

// ReadDeviceBlock reads the name-length byte, device name, and exactly
// chunkBytes of payload that follow a DEVICE_BLOCK header. It returns the
// device name and the payload buffer. The name and payload buffers are read
// together through one coroio.RecvAll scatter/gather call, mirroring how
// WriteDeviceBlock assembles the matching write-side vector.
func ReadDeviceBlock(s ByteStream, chunkBytes int) (name string, payload []byte, err error) {
	var lenBuf [1]byte
	if _, err = io.ReadFull(s, lenBuf[:]); err != nil {
		return "", nil, err
	}

	nameBuf := make([]byte, lenBuf[0])
	payload = make([]byte, chunkBytes)
	vec := iov.Vector{nameBuf, payload}
	total := iov.Size(vec)
	n, err := coroio.RecvAll(s, vec, 0, total)
	if err != nil {
		return "", nil, err
	}
	if n != total {
		return "", nil, io.ErrUnexpectedEOF
	}
	return string(nameBuf), payload, nil
}
