// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iov

import (
	"fmt"
	"io"
	"strings"
)

// Hexdump writes a classic 16-bytes-per-line hex+ASCII dump of the vector's
// first n bytes (or its full size if n < 0) to w, prefixing each line with
// prefix. Used for debugging wire traffic, never on a hot path.
func Hexdump(w io.Writer, v Vector, n int, prefix string) error {
	total := Size(v)
	if n < 0 || n > total {
		n = total
	}
	buf := make([]byte, n)
	ToBuf(v, 0, buf, n)

	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		line := buf[off:end]

		var hex strings.Builder
		var ascii strings.Builder
		for i, b := range line {
			fmt.Fprintf(&hex, "%02x ", b)
			if i == 7 {
				hex.WriteByte(' ')
			}
			if b >= 0x20 && b < 0x7f {
				ascii.WriteByte(b)
			} else {
				ascii.WriteByte('.')
			}
		}
		if _, err := fmt.Fprintf(w, "%s%08x  %-50s|%s|\n", prefix, off, hex.String(), ascii.String()); err != nil {
			return err
		}
	}
	return nil
}
