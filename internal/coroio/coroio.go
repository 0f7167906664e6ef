// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package coroio implements the cooperative send/recv wrapper the wire
// layer uses to move a full scatter/gather vector over a connection.
//
// The source suspends a coroutine on EAGAIN and resumes it when the fd
// becomes ready. Go's runtime gives the same observable contract for free:
// a blocking net.Conn.Read/Write call parks only the calling goroutine on
// the netpoller and resumes it when the fd is ready, without busy-spinning
// — so SendAll/RecvAll simply loop iov.SendRecv to completion and let the
// runtime do the suspending.
package coroio

import (
	"context"
	"fmt"
	"io"

	"github.com/nishisan-dev/blkmigrate/internal/iov"
)

// SendAll writes all `bytes` bytes of the window [offset, offset+bytes) of
// v to conn. It returns -1 only when nothing was transferred before a hard
// error; otherwise it returns however many bytes made it out, which is
// `bytes` on success.
func SendAll(conn io.ReadWriter, v iov.Vector, offset, bytes int) (int, error) {
	return moveAll(conn, v, offset, bytes, true)
}

// RecvAll reads all `bytes` bytes into the window [offset, offset+bytes) of
// v from conn, stopping early (without error) on a clean EOF.
func RecvAll(conn io.ReadWriter, v iov.Vector, offset, bytes int) (int, error) {
	return moveAll(conn, v, offset, bytes, false)
}

func moveAll(conn io.ReadWriter, v iov.Vector, offset, bytes int, doSend bool) (int, error) {
	done := 0
	for done < bytes {
		n, err := iov.SendRecv(conn, v, offset+done, bytes-done, doSend)
		if n > 0 {
			done += n
		}
		if err != nil {
			if done == 0 {
				return -1, err
			}
			return done, nil
		}
		if n == 0 {
			// Clean EOF on recv, or (defensively) a send that moved zero
			// bytes without error: nothing more will arrive this call.
			break
		}
	}
	return done, nil
}

// SendAllContext is SendAll but abandons the transfer if ctx is cancelled
// between SendRecv calls — the translation of spec's "cancel" trigger into
// the coroutine I/O layer (spec.md §5, Cancellation).
func SendAllContext(ctx context.Context, conn io.ReadWriter, v iov.Vector, offset, bytes int) (int, error) {
	done := 0
	for done < bytes {
		select {
		case <-ctx.Done():
			if done == 0 {
				return -1, ctx.Err()
			}
			return done, nil
		default:
		}
		n, err := iov.SendRecv(conn, v, offset+done, bytes-done, true)
		if n > 0 {
			done += n
		}
		if err != nil {
			if done == 0 {
				return -1, err
			}
			return done, nil
		}
		if n == 0 {
			break
		}
	}
	return done, nil
}

// ErrShortTransfer is returned by callers that require an exact byte count
// (the wire layer's framed writes) when moveAll returns fewer bytes
// than requested without a hard error — e.g. a clean peer EOF mid-frame.
var ErrShortTransfer = fmt.Errorf("coroio: short transfer")
