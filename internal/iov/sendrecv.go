// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iov

import (
	"errors"
	"io"
	"syscall"
)

// syscallConner is implemented by net.Conn types that expose a raw file
// descriptor (*net.TCPConn, *net.UnixConn, ...).
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// SendRecv moves up to bytes bytes between conn and the window
// [offset, offset+bytes) of v. doSend selects write vs read.
//
// Contract (mirrors the source's iov_send_recv): if bytes is 0, returns 0
// immediately without touching conn (an empty scatter/gather call is not
// portable). Otherwise it prefers a single vectored syscall over the
// windowed entries when conn exposes a raw fd, falling back to a one-entry-
// at-a-time loop. EINTR is treated as "continue, no progress lost". The
// return is -1 only when zero bytes moved before a non-EINTR error;
// otherwise it is the number of bytes moved so far, even if short of bytes.
func SendRecv(conn io.ReadWriter, v Vector, offset, bytes int, doSend bool) (int, error) {
	if bytes == 0 {
		return 0, nil
	}
	win := Copy(v, offset, bytes) // windowed view; no data copied, no mutation of v

	if sc, ok := conn.(syscallConner); ok {
		if n, err, handled := sendRecvVectored(sc, win, doSend); handled {
			return n, err
		}
	}
	return sendRecvLoop(conn, win, doSend)
}

// sendRecvLoop is the portable one-entry-at-a-time fallback. It relies on
// conn.Read/Write blocking the calling goroutine (and only that goroutine)
// until progress is possible or a hard error occurs — the Go runtime's
// netpoller gives the same "suspend, resume when ready" behavior the source
// gets from an explicit EAGAIN + coroutine yield, so no manual yield point
// is needed here (see internal/coroio).
func sendRecvLoop(conn io.ReadWriter, win Vector, doSend bool) (int, error) {
	done := 0
	for _, seg := range win {
		for len(seg) > 0 {
			n, err := ioMove(conn, seg, doSend)
			if n > 0 {
				done += n
				seg = seg[n:]
			}
			if err != nil {
				if errors.Is(err, syscall.EINTR) {
					continue
				}
				if !doSend && errors.Is(err, io.EOF) {
					return done, nil
				}
				if done == 0 {
					return -1, err
				}
				return done, nil
			}
			if n == 0 {
				if doSend {
					// Defensive: send returning 0 is not supposed to happen.
					continue
				}
				return done, nil // recv EOF
			}
		}
	}
	return done, nil
}

func ioMove(conn io.ReadWriter, seg []byte, doSend bool) (int, error) {
	if doSend {
		return conn.Write(seg)
	}
	return conn.Read(seg)
}
