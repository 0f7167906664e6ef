// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package iov

import (
	"golang.org/x/sys/unix"
)

// sendRecvVectored issues a single writev(2)/readv(2) over the windowed
// entries when the connection exposes a raw fd, matching the source's
// preference for one scatter/gather syscall over a per-entry loop.
func sendRecvVectored(sc syscallConner, win Vector, doSend bool) (int, error, bool) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, nil, false
	}

	iovecs := make([]unix.Iovec, 0, len(win))
	for _, seg := range win {
		if len(seg) == 0 {
			continue
		}
		var vec unix.Iovec
		vec.Base = &seg[0]
		vec.SetLen(len(seg))
		iovecs = append(iovecs, vec)
	}
	if len(iovecs) == 0 {
		return 0, nil, true
	}

	var n int
	var opErr error
	ctrl := func(fd uintptr) bool {
		var rv int
		var e error
		if doSend {
			rv, e = unix.Writev(int(fd), iovecs)
		} else {
			rv, e = unix.Readv(int(fd), iovecs)
		}
		if e == unix.EAGAIN || e == unix.EWOULDBLOCK || e == unix.EINTR {
			return false // ask the runtime to wait for readiness and retry
		}
		n, opErr = rv, e
		return true
	}

	var ctrlErr error
	if doSend {
		ctrlErr = rc.Write(ctrl)
	} else {
		ctrlErr = rc.Read(ctrl)
	}
	if ctrlErr != nil {
		if n == 0 {
			return -1, ctrlErr, true
		}
		return n, nil, true
	}
	if opErr != nil {
		if n <= 0 {
			return -1, opErr, true
		}
		return n, nil, true
	}
	return n, nil, true
}
