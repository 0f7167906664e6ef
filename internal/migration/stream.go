// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// netStreamBurst caps the limiter's burst at 4 MiB (four chunks at the
// default 1 MiB chunk size), so a bandwidth_limit configured in
// bytes/second doesn't size the bucket to a whole second of traffic.
const netStreamBurst = 4 << 20

// NetStream adapts an io.ReadWriter (a TCP or Unix socket, typically) into
// the migration Stream abstraction: big-endian put/get of the 64-bit
// framing word, a token-bucket rate limiter, running byte offset, and
// latched first error.
type NetStream struct {
	conn io.ReadWriter

	limiter *rate.Limiter

	mu      sync.Mutex
	offset  int64
	errOnce sync.Once
	err     error

	readBuf [8]byte
}

// NewNetStream wraps conn with no rate limit.
func NewNetStream(conn io.ReadWriter) *NetStream {
	return NewThrottledNetStream(conn, 0)
}

// NewThrottledNetStream wraps conn with a rate limiter capping writes to
// bytesPerSec bytes/second. bytesPerSec <= 0 disables the limiter.
func NewThrottledNetStream(conn io.ReadWriter, bytesPerSec int64) *NetStream {
	ns := &NetStream{conn: conn}
	if bytesPerSec > 0 {
		burst := int(bytesPerSec)
		if burst > netStreamBurst {
			burst = netStreamBurst
		}
		ns.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return ns
}

// Write always performs the underlying write — rate limiting here is
// advisory bookkeeping, not enforcement. Enforcement happens one level up:
// the driver's flushDoneQueue checks RateLimited() before each Block write
// and simply stops flushing for this tick rather than blocking the
// iothread inside a write (spec.md §5, "flush_blks... stops flushing, not
// blocking"). Reserving tokens here lets that check reflect bytes already
// written even though Write itself never refuses to write them.
func (ns *NetStream) Write(p []byte) (int, error) {
	n, err := ns.conn.Write(p)
	ns.recordOffset(int64(n))
	ns.latchErr(err)
	if ns.limiter != nil && n > 0 {
		ns.limiter.ReserveN(time.Now(), n)
	}
	return n, err
}

func (ns *NetStream) Read(p []byte) (int, error) {
	n, err := ns.conn.Read(p)
	ns.latchErr(err)
	return n, err
}

func (ns *NetStream) PutU64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := ns.Write(b[:])
	return err
}

func (ns *NetStream) GetU64() (uint64, error) {
	if _, err := io.ReadFull(ns, ns.readBuf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(ns.readBuf[:]), nil
}

// RateLimited reports whether the limiter currently has no budget for even
// one more byte.
func (ns *NetStream) RateLimited() bool {
	if ns.limiter == nil {
		return false
	}
	return ns.limiter.TokensAt(time.Now()) < 1
}

func (ns *NetStream) Offset() int64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.offset
}

func (ns *NetStream) Err() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.err
}

func (ns *NetStream) recordOffset(n int64) {
	ns.mu.Lock()
	ns.offset += n
	ns.mu.Unlock()
}

func (ns *NetStream) latchErr(err error) {
	if err == nil {
		return
	}
	ns.errOnce.Do(func() {
		ns.mu.Lock()
		ns.err = err
		ns.mu.Unlock()
	})
}
