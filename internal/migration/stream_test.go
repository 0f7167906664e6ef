// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNetStreamPutGetU64RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ns := NewNetStream(&buf)
	require.NoError(t, ns.PutU64(0xDEADBEEF))
	require.Equal(t, int64(8), ns.Offset())

	got, err := ns.GetU64()
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEADBEEF), got)
}

func TestNetStreamUnlimitedNeverRateLimited(t *testing.T) {
	var buf bytes.Buffer
	ns := NewNetStream(&buf)
	require.False(t, ns.RateLimited())
	_, err := ns.Write(make([]byte, 1<<20))
	require.NoError(t, err)
	require.False(t, ns.RateLimited())
}

func TestNetStreamThrottledBecomesRateLimitedAfterBurst(t *testing.T) {
	var buf bytes.Buffer
	ns := NewThrottledNetStream(&buf, 1024) // 1 KiB/s
	require.False(t, ns.RateLimited())

	_, err := ns.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.True(t, ns.RateLimited())
}

func TestNetStreamLatchesFirstError(t *testing.T) {
	ns := NewNetStream(&failingReadWriter{})
	_, err := ns.Write([]byte("x"))
	require.Error(t, err)
	require.Equal(t, err, ns.Err())
}

type failingReadWriter struct{}

func (*failingReadWriter) Write([]byte) (int, error) { return 0, bytes.ErrTooLarge }
func (*failingReadWriter) Read([]byte) (int, error)  { return 0, bytes.ErrTooLarge }
