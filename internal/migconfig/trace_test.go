// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestTraceConfigEnabled(t *testing.T) {
	require.False(t, TraceConfig{}.Enabled())
	require.True(t, TraceConfig{File: "trace.zst"}.Enabled())
}

func TestTraceWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.zst")
	tw, err := OpenTraceWriter(path)
	require.NoError(t, err)

	_, err = tw.Write([]byte("hello migration wire trace"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	got, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)
	require.Equal(t, "hello migration wire trace", string(got))
}
