// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migconfig

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// TraceWriter is a zstd-compressed sink for an optional stream transcript.
// The blkmigrate CLI does not open one and has no flag for it. It is a
// debug-only side channel: nothing a
// receiver parses ever flows through it, so compressing it does not touch
// the fixed-chunk-size invariant the wire format relies on.
type TraceWriter struct {
	f   *os.File
	enc *zstd.Encoder
}

// OpenTraceWriter opens path and wraps it in a zstd encoder. A zero-value
// TraceConfig (empty File) means tracing is disabled; callers should check
// Enabled() before use rather than call this at all.
func OpenTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating zstd encoder for %s: %w", path, err)
	}
	return &TraceWriter{f: f, enc: enc}, nil
}

func (tw *TraceWriter) Write(p []byte) (int, error) {
	return tw.enc.Write(p)
}

// Close flushes the zstd frame and closes the underlying file.
func (tw *TraceWriter) Close() error {
	if err := tw.enc.Close(); err != nil {
		tw.f.Close()
		return err
	}
	return tw.f.Close()
}

// Enabled reports whether c names a trace file to record to.
func (c TraceConfig) Enabled() bool {
	return c.File != ""
}

var _ io.WriteCloser = (*TraceWriter)(nil)
