// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInflightBitmapSetAndClear(t *testing.T) {
	b := newInflightBitmap(200)
	assert.False(t, b.IsInflight(5))
	b.SetInflight(5, true)
	assert.True(t, b.IsInflight(5))
	assert.False(t, b.IsInflight(4))
	assert.False(t, b.IsInflight(6))
	b.SetInflight(5, false)
	assert.False(t, b.IsInflight(5))
}

func TestInflightBitmapCrossesWordBoundary(t *testing.T) {
	b := newInflightBitmap(200)
	b.SetInflight(63, true)
	b.SetInflight(64, true)
	assert.True(t, b.IsInflight(63))
	assert.True(t, b.IsInflight(64))
	b.SetInflight(63, false)
	assert.False(t, b.IsInflight(63))
	assert.True(t, b.IsInflight(64))
}
