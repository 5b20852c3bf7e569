// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mempool

import (
	"bytes"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func fill(buf *bytes.Buffer, n int) {
	buf.Write(bytes.Repeat([]byte{'m'}, n))
}

func TestNewBufferLimit(t *testing.T) {
	require.Equal(t, 512, NewBuffer(512).limit)
	require.Equal(t, 0, NewBuffer(0).limit)
	require.Equal(t, 0, NewBuffer(-4).limit)
}

func TestPoolReuse(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	p := NewBuffer(0)

	buf := p.Get()
	fill(buf, 4096)
	p.Put(buf)

	again := p.Get()
	require.Equal(t, 0, again.Len())
	require.Zero(t, p.Discarded())
}

func TestPoolDropsOversized(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	p := NewBuffer(64)

	buf := p.Get()
	fill(buf, 65)
	p.Put(buf)
	require.Equal(t, int64(1), p.Discarded())

	fresh := p.Get()
	require.Equal(t, 0, fresh.Cap())
}

func TestPoolKeepsWithinLimit(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	p := NewBuffer(1024)

	buf := p.Get()
	fill(buf, 10)
	p.Put(buf)
	require.Zero(t, p.Discarded())
	require.Equal(t, 0, p.Get().Len())
}

func TestPoolImplementsBufferPool(t *testing.T) {
	var bp BufferPool = NewBuffer(0)
	buf := bp.Get()
	buf.WriteString("ok")
	bp.Put(buf)
}
