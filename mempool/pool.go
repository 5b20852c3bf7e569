// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool pools the byte buffers used to encode outbound packets.
package mempool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// BufferPool hands out reset buffers for packet encoding.
type BufferPool interface {
	Get() *bytes.Buffer
	Put(buf *bytes.Buffer)
}

// Pool is a BufferPool which drops buffers that have grown past a limit.
type Pool struct {
	limit     int       // buffers with a larger capacity are dropped; 0 keeps all
	buffers   sync.Pool // idle buffers
	discarded atomic.Int64
}

// NewBuffer returns a buffer pool which keeps buffers up to limit bytes of
// capacity. A limit <= 0 keeps every buffer.
func NewBuffer(limit int) *Pool {
	if limit < 0 {
		limit = 0
	}

	p := &Pool{limit: limit}
	p.buffers.New = func() any {
		return new(bytes.Buffer)
	}

	return p
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	return p.buffers.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool unless it has outgrown the limit.
func (p *Pool) Put(buf *bytes.Buffer) {
	if p.limit > 0 && buf.Cap() > p.limit {
		p.discarded.Add(1)
		return
	}

	buf.Reset()
	p.buffers.Put(buf)
}

// Discarded returns the number of buffers dropped for exceeding the limit.
func (p *Pool) Discarded() int64 {
	return p.discarded.Load()
}
