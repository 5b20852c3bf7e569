// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, chowyu08, muXxer

package mqtt

import (
	"sync"
	"sync/atomic"

	xh "github.com/cespare/xxhash/v2"
)

// Workers runs tasks on a fixed set of columns, each a buffered queue drained
// by one goroutine. Tasks for a key always land on the same column and run in
// the order they were enqueued, so per-session delivery state is only touched
// by one goroutine. Modelled on the HMQ fixpool by @chowyu08 and @muXxer,
// https://github.com/fhmq/hmq/blob/master/pool/fixpool.go
type Workers struct {
	mu      sync.RWMutex
	columns []chan func()
	wg      sync.WaitGroup
	pending atomic.Int64 // tasks queued but not yet finished
}

// NewWorkers starts n columns, each able to buffer depth tasks. n is at least 1.
func NewWorkers(n, depth int) *Workers {
	if n < 1 {
		n = 1
	}
	if depth < 0 {
		depth = 0
	}

	w := &Workers{columns: make([]chan func(), n)}
	for i := range w.columns {
		w.columns[i] = make(chan func(), depth)
		w.wg.Add(1)
		go w.drain(w.columns[i])
	}

	return w
}

func (w *Workers) drain(column chan func()) {
	defer w.wg.Done()
	for task := range column {
		task()
		w.pending.Add(-1)
	}
}

// column returns the column index for key, or -1 once closed. The read lock
// must be held.
func (w *Workers) column(key string) int {
	if len(w.columns) == 0 {
		return -1
	}
	return int(xh.Sum64String(key) % uint64(len(w.columns)))
}

// Enqueue queues task on the column for key, blocking while that column is
// full. It returns false if the workers are closed. A task must not enqueue
// onto its own key.
func (w *Workers) Enqueue(key string, task func()) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.column(key)
	if n < 0 {
		return false
	}

	w.pending.Add(1)
	w.columns[n] <- task
	return true
}

// EnqueueWait queues task for key and returns once it has run.
func (w *Workers) EnqueueWait(key string, task func()) bool {
	done := make(chan struct{})
	if !w.Enqueue(key, func() {
		defer close(done)
		task()
	}) {
		return false
	}

	<-done
	return true
}

// Pending returns the number of queued or running tasks.
func (w *Workers) Pending() int64 {
	return w.pending.Load()
}

// Size returns the number of columns, 0 once closed.
func (w *Workers) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.columns)
}

// Close stops accepting tasks. Queued tasks still run; Wait blocks until they have.
func (w *Workers) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, column := range w.columns {
		close(column)
	}
	w.columns = nil
}

// Wait blocks until every column has drained after Close.
func (w *Workers) Wait() {
	w.wg.Wait()
}
