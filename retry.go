// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"container/heap"
	"math"
	"sync"
	"time"
)

// retryEntry is a scheduled resend of an in-flight message. An entry is never
// removed when its message completes; the generation is compared when it fires
// and a mismatch or a missing message makes it a no-op.
type retryEntry struct {
	at     time.Time
	client string
	id     uint16
	gen    uint64
}

// retryHeap is a min-heap of retry entries ordered by fire time.
type retryHeap []retryEntry

func (h retryHeap) Len() int           { return len(h) }
func (h retryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) {
	*h = append(*h, x.(retryEntry))
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = retryEntry{}
	*h = old[:n-1]
	return e
}

// RetryFn is called by the scheduler when a retry entry is due.
type RetryFn func(client string, id uint16, gen uint64)

// Retrier is a single timer sweep over a min-heap of scheduled resends.
type Retrier struct {
	mu   sync.Mutex
	h    retryHeap
	fire RetryFn
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRetrier returns a new Retrier which calls fire for each due entry.
func NewRetrier(fire RetryFn) *Retrier {
	return &Retrier{
		fire: fire,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Schedule adds a resend of a session's packet id at a point in time.
func (r *Retrier) Schedule(at time.Time, client string, id uint16, gen uint64) {
	r.mu.Lock()
	heap.Push(&r.h, retryEntry{at: at, client: client, id: id, gen: gen})
	first := r.h[0].at.Equal(at)
	r.mu.Unlock()

	if first {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of scheduled entries, including stale ones.
func (r *Retrier) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.h)
}

// due pops every entry scheduled at or before now, and returns the time of the
// next entry, if any.
func (r *Retrier) due(now time.Time) ([]retryEntry, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []retryEntry
	for len(r.h) > 0 && !r.h[0].at.After(now) {
		out = append(out, heap.Pop(&r.h).(retryEntry))
	}

	if len(r.h) == 0 {
		return out, time.Time{}, false
	}

	return out, r.h[0].at, true
}

// Run sweeps the heap until Stop is called.
func (r *Retrier) Run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		entries, next, ok := r.due(time.Now())
		for _, e := range entries {
			r.fire(e.client, e.id, e.gen)
		}

		wait := time.Hour
		if ok {
			wait = time.Until(next)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-r.done:
			return
		case <-r.wake:
		case <-timer.C:
		}
	}
}

// Stop ends the sweep.
func (r *Retrier) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
}

// retryDelay returns the resend delay after n previous resends:
// interval * backoff^n, capped at maximum.
func retryDelay(interval, maximum time.Duration, backoff float64, n int) time.Duration {
	if backoff < 1 {
		backoff = 1
	}

	d := float64(interval) * math.Pow(backoff, float64(n))
	if maximum > 0 && (d > float64(maximum) || math.IsInf(d, 1)) {
		return maximum
	}

	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}
