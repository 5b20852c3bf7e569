// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type firedEntry struct {
	client string
	id     uint16
	gen    uint64
}

func TestRetrierDueOrder(t *testing.T) {
	r := NewRetrier(func(string, uint16, uint64) {})
	now := time.Now()
	r.Schedule(now.Add(3*time.Second), "c", 3, 1)
	r.Schedule(now.Add(1*time.Second), "a", 1, 1)
	r.Schedule(now.Add(2*time.Second), "b", 2, 1)
	require.Equal(t, 3, r.Len())

	entries, next, ok := r.due(now.Add(2 * time.Second))
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].client)
	require.Equal(t, "b", entries[1].client)
	require.True(t, ok)
	require.Equal(t, now.Add(3*time.Second), next)

	entries, _, ok = r.due(now.Add(time.Hour))
	require.Len(t, entries, 1)
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestRetrierRunFires(t *testing.T) {
	var mu sync.Mutex
	fired := []firedEntry{}
	r := NewRetrier(func(client string, id uint16, gen uint64) {
		mu.Lock()
		fired = append(fired, firedEntry{client, id, gen})
		mu.Unlock()
	})
	go r.Run()
	defer r.Stop()

	r.Schedule(time.Now().Add(20*time.Millisecond), "b", 2, 7)
	r.Schedule(time.Now().Add(5*time.Millisecond), "a", 1, 6)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, firedEntry{"a", 1, 6}, fired[0])
	require.Equal(t, firedEntry{"b", 2, 7}, fired[1])
}

func TestRetrierStopTwice(t *testing.T) {
	r := NewRetrier(func(string, uint16, uint64) {})
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	r.Stop()
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retrier did not stop")
	}
}

func TestRetryDelay(t *testing.T) {
	tt := []struct {
		desc    string
		backoff float64
		max     time.Duration
		n       int
		want    time.Duration
	}{
		{desc: "fixed", backoff: 1, n: 5, want: time.Second},
		{desc: "below one is fixed", backoff: 0.5, n: 3, want: time.Second},
		{desc: "first attempt", backoff: 2, n: 0, want: time.Second},
		{desc: "doubled", backoff: 2, n: 3, want: 8 * time.Second},
		{desc: "capped", backoff: 2, max: 5 * time.Second, n: 3, want: 5 * time.Second},
		{desc: "huge capped", backoff: 10, max: time.Minute, n: 500, want: time.Minute},
		{desc: "huge uncapped", backoff: 10, n: 500, want: time.Duration(1<<63 - 1)},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			require.Equal(t, tx.want, retryDelay(time.Second, tx.max, tx.backoff, tx.n))
		})
	}
}
