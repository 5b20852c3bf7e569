// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package kv_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv/kvtest"
)

func TestMemoryBackend(t *testing.T) {
	kvtest.Run(t, kv.NewMemory())
}

func TestMemoryCopiesValues(t *testing.T) {
	m := kv.NewMemory()
	v := []byte("abc")
	require.NoError(t, m.Set("k", v))
	v[0] = 'z'
	require.Equal(t, "abc", kvtest.Collect(t, m, "k")["k"])
	require.Equal(t, 1, m.Len())
}

func TestMemoryCloseKeepsData(t *testing.T) {
	m := kv.NewMemory()
	require.NoError(t, m.Set("k", []byte("v")))
	require.NoError(t, m.Close())
	require.Equal(t, 1, m.Len())
}
