// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package kvtest checks that a kv.Backend behaves as the storage hook expects.
package kvtest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
)

// Collect returns every key and value under a prefix.
func Collect(t *testing.T, b kv.Backend, prefix string) map[string]string {
	t.Helper()

	out := map[string]string{}
	err := b.Iterate(prefix, func(key string, value []byte) error {
		out[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	return out
}

// Run exercises the set, delete and prefix iteration semantics of a backend.
// The backend must be empty.
func Run(t *testing.T, b kv.Backend) {
	t.Helper()

	require.NoError(t, b.Set("SUB_a:x/y", []byte("1")))
	require.NoError(t, b.Set("SUB_b:x/#", []byte("2")))
	require.NoError(t, b.Set("SES_a", []byte("3")))
	require.NoError(t, b.Set("SYS", []byte("4")))

	require.Equal(t, map[string]string{
		"SUB_a:x/y": "1",
		"SUB_b:x/#": "2",
	}, Collect(t, b, "SUB_"))

	require.Equal(t, map[string]string{"SES_a": "3"}, Collect(t, b, "SES_"))
	require.Equal(t, map[string]string{"SYS": "4"}, Collect(t, b, "SYS"))
	require.Empty(t, Collect(t, b, "RET_"))

	// overwrite
	require.NoError(t, b.Set("SUB_a:x/y", []byte("5")))
	require.Equal(t, "5", Collect(t, b, "SUB_a:")["SUB_a:x/y"])

	// delete, and delete of a missing key
	require.NoError(t, b.Delete("SUB_a:x/y"))
	require.NoError(t, b.Delete("SUB_missing"))
	require.Equal(t, map[string]string{"SUB_b:x/#": "2"}, Collect(t, b, "SUB_"))

	// iteration stops at the first error
	stop := errors.New("stop")
	calls := 0
	err := b.Iterate("S", func(key string, value []byte) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}
