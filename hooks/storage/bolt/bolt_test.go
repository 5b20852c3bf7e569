// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package bolt

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv/kvtest"
	"github.com/kazetsukaimiko/moquette/packets"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "bolt-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnQosPublish))
	require.True(t, h.Provides(mqtt.StoredSessions))
	require.False(t, h.Provides(mqtt.OnConnectAuthenticate))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestInitDefaults(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: filepath.Join(t.TempDir(), "bolt.db")}))
	defer h.Stop()

	require.Equal(t, defaultBucket, h.config.Bucket)
	require.Equal(t, defaultTimeout, h.config.Options.Timeout)
}

func TestBackend(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "bolt.db"), "test", nil)
	require.NoError(t, err)
	defer b.Close()

	kvtest.Run(t, b)
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bolt.db")

	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: path}))

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
	}
	h.OnRetainMessage(pk, 1)
	require.NoError(t, h.Stop())

	h2 := new(Hook)
	h2.SetOpts(logger, nil)
	require.NoError(t, h2.Init(&Options{Path: path}))
	defer h2.Stop()

	v, err := h2.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, []byte("hello"), v[0].Payload)
}
