// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package kv_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv/kvtest"
	"github.com/kazetsukaimiko/moquette/packets"
	"github.com/kazetsukaimiko/moquette/system"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func newHook(t *testing.T) (*kv.Hook, *kv.Memory) {
	t.Helper()

	m := kv.NewMemory()
	h := new(kv.Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&kv.Options{Backend: m}))
	return h, m
}

func newSession(id string, clean bool) *mqtt.Session {
	return mqtt.NewSession(id, clean, mqtt.NewDefaultServerCapabilities())
}

func publish(topic string, qos byte, payload string) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Publish,
			Qos:  qos,
		},
		TopicName: topic,
		Payload:   []byte(payload),
		Created:   1,
	}
}

func TestID(t *testing.T) {
	h := new(kv.Hook)
	require.Equal(t, "kv", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(kv.Hook)
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnMessageQueued))
	require.True(t, h.Provides(mqtt.StoredQueuedMessages))
	require.True(t, h.Provides(mqtt.OnQosReceived))
	require.True(t, h.Provides(mqtt.OnQosReleased))
	require.True(t, h.Provides(mqtt.StoredInboundMessages))
	require.False(t, h.Provides(mqtt.OnACLCheck))
	require.False(t, h.Provides(mqtt.OnConnectAuthenticate))
}

func TestInitBadConfig(t *testing.T) {
	h := new(kv.Hook)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestInitNilConfigUsesMemory(t *testing.T) {
	h := new(kv.Hook)
	require.NoError(t, h.Init(nil))
	require.IsType(t, &kv.Memory{}, h.Backend())
}

func TestStop(t *testing.T) {
	h, _ := newHook(t)
	require.NoError(t, h.Stop())
	require.Nil(t, h.Backend())
	require.NoError(t, h.Stop())

	_, err := h.StoredSessions()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
}

func TestSessionStored(t *testing.T) {
	h, _ := newHook(t)
	sess := newSession("c1", false)
	sess.Username = []byte("user")
	sess.Will = mqtt.Will{TopicName: "lwt", Payload: []byte("bye"), Qos: 1, Flag: 1}

	h.OnSessionEstablished(sess, false)

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "c1", v[0].ID)
	require.Equal(t, []byte("user"), v[0].Username)
	require.Equal(t, "lwt", v[0].Will.TopicName)
	require.Equal(t, uint32(1), v[0].Will.Flag)
}

func TestCleanSessionNeverStored(t *testing.T) {
	h, m := newHook(t)
	sess := newSession("c1", true)

	h.OnSessionEstablished(sess, false)
	h.OnSubscribed(sess, packets.Subscriptions{{Filter: "a/b", Qos: 1}}, []byte{1})
	h.OnQosPublish(sess, mqtt.InflightMessage{Packet: publish("a/b", 1, "x")})
	h.OnMessageQueued(sess, mqtt.QueuedMessage{Packet: publish("a/b", 1, "x"), Seq: 1})
	h.OnDisconnect(sess, true)

	require.Equal(t, 0, m.Len())
}

func TestSubscriptionsStored(t *testing.T) {
	h, _ := newHook(t)
	sess := newSession("c1", false)

	h.OnSubscribed(sess, packets.Subscriptions{
		{Filter: "a/b", Qos: 2},
		{Filter: "denied", Qos: 1},
		{Filter: "a/+", Qos: 2},
	}, []byte{1, 0x80, 2})

	v, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "a/+", v[0].Filter)
	require.Equal(t, byte(2), v[0].Qos)
	require.Equal(t, "a/b", v[1].Filter)
	require.Equal(t, byte(1), v[1].Qos) // granted qos, not requested
	require.Equal(t, "c1", v[1].Client)

	h.OnUnsubscribed(sess, []string{"a/b"})
	v, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "a/+", v[0].Filter)
}

func TestRetainedStored(t *testing.T) {
	h, _ := newHook(t)
	pk := publish("a/b", 1, "hello")
	pk.FixedHeader.Retain = true

	h.OnRetainMessage(pk, 1)
	v, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "a/b", v[0].TopicName)
	require.Equal(t, []byte("hello"), v[0].Payload)
	require.True(t, v[0].FixedHeader.Retain)

	h.OnRetainMessage(publish("a/b", 0, ""), -1)
	v, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestInflightStored(t *testing.T) {
	h, _ := newHook(t)
	sess := newSession("c1", false)

	pk := publish("a/b", 2, "x")
	pk.PacketID = 7
	h.OnQosPublish(sess, mqtt.InflightMessage{Packet: pk, State: mqtt.StateReceived, Retries: 2, Seq: 9, Sent: 5})

	v, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "c1", v[0].Client)
	require.Equal(t, uint16(7), v[0].PacketID)
	require.Equal(t, byte(mqtt.StateReceived), v[0].State)
	require.Equal(t, 2, v[0].Retries)
	require.Equal(t, uint64(9), v[0].Seq)
	require.Equal(t, uint16(7), v[0].ToPacket().PacketID)

	h.OnQosComplete(sess, pk)
	v, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, v)

	h.OnQosPublish(sess, mqtt.InflightMessage{Packet: pk, Seq: 9})
	h.OnQosDropped(sess, pk)
	v, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestQueuedStored(t *testing.T) {
	h, _ := newHook(t)
	sess := newSession("c1", false)

	m1 := mqtt.QueuedMessage{Packet: publish("a/b", 1, "1"), Seq: 1}
	m2 := mqtt.QueuedMessage{Packet: publish("a/b", 1, "2"), Seq: 2}
	h.OnMessageQueued(sess, m1)
	h.OnMessageQueued(sess, m2)

	v, err := h.StoredQueuedMessages()
	require.NoError(t, err)
	require.Len(t, v, 2)

	h.OnMessageDequeued(sess, m1)
	v, err = h.StoredQueuedMessages()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, uint64(2), v[0].Seq)
	require.Equal(t, []byte("2"), v[0].Payload)
}

func TestInboundStored(t *testing.T) {
	h, m := newHook(t)
	sess := newSession("c1", false)

	pk := publish("a/b", 2, "large payload")
	pk.PacketID = 7
	pk.Created = 0
	h.OnQosReceived(sess, pk)

	pk.PacketID = 8
	h.OnQosReceived(sess, pk)

	v, err := h.StoredInboundMessages()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "c1", v[0].Client)
	require.Equal(t, uint16(7), v[0].PacketID)
	require.Empty(t, v[0].Payload)
	require.NotZero(t, v[0].Created)

	h.OnQosReleased(sess, 7)
	h.OnQosReleased(sess, 99)

	v, err = h.StoredInboundMessages()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, uint16(8), v[0].PacketID)
	require.Len(t, kvtest.Collect(t, m, storage.InboundKey+"_c1:8"), 1)
}

func TestCleanSessionInboundNotStored(t *testing.T) {
	h, _ := newHook(t)
	pk := publish("a/b", 2, "x")
	pk.PacketID = 1
	h.OnQosReceived(newSession("c1", true), pk)

	v, err := h.StoredInboundMessages()
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestSessionDestroyedRemovesOnlyItsData(t *testing.T) {
	h, m := newHook(t)
	s1 := newSession("c1", false)
	s2 := newSession("c1:x", false)

	for _, sess := range []*mqtt.Session{s1, s2} {
		pk := publish("a/b", 1, "x")
		pk.PacketID = 1
		h.OnSessionEstablished(sess, false)
		h.OnSubscribed(sess, packets.Subscriptions{{Filter: "a/b", Qos: 1}}, []byte{1})
		h.OnQosPublish(sess, mqtt.InflightMessage{Packet: pk, Seq: 1})
		h.OnMessageQueued(sess, mqtt.QueuedMessage{Packet: publish("a/b", 1, "y"), Seq: 2})
		h.OnQosReceived(sess, pk)
	}

	h.OnSessionDestroyed(s1)

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "c1:x", sessions[0].ID)

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "c1:x", subs[0].Client)

	require.Len(t, kvtest.Collect(t, m, storage.InflightKey+"_"), 1)
	require.Len(t, kvtest.Collect(t, m, storage.QueuedKey+"_"), 1)
	require.Len(t, kvtest.Collect(t, m, storage.InboundKey+"_"), 1)
}

func TestDisconnectUpdatesSession(t *testing.T) {
	h, _ := newHook(t)
	sess := newSession("c1", false)
	h.OnSessionEstablished(sess, false)

	sess.Remote = "10.0.0.1:5000"
	h.OnDisconnect(sess, false)

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "10.0.0.1:5000", v[0].Remote)
}

func TestWillSentUpdatesSession(t *testing.T) {
	h, _ := newHook(t)
	sess := newSession("c1", false)
	sess.Will = mqtt.Will{TopicName: "lwt", Flag: 1}
	h.OnSessionEstablished(sess, false)

	sess.Will = mqtt.Will{}
	h.OnWillSent(sess, publish("lwt", 0, ""))

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Equal(t, uint32(0), v[0].Will.Flag)
}

func TestSysInfoStored(t *testing.T) {
	h, _ := newHook(t)
	h.OnSysInfoTick(&system.Info{Version: "1.0.0", MessagesReceived: 10})

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Version)
	require.Equal(t, int64(10), v.MessagesReceived)
}

func TestUnreadableRecordsSkipped(t *testing.T) {
	h, m := newHook(t)
	require.NoError(t, m.Set(storage.SessionKey+"_bad", []byte("{not json")))
	h.OnSessionEstablished(newSession("c1", false), false)

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
}
