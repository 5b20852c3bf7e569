// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/auth"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
	"github.com/kazetsukaimiko/moquette/listeners"
	"github.com/kazetsukaimiko/moquette/packets"
)

const timeout = 2 * time.Second

// startBroker starts a server on a random local port, returning the server
// and the broker url for clients.
func startBroker(t *testing.T, backend kv.Backend) (*mqtt.Server, string) {
	t.Helper()
	s := mqtt.New(&mqtt.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	require.NoError(t, s.AddHook(new(auth.AllowHook), nil))
	if backend != nil {
		require.NoError(t, s.AddHook(new(kv.Hook), &kv.Options{Backend: backend}))
	}

	require.NoError(t, s.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: "127.0.0.1:0",
	})))
	require.NoError(t, s.Serve())
	t.Cleanup(func() {
		_ = s.Close()
	})

	l, ok := s.Listeners.Get("t1")
	require.True(t, ok)
	return s, "tcp://" + l.Address()
}

func dial(t *testing.T, broker, id string, clean bool, handler paho.MessageHandler) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(id).
		SetCleanSession(clean).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetDefaultPublishHandler(handler)

	c := paho.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(timeout))
	require.NoError(t, tok.Error())
	t.Cleanup(func() {
		if c.IsConnected() {
			c.Disconnect(0)
		}
	})
	return c
}

func collect() (chan paho.Message, paho.MessageHandler) {
	ch := make(chan paho.Message, 16)
	return ch, func(_ paho.Client, m paho.Message) {
		ch <- m
	}
}

func receive(t *testing.T, ch chan paho.Message) paho.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(timeout):
		t.Fatal("no message received")
		return nil
	}
}

func wait(t *testing.T, tok paho.Token) {
	t.Helper()
	require.True(t, tok.WaitTimeout(timeout))
	require.NoError(t, tok.Error())
}

func TestPublishSubscribe(t *testing.T) {
	_, broker := startBroker(t, nil)

	for _, qos := range []byte{0, 1, 2} {
		ch, handler := collect()
		sub := dial(t, broker, "sub", true, handler)
		wait(t, sub.Subscribe("sensors/+/temp", qos, nil))

		pub := dial(t, broker, "pub", true, nil)
		wait(t, pub.Publish("sensors/kitchen/temp", qos, false, "21.5"))

		m := receive(t, ch)
		require.Equal(t, "sensors/kitchen/temp", m.Topic())
		require.Equal(t, []byte("21.5"), m.Payload())
		require.Equal(t, qos, m.Qos())
		require.False(t, m.Retained())

		sub.Disconnect(0)
		pub.Disconnect(0)
	}
}

func TestRetainedOnSubscribe(t *testing.T) {
	s, broker := startBroker(t, nil)

	pub := dial(t, broker, "pub", true, nil)
	wait(t, pub.Publish("status/door", 1, true, "open"))
	require.Eventually(t, func() bool {
		return len(s.Retained.RetainedFor("status/door")) == 1
	}, timeout, 10*time.Millisecond)

	ch, handler := collect()
	sub := dial(t, broker, "sub", true, handler)
	wait(t, sub.Subscribe("status/#", 1, nil))

	m := receive(t, ch)
	require.Equal(t, "status/door", m.Topic())
	require.Equal(t, []byte("open"), m.Payload())
	require.True(t, m.Retained())
}

func TestWillDiscardedOnDisconnect(t *testing.T) {
	_, broker := startBroker(t, nil)

	ch, handler := collect()
	watcher := dial(t, broker, "watcher", true, handler)
	wait(t, watcher.Subscribe("clients/+/status", 0, nil))

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("device").
		SetAutoReconnect(false).
		SetWill("clients/device/status", "offline", 0, false)
	dev := paho.NewClient(opts)
	wait(t, dev.Connect())

	// a zero quiesce still sends a disconnect packet, which discards the will.
	dev.Disconnect(0)
	select {
	case m := <-ch:
		t.Fatalf("unexpected will %s", m.Payload())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPersistentSessionAcrossRestart(t *testing.T) {
	mem := kv.NewMemory()
	s, broker := startBroker(t, mem)

	sub := dial(t, broker, "persist", false, nil)
	wait(t, sub.Subscribe("jobs/#", 1, nil))
	sub.Disconnect(0)
	require.Eventually(t, func() bool {
		sess, ok := s.Sessions.Get("persist")
		return ok && !sess.Connected()
	}, timeout, 10*time.Millisecond)

	pub := dial(t, broker, "pub", true, nil)
	wait(t, pub.Publish("jobs/1", 1, false, "first"))
	wait(t, pub.Publish("jobs/2", 1, false, "second"))
	pub.Disconnect(0)

	require.Eventually(t, func() bool {
		sess, ok := s.Sessions.Get("persist")
		return ok && sess.State.Queue.Len() == 2
	}, timeout, 10*time.Millisecond)
	require.NoError(t, s.Close())

	s2, broker2 := startBroker(t, mem)
	sess, ok := s2.Sessions.Get("persist")
	require.True(t, ok)
	require.Equal(t, 2, sess.State.Queue.Len())

	ch, handler := collect()
	dial(t, broker2, "persist", false, handler)

	first := receive(t, ch)
	require.Equal(t, "jobs/1", first.Topic())
	require.Equal(t, []byte("first"), first.Payload())

	second := receive(t, ch)
	require.Equal(t, "jobs/2", second.Topic())
	require.Equal(t, []byte("second"), second.Payload())
}

// recorder is a Sender which keeps every packet written to it.
type recorder struct {
	sync.Mutex
	sent []packets.Packet
}

func (r *recorder) WritePacket(pk packets.Packet) error {
	r.Lock()
	defer r.Unlock()
	r.sent = append(r.sent, pk)
	return nil
}

func (r *recorder) Close(error) {}

func (r *recorder) of(kind byte) []packets.Packet {
	r.Lock()
	defer r.Unlock()
	var out []packets.Packet
	for _, pk := range r.sent {
		if pk.FixedHeader.Type == kind {
			out = append(out, pk)
		}
	}
	return out
}

func countKeys(t *testing.T, b kv.Backend, prefix string) int {
	t.Helper()
	n := 0
	require.NoError(t, b.Iterate(prefix, func(string, []byte) error {
		n++
		return nil
	}))
	return n
}

func qos2(id uint16, topic, payload string) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 2},
		TopicName:   topic,
		Payload:     []byte(payload),
		PacketID:    id,
	}
}

func TestInboundQos2AcrossRestart(t *testing.T) {
	mem := kv.NewMemory()
	s, _ := startBroker(t, mem)

	sub, _ := s.Connect("sub", false, new(recorder))
	_, err := s.Subscribe(sub, packets.Subscriptions{{Filter: "in/#"}})
	require.NoError(t, err)

	pub, _ := s.Connect("pub", false, new(recorder))
	require.NoError(t, s.Receive(pub, qos2(7, "in/a", "once")))
	require.Equal(t, 1, countKeys(t, mem, "INB"))
	require.NoError(t, s.Close())

	s2, _ := startBroker(t, mem)
	restored, ok := s2.Sessions.Get("pub")
	require.True(t, ok)
	require.Equal(t, 1, restored.State.Inbound.Len())

	subSnd := new(recorder)
	sub, _ = s2.Connect("sub", false, subSnd)
	pubSnd := new(recorder)
	pub, present := s2.Connect("pub", false, pubSnd)
	require.True(t, present)

	// the resent duplicate is acknowledged but not routed again.
	dup := qos2(7, "in/a", "once")
	dup.FixedHeader.Dup = true
	require.NoError(t, s2.Receive(pub, dup))
	require.NoError(t, s2.Receive(pub, qos2(8, "in/b", "fresh")))

	require.Eventually(t, func() bool {
		return len(subSnd.of(packets.Publish)) > 0
	}, timeout, 10*time.Millisecond)
	routed := subSnd.of(packets.Publish)
	require.Len(t, routed, 1)
	require.Equal(t, "in/b", routed[0].TopicName)

	recs := pubSnd.of(packets.Pubrec)
	require.Len(t, recs, 2)
	require.Equal(t, uint16(7), recs[0].PacketID)

	s2.Pubrel(pub, 7)
	s2.Pubrel(pub, 8)
	require.Len(t, pubSnd.of(packets.Pubcomp), 2)
	require.Equal(t, 0, pub.State.Inbound.Len())
	require.Equal(t, 0, countKeys(t, mem, "INB"))
}
