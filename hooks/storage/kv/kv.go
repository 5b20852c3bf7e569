// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package kv persists broker state through any ordered key-value Backend.
// The badger, bolt, pebble, redis and mongo storage hooks embed Hook and only
// provide the Backend.
package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	mqtt "github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage"
	"github.com/kazetsukaimiko/moquette/packets"
	"github.com/kazetsukaimiko/moquette/system"
)

// ErrNotFound indicates a key is not present in a backend.
var ErrNotFound = errors.New("key not found")

// Backend is an ordered key-value store.
type Backend interface {
	// Set stores value under key, replacing any existing value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Iterate calls fn for each key beginning with prefix. The value must not
	// be retained after fn returns.
	Iterate(prefix string, fn func(key string, value []byte) error) error

	// Close releases the backend.
	Close() error
}

// Options contains configuration settings for the hook.
type Options struct {
	Backend Backend
}

// Hook is a persistent storage hook which writes sessions, subscriptions,
// in-flight and queued messages, unreleased inbound qos 2 receipts, retained
// messages and system info to a Backend. Clean sessions are never written.
type Hook struct {
	mqtt.HookBase
	backend Backend
}

// sessionKey returns a primary key for a session.
func sessionKey(id string) string {
	return storage.SessionKey + "_" + id
}

// subscriptionKey returns a primary key for a subscription.
func subscriptionKey(id, filter string) string {
	return storage.SubscriptionKey + "_" + id + ":" + filter
}

// retainedKey returns a primary key for a retained message.
func retainedKey(topic string) string {
	return storage.RetainedKey + "_" + topic
}

// inflightKey returns a primary key for an in-flight message.
func inflightKey(id string, pk packets.Packet) string {
	return storage.InflightKey + "_" + id + ":" + pk.FormatID()
}

// queuedKey returns a primary key for a queued message.
func queuedKey(id string, seq uint64) string {
	return storage.QueuedKey + "_" + id + ":" + strconv.FormatUint(seq, 10)
}

// inboundKey returns a primary key for an inbound qos 2 receipt.
func inboundKey(id string, packetID uint16) string {
	return storage.InboundKey + "_" + id + ":" + strconv.FormatUint(uint64(packetID), 10)
}

// sysInfoKey returns a primary key for system info.
func sysInfoKey() string {
	return storage.SysInfoKey
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "kv"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSessionDestroyed,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnRetainMessage,
		mqtt.OnWillSent,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnQosReceived,
		mqtt.OnQosReleased,
		mqtt.OnMessageQueued,
		mqtt.OnMessageDequeued,
		mqtt.OnSysInfoTick,
		mqtt.StoredSessions,
		mqtt.StoredSubscriptions,
		mqtt.StoredInflightMessages,
		mqtt.StoredQueuedMessages,
		mqtt.StoredInboundMessages,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// Init sets the backend of the hook. A nil config uses an in-memory backend.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	var backend Backend
	if config != nil {
		backend = config.(*Options).Backend
	}

	if backend == nil {
		backend = NewMemory()
	}

	h.backend = backend
	return nil
}

// Backend returns the backend of the hook.
func (h *Hook) Backend() Backend {
	return h.backend
}

// Stop closes the backend.
func (h *Hook) Stop() error {
	if h.backend == nil {
		return nil
	}

	err := h.backend.Close()
	h.backend = nil
	return err
}

// OnSessionEstablished adds a persistent session to the store.
func (h *Hook) OnSessionEstablished(sess *mqtt.Session, present bool) {
	h.updateSession(sess)
}

// OnWillSent updates the stored session once its will message has been issued.
func (h *Hook) OnWillSent(sess *mqtt.Session, pk packets.Packet) {
	h.updateSession(sess)
}

// OnDisconnect records the last state of a persistent session.
func (h *Hook) OnDisconnect(sess *mqtt.Session, expire bool) {
	if expire {
		return
	}

	h.updateSession(sess)
}

// updateSession writes the session data to the store.
func (h *Hook) updateSession(sess *mqtt.Session) {
	if sess == nil || sess.Clean {
		return
	}

	sess.RLock()
	in := &storage.Session{
		ID:       sess.ID,
		T:        storage.SessionKey,
		Username: sess.Username,
		Remote:   sess.Remote,
		Listener: sess.Listener,
		Created:  sess.Created,
		Clean:    sess.Clean,
		Will:     storage.SessionWill(sess.Will),
	}
	sess.RUnlock()

	h.setKv(sessionKey(sess.ID), in)
}

// OnSessionDestroyed removes a session and everything stored for it.
func (h *Hook) OnSessionDestroyed(sess *mqtt.Session) {
	if sess.Clean {
		return
	}

	h.delKv(sessionKey(sess.ID))
	for _, prefix := range []string{
		storage.SubscriptionKey,
		storage.InflightKey,
		storage.QueuedKey,
		storage.InboundKey,
	} {
		if err := h.deleteClientKeys(prefix, sess.ID); err != nil {
			h.Log.Error("failed to delete session data", "error", err, "client", sess.ID, "prefix", prefix)
		}
	}
}

// deleteClientKeys removes every record under a key prefix which belongs to a client.
func (h *Hook) deleteClientKeys(prefix, client string) error {
	if h.backend == nil {
		return storage.ErrDBFileNotOpen
	}

	var owner struct {
		Client string `json:"client"`
	}

	var keys []string
	err := h.backend.Iterate(prefix+"_", func(key string, value []byte) error {
		owner.Client = ""
		if err := json.Unmarshal(value, &owner); err != nil {
			return nil
		}

		if owner.Client == client {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := h.backend.Delete(key); err != nil {
			return err
		}
	}

	return nil
}

// OnSubscribed adds the granted subscriptions of a persistent session to the store.
func (h *Hook) OnSubscribed(sess *mqtt.Session, subs packets.Subscriptions, codes []byte) {
	if sess.Clean {
		return
	}

	for i, sub := range subs {
		if i >= len(codes) || codes[i] >= packets.ErrSubscribeFailure.Code {
			continue
		}

		h.setKv(subscriptionKey(sess.ID, sub.Filter), &storage.Subscription{
			ID:     subscriptionKey(sess.ID, sub.Filter),
			T:      storage.SubscriptionKey,
			Client: sess.ID,
			Filter: sub.Filter,
			Qos:    codes[i],
		})
	}
}

// OnUnsubscribed removes subscriptions from the store.
func (h *Hook) OnUnsubscribed(sess *mqtt.Session, filters []string) {
	if sess.Clean {
		return
	}

	for _, filter := range filters {
		h.delKv(subscriptionKey(sess.ID, filter))
	}
}

// OnRetainMessage adds a retained message for a topic to the store, or
// removes it when the message cleared the topic.
func (h *Hook) OnRetainMessage(pk packets.Packet, r int64) {
	if r == -1 {
		h.delKv(retainedKey(pk.TopicName))
		return
	}

	key := retainedKey(pk.TopicName)
	msg := storage.NewMessage(storage.RetainedKey, key, pk)
	msg.PacketID = 0
	h.setKv(key, &msg)
}

// OnQosPublish adds or updates an in-flight message in the store.
func (h *Hook) OnQosPublish(sess *mqtt.Session, m mqtt.InflightMessage) {
	if sess.Clean {
		return
	}

	key := inflightKey(sess.ID, m.Packet)
	msg := storage.NewMessage(storage.InflightKey, key, m.Packet)
	msg.Client = sess.ID
	msg.Sent = m.Sent
	msg.Retries = m.Retries
	msg.Seq = m.Seq
	msg.State = byte(m.State)
	h.setKv(key, &msg)
}

// OnQosComplete removes a completed in-flight message from the store.
func (h *Hook) OnQosComplete(sess *mqtt.Session, pk packets.Packet) {
	if sess.Clean {
		return
	}

	h.delKv(inflightKey(sess.ID, pk))
}

// OnQosDropped removes an abandoned in-flight message from the store.
func (h *Hook) OnQosDropped(sess *mqtt.Session, pk packets.Packet) {
	h.OnQosComplete(sess, pk)
}

// OnQosReceived stores the packet id of a qos 2 publish received from a
// persistent session, so a retransmit after a restart is not routed again.
func (h *Hook) OnQosReceived(sess *mqtt.Session, pk packets.Packet) {
	if sess.Clean {
		return
	}

	key := inboundKey(sess.ID, pk.PacketID)
	msg := storage.NewMessage(storage.InboundKey, key, pk)
	msg.Payload = nil
	msg.Client = sess.ID
	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}
	h.setKv(key, &msg)
}

// OnQosReleased removes a released qos 2 receipt from the store.
func (h *Hook) OnQosReleased(sess *mqtt.Session, id uint16) {
	if sess.Clean {
		return
	}

	h.delKv(inboundKey(sess.ID, id))
}

// OnMessageQueued adds a queued message to the store.
func (h *Hook) OnMessageQueued(sess *mqtt.Session, m mqtt.QueuedMessage) {
	if sess.Clean {
		return
	}

	key := queuedKey(sess.ID, m.Seq)
	msg := storage.NewMessage(storage.QueuedKey, key, m.Packet)
	msg.PacketID = 0
	msg.Client = sess.ID
	msg.Seq = m.Seq
	h.setKv(key, &msg)
}

// OnMessageDequeued removes a queued message from the store.
func (h *Hook) OnMessageDequeued(sess *mqtt.Session, m mqtt.QueuedMessage) {
	if sess.Clean {
		return
	}

	h.delKv(queuedKey(sess.ID, m.Seq))
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	h.setKv(sysInfoKey(), &storage.SystemInfo{
		ID:   sysInfoKey(),
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	})
}

// StoredSessions returns all stored sessions.
func (h *Hook) StoredSessions() ([]storage.Session, error) {
	return collect[storage.Session](h, storage.SessionKey)
}

// StoredSubscriptions returns all stored subscriptions.
func (h *Hook) StoredSubscriptions() ([]storage.Subscription, error) {
	return collect[storage.Subscription](h, storage.SubscriptionKey)
}

// StoredInflightMessages returns all stored in-flight messages.
func (h *Hook) StoredInflightMessages() ([]storage.Message, error) {
	return collect[storage.Message](h, storage.InflightKey)
}

// StoredQueuedMessages returns all stored queued messages.
func (h *Hook) StoredQueuedMessages() ([]storage.Message, error) {
	return collect[storage.Message](h, storage.QueuedKey)
}

// StoredInboundMessages returns all stored inbound qos 2 receipts.
func (h *Hook) StoredInboundMessages() ([]storage.Message, error) {
	return collect[storage.Message](h, storage.InboundKey)
}

// StoredRetainedMessages returns all stored retained messages.
func (h *Hook) StoredRetainedMessages() ([]storage.Message, error) {
	return collect[storage.Message](h, storage.RetainedKey)
}

// StoredSysInfo returns the stored system info.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	err = h.iterate(storage.SysInfoKey, func(data []byte) error {
		return v.UnmarshalBinary(data)
	})
	return
}

// collect decodes every record of kind.
func collect[T any, PT interface {
	*T
	storage.Serializable
}](h *Hook, kind string) ([]T, error) {
	var v []T
	err := h.iterate(kind, func(data []byte) error {
		item, err := storage.Decode[T, PT](data)
		if err != nil {
			return err
		}
		v = append(v, item)
		return nil
	})
	return v, err
}

// iterate decodes every record stored under a type prefix.
func (h *Hook) iterate(prefix string, fn func(data []byte) error) error {
	if h.backend == nil {
		return storage.ErrDBFileNotOpen
	}

	if prefix != storage.SysInfoKey {
		prefix += "_"
	}

	return h.backend.Iterate(prefix, func(key string, value []byte) error {
		if err := fn(value); err != nil {
			h.Log.Warn("skipped unreadable record", "error", err, "key", key)
		}
		return nil
	})
}

// setKv stores a value under a key, logging any failure.
func (h *Hook) setKv(k string, v storage.Serializable) {
	if h.backend == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	data, err := v.MarshalBinary()
	if err != nil {
		h.Log.Error("failed to encode data", "error", err, "key", k)
		return
	}

	if err := h.backend.Set(k, data); err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
}

// delKv deletes a key, logging any failure.
func (h *Hook) delKv(k string) {
	if h.backend == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if err := h.backend.Delete(k); err != nil && !errors.Is(err, ErrNotFound) {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
}
