// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"log/slog"
	"strings"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage"
	"github.com/kazetsukaimiko/moquette/packets"
	"github.com/kazetsukaimiko/moquette/system"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include decoded packet data (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show connecting user passwords (default false)
}

// Hook is a debugging hook which logs every hook event from the server at debug level.
// It never grants authentication or acl access.
type Hook struct {
	mqtt.HookBase
	config *Options
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable server parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.HookBase.SetOpts(l, opts)
	h.Log.Debug("", "method", "SetOpts")
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the server starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the server stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnSysInfoTick is called when the server publishes system info.
func (h *Hook) OnSysInfoTick(info *system.Info) {
	h.Log.Debug("system info tick", "method", "OnSysInfoTick",
		"clients", info.ClientsConnected,
		"inflight", info.Inflight,
		"retained", info.Retained)
}

// OnConnectAuthenticate logs a connect attempt without allowing it.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	h.Log.Debug("CONNECT << "+pk.Connect.ClientIdentifier, h.packetMeta(pk)...)
	return false
}

// OnACLCheck logs an acl check without allowing it.
func (h *Hook) OnACLCheck(sess *mqtt.Session, topic string, write bool) bool {
	h.Log.Debug("acl check", "method", "OnACLCheck", "client", sess.ID, "topic", topic, "write", write)
	return false
}

// OnSessionEstablished is called when a connection is bound to a session.
func (h *Hook) OnSessionEstablished(sess *mqtt.Session, present bool) {
	h.Log.Debug("session established", "method", "OnSessionEstablished", "client", sess.ID, "present", present, "clean", sess.Clean)
}

// OnDisconnect is called when the connection of a session ends.
func (h *Hook) OnDisconnect(sess *mqtt.Session, expire bool) {
	h.Log.Debug("session disconnected", "method", "OnDisconnect", "client", sess.ID, "expire", expire)
}

// OnSessionDestroyed is called when a session is removed.
func (h *Hook) OnSessionDestroyed(sess *mqtt.Session) {
	h.Log.Debug("session destroyed", "method", "OnSessionDestroyed", "client", sess.ID)
}

// OnSubscribed is called when a session subscribes to one or more filters.
func (h *Hook) OnSubscribed(sess *mqtt.Session, subs packets.Subscriptions, codes []byte) {
	h.Log.Debug("SUBSCRIBE << "+sess.ID, "method", "OnSubscribed", "filters", filterQos(subs), "codes", codes)
}

// OnUnsubscribed is called when a session unsubscribes from one or more filters.
func (h *Hook) OnUnsubscribed(sess *mqtt.Session, filters []string) {
	h.Log.Debug("UNSUBSCRIBE << "+sess.ID, "method", "OnUnsubscribed", "filters", filters)
}

// OnPublished is called when a message has been routed to subscribers.
func (h *Hook) OnPublished(sess *mqtt.Session, pk packets.Packet) {
	origin := "$broker"
	if sess != nil {
		origin = sess.ID
	}
	h.Log.Debug("PUBLISH << "+origin, h.packetMeta(pk)...)
}

// OnPublishDropped is called when a message could not be delivered to a session.
func (h *Hook) OnPublishDropped(sess *mqtt.Session, pk packets.Packet) {
	h.Log.Debug("publish dropped for "+sess.ID, h.packetMeta(pk)...)
}

// OnRetainMessage is called when a published message is retained (or retain deleted/modified).
func (h *Hook) OnRetainMessage(pk packets.Packet, r int64) {
	h.Log.Debug("retained message on topic", append(h.packetMeta(pk), "r", r)...)
}

// OnQosPublish is called when a publish packet with qos is issued to a subscriber.
func (h *Hook) OnQosPublish(sess *mqtt.Session, m mqtt.InflightMessage) {
	h.Log.Debug("inflight out to "+sess.ID, append(h.packetMeta(m.Packet), "retries", m.Retries, "state", m.State)...)
}

// OnQosComplete is called when the qos flow for a message has been completed.
func (h *Hook) OnQosComplete(sess *mqtt.Session, pk packets.Packet) {
	h.Log.Debug("inflight complete for "+sess.ID, h.packetMeta(pk)...)
}

// OnQosDropped is called when the qos flow for a message is abandoned.
func (h *Hook) OnQosDropped(sess *mqtt.Session, pk packets.Packet) {
	h.Log.Debug("inflight dropped for "+sess.ID, h.packetMeta(pk)...)
}

// OnQosReceived is called when a qos 2 publish is first received from a session.
func (h *Hook) OnQosReceived(sess *mqtt.Session, pk packets.Packet) {
	h.Log.Debug("inflight in from "+sess.ID, h.packetMeta(pk)...)
}

// OnQosReleased is called when a session releases a received qos 2 packet id.
func (h *Hook) OnQosReleased(sess *mqtt.Session, id uint16) {
	h.Log.Debug("inflight released by "+sess.ID, "packet_id", id)
}

// OnMessageQueued is called when a message waits for an in-flight slot.
func (h *Hook) OnMessageQueued(sess *mqtt.Session, m mqtt.QueuedMessage) {
	h.Log.Debug("queued for "+sess.ID, append(h.packetMeta(m.Packet), "seq", m.Seq)...)
}

// OnMessageDequeued is called when a queued message is admitted to the in-flight window.
func (h *Hook) OnMessageDequeued(sess *mqtt.Session, m mqtt.QueuedMessage) {
	h.Log.Debug("dequeued for "+sess.ID, append(h.packetMeta(m.Packet), "seq", m.Seq)...)
}

// OnRetryLimitExceeded is called when a message has been retransmitted for longer than allowed.
func (h *Hook) OnRetryLimitExceeded(sess *mqtt.Session, pk packets.Packet, err error) {
	h.Log.Debug("retry limit exceeded for "+sess.ID, append(h.packetMeta(pk), "error", err)...)
}

// OnWillSent is called when a will message has been issued for a session.
func (h *Hook) OnWillSent(sess *mqtt.Session, pk packets.Packet) {
	h.Log.Debug("sent will for client", "method", "OnWillSent", "client", sess.ID, "topic", pk.TopicName)
}

// StoredSessions is called when the server restores sessions from a store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	h.Log.Debug("", "method", "StoredSessions")
	return v, nil
}

// StoredSubscriptions is called when the server restores subscriptions from a store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	h.Log.Debug("", "method", "StoredSubscriptions")
	return v, nil
}

// StoredInflightMessages is called when the server restores inflight messages from a store.
func (h *Hook) StoredInflightMessages() (v []storage.Message, err error) {
	h.Log.Debug("", "method", "StoredInflightMessages")
	return v, nil
}

// StoredQueuedMessages is called when the server restores queued messages from a store.
func (h *Hook) StoredQueuedMessages() (v []storage.Message, err error) {
	h.Log.Debug("", "method", "StoredQueuedMessages")
	return v, nil
}

// StoredInboundMessages is called when the server restores inbound qos 2 receipts from a store.
func (h *Hook) StoredInboundMessages() (v []storage.Message, err error) {
	h.Log.Debug("", "method", "StoredInboundMessages")
	return v, nil
}

// StoredRetainedMessages is called when the server restores retained messages from a store.
func (h *Hook) StoredRetainedMessages() (v []storage.Message, err error) {
	h.Log.Debug("", "method", "StoredRetainedMessages")
	return v, nil
}

// StoredSysInfo is called when the server restores system info from a store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	h.Log.Debug("", "method", "StoredSysInfo")
	return v, nil
}

// filterQos maps each filter of a subscription list to its qos.
func filterQos(subs packets.Subscriptions) map[string]int {
	f := make(map[string]int, len(subs))
	for _, v := range subs {
		f[v.Filter] = int(v.Qos)
	}
	return f
}

// packetMeta returns type-specific attributes of a packet for the debug logs.
func (h *Hook) packetMeta(pk packets.Packet) []any {
	m := []any{"type", strings.ToUpper(packets.PacketNames[pk.FixedHeader.Type])}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		m = append(m,
			"id", pk.Connect.ClientIdentifier,
			"clean", pk.Connect.Clean,
			"keepalive", pk.Connect.Keepalive,
			"version", pk.Connect.ProtocolVersion,
			"username", string(pk.Connect.Username))
		if h.config.ShowPasswords {
			m = append(m, "password", string(pk.Connect.Password))
		}
		if pk.Connect.WillFlag {
			m = append(m, "will_topic", pk.Connect.WillTopic, "will_payload", string(pk.Connect.WillPayload))
		}
	case packets.Publish:
		m = append(m,
			"topic", pk.TopicName,
			"payload", string(pk.Payload),
			"qos", pk.FixedHeader.Qos,
			"retain", pk.FixedHeader.Retain,
			"dup", pk.FixedHeader.Dup,
			"id", pk.PacketID)
	case packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp:
		m = append(m, "id", pk.PacketID)
	case packets.Subscribe:
		m = append(m, "filters", filterQos(pk.Filters))
	case packets.Unsubscribe:
		f := make([]string, 0, len(pk.Filters))
		for _, v := range pk.Filters {
			f = append(f, v.Filter)
		}
		m = append(m, "filters", f)
	case packets.Suback:
		m = append(m, "codes", pk.ReturnCodes)
	}

	if h.config.ShowPacketData {
		m = append(m, "packet", pk)
	}

	return m
}
