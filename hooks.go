// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kazetsukaimiko/moquette/hooks/storage"
	"github.com/kazetsukaimiko/moquette/packets"
	"github.com/kazetsukaimiko/moquette/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnSessionEstablished
	OnDisconnect
	OnSessionDestroyed
	OnSubscribed
	OnUnsubscribed
	OnPublished
	OnPublishDropped
	OnRetainMessage
	OnQosPublish
	OnQosComplete
	OnQosDropped
	OnQosReceived
	OnQosReleased
	OnMessageQueued
	OnMessageDequeued
	OnRetryLimitExceeded
	OnWillSent
	StoredSessions
	StoredSubscriptions
	StoredInflightMessages
	StoredQueuedMessages
	StoredInboundMessages
	StoredRetainedMessages
	StoredSysInfo
)

// Hook receives broker events. A hook is only called for the events its
// Provides method reports.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnConnectAuthenticate(cl *Client, pk packets.Packet) bool
	OnACLCheck(sess *Session, topic string, write bool) bool
	OnSessionEstablished(sess *Session, present bool)
	OnDisconnect(sess *Session, expire bool)
	OnSessionDestroyed(sess *Session)
	OnSubscribed(sess *Session, subs packets.Subscriptions, codes []byte)
	OnUnsubscribed(sess *Session, filters []string)
	OnPublished(sess *Session, pk packets.Packet)
	OnPublishDropped(sess *Session, pk packets.Packet)
	OnRetainMessage(pk packets.Packet, r int64)
	OnQosPublish(sess *Session, m InflightMessage)
	OnQosComplete(sess *Session, pk packets.Packet)
	OnQosDropped(sess *Session, pk packets.Packet)
	OnQosReceived(sess *Session, pk packets.Packet)
	OnQosReleased(sess *Session, id uint16)
	OnMessageQueued(sess *Session, m QueuedMessage)
	OnMessageDequeued(sess *Session, m QueuedMessage)
	OnRetryLimitExceeded(sess *Session, pk packets.Packet, err error)
	OnWillSent(sess *Session, pk packets.Packet)
	StoredSessions() ([]storage.Session, error)
	StoredSubscriptions() ([]storage.Subscription, error)
	StoredInflightMessages() ([]storage.Message, error)
	StoredQueuedMessages() ([]storage.Message, error)
	StoredInboundMessages() ([]storage.Message, error)
	StoredRetainedMessages() ([]storage.Message, error)
	StoredSysInfo() (storage.SystemInfo, error)
}

// HookOptions carries server values a hook may need.
type HookOptions struct {
	Capabilities *Capabilities
}

// HookLoadConfig pairs a hook with the config passed to its Init.
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Hooks dispatches broker events to the attached hooks in the order they were
// added. Dispatch is lock free; Add is serialised.
type Hooks struct {
	Log   *slog.Logger
	mu    sync.Mutex
	hooks atomic.Pointer[[]Hook]
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return int64(len(h.GetAll()))
}

// Provides returns true if any hook provides any of the events.
func (h *Hooks) Provides(events ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, e := range events {
			if hook.Provides(e) {
				return true
			}
		}
	}

	return false
}

// Add initialises hook with config and attaches it.
func (h *Hooks) Add(hook Hook, config any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := hook.Init(config); err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	next := append(append([]Hook(nil), h.GetAll()...), hook)
	h.hooks.Store(&next)
	return nil
}

// GetAll returns the attached hooks.
func (h *Hooks) GetAll() []Hook {
	if p := h.hooks.Load(); p != nil {
		return *p
	}
	return []Hook{}
}

// Stop stops every hook in turn. Errors are logged.
func (h *Hooks) Stop() {
	for _, hook := range h.GetAll() {
		h.Log.Info("stopping hook", "hook", hook.ID())
		if err := hook.Stop(); err != nil {
			h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
		}
	}
}

// each calls fn for every hook providing event.
func (h *Hooks) each(event byte, fn func(Hook)) {
	for _, hook := range h.GetAll() {
		if hook.Provides(event) {
			fn(hook)
		}
	}
}

// anyAllows returns true as soon as one hook providing event allows.
func (h *Hooks) anyAllows(event byte, allow func(Hook) bool) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(event) && allow(hook) {
			return true
		}
	}
	return false
}

// loadStored returns the first non-empty result of the hooks providing
// event, stopping at the first error.
func loadStored[T any](h *Hooks, event byte, what string, load func(Hook) ([]T, error)) ([]T, error) {
	for _, hook := range h.GetAll() {
		if !hook.Provides(event) {
			continue
		}

		v, err := load(hook)
		if err != nil {
			h.Log.Error("failed to load "+what, "error", err, "hook", hook.ID())
			return v, err
		}

		if len(v) > 0 {
			return v, nil
		}
	}

	return nil, nil
}

// OnSysInfoTick is called after the $SYS topics are published.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	h.each(OnSysInfoTick, func(hook Hook) { hook.OnSysInfoTick(sys) })
}

// OnStarted is called when the server has started.
func (h *Hooks) OnStarted() {
	h.each(OnStarted, func(hook Hook) { hook.OnStarted() })
}

// OnStopped is called when the server has stopped.
func (h *Hooks) OnStopped() {
	h.each(OnStopped, func(hook Hook) { hook.OnStopped() })
}

// OnConnectAuthenticate decides whether a connecting client may proceed. A
// client is refused unless some hook allows it, so at least one auth hook
// (see hooks/auth) must be attached.
func (h *Hooks) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	return h.anyAllows(OnConnectAuthenticate, func(hook Hook) bool {
		return hook.OnConnectAuthenticate(cl, pk)
	})
}

// OnACLCheck decides whether a session may publish to a topic (write), or
// subscribe to a filter and receive a message on a topic (read). Access is
// denied unless some hook allows it.
func (h *Hooks) OnACLCheck(sess *Session, topic string, write bool) bool {
	return h.anyAllows(OnACLCheck, func(hook Hook) bool {
		return hook.OnACLCheck(sess, topic, write)
	})
}

// OnSessionEstablished is called when a connection is bound to a session.
// present is true if the session existed before the connection.
func (h *Hooks) OnSessionEstablished(sess *Session, present bool) {
	h.each(OnSessionEstablished, func(hook Hook) { hook.OnSessionEstablished(sess, present) })
}

// OnDisconnect is called when the connection of a session ends. expire is
// true if the session is about to be destroyed.
func (h *Hooks) OnDisconnect(sess *Session, expire bool) {
	h.each(OnDisconnect, func(hook Hook) { hook.OnDisconnect(sess, expire) })
}

// OnSessionDestroyed is called once a session and its state are removed.
func (h *Hooks) OnSessionDestroyed(sess *Session) {
	h.each(OnSessionDestroyed, func(hook Hook) { hook.OnSessionDestroyed(sess) })
}

func (h *Hooks) OnSubscribed(sess *Session, subs packets.Subscriptions, codes []byte) {
	h.each(OnSubscribed, func(hook Hook) { hook.OnSubscribed(sess, subs, codes) })
}

func (h *Hooks) OnUnsubscribed(sess *Session, filters []string) {
	h.each(OnUnsubscribed, func(hook Hook) { hook.OnUnsubscribed(sess, filters) })
}

// OnPublished is called once a message has been routed. sess is nil for
// messages issued by the broker.
func (h *Hooks) OnPublished(sess *Session, pk packets.Packet) {
	h.each(OnPublished, func(hook Hook) { hook.OnPublished(sess, pk) })
}

// OnPublishDropped is called when a message for sess was neither delivered
// nor queued.
func (h *Hooks) OnPublishDropped(sess *Session, pk packets.Packet) {
	h.each(OnPublishDropped, func(hook Hook) { hook.OnPublishDropped(sess, pk) })
}

// OnRetainMessage is called when the retained store changes: r is 1 for a
// stored message and -1 for a removal.
func (h *Hooks) OnRetainMessage(pk packets.Packet, r int64) {
	h.each(OnRetainMessage, func(hook Hook) { hook.OnRetainMessage(pk, r) })
}

// OnQosPublish is called whenever an inflight message is issued, resent or
// changes acknowledgement state.
func (h *Hooks) OnQosPublish(sess *Session, m InflightMessage) {
	h.each(OnQosPublish, func(hook Hook) { hook.OnQosPublish(sess, m) })
}

// OnQosComplete is called when an inflight message is fully acknowledged.
func (h *Hooks) OnQosComplete(sess *Session, pk packets.Packet) {
	h.each(OnQosComplete, func(hook Hook) { hook.OnQosComplete(sess, pk) })
}

// OnQosDropped is called when an inflight message is abandoned.
func (h *Hooks) OnQosDropped(sess *Session, pk packets.Packet) {
	h.each(OnQosDropped, func(hook Hook) { hook.OnQosDropped(sess, pk) })
}

// OnQosReceived is called when a qos 2 publish from sess is first received
// and its packet id is held until released.
func (h *Hooks) OnQosReceived(sess *Session, pk packets.Packet) {
	h.each(OnQosReceived, func(hook Hook) { hook.OnQosReceived(sess, pk) })
}

// OnQosReleased is called when sess releases a received qos 2 packet id.
func (h *Hooks) OnQosReleased(sess *Session, id uint16) {
	h.each(OnQosReleased, func(hook Hook) { hook.OnQosReleased(sess, id) })
}

func (h *Hooks) OnMessageQueued(sess *Session, m QueuedMessage) {
	h.each(OnMessageQueued, func(hook Hook) { hook.OnMessageQueued(sess, m) })
}

// OnMessageDequeued is called when a queued message enters the inflight window.
func (h *Hooks) OnMessageDequeued(sess *Session, m QueuedMessage) {
	h.each(OnMessageDequeued, func(hook Hook) { hook.OnMessageDequeued(sess, m) })
}

// OnRetryLimitExceeded is called once for an inflight message resent more
// than the configured maximum.
func (h *Hooks) OnRetryLimitExceeded(sess *Session, pk packets.Packet, err error) {
	h.each(OnRetryLimitExceeded, func(hook Hook) { hook.OnRetryLimitExceeded(sess, pk, err) })
}

// OnWillSent is called after the will of sess has been published.
func (h *Hooks) OnWillSent(sess *Session, pk packets.Packet) {
	h.each(OnWillSent, func(hook Hook) { hook.OnWillSent(sess, pk) })
}

// StoredSessions returns the persisted sessions used to seed the registry.
func (h *Hooks) StoredSessions() ([]storage.Session, error) {
	return loadStored(h, StoredSessions, "sessions", Hook.StoredSessions)
}

// StoredSubscriptions returns the persisted subscriptions used to seed the router.
func (h *Hooks) StoredSubscriptions() ([]storage.Subscription, error) {
	return loadStored(h, StoredSubscriptions, "subscriptions", Hook.StoredSubscriptions)
}

// StoredInflightMessages returns the persisted inflight messages of the sessions.
func (h *Hooks) StoredInflightMessages() ([]storage.Message, error) {
	return loadStored(h, StoredInflightMessages, "inflight messages", Hook.StoredInflightMessages)
}

// StoredQueuedMessages returns the persisted outbound queues of the sessions.
func (h *Hooks) StoredQueuedMessages() ([]storage.Message, error) {
	return loadStored(h, StoredQueuedMessages, "queued messages", Hook.StoredQueuedMessages)
}

// StoredInboundMessages returns the persisted qos 2 receipts of the sessions.
func (h *Hooks) StoredInboundMessages() ([]storage.Message, error) {
	return loadStored(h, StoredInboundMessages, "inbound receipts", Hook.StoredInboundMessages)
}

// StoredRetainedMessages returns the persisted retained messages.
func (h *Hooks) StoredRetainedMessages() ([]storage.Message, error) {
	return loadStored(h, StoredRetainedMessages, "retained messages", Hook.StoredRetainedMessages)
}

// StoredSysInfo returns the first persisted $SYS snapshot with a version.
func (h *Hooks) StoredSysInfo() (storage.SystemInfo, error) {
	for _, hook := range h.GetAll() {
		if !hook.Provides(StoredSysInfo) {
			continue
		}

		v, err := hook.StoredSysInfo()
		if err != nil {
			h.Log.Error("failed to load $SYS info", "error", err, "hook", hook.ID())
			return v, err
		}

		if v.Version != "" {
			return v, nil
		}
	}

	return storage.SystemInfo{}, nil
}

// HookBase implements every hook method as a no-op which provides nothing
// and allows nothing. Hooks embed it and override what they need.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

func (h *HookBase) ID() string                 { return "base" }
func (h *HookBase) Provides(b byte) bool       { return false }
func (h *HookBase) Init(config any) error      { return nil }
func (h *HookBase) Stop() error                { return nil }
func (h *HookBase) OnStarted()                 {}
func (h *HookBase) OnStopped()                 {}
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// SetOpts is called by the server when the hook is added.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

func (h *HookBase) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool { return false }
func (h *HookBase) OnACLCheck(sess *Session, topic string, write bool) bool  { return false }

func (h *HookBase) OnSessionEstablished(sess *Session, present bool)                     {}
func (h *HookBase) OnDisconnect(sess *Session, expire bool)                              {}
func (h *HookBase) OnSessionDestroyed(sess *Session)                                     {}
func (h *HookBase) OnSubscribed(sess *Session, subs packets.Subscriptions, codes []byte) {}
func (h *HookBase) OnUnsubscribed(sess *Session, filters []string)                       {}
func (h *HookBase) OnPublished(sess *Session, pk packets.Packet)                         {}
func (h *HookBase) OnPublishDropped(sess *Session, pk packets.Packet)                    {}
func (h *HookBase) OnRetainMessage(pk packets.Packet, r int64)                           {}
func (h *HookBase) OnQosPublish(sess *Session, m InflightMessage)                        {}
func (h *HookBase) OnQosComplete(sess *Session, pk packets.Packet)                       {}
func (h *HookBase) OnQosDropped(sess *Session, pk packets.Packet)                        {}
func (h *HookBase) OnQosReceived(sess *Session, pk packets.Packet)                       {}
func (h *HookBase) OnQosReleased(sess *Session, id uint16)                               {}
func (h *HookBase) OnMessageQueued(sess *Session, m QueuedMessage)                       {}
func (h *HookBase) OnMessageDequeued(sess *Session, m QueuedMessage)                     {}
func (h *HookBase) OnRetryLimitExceeded(sess *Session, pk packets.Packet, err error)     {}
func (h *HookBase) OnWillSent(sess *Session, pk packets.Packet)                          {}

func (h *HookBase) StoredSessions() ([]storage.Session, error)           { return nil, nil }
func (h *HookBase) StoredSubscriptions() ([]storage.Subscription, error) { return nil, nil }
func (h *HookBase) StoredInflightMessages() ([]storage.Message, error)   { return nil, nil }
func (h *HookBase) StoredQueuedMessages() ([]storage.Message, error)     { return nil, nil }
func (h *HookBase) StoredInboundMessages() ([]storage.Message, error)    { return nil, nil }
func (h *HookBase) StoredRetainedMessages() ([]storage.Message, error)   { return nil, nil }
func (h *HookBase) StoredSysInfo() (storage.SystemInfo, error)           { return storage.SystemInfo{}, nil }
