// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package auth contains the hooks which decide whether a client may connect
// and which topics its session may publish or subscribe to.
package auth

import (
	"bytes"
	"os"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/packets"
)

// provides lists the hook methods of every auth hook.
var provides = []byte{
	mqtt.OnConnectAuthenticate,
	mqtt.OnACLCheck,
}

// AllowHook is an authentication hook which allows connection access
// for all users and read and write access to all topics.
type AllowHook struct {
	mqtt.HookBase
}

// ID returns the ID of the hook.
func (h *AllowHook) ID() string {
	return "allow-all-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *AllowHook) Provides(b byte) bool {
	return bytes.Contains(provides, []byte{b})
}

// OnConnectAuthenticate allows every connection.
func (h *AllowHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return true
}

// OnACLCheck allows every topic.
func (h *AllowHook) OnACLCheck(sess *mqtt.Session, topic string, write bool) bool {
	return true
}

// Options contains the rules of the auth ledger. Ledger takes precedence over
// Data, which takes precedence over Path.
type Options struct {
	Data   []byte
	Path   string
	Ledger *Ledger
}

// Hook is an authentication hook which checks connections and topics
// against an auth ledger.
type Hook struct {
	mqtt.HookBase
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains(provides, []byte{b})
}

// Init loads the auth ledger. An empty ledger refuses every connection.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	opts := new(Options)
	if config != nil {
		opts = config.(*Options)
	}

	data := opts.Data
	if opts.Ledger == nil && len(data) == 0 && opts.Path != "" {
		b, err := os.ReadFile(opts.Path)
		if err != nil {
			return err
		}
		data = b
	}

	switch {
	case opts.Ledger != nil:
		h.ledger = opts.Ledger
	default:
		h.ledger = &Ledger{Auth: AuthRules{}, ACL: ACLRules{}}
		if err := h.ledger.Unmarshal(data); err != nil {
			return err
		}
	}

	h.Log.Info("loaded auth rules",
		"users", len(h.ledger.Users),
		"authentication", len(h.ledger.Auth),
		"acl", len(h.ledger.ACL))

	return nil
}

// Ledger returns the ledger the hook checks against. Rules may be replaced
// at runtime with Ledger.Update.
func (h *Hook) Ledger() *Ledger {
	return h.ledger
}

// OnConnectAuthenticate returns true if the ledger allows the connecting client.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if _, ok := h.ledger.AuthOk(cl, pk); ok {
		return true
	}

	h.Log.Info("client failed authentication check",
		"client", cl.ID,
		"username", string(pk.Connect.Username),
		"remote", cl.Net.Remote)

	return false
}

// OnACLCheck returns true if the ledger allows the session to read from or write to a topic.
func (h *Hook) OnACLCheck(sess *mqtt.Session, topic string, write bool) bool {
	if _, ok := h.ledger.ACLOk(sess, topic, write); ok {
		return true
	}

	h.Log.Debug("client failed ledger acl check", "client", sess.ID, "topic", topic, "write", write)
	return false
}
