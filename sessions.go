// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"

	"github.com/kazetsukaimiko/moquette/packets"
)

// Session connection status values.
const (
	StatusDisconnected uint32 = iota
	StatusConnected
)

// Sender writes packets to the network connection bound to a session.
// Implementations must not block the caller for longer than it takes to
// hand the packet to a write buffer.
type Sender interface {
	WritePacket(pk packets.Packet) error
	Close(cause error)
}

// Will contains the last will and testament details for a session.
type Will struct {
	Payload   []byte `json:"payload,omitempty"`
	TopicName string `json:"topicName,omitempty"`
	Qos       byte   `json:"qos,omitempty"`
	Retain    bool   `json:"retain,omitempty"`
	Flag      uint32 `json:"flag,omitempty"`
}

// SessionState is the delivery state of a session. The in-flight window, the
// outbound queue and the inbound qos 2 receipts are mutated only from the
// session's worker column.
type SessionState struct {
	Inflight *Inflight // unacknowledged outbound qos 1 and 2 messages
	Queue    *Queue    // outbound messages waiting for a window slot
	Inbound  *Inbound  // qos 2 packet ids received but not yet released
	seq      uint64    // enqueue sequence counter
}

// Session is the broker side state of a client identifier. Persistent sessions
// outlive the network connections which are bound to them.
type Session struct {
	sync.RWMutex
	ID            string         // the client id
	Username      []byte         // the username the client authenticated with
	Remote        string         // the remote address of the last connection
	Listener      string         // the listener of the last connection
	Will          Will           // the will message of the current connection
	Subscriptions *Subscriptions // subscription filters held by the session
	State         SessionState   // delivery state
	Clean         bool           // discard the session when the connection ends
	Created       int64          // unix time the session was created
	Disconnected  int64          // unix time the last connection ended
	status        uint32
	sender        Sender
}

// SessionInfo is a point-in-time copy of the descriptive fields of a session.
type SessionInfo struct {
	ID            string
	Username      []byte
	Remote        string
	Listener      string
	Clean         bool
	Created       int64
	Disconnected  int64
	Connected     bool
	Subscriptions packets.Subscriptions `copier:"-"`
	Inflight      int                   `copier:"-"`
	Queued        int                   `copier:"-"`
}

// NewSession returns a new disconnected session.
func NewSession(id string, clean bool, caps *Capabilities) *Session {
	return &Session{
		ID:            id,
		Clean:         clean,
		Created:       time.Now().Unix(),
		Subscriptions: NewSubscriptions(),
		State: SessionState{
			Inflight: NewInflights(int(caps.MaximumInflight)),
			Queue:    NewQueue(caps.MaximumQueued),
			Inbound:  NewInbound(),
		},
	}
}

// Connected returns true if a connection is bound to the session.
func (s *Session) Connected() bool {
	return atomic.LoadUint32(&s.status) == StatusConnected
}

// Sender returns the connection currently bound to the session, if any.
func (s *Session) Sender() Sender {
	s.RLock()
	defer s.RUnlock()
	return s.sender
}

// attach binds a connection to the session, returning any previously bound connection.
func (s *Session) attach(snd Sender) Sender {
	s.Lock()
	defer s.Unlock()
	old := s.sender
	s.sender = snd
	atomic.StoreUint32(&s.status, StatusConnected)
	return old
}

// detach unbinds the connection from the session. If from is not nil, the
// session is only detached when from is the bound connection, so a connection
// which was taken over cannot disconnect its successor.
func (s *Session) detach(from Sender) (Sender, bool) {
	s.Lock()
	defer s.Unlock()

	if from != nil && s.sender != from {
		return nil, false
	}

	if s.sender == nil && atomic.LoadUint32(&s.status) == StatusDisconnected {
		return nil, false
	}

	old := s.sender
	s.sender = nil
	s.Disconnected = time.Now().Unix()
	atomic.StoreUint32(&s.status, StatusDisconnected)
	return old, true
}

// nextSeq returns the next enqueue sequence number of the session.
func (s *Session) nextSeq() uint64 {
	return atomic.AddUint64(&s.State.seq, 1)
}

// setSeq advances the sequence counter to at least v, used when restoring from a store.
func (s *Session) setSeq(v uint64) {
	for {
		cur := atomic.LoadUint64(&s.State.seq)
		if v <= cur || atomic.CompareAndSwapUint64(&s.State.seq, cur, v) {
			return
		}
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() (SessionInfo, error) {
	s.RLock()
	defer s.RUnlock()

	var info SessionInfo
	if err := copier.CopyWithOption(&info, s, copier.Option{DeepCopy: true}); err != nil {
		return info, fmt.Errorf("snapshot session %s: %w", s.ID, err)
	}
	info.Connected = s.Connected()
	info.Subscriptions = s.Subscriptions.Sorted()
	info.Inflight = s.State.Inflight.Len()
	info.Queued = s.State.Queue.Len()
	return info, nil
}

// Sessions is the registry of sessions keyed on client id.
type Sessions struct {
	internal map[string]*Session
	sync.RWMutex
}

// NewSessions returns a new instance of Sessions.
func NewSessions() *Sessions {
	return &Sessions{
		internal: map[string]*Session{},
	}
}

// GetOrCreate returns the existing session for a client id if one exists and
// neither it nor the request is clean. Otherwise a new empty session replaces
// any existing session. The caller is responsible for tearing down a replaced
// session.
func (r *Sessions) GetOrCreate(id string, clean bool, caps *Capabilities) (*Session, bool) {
	r.Lock()
	defer r.Unlock()

	if existing, ok := r.internal[id]; ok && !clean && !existing.Clean {
		return existing, false
	}

	sess := NewSession(id, clean, caps)
	r.internal[id] = sess
	return sess, true
}

// Add adds a session to the registry, replacing any existing session with the same id.
func (r *Sessions) Add(sess *Session) {
	r.Lock()
	defer r.Unlock()
	r.internal[sess.ID] = sess
}

// Get returns a session by client id.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.RLock()
	defer r.RUnlock()
	sess, ok := r.internal[id]
	return sess, ok
}

// GetAll returns a copy of the registry map.
func (r *Sessions) GetAll() map[string]*Session {
	r.RLock()
	defer r.RUnlock()
	m := make(map[string]*Session, len(r.internal))
	for k, v := range r.internal {
		m[k] = v
	}
	return m
}

// GetByListener returns the connected sessions whose connection arrived on a listener.
func (r *Sessions) GetByListener(listener string) []*Session {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Session, 0, len(r.internal))
	for _, sess := range r.internal {
		sess.RLock()
		l := sess.Listener
		sess.RUnlock()
		if l == listener && sess.Connected() {
			out = append(out, sess)
		}
	}
	return out
}

// Len returns the number of sessions.
func (r *Sessions) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}

// Delete removes a session from the registry if it is still the session
// registered under its id. Returns true if the session was removed.
func (r *Sessions) Delete(sess *Session) bool {
	r.Lock()
	defer r.Unlock()
	if cur, ok := r.internal[sess.ID]; ok && cur == sess {
		delete(r.internal, sess.ID)
		return true
	}
	return false
}
