// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kazetsukaimiko/moquette/packets"
)

// identified is implemented by senders which carry the details of the
// connection they belong to.
type identified interface {
	Identity() (username []byte, remote, listener string, will Will)
}

// Connect binds a connection to the session of a client id. A clean connect
// destroys any existing session and starts an empty one. A persistent connect
// resumes an existing persistent session, retransmitting its in-flight messages
// and then admitting its queued messages; an existing clean session is
// destroyed instead, since its state ends with its connection. Any other
// connection bound to the session is closed. Returns the session and whether
// it was present before the connect.
func (s *Server) Connect(id string, clean bool, snd Sender) (*Session, bool) {
	if existing, ok := s.Sessions.Get(id); ok && (clean || existing.Clean) {
		s.destroy(existing, ErrSessionTakenOver)
	}

	sess, isNew := s.Sessions.GetOrCreate(id, clean, s.Options.Capabilities)
	if isNew {
		atomic.AddInt64(&s.Info.ClientsTotal, 1)
	}

	if c, ok := snd.(identified); ok {
		sess.Lock()
		sess.Username, sess.Remote, sess.Listener, sess.Will = c.Identity()
		sess.Unlock()
	}

	tookOver := false
	s.dispatchWait(id, func() {
		switch old := sess.attach(snd); {
		case old == nil:
			s.Info.ObserveClients(atomic.AddInt64(&s.Info.ClientsConnected, 1))
		case old != snd:
			tookOver = true
			old.Close(ErrSessionTakenOver)
		}
		s.resume(sess)
	})

	if tookOver {
		s.Log.Debug("session taken over", "client", id)
	}

	s.hooks.OnSessionEstablished(sess, !isNew)
	return sess, !isNew
}

// Disconnect unbinds the connection of a client id from its session. A
// persistent session keeps its subscriptions and delivery state; any other
// session is destroyed.
func (s *Server) Disconnect(id string) {
	s.disconnect(id, nil)
}

// disconnect unbinds a connection from the session of a client id. If from is
// not nil it must be the connection bound to the session.
func (s *Server) disconnect(id string, from Sender) {
	sess, ok := s.Sessions.Get(id)
	if !ok {
		return
	}

	var old Sender
	detached := false
	s.dispatchWait(id, func() {
		old, detached = sess.detach(from)
		if detached {
			atomic.AddInt64(&s.Info.ClientsConnected, -1)
			s.suspend(sess)
		}
	})

	if !detached {
		return
	}

	if from == nil && old != nil {
		old.Close(ErrConnectionClosed)
	}

	s.hooks.OnDisconnect(sess, sess.Clean)

	if sess.Clean {
		s.destroy(sess, nil)
	}
}

// Destroy removes the session of a client id regardless of its persistence,
// closing any connection bound to it. Returns false if there was no session.
func (s *Server) Destroy(id string) bool {
	sess, ok := s.Sessions.Get(id)
	if !ok {
		return false
	}

	s.destroy(sess, ErrConnectionClosed)
	return true
}

// destroy unregisters a session, removes its subscriptions from the topic
// index and discards its delivery state.
func (s *Server) destroy(sess *Session, cause error) {
	if !s.Sessions.Delete(sess) {
		return
	}
	atomic.AddInt64(&s.Info.ClientsTotal, -1)

	var snd Sender
	teardown := func() {
		s.unsubscribeAll(sess)
		var connected bool
		snd, connected = sess.detach(nil)
		if connected {
			atomic.AddInt64(&s.Info.ClientsConnected, -1)
		}
		s.clearState(sess)
	}

	if !s.dispatchWait(sess.ID, teardown) {
		teardown() // workers are closed
	}

	if snd != nil {
		snd.Close(cause)
	}

	s.hooks.OnSessionDestroyed(sess)
}

// unsubscribeAll removes every subscription of a session from the topic index.
// Filters also held by a newer session registered under the same client id
// are left in the index.
func (s *Server) unsubscribeAll(sess *Session) {
	cur, _ := s.Sessions.Get(sess.ID)
	for filter := range sess.Subscriptions.GetAll() {
		sess.Subscriptions.Delete(filter)
		if cur != nil && cur != sess {
			if _, held := cur.Subscriptions.Get(filter); held {
				continue
			}
		}

		if s.Topics.Unsubscribe(filter, sess.ID) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}
	}
}

// Subscribe adds subscriptions to a session and returns a return code for each
// filter, in order. Every filter is validated before any change is made. Each
// retained message matching a granted filter is then delivered to the session.
func (s *Server) Subscribe(sess *Session, subs packets.Subscriptions) ([]byte, error) {
	codes, granted, err := s.subscribe(sess, subs)
	if err != nil {
		return nil, err
	}

	s.publishRetained(sess, granted)
	return codes, nil
}

// subscribe adds subscriptions to a session and returns the return codes and
// the granted subscriptions, without delivering retained messages. The topic
// index is only changed while sess is the session registered for its id.
func (s *Server) subscribe(sess *Session, subs packets.Subscriptions) ([]byte, packets.Subscriptions, error) {
	for _, sub := range subs {
		if !IsValidFilter(sub.Filter) {
			return nil, nil, fmt.Errorf("%w: %q", ErrInvalidFilter, sub.Filter)
		}
	}

	codes := make([]byte, len(subs))
	allowed := make([]bool, len(subs))
	for i, sub := range subs {
		if allowed[i] = s.hooks.OnACLCheck(sess, sub.Filter, false); !allowed[i] {
			codes[i] = packets.ErrSubscribeFailure.Code
			s.Log.Debug("subscription denied", "client", sess.ID, "filter", sub.Filter)
		}
	}

	granted := make(packets.Subscriptions, 0, len(subs))
	err := s.onLiveSession(sess, func() {
		for i, sub := range subs {
			if !allowed[i] {
				continue
			}

			if sub.Qos > s.Options.Capabilities.MaximumQos {
				sub.Qos = s.Options.Capabilities.MaximumQos
			}

			isNew, err := s.Topics.Subscribe(sess.ID, sub)
			if err != nil {
				codes[i] = packets.ErrSubscribeFailure.Code
				continue
			}

			if isNew {
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}

			sess.Subscriptions.Add(sub.Filter, sub)
			codes[i] = sub.Qos
			granted = append(granted, sub)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	s.hooks.OnSubscribed(sess, subs, codes)
	return codes, granted, nil
}

// onLiveSession runs task on the worker column of a session if it is still the
// session registered for its client id. A session which was destroyed or
// replaced returns ErrSessionClosed without running task.
func (s *Server) onLiveSession(sess *Session, task func()) error {
	live := false
	ran := s.dispatchWait(sess.ID, func() {
		if live = s.live(sess); live {
			task()
		}
	})

	switch {
	case !ran:
		return ErrServerShuttingDown
	case !live:
		return fmt.Errorf("%w: %s", ErrSessionClosed, sess.ID)
	}

	return nil
}

// publishRetained delivers the retained messages matching granted subscriptions to a session.
func (s *Server) publishRetained(sess *Session, granted packets.Subscriptions) {
	for _, sub := range granted {
		for _, pk := range s.Retained.RetainedFor(sub.Filter) {
			if !s.hooks.OnACLCheck(sess, pk.TopicName, false) {
				continue
			}

			out := pk.Copy(false)
			out.FixedHeader.Retain = true
			if sub.Qos < out.FixedHeader.Qos {
				out.FixedHeader.Qos = sub.Qos
			}

			s.deliver(sess, out)
		}
	}
}

// Unsubscribe removes subscriptions from a session. Filters which are not
// subscribed are ignored.
func (s *Server) Unsubscribe(sess *Session, filters []string) error {
	err := s.onLiveSession(sess, func() {
		for _, filter := range filters {
			if s.Topics.Unsubscribe(filter, sess.ID) {
				atomic.AddInt64(&s.Info.Subscriptions, -1)
			}
			sess.Subscriptions.Delete(filter)
		}
	})
	if err != nil {
		return err
	}

	s.hooks.OnUnsubscribed(sess, filters)
	return nil
}

// Publish routes a message to every session subscribed to its topic. A nil
// origin is a message issued by the broker itself, which skips the write
// access check. A publish which is denied write access is dropped silently.
func (s *Server) Publish(origin *Session, pk packets.Packet) error {
	if !IsValidTopic(pk.TopicName) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, pk.TopicName)
	}

	if origin != nil {
		if !s.hooks.OnACLCheck(origin, pk.TopicName, true) {
			s.Log.Debug("publish denied", "client", origin.ID, "topic", pk.TopicName)
			return nil
		}
		pk.Origin = origin.ID
	}

	if pk.Created == 0 {
		pk.Created = time.Now().Unix()
	}

	if pk.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		pk.FixedHeader.Qos = s.Options.Capabilities.MaximumQos
	}

	if pk.FixedHeader.Retain {
		s.retainMessage(pk)
	}

	s.publishToSubscribers(pk)
	s.hooks.OnPublished(origin, pk)
	return nil
}

// Inject publishes a message issued by the broker to a topic.
func (s *Server) Inject(topic string, payload []byte, retain bool, qos byte) error {
	return s.Publish(nil, packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	})
}

// retainMessage stores or clears the retained message of a topic.
func (s *Server) retainMessage(pk packets.Packet) {
	if s.Options.Capabilities.RetainAvailable == 0 {
		return
	}

	r := s.Retained.PublishRetained(pk.Copy(false))
	if r == 0 {
		return
	}

	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
	s.hooks.OnRetainMessage(pk, r)
}

// publishToSubscribers delivers a copy of a message to every session with a
// subscription matching its topic, at the lower of the message and subscription qos.
func (s *Server) publishToSubscribers(pk packets.Packet) {
	subs, err := s.Topics.Subscribers(pk.TopicName)
	if err != nil {
		return
	}

	for id, sub := range subs {
		sess, ok := s.Sessions.Get(id)
		if !ok {
			continue
		}

		if !s.hooks.OnACLCheck(sess, pk.TopicName, false) {
			continue
		}

		out := pk.Copy(false)
		out.FixedHeader.Retain = false
		if sub.Qos < out.FixedHeader.Qos {
			out.FixedHeader.Qos = sub.Qos
		}

		s.deliver(sess, out)
	}
}
