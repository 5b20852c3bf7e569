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

// RetryPolicy determines what happens to an in-flight message once it has been
// resent more than Capabilities.MaximumRetries times.
type RetryPolicy string

const (
	RetryPolicyKeep       RetryPolicy = "keep"       // keep resending at the maximum interval
	RetryPolicyDrop       RetryPolicy = "drop"       // abandon the message and admit the next queued message
	RetryPolicyDisconnect RetryPolicy = "disconnect" // close the connection bound to the session
)

// dispatch runs a task on the worker column of a client id without waiting.
func (s *Server) dispatch(id string, task func()) bool {
	return s.workers.Enqueue(id, task)
}

// dispatchWait runs a task on the worker column of a client id and waits for
// it to finish. It must never be called from a worker task.
func (s *Server) dispatchWait(id string, task func()) bool {
	return s.workers.EnqueueWait(id, task)
}

// deliver hands a message to the worker column of a session.
func (s *Server) deliver(sess *Session, pk packets.Packet) {
	s.dispatch(sess.ID, func() {
		s.enqueue(sess, pk)
	})
}

// live returns true if sess is still the session registered for its client id.
func (s *Server) live(sess *Session) bool {
	cur, ok := s.Sessions.Get(sess.ID)
	return ok && cur == sess
}

// enqueue admits an outbound message into the in-flight window of a session,
// or appends it to the session queue if the window can't take it.
func (s *Server) enqueue(sess *Session, pk packets.Packet) {
	if !s.live(sess) {
		return
	}

	if pk.FixedHeader.Qos == 0 {
		if !sess.Connected() {
			s.dropMessage(sess, pk)
			return
		}
		_ = s.write(sess, pk)
		return
	}

	seq := sess.nextSeq()
	if sess.Connected() && sess.State.Queue.Len() == 0 {
		if m, err := sess.State.Inflight.Admit(pk, seq); err == nil {
			s.issue(sess, m)
			return
		}
	}

	qm := QueuedMessage{Packet: pk, Seq: seq}
	if !sess.State.Queue.Push(qm) {
		s.dropMessage(sess, pk)
		return
	}

	s.hooks.OnMessageQueued(sess, qm)
}

// dropMessage discards a message which could be neither sent nor queued.
func (s *Server) dropMessage(sess *Session, pk packets.Packet) {
	atomic.AddInt64(&s.Info.MessagesDropped, 1)
	s.Log.Debug("message dropped", "client", sess.ID, "topic", pk.TopicName, "qos", pk.FixedHeader.Qos)
	s.hooks.OnPublishDropped(sess, pk)
}

// issue sends a newly admitted in-flight message and schedules its resend.
func (s *Server) issue(sess *Session, m *InflightMessage) {
	atomic.AddInt64(&s.Info.Inflight, 1)
	m.Sent = time.Now().Unix()
	s.hooks.OnQosPublish(sess, *m)
	_ = s.write(sess, m.Packet)
	s.schedule(sess, m)
}

// drain admits queued messages, oldest first, while the session is connected
// and its window has free slots.
func (s *Server) drain(sess *Session) {
	for sess.Connected() && !sess.State.Inflight.Full() {
		qm, ok := sess.State.Queue.Pop()
		if !ok {
			return
		}
		s.hooks.OnMessageDequeued(sess, qm)

		m, err := sess.State.Inflight.Admit(qm.Packet, qm.Seq)
		if err != nil {
			sess.State.Queue.Restore(qm)
			s.hooks.OnMessageQueued(sess, qm)
			return
		}

		s.issue(sess, m)
	}
}

// write sends a packet to the connection bound to a session.
func (s *Server) write(sess *Session, pk packets.Packet) error {
	snd := sess.Sender()
	if snd == nil {
		return ErrConnectionClosed
	}

	err := snd.WritePacket(pk)
	if err != nil {
		s.Log.Debug("failed to write packet", "error", err, "client", sess.ID, "type", packets.PacketNames[pk.FixedHeader.Type], "packet_id", pk.PacketID)
	}

	return err
}

// schedule arms the retransmit timer of an in-flight message for its current generation.
func (s *Server) schedule(sess *Session, m *InflightMessage) {
	caps := s.Options.Capabilities
	d := retryDelay(
		time.Duration(caps.RetryInterval)*time.Millisecond,
		time.Duration(caps.RetryIntervalMaximum)*time.Millisecond,
		caps.RetryBackoff,
		m.Retries,
	)
	s.retrier.Schedule(time.Now().Add(d), sess.ID, m.Packet.PacketID, m.gen)
}

// resend retransmits an in-flight message in its current state: the publish
// with the DUP flag, or the PUBREL once a PUBREC has been received.
func (s *Server) resend(sess *Session, m *InflightMessage) {
	m.Sent = time.Now().Unix()
	if m.State == StateReceived {
		s.hooks.OnQosPublish(sess, *m)
		_ = s.write(sess, ackPacket(packets.Pubrel, m.Packet.PacketID))
		return
	}

	m.Packet.FixedHeader.Dup = true
	s.hooks.OnQosPublish(sess, *m)
	_ = s.write(sess, m.Packet)
}

// complete removes an acknowledged message from the window and admits the next queued message.
func (s *Server) complete(sess *Session, m *InflightMessage) {
	sess.State.Inflight.Delete(m.Packet.PacketID)
	m.gen++
	atomic.AddInt64(&s.Info.Inflight, -1)
	s.hooks.OnQosComplete(sess, m.Packet)
	s.drain(sess)
}

// abandon removes an unacknowledged message from the window.
func (s *Server) abandon(sess *Session, m *InflightMessage) {
	sess.State.Inflight.Delete(m.Packet.PacketID)
	m.gen++
	atomic.AddInt64(&s.Info.Inflight, -1)
	atomic.AddInt64(&s.Info.InflightDropped, 1)
	s.hooks.OnQosDropped(sess, m.Packet)
	s.drain(sess)
}

// retry is called on the worker column of a client when a retransmit timer fires.
// Timers of completed messages, or of messages which have changed generation
// since they were armed, are ignored.
func (s *Server) retry(client string, id uint16, gen uint64) {
	sess, ok := s.Sessions.Get(client)
	if !ok || !sess.Connected() {
		return
	}

	m, ok := sess.State.Inflight.Get(id)
	if !ok || m.gen != gen {
		return
	}

	m.Retries++
	caps := s.Options.Capabilities
	if caps.MaximumRetries > 0 && m.Retries > caps.MaximumRetries {
		if !m.limited {
			m.limited = true
			err := fmt.Errorf("%w: client %s packet %d after %d resends", ErrRetryLimitExceeded, client, id, caps.MaximumRetries)
			s.Log.Warn("inflight message retry limit exceeded", "error", err, "client", client, "packet_id", id, "policy", caps.RetryPolicy)
			s.hooks.OnRetryLimitExceeded(sess, m.Packet, err)
		}

		switch caps.RetryPolicy {
		case RetryPolicyDrop:
			s.abandon(sess, m)
			return
		case RetryPolicyDisconnect:
			if snd := sess.Sender(); snd != nil {
				snd.Close(ErrRetryLimitExceeded)
			}
			return
		}
	}

	s.resend(sess, m)
	s.schedule(sess, m)
}

// resume retransmits the in-flight messages of a reconnected session in their
// original enqueue order, then admits queued messages into free slots.
func (s *Server) resume(sess *Session) {
	for _, m := range sess.State.Inflight.GetAll() {
		m.gen++
		m.Retries = 0
		m.limited = false
		s.resend(sess, m)
		s.schedule(sess, m)
	}

	s.drain(sess)
}

// suspend cancels the retransmit timers of a disconnected session.
func (s *Server) suspend(sess *Session) {
	for _, m := range sess.State.Inflight.GetAll() {
		m.gen++
	}
}

// clearState discards the delivery state of a session.
func (s *Server) clearState(sess *Session) {
	for _, m := range sess.State.Inflight.Clear() {
		m.gen++
		atomic.AddInt64(&s.Info.Inflight, -1)
	}
	sess.State.Queue.Clear()
	sess.State.Inbound.Clear()
}

// unknownPacketID logs an acknowledgement which matched no in-flight message.
func (s *Server) unknownPacketID(sess *Session, kind byte, id uint16) {
	s.Log.Debug("ignored acknowledgement",
		"error", fmt.Errorf("%w: %d", ErrUnknownPacketID, id),
		"client", sess.ID,
		"type", packets.PacketNames[kind])
}

// Puback completes an outbound qos 1 message.
func (s *Server) Puback(sess *Session, id uint16) {
	s.dispatchWait(sess.ID, func() {
		m, ok := sess.State.Inflight.Get(id)
		if !ok || m.Packet.FixedHeader.Qos != 1 {
			s.unknownPacketID(sess, packets.Puback, id)
			return
		}
		s.complete(sess, m)
	})
}

// Pubrec moves an outbound qos 2 message to the released step and answers
// with PUBREL. A duplicate PUBREC only resends the PUBREL.
func (s *Server) Pubrec(sess *Session, id uint16) {
	s.dispatchWait(sess.ID, func() {
		m, ok := sess.State.Inflight.Get(id)
		if !ok {
			s.unknownPacketID(sess, packets.Pubrec, id)
			_ = s.write(sess, ackPacket(packets.Pubrel, id))
			return
		}

		if m.Packet.FixedHeader.Qos != 2 {
			s.unknownPacketID(sess, packets.Pubrec, id)
			return
		}

		if m.State == StateReceived {
			_ = s.write(sess, ackPacket(packets.Pubrel, id))
			return
		}

		m.State = StateReceived
		m.Retries = 0
		m.limited = false
		m.Sent = time.Now().Unix()
		m.gen++
		s.hooks.OnQosPublish(sess, *m)
		_ = s.write(sess, ackPacket(packets.Pubrel, id))
		s.schedule(sess, m)
	})
}

// Pubcomp completes an outbound qos 2 message.
func (s *Server) Pubcomp(sess *Session, id uint16) {
	s.dispatchWait(sess.ID, func() {
		m, ok := sess.State.Inflight.Get(id)
		if !ok || m.State != StateReceived {
			s.unknownPacketID(sess, packets.Pubcomp, id)
			return
		}
		s.complete(sess, m)
	})
}

// Receive processes a publish sent by the connection of a session, routing
// the message and answering the acknowledgement of its qos. A qos 2 packet id
// is routed once, and duplicates are only acknowledged until it is released.
func (s *Server) Receive(sess *Session, pk packets.Packet) error {
	if !IsValidTopic(pk.TopicName) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, pk.TopicName)
	}

	switch pk.FixedHeader.Qos {
	case 0:
		return s.Publish(sess, pk)
	case 1:
		if err := s.Publish(sess, pk); err != nil {
			return err
		}
		_ = s.write(sess, ackPacket(packets.Puback, pk.PacketID))
	default:
		fresh := false
		s.dispatchWait(sess.ID, func() {
			fresh = sess.State.Inbound.Receive(pk.PacketID, time.Now().Unix())
			if fresh {
				s.hooks.OnQosReceived(sess, pk)
			}
		})

		if fresh {
			if err := s.Publish(sess, pk); err != nil {
				return err
			}
		}
		_ = s.write(sess, ackPacket(packets.Pubrec, pk.PacketID))
	}

	return nil
}

// Pubrel releases an inbound qos 2 packet id and answers with PUBCOMP.
func (s *Server) Pubrel(sess *Session, id uint16) {
	released := false
	s.dispatchWait(sess.ID, func() {
		released = sess.State.Inbound.Release(id)
		if released {
			s.hooks.OnQosReleased(sess, id)
		}
	})

	if !released {
		s.unknownPacketID(sess, packets.Pubrel, id)
	}

	_ = s.write(sess, ackPacket(packets.Pubcomp, id))
}

// ackPacket returns an acknowledgement packet of a type for a packet id.
func ackPacket(kind byte, id uint16) packets.Packet {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: kind,
		},
		PacketID: id,
	}

	if kind == packets.Pubrel {
		pk.FixedHeader.Qos = 1
	}

	return pk
}
