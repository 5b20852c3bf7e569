// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"sync"

	"github.com/kazetsukaimiko/moquette/packets"
)

// InflightState is the delivery state of an outbound qos 1 or 2 message.
type InflightState byte

const (
	// StatePublished indicates the PUBLISH was sent and a PUBACK or PUBREC is awaited.
	StatePublished InflightState = iota

	// StateReceived indicates a PUBREC arrived, the PUBREL was sent and a PUBCOMP is awaited.
	StateReceived
)

// String returns a readable name for the state.
func (s InflightState) String() string {
	if s == StateReceived {
		return "received"
	}
	return "published"
}

// InflightMessage is an unacknowledged outbound qos 1 or 2 message.
type InflightMessage struct {
	Packet  packets.Packet // the publish packet, carrying the packet id
	State   InflightState  // position in the acknowledgement flow
	Sent    int64          // unix time the packet was last written
	Retries int            // number of resends in the current state
	Seq     uint64         // session enqueue order
	gen     uint64         // retry timer generation; stale timers carry an older value
	limited bool           // retry limit already reported for the current state
}

// Inflight is a map of InflightMessage keyed on packet id, bounded by a maximum
// window size. Packet ids are allocated from a cursor so a released id is not
// reused until the cursor wraps around to it.
type Inflight struct {
	sync.RWMutex
	internal map[uint16]*InflightMessage
	maximum  int    // maximum concurrent in-flight messages
	cursor   uint16 // the last allocated packet id
}

// NewInflights returns a new instance of an Inflight window.
func NewInflights(maximum int) *Inflight {
	if maximum <= 0 || maximum > 65535 {
		maximum = 65535
	}

	return &Inflight{
		internal: map[uint16]*InflightMessage{},
		maximum:  maximum,
	}
}

// Admit allocates a packet id for the packet and records it as published.
// Returns ErrWindowExhausted if the window is full.
func (i *Inflight) Admit(pk packets.Packet, seq uint64) (*InflightMessage, error) {
	i.Lock()
	defer i.Unlock()

	if len(i.internal) >= i.maximum {
		return nil, ErrWindowExhausted
	}

	id, ok := i.nextID()
	if !ok {
		return nil, ErrWindowExhausted
	}

	pk.PacketID = id
	m := &InflightMessage{
		Packet: pk,
		State:  StatePublished,
		Seq:    seq,
	}
	i.internal[id] = m

	return m, nil
}

// nextID returns the next free packet id after the cursor, wrapping at 65535.
func (i *Inflight) nextID() (uint16, bool) {
	start := i.cursor
	for {
		i.cursor++
		if i.cursor == 0 {
			i.cursor = 1
		}

		if _, ok := i.internal[i.cursor]; !ok {
			return i.cursor, true
		}

		if i.cursor == start {
			return 0, false
		}
	}
}

// Set adds or replaces an in-flight message by its packet id. It is used to
// restore messages from a store, and does not enforce the window maximum.
func (i *Inflight) Set(m *InflightMessage) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[m.Packet.PacketID]
	i.internal[m.Packet.PacketID] = m
	if m.Packet.PacketID > i.cursor {
		i.cursor = m.Packet.PacketID
	}

	return !ok
}

// Get returns an in-flight message by packet id.
func (i *Inflight) Get(id uint16) (*InflightMessage, bool) {
	i.RLock()
	defer i.RUnlock()
	m, ok := i.internal[id]
	return m, ok
}

// Delete removes an in-flight message, releasing its packet id. Returns true if the message existed.
func (i *Inflight) Delete(id uint16) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[id]
	delete(i.internal, id)
	return ok
}

// Len returns the number of in-flight messages.
func (i *Inflight) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

// Full returns true if no more messages can be admitted.
func (i *Inflight) Full() bool {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal) >= i.maximum
}

// Maximum returns the window size.
func (i *Inflight) Maximum() int {
	return i.maximum
}

// GetAll returns all the in-flight messages in the order they were enqueued.
func (i *Inflight) GetAll() []*InflightMessage {
	i.RLock()
	defer i.RUnlock()

	m := make([]*InflightMessage, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(a, b int) bool {
		return m[a].Seq < m[b].Seq
	})

	return m
}

// Clear removes all in-flight messages and returns them in enqueue order.
func (i *Inflight) Clear() []*InflightMessage {
	all := i.GetAll()
	i.Lock()
	i.internal = map[uint16]*InflightMessage{}
	i.Unlock()
	return all
}

// QueuedMessage is an outbound qos 1 or 2 message waiting for a free slot
// in the in-flight window.
type QueuedMessage struct {
	Packet packets.Packet
	Seq    uint64
}

// Queue is the ordered outbound queue of a session.
type Queue struct {
	sync.RWMutex
	internal []QueuedMessage
	maximum  int // 0 is unbounded
}

// NewQueue returns a new Queue holding at most maximum messages.
func NewQueue(maximum int) *Queue {
	return &Queue{
		maximum: maximum,
	}
}

// Push appends a message to the back of the queue, returning false if the queue is full.
func (q *Queue) Push(m QueuedMessage) bool {
	q.Lock()
	defer q.Unlock()

	if q.maximum > 0 && len(q.internal) >= q.maximum {
		return false
	}

	q.internal = append(q.internal, m)
	return true
}

// Pop removes and returns the oldest message.
func (q *Queue) Pop() (QueuedMessage, bool) {
	q.Lock()
	defer q.Unlock()

	if len(q.internal) == 0 {
		return QueuedMessage{}, false
	}

	m := q.internal[0]
	q.internal[0] = QueuedMessage{}
	q.internal = q.internal[1:]
	return m, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.RLock()
	defer q.RUnlock()
	return len(q.internal)
}

// GetAll returns a copy of the queued messages, oldest first.
func (q *Queue) GetAll() []QueuedMessage {
	q.RLock()
	defer q.RUnlock()
	return append([]QueuedMessage{}, q.internal...)
}

// Restore inserts messages loaded from a store, keeping the queue ordered by sequence.
func (q *Queue) Restore(ms ...QueuedMessage) {
	q.Lock()
	defer q.Unlock()
	q.internal = append(q.internal, ms...)
	sort.SliceStable(q.internal, func(a, b int) bool {
		return q.internal[a].Seq < q.internal[b].Seq
	})
}

// Clear removes and returns all queued messages.
func (q *Queue) Clear() []QueuedMessage {
	q.Lock()
	defer q.Unlock()
	out := q.internal
	q.internal = nil
	return out
}

// Inbound tracks qos 2 packet ids received from a client which have not yet been released.
type Inbound struct {
	sync.RWMutex
	internal map[uint16]int64
}

// NewInbound returns a new instance of Inbound.
func NewInbound() *Inbound {
	return &Inbound{
		internal: map[uint16]int64{},
	}
}

// Receive records a packet id as received, returning false if it was already held.
func (i *Inbound) Receive(id uint16, ts int64) bool {
	i.Lock()
	defer i.Unlock()

	if _, ok := i.internal[id]; ok {
		return false
	}

	i.internal[id] = ts
	return true
}

// Release removes a packet id, returning true if it was held.
func (i *Inbound) Release(id uint16) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[id]
	delete(i.internal, id)
	return ok
}

// Len returns the number of unreleased packet ids.
func (i *Inbound) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

// Clear releases all packet ids.
func (i *Inbound) Clear() {
	i.Lock()
	defer i.Unlock()
	i.internal = map[uint16]int64{}
}
