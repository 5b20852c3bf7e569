// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"sync"

	"github.com/kazetsukaimiko/moquette/packets"
)

// Retained holds the latest retained message for each topic.
type Retained struct {
	internal map[string]packets.Packet
	sync.RWMutex
}

// NewRetained returns a new instance of Retained.
func NewRetained() *Retained {
	return &Retained{
		internal: map[string]packets.Packet{},
	}
}

// PublishRetained stores a retained message for its topic. Returns 1 if a message
// was stored, -1 if an empty payload removed an existing message, and 0 if an
// empty payload was received for a topic with nothing retained.
func (r *Retained) PublishRetained(pk packets.Packet) int64 {
	r.Lock()
	defer r.Unlock()

	if len(pk.Payload) > 0 {
		pk.FixedHeader.Retain = true
		pk.FixedHeader.Dup = false
		pk.PacketID = 0
		r.internal[pk.TopicName] = pk
		return 1
	}

	if _, ok := r.internal[pk.TopicName]; !ok {
		return 0
	}

	delete(r.internal, pk.TopicName) // [MQTT-3.3.1-10] [MQTT-3.3.1-11]
	return -1
}

// Add sets a retained message without any removal semantics. Used when restoring
// retained messages from a store.
func (r *Retained) Add(pk packets.Packet) {
	r.Lock()
	defer r.Unlock()
	pk.FixedHeader.Retain = true
	r.internal[pk.TopicName] = pk
}

// Get returns the retained message for a topic.
func (r *Retained) Get(topic string) (pk packets.Packet, ok bool) {
	r.RLock()
	defer r.RUnlock()
	pk, ok = r.internal[topic]
	return
}

// RetainedFor returns every retained message on a topic matching the filter,
// ordered by topic.
func (r *Retained) RetainedFor(filter string) []packets.Packet {
	r.RLock()
	defer r.RUnlock()

	pks := []packets.Packet{}
	for topic, pk := range r.internal {
		if MatchTopic(filter, topic) {
			pks = append(pks, pk)
		}
	}

	sort.Slice(pks, func(i, j int) bool {
		return pks[i].TopicName < pks[j].TopicName
	})

	return pks
}

// Len returns the number of retained messages.
func (r *Retained) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}
