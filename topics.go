// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"strings"
	"sync"

	"github.com/kazetsukaimiko/moquette/packets"
)

const (
	SysPrefix = "$SYS" // the prefix indicating a system info topic
	wildOne   = "+"    // single level wildcard
	wildAll   = "#"    // multi level wildcard
	maxTopic  = 65535  // maximum encodable length of a topic or filter
)

// Subscriptions is a map of subscriptions keyed on client id or filter.
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]packets.Subscription{},
	}
}

// Add adds a new subscription. ID is a filter when the map is session state,
// or a client id when it belongs to a particle.
func (s *Subscriptions) Add(id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[id] = val
}

// GetAll returns a copy of all subscriptions.
func (s *Subscriptions) GetAll() map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := map[string]packets.Subscription{}
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Sorted returns the subscriptions ordered by key.
func (s *Subscriptions) Sorted() packets.Subscriptions {
	s.RLock()
	defer s.RUnlock()
	keys := make([]string, 0, len(s.internal))
	for k := range s.internal {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(packets.Subscriptions, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.internal[k])
	}
	return out
}

// Get returns a subscription for a specific client or filter id.
func (s *Subscriptions) Get(id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[id]
	return val, ok
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a subscription by client or filter id.
func (s *Subscriptions) Delete(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// TopicsIndex is a prefix/trie tree of topic filter subscriptions. Literal tokens
// are held in a map on each particle, and the two wildcards in their own slots.
// Writers (subscribe, unsubscribe) hold the write lock, matching holds the read lock.
type TopicsIndex struct {
	root *particle
	sync.RWMutex
}

// NewTopicsIndex returns a pointer to a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		root: newParticle("", nil),
	}
}

// Subscribe adds a new subscription for a client to a topic filter, returning
// true if the subscription was new. Subscribing again to the same filter replaces
// the qos of the existing subscription.
func (x *TopicsIndex) Subscribe(client string, sub packets.Subscription) (bool, error) {
	if !IsValidFilter(sub.Filter) {
		return false, ErrInvalidFilter
	}

	x.Lock()
	defer x.Unlock()

	n := x.set(sub.Filter)
	_, existed := n.subscriptions[client]
	n.subscriptions[client] = sub

	return !existed, nil
}

// Unsubscribe removes a subscription filter for a client, returning true if the
// subscription existed. Particles left empty are removed from the tree.
func (x *TopicsIndex) Unsubscribe(filter, client string) bool {
	x.Lock()
	defer x.Unlock()

	n := x.seek(filter)
	if n == nil {
		return false
	}

	if _, ok := n.subscriptions[client]; !ok {
		return false
	}

	delete(n.subscriptions, client)
	x.trim(n)
	return true
}

// set creates a filter address in the index and returns the final particle.
func (x *TopicsIndex) set(filter string) *particle {
	var key string
	var hasNext = true
	n := x.root
	for d := 0; hasNext; d++ {
		key, hasNext = isolateParticle(filter, d)
		p := n.child(key)
		if p == nil {
			p = newParticle(key, n)
			n.attach(p)
		}
		n = p
	}

	return n
}

// seek finds the particle at the end of a filter address.
func (x *TopicsIndex) seek(filter string) *particle {
	var key string
	var hasNext = true
	n := x.root
	for d := 0; hasNext; d++ {
		key, hasNext = isolateParticle(filter, d)
		n = n.child(key)
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty filter particles from the index, bottom-up.
func (x *TopicsIndex) trim(n *particle) {
	for n.parent != nil && n.empty() {
		parent := n.parent
		parent.detach(n)
		n = parent
	}
}

// Subscribers returns the clients subscribed to filters matching a topic, with
// one subscription per client carrying the highest matching qos.
func (x *TopicsIndex) Subscribers(topic string) (map[string]packets.Subscription, error) {
	if !IsValidTopic(topic) {
		return nil, ErrInvalidTopic
	}

	x.RLock()
	defer x.RUnlock()

	subs := map[string]packets.Subscription{}
	x.scanSubscribers(strings.Split(topic, "/"), 0, x.root, topic[0] == '$', subs)
	return subs, nil
}

// scanSubscribers walks the literal, single and multi level branches of a particle
// in step with the topic tokens.
func (x *TopicsIndex) scanSubscribers(tokens []string, d int, n *particle, sys bool, subs map[string]packets.Subscription) {
	wildOK := !(sys && d == 0) // $ topics are not matched by first level wildcards [MQTT-4.7.2-1]

	if n.wildAll != nil && wildOK {
		gatherSubscriptions(n.wildAll, subs) // also matches the parent level [MQTT-4.7.1-2]
	}

	if d == len(tokens) {
		gatherSubscriptions(n, subs)
		return
	}

	if p := n.particles[tokens[d]]; p != nil {
		x.scanSubscribers(tokens, d+1, p, sys, subs)
	}

	if n.wildOne != nil && wildOK {
		x.scanSubscribers(tokens, d+1, n.wildOne, sys, subs)
	}
}

// gatherSubscriptions collects the subscriptions of a particle, merging to the highest qos.
func gatherSubscriptions(n *particle, subs map[string]packets.Subscription) {
	for client, sub := range n.subscriptions {
		if cls, ok := subs[client]; ok {
			sub = cls.Merge(sub)
		}
		subs[client] = sub
	}
}

// isolateParticle extracts a particle between d / and d+1 / without allocations.
func isolateParticle(filter string, d int) (particle string, hasNext bool) {
	var next, end int
	for i := 0; end > -1 && i <= d; i++ {
		end = strings.IndexRune(filter, '/')

		switch {
		case d > -1 && i == d && end > -1:
			hasNext = true
			particle = filter[next:end]
		case end > -1:
			hasNext = false
			filter = filter[end+1:]
		default:
			hasNext = false
			particle = filter[next:]
		}
	}

	return
}

// IsValidFilter returns true if the subscription filter is valid. A wildcard
// must occupy a whole level, and # may only be the last level.
func IsValidFilter(filter string) bool {
	if len(filter) == 0 || len(filter) > maxTopic {
		return false // [MQTT-4.7.3-1]
	}

	var key string
	var hasNext = true
	for d := 0; hasNext; d++ {
		key, hasNext = isolateParticle(filter, d)
		if strings.ContainsRune(key, '#') && (key != wildAll || hasNext) {
			return false // [MQTT-4.7.1-2]
		}

		if strings.ContainsRune(key, '+') && key != wildOne {
			return false // [MQTT-4.7.1-3]
		}
	}

	return true
}

// IsValidTopic returns true if the topic name can be published to.
func IsValidTopic(topic string) bool {
	if len(topic) == 0 || len(topic) > maxTopic {
		return false
	}

	return !strings.ContainsAny(topic, "+#") // [MQTT-3.3.2-2]
}

// MatchTopic returns true if a single filter matches a topic, with the same
// semantics as the index: + matches one level, # matches the remaining levels
// including the parent, and $ topics are not matched by a first level wildcard.
func MatchTopic(filter, topic string) bool {
	if len(filter) == 0 || len(topic) == 0 {
		return false
	}

	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	ft := strings.Split(filter, "/")
	tt := strings.Split(topic, "/")
	for i, f := range ft {
		if f == wildAll {
			return true
		}

		if i >= len(tt) {
			return false
		}

		if f != wildOne && f != tt[i] {
			return false
		}
	}

	return len(ft) == len(tt)
}

// particle is a node on the tree.
type particle struct {
	key           string                          // the key of the particle
	parent        *particle                       // a pointer to the parent of the particle
	particles     map[string]*particle            // literal children
	wildOne       *particle                       // the + child
	wildAll       *particle                       // the # child
	subscriptions map[string]packets.Subscription // subscriptions ending at this particle, keyed on client id
}

// newParticle returns a pointer to a new instance of particle.
func newParticle(key string, parent *particle) *particle {
	return &particle{
		key:           key,
		parent:        parent,
		particles:     map[string]*particle{},
		subscriptions: map[string]packets.Subscription{},
	}
}

// child returns the child particle for a key.
func (p *particle) child(key string) *particle {
	switch key {
	case wildOne:
		return p.wildOne
	case wildAll:
		return p.wildAll
	default:
		return p.particles[key]
	}
}

// attach sets a particle as a child in the slot matching its key.
func (p *particle) attach(c *particle) {
	switch c.key {
	case wildOne:
		p.wildOne = c
	case wildAll:
		p.wildAll = c
	default:
		p.particles[c.key] = c
	}
}

// detach removes a child particle.
func (p *particle) detach(c *particle) {
	switch c.key {
	case wildOne:
		p.wildOne = nil
	case wildAll:
		p.wildAll = nil
	default:
		delete(p.particles, c.key)
	}
}

// empty returns true if the particle has no subscriptions and no children.
func (p *particle) empty() bool {
	return len(p.subscriptions) == 0 && len(p.particles) == 0 && p.wildOne == nil && p.wildAll == nil
}
