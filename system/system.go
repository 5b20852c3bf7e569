// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package system holds the broker statistics published on $SYS topics.
package system

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Info holds the broker statistics. Numeric fields are accessed atomically.
// See https://github.com/mqtt/mqtt.org/wiki/SYS-Topics
type Info struct {
	Version             string `json:"version"`
	Started             int64  `json:"started"` // unix seconds
	Time                int64  `json:"time"`
	Uptime              int64  `json:"uptime"`
	BytesReceived       int64  `json:"bytes_received"`
	BytesSent           int64  `json:"bytes_sent"`
	ClientsConnected    int64  `json:"clients_connected"`
	ClientsDisconnected int64  `json:"clients_disconnected"` // persistent sessions without a connection
	ClientsMaximum      int64  `json:"clients_maximum"`
	ClientsTotal        int64  `json:"clients_total"`
	MessagesReceived    int64  `json:"messages_received"`
	MessagesSent        int64  `json:"messages_sent"`
	MessagesDropped     int64  `json:"messages_dropped"` // neither delivered nor queued
	Retained            int64  `json:"retained"`
	Inflight            int64  `json:"inflight"`
	InflightDropped     int64  `json:"inflight_dropped"` // abandoned after the retry limit
	Subscriptions       int64  `json:"subscriptions"`
	PacketsReceived     int64  `json:"packets_received"`
	PacketsSent         int64  `json:"packets_sent"`
	MemoryAlloc         int64  `json:"memory_alloc"`
	Threads             int64  `json:"threads"` // goroutines
}

// Kind distinguishes monotonic counters from gauges.
type Kind int

const (
	Gauge Kind = iota
	Counter
)

// Stat describes one numeric field of Info.
type Stat struct {
	Topic string // path below $SYS/broker/
	Name  string // metric name
	Help  string
	Kind  Kind
	Value *int64
}

// Load reads the value atomically.
func (s Stat) Load() int64 {
	return atomic.LoadInt64(s.Value)
}

// Stats lists the numeric fields of i in a fixed order.
func (i *Info) Stats() []Stat {
	return []Stat{
		{"time", "time", "Current time of the broker in unix seconds", Gauge, &i.Time},
		{"uptime", "uptime", "Seconds since the broker started", Gauge, &i.Uptime},
		{"started", "started", "Start time of the broker in unix seconds", Gauge, &i.Started},
		{"load/bytes/received", "bytes_received", "Bytes received from clients", Counter, &i.BytesReceived},
		{"load/bytes/sent", "bytes_sent", "Bytes sent to clients", Counter, &i.BytesSent},
		{"clients/connected", "clients_connected", "Clients with an open connection", Gauge, &i.ClientsConnected},
		{"clients/disconnected", "clients_disconnected", "Persistent sessions without a connection", Gauge, &i.ClientsDisconnected},
		{"clients/maximum", "clients_maximum", "Most clients connected at once", Gauge, &i.ClientsMaximum},
		{"clients/total", "clients_total", "Sessions known to the broker", Gauge, &i.ClientsTotal},
		{"packets/received", "packets_received", "Packets received from clients", Counter, &i.PacketsReceived},
		{"packets/sent", "packets_sent", "Packets sent to clients", Counter, &i.PacketsSent},
		{"messages/received", "messages_received", "Publish messages received", Counter, &i.MessagesReceived},
		{"messages/sent", "messages_sent", "Publish messages sent", Counter, &i.MessagesSent},
		{"messages/dropped", "messages_dropped", "Publish messages neither delivered nor queued", Counter, &i.MessagesDropped},
		{"messages/inflight", "inflight", "Messages awaiting acknowledgement", Gauge, &i.Inflight},
		{"messages/abandoned", "inflight_dropped", "Inflight messages abandoned after the retry limit", Counter, &i.InflightDropped},
		{"retained", "retained", "Retained messages held by the broker", Gauge, &i.Retained},
		{"subscriptions", "subscriptions", "Active subscriptions", Gauge, &i.Subscriptions},
		{"system/memory", "memory_alloc", "Heap bytes in use", Gauge, &i.MemoryAlloc},
		{"system/threads", "threads", "Running goroutines", Gauge, &i.Threads},
	}
}

// Clone returns a copy of i with each field read atomically.
func (i *Info) Clone() *Info {
	c := &Info{Version: i.Version}
	dst := c.Stats()
	for n, s := range i.Stats() {
		*dst[n].Value = s.Load()
	}
	return c
}

// ObserveClients raises ClientsMaximum to connected if it is higher.
func (i *Info) ObserveClients(connected int64) {
	for {
		max := atomic.LoadInt64(&i.ClientsMaximum)
		if connected <= max || atomic.CompareAndSwapInt64(&i.ClientsMaximum, max, connected) {
			return
		}
	}
}

// Sample refreshes the values derived from the clock, the runtime and the
// number of known sessions.
func (i *Info) Sample(now time.Time, sessions int64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	atomic.StoreInt64(&i.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&i.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&i.Time, now.Unix())
	atomic.StoreInt64(&i.Uptime, now.Unix()-atomic.LoadInt64(&i.Started))
	atomic.StoreInt64(&i.ClientsTotal, sessions)

	disconnected := sessions - atomic.LoadInt64(&i.ClientsConnected)
	if disconnected < 0 {
		disconnected = 0
	}
	atomic.StoreInt64(&i.ClientsDisconnected, disconnected)
}
