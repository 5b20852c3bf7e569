// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// TCP accepts MQTT clients over plain or tls wrapped TCP.
type TCP struct { // [MQTT-4.2.0-1]
	mu       sync.RWMutex
	config   Config
	ln       net.Listener
	log      *slog.Logger
	closed   atomic.Bool
	accepted atomic.Int64 // connections handed to the broker
}

// NewTCP returns a TCP listener for the configured address.
func NewTCP(config Config) *TCP {
	return &TCP{config: config}
}

// ID returns the id of the listener.
func (l *TCP) ID() string {
	return l.config.ID
}

// Address returns the bound address once Init has run.
func (l *TCP) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.config.Address
}

// Protocol returns the protocol of the listener.
func (l *TCP) Protocol() string {
	return "tcp"
}

// Accepted returns the number of connections passed to establish.
func (l *TCP) Accepted() int64 {
	return l.accepted.Load()
}

// Init binds the listener address.
func (l *TCP) Init(log *slog.Logger) error {
	ln, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return err
	}

	if l.config.TLSConfig != nil {
		ln = tls.NewListener(ln, l.config.TLSConfig)
	}

	l.mu.Lock()
	l.ln, l.log = ln, log
	l.mu.Unlock()
	return nil
}

// Serve accepts connections until the listener is closed, establishing each
// one on its own goroutine.
func (l *TCP) Serve(establish EstablishFn) {
	l.mu.RLock()
	ln := l.ln
	l.mu.RUnlock()
	if ln == nil {
		return
	}

	acceptLoop(ln, l.config.ID, l.log, &l.closed, &l.accepted, establish)
}

// Close stops accepting and closes the clients of the listener. Only the
// first call has any effect.
func (l *TCP) Close(closeClients CloseFn) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	l.mu.RLock()
	ln := l.ln
	l.mu.RUnlock()
	if ln != nil {
		_ = ln.Close()
	}

	closeClients(l.config.ID)
}
