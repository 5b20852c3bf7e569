// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Jeroen Rinzema

package listeners

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Net accepts MQTT clients from any net.Listener, either one supplied by the
// embedding program or one bound from the configured network and address.
type Net struct { // [MQTT-4.2.0-1]
	mu       sync.RWMutex
	config   Config
	ln       net.Listener
	log      *slog.Logger
	closed   atomic.Bool
	accepted atomic.Int64
}

// NewNet returns a listener serving the connections of ln. If ln is nil, Init
// binds config.Network (tcp if empty) on config.Address.
func NewNet(config Config, ln net.Listener) *Net {
	return &Net{config: config, ln: ln}
}

// ID returns the id of the listener.
func (l *Net) ID() string {
	return l.config.ID
}

// Address returns the address of the underlying listener.
func (l *Net) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.config.Address
}

// Protocol returns the network of the underlying listener.
func (l *Net) Protocol() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln != nil {
		return l.ln.Addr().Network()
	}
	return l.network()
}

func (l *Net) network() string {
	if l.config.Network == "" {
		return "tcp"
	}
	return l.config.Network
}

// Accepted returns the number of connections passed to establish.
func (l *Net) Accepted() int64 {
	return l.accepted.Load()
}

// Init binds the configured address unless a listener was supplied.
func (l *Net) Init(log *slog.Logger) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = log
	if l.ln != nil {
		return nil
	}

	ln, err := net.Listen(l.network(), l.config.Address)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Serve accepts connections until the listener is closed.
func (l *Net) Serve(establish EstablishFn) {
	l.mu.RLock()
	ln := l.ln
	l.mu.RUnlock()
	if ln == nil {
		return
	}

	acceptLoop(ln, l.config.ID, l.log, &l.closed, &l.accepted, establish)
}

// Close stops accepting and closes the clients of the listener.
func (l *Net) Close(closeClients CloseFn) {
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

// acceptLoop hands each connection accepted from ln to establish on its own
// goroutine, returning once ln fails or closed is set.
func acceptLoop(ln net.Listener, id string, log *slog.Logger, closed *atomic.Bool, accepted *atomic.Int64, establish EstablishFn) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !closed.Load() && !errors.Is(err, net.ErrClosed) {
				log.Error("accept failed", "error", err, "listener", id)
			}
			return
		}

		if closed.Load() {
			_ = conn.Close()
			return
		}

		accepted.Add(1)
		go func(conn net.Conn) {
			if err := establish(id, conn); err != nil {
				log.Warn("connection not established", "error", err, "remote", conn.RemoteAddr(), "listener", id)
			}
		}(conn)
	}
}
