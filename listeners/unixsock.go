// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// UnixSock accepts MQTT clients on a unix domain socket.
type UnixSock struct {
	mu       sync.RWMutex
	config   Config
	ln       net.Listener
	log      *slog.Logger
	closed   atomic.Bool
	accepted atomic.Int64
}

// NewUnixSock returns a listener for the socket path in config.Address.
func NewUnixSock(config Config) *UnixSock {
	return &UnixSock{config: config}
}

// ID returns the id of the listener.
func (l *UnixSock) ID() string {
	return l.config.ID
}

// Address returns the socket path.
func (l *UnixSock) Address() string {
	return l.config.Address
}

// Protocol returns the protocol of the listener.
func (l *UnixSock) Protocol() string {
	return "unix"
}

// Accepted returns the number of connections passed to establish.
func (l *UnixSock) Accepted() int64 {
	return l.accepted.Load()
}

// Init binds the socket, replacing a stale socket file left at the path.
func (l *UnixSock) Init(log *slog.Logger) error {
	if err := os.Remove(l.config.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	ln, err := net.Listen("unix", l.config.Address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln, l.log = ln, log
	l.mu.Unlock()
	return nil
}

// Serve accepts connections until the listener is closed.
func (l *UnixSock) Serve(establish EstablishFn) {
	l.mu.RLock()
	ln := l.ln
	l.mu.RUnlock()
	if ln == nil {
		return
	}

	acceptLoop(ln, l.config.ID, l.log, &l.closed, &l.accepted, establish)
}

// Close stops accepting, which also unlinks the socket file, and closes the
// clients of the listener.
func (l *UnixSock) Close(closeClients CloseFn) {
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
