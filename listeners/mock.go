// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ErrMockListen is returned by the Init of a MockListener with ErrListen set.
var ErrMockListen = errors.New("mock listen failure")

// ErrListenerClosed is returned when dialling a listener which is not serving.
var ErrListenerClosed = errors.New("listener closed")

// MockEstablisher is an EstablishFn which accepts and ignores a connection.
func MockEstablisher(id string, c net.Conn) error {
	return nil
}

// MockCloser is a CloseFn which does nothing.
func MockCloser(id string) {}

// MockListener is an in-memory listener. Connections opened with Dial are
// handed to the server as the far end of a net.Pipe.
type MockListener struct {
	mu        sync.Mutex
	id        string         // the id of the listener
	address   string         // the address reported by the listener
	conns     chan net.Conn  // server ends of dialled pipes
	done      chan struct{}  // closed when the listener is closed
	wg        sync.WaitGroup // establish calls in progress
	serving   bool
	listening bool
	ErrListen bool // fail Init with ErrMockListen
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
}

// Init marks the listener as listening.
func (l *MockListener) Init(log *slog.Logger) error {
	if l.ErrListen {
		return ErrMockListen
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.listening = true
	return nil
}

// Serve hands each dialled connection to establish until the listener is closed.
func (l *MockListener) Serve(establish EstablishFn) {
	l.mu.Lock()
	l.serving = true
	l.mu.Unlock()

	for {
		select {
		case c := <-l.conns:
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				_ = establish(l.id, c)
			}()
		case <-l.done:
			return
		}
	}
}

// Dial opens a connection to the listener, returning the client end.
func (l *MockListener) Dial() (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		_ = client.Close()
		_ = server.Close()
		return nil, ErrListenerClosed
	}
}

// ID returns the id of the mock listener.
func (l *MockListener) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *MockListener) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *MockListener) Protocol() string {
	return "mock"
}

// Close stops the listener and closes its clients.
func (l *MockListener) Close(closer CloseFn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.serving = false
	closer(l.id)

	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

// IsServing returns true while the listener is serving.
func (l *MockListener) IsServing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serving
}

// IsListening returns true once the listener has been initialised.
func (l *MockListener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}
