// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package listeners provides the network interfaces which accept client
// connections for the broker, and the http endpoints which expose its state.
package listeners

import (
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
)

const (
	TypeTCP         = "tcp"
	TypeUnix        = "unix"
	TypeNet         = "net"
	TypeWS          = "ws"
	TypeHealthCheck = "healthcheck"
	TypeSysInfo     = "sysinfo"
	TypeMock        = "mock"
)

// Config describes a listener to create.
type Config struct {
	Type      string      `yaml:"type" json:"type"`
	ID        string      `yaml:"id" json:"id"`
	Address   string      `yaml:"address" json:"address"`
	Network   string      `yaml:"network" json:"network"` // net listeners only, tcp if empty
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// EstablishFn hands a new client connection accepted by listener id to the broker.
type EstablishFn func(id string, c net.Conn) error

// CloseFn closes the clients attached through listener id.
type CloseFn func(id string)

// Listener accepts client connections, or serves broker state over http.
type Listener interface {
	Init(*slog.Logger) error // bind the address
	Serve(EstablishFn)       // accept until closed
	ID() string
	Address() string
	Protocol() string
	Close(CloseFn) // stop accepting and close the clients
}

// Listeners holds the network listeners of the broker in the order they
// were added.
type Listeners struct {
	ClientsWg sync.WaitGroup // clients still attached through any listener
	mu        sync.RWMutex
	byID      map[string]Listener
	order     []string
}

// New returns an empty set of listeners.
func New() *Listeners {
	return &Listeners{
		byID: map[string]Listener{},
	}
}

// Add adds a listener, replacing any with the same id.
func (l *Listeners) Add(val Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[val.ID()]; !ok {
		l.order = append(l.order, val.ID())
	}
	l.byID[val.ID()] = val
}

// Get returns the listener with the id.
func (l *Listeners) Get(id string) (Listener, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	val, ok := l.byID[id]
	return val, ok
}

// Len returns the number of listeners.
func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// IDs returns the listener ids in the order they were added.
func (l *Listeners) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.order...)
}

// Delete removes the listener with the id without closing it.
func (l *Listeners) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[id]; !ok {
		return
	}

	delete(l.byID, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Serve starts the listener with the id on its own goroutine.
func (l *Listeners) Serve(id string, establish EstablishFn) {
	if val, ok := l.Get(id); ok {
		go val.Serve(establish)
	}
}

// ServeAll starts every listener.
func (l *Listeners) ServeAll(establish EstablishFn) {
	for _, id := range l.IDs() {
		l.Serve(id, establish)
	}
}

// Close closes the listener with the id.
func (l *Listeners) Close(id string, closeClients CloseFn) {
	if val, ok := l.Get(id); ok {
		val.Close(closeClients)
	}
}

// CloseAll closes every listener, newest first, then waits for their
// clients to detach.
func (l *Listeners) CloseAll(closeClients CloseFn) {
	ids := l.IDs()
	for i := len(ids) - 1; i >= 0; i-- {
		l.Close(ids[i], closeClients)
	}
	l.ClientsWg.Wait()
}
