// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// shutdownTimeout bounds the wait for in-flight http requests on close.
const shutdownTimeout = 5 * time.Second

// httpServer is the http transport shared by the websocket, stats and
// healthcheck listeners. The address is bound in Init, so a listener
// configured with port 0 reports the chosen port from Address.
type httpServer struct {
	sync.RWMutex
	id      string       // the internal id of the listener
	address string       // the network address to bind to
	config  Config       // configuration values for the listener
	log     *slog.Logger // server logger
	srv     *http.Server // the http server
	ln      net.Listener // the bound address, tls wrapped if configured
	end     uint32       // ensure the close methods are only called once
}

func newHTTPServer(config Config) httpServer {
	return httpServer{
		id:      config.ID,
		address: config.Address,
		config:  config,
	}
}

// ID returns the id of the listener.
func (l *httpServer) ID() string {
	return l.id
}

// Address returns the bound address of the listener, or the configured
// address before Init.
func (l *httpServer) Address() string {
	l.RLock()
	defer l.RUnlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.address
}

// scheme returns secure if the listener is configured for tls.
func (l *httpServer) scheme(plain, secure string) string {
	if l.config.TLSConfig != nil {
		return secure
	}
	return plain
}

// bind binds the listener address and prepares the server for a handler.
func (l *httpServer) bind(log *slog.Logger, handler http.Handler, timeout time.Duration) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return err
	}

	if l.config.TLSConfig != nil {
		ln = tls.NewListener(ln, l.config.TLSConfig)
	}

	l.Lock()
	defer l.Unlock()
	l.log = log
	l.ln = ln
	l.srv = &http.Server{
		Handler:      handler,
		TLSConfig:    l.config.TLSConfig,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	return nil
}

// serve serves http requests until the listener is closed.
func (l *httpServer) serve() {
	l.RLock()
	srv, ln := l.srv, l.ln
	l.RUnlock()
	if srv == nil {
		return
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error("http listener stopped", "error", err, "listener", l.id)
	}
}

// Close shuts the http server down and closes any client connections.
func (l *httpServer) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) && l.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = l.srv.Shutdown(ctx)
	}

	closeClients(l.id)
}
