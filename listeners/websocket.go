// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrInvalidMessage is returned when a client sends a non-binary message.
var ErrInvalidMessage = errors.New("message type not binary")

// Websocket is a listener for establishing MQTT connections carried in binary
// websocket messages with the mqtt subprotocol.
type Websocket struct { // [MQTT-4.2.0-1]
	httpServer
	establish EstablishFn
	upgrader  *websocket.Upgrader
}

// NewWebsocket returns a websocket listener for the configured address.
// Any origin is accepted.
func NewWebsocket(config Config) *Websocket {
	return &Websocket{
		httpServer: newHTTPServer(config),
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Protocol returns the protocol of the listener.
func (l *Websocket) Protocol() string {
	return l.scheme("ws", "wss")
}

// Init binds the listener address.
func (l *Websocket) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handler)
	return l.bind(log, mux, 60*time.Second)
}

// handler upgrades an incoming request and hands the connection to the server
// until the client goes away.
func (l *Websocket) handler(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	l.RLock()
	establish := l.establish
	l.RUnlock()

	if err := establish(l.id, newWSStream(c)); err != nil {
		l.log.Debug("websocket connection ended", "error", err, "listener", l.id, "remote", r.RemoteAddr)
	}
}

// Serve accepts upgrades until the listener is closed.
func (l *Websocket) Serve(establish EstablishFn) {
	l.Lock()
	l.establish = establish
	l.Unlock()
	l.serve()
}

// wsStream presents the binary messages of a websocket as one byte stream,
// so a packet may span messages and a message may hold several packets.
type wsStream struct {
	net.Conn
	ws  *websocket.Conn
	msg io.Reader // remainder of the current message, nil between messages
}

func newWSStream(ws *websocket.Conn) *wsStream {
	return &wsStream{Conn: ws.UnderlyingConn(), ws: ws}
}

// Read fills p from the current message, moving to the next message when
// the current one is exhausted before anything was read.
func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.msg == nil {
			kind, r, err := s.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, ErrInvalidMessage
			}
			s.msg = r
		}

		n, err := s.msg.Read(p)
		if errors.Is(err, io.EOF) {
			s.msg = nil
			err = nil
		}
		if err != nil {
			s.msg = nil
		}
		if n > 0 || err != nil || len(p) == 0 {
			return n, err
		}
	}
}

// Write sends p as a single binary message.
func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (s *wsStream) Close() error {
	return s.Conn.Close()
}
