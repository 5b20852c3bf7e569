// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewWebsocket(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "t1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "ws", l.Protocol())
	require.NotNil(t, l.upgrader)
}

func TestWebsocketProtocolTLS(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr, TLSConfig: newTLSConfig(t)})
	require.Equal(t, "wss", l.Protocol())
}

func TestWebsocketInit(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))
	defer l.Close(MockCloser)
	require.NotNil(t, l.srv)
	require.NotEqual(t, testAddr, l.Address())
	require.True(t, strings.HasPrefix(l.Address(), "127.0.0.1:"))
}

func TestWebsocketInitAddressInUse(t *testing.T) {
	a := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, a.Init(logger))
	defer a.Close(MockCloser)

	b := NewWebsocket(Config{ID: "t2", Address: a.Address()})
	require.Error(t, b.Init(logger))
}

func TestWebsocketServeAndClose(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func() {
		l.Serve(MockEstablisher)
		o <- true
	}()

	time.Sleep(time.Millisecond * 10)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o
}

func TestWebsocketServeEstablishes(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))

	established := make(chan string, 1)
	go l.Serve(func(id string, c net.Conn) error {
		established <- id
		return nil
	})
	defer l.Close(MockCloser)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+l.Address()+"/", nil)
	require.NoError(t, err)
	defer ws.Close()

	select {
	case id := <-established:
		require.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("connection not established")
	}
}

func TestWebsocketEstablish(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))
	defer l.Close(MockCloser)

	received := make(chan []byte, 1)
	l.establish = func(id string, c net.Conn) error {
		buf := make([]byte, 8)
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		received <- buf[:n]

		_, err = c.Write([]byte("pong"))
		return err
	}

	ts := httptest.NewServer(l.srv.Handler)
	defer ts.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	ws, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, "mqtt", ws.Subprotocol())

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("ping")))

	select {
	case b := <-received:
		require.Equal(t, []byte("ping"), b)
	case <-time.After(time.Second):
		t.Fatal("websocket message not received")
	}

	op, b, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, op)
	require.Equal(t, []byte("pong"), b)
}

func TestWebsocketRejectsTextMessages(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))
	defer l.Close(MockCloser)

	errs := make(chan error, 1)
	l.establish = func(id string, c net.Conn) error {
		_, err := c.Read(make([]byte, 8))
		errs <- err
		return err
	}

	ts := httptest.NewServer(l.srv.Handler)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrInvalidMessage)
	case <-time.After(time.Second):
		t.Fatal("websocket message not received")
	}
}

func TestWebsocketStreamSpansMessages(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))
	defer l.Close(MockCloser)

	received := make(chan []byte, 1)
	l.establish = func(id string, c net.Conn) error {
		buf := make([]byte, 6)
		_, err := io.ReadFull(c, buf)
		received <- buf
		return err
	}

	ts := httptest.NewServer(l.srv.Handler)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("abc")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("def")))

	select {
	case b := <-received:
		require.Equal(t, []byte("abcdef"), b)
	case <-time.After(time.Second):
		t.Fatal("websocket messages not received")
	}
}
