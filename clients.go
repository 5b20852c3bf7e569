// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/kazetsukaimiko/moquette/mempool"
	"github.com/kazetsukaimiko/moquette/packets"
	"github.com/kazetsukaimiko/moquette/system"
)

const (
	defaultKeepalive uint16 = 10 // the default connection keepalive value in seconds.
)

// ReadFn is the function signature for the function used for processing incoming packets.
type ReadFn func(*Client, packets.Packet) error

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn      // the net.Conn used to establish the connection
	bconn    *bufio.Reader // a buffered reader for the connection
	Remote   string        // the remote address of the client
	Listener string        // listener id of the client
}

// ClientProperties contains the properties which define the client behaviour.
type ClientProperties struct {
	Username        []byte
	Will            Will
	Clean           bool
	Keepalive       uint16
	ProtocolVersion byte
}

// Client is a network connection bound to a session.
type Client struct {
	Properties ClientProperties // client properties
	Net        ClientConnection // network connection state
	Session    *Session         // the session the connection is bound to
	ID         string           // the client id
	ops        *ops             // ops provides a reference to server options and hooks
	outbound   chan packets.Packet
	done       chan struct{}
	stopCause  atomic.Value
	once       sync.Once
	writeMu    sync.Mutex
	sync.RWMutex
}

// ops contains server values which can be propagated to clients.
type ops struct {
	options *Options           // a pointer to the server options and capabilities
	info    *system.Info       // pointers to server system info
	hooks   *Hooks             // pointer to the server hooks
	log     *slog.Logger       // a structured logger for the client
	buffers mempool.BufferPool // encoding buffers shared by all clients
}

// newClient returns a new instance of Client.
func newClient(c net.Conn, o *ops) *Client {
	cl := &Client{
		ops:      o,
		outbound: make(chan packets.Packet, o.options.Capabilities.MaximumClientWritesPending),
		done:     make(chan struct{}),
		Properties: ClientProperties{
			Keepalive: defaultKeepalive,
		},
	}

	if c != nil {
		cl.Net = ClientConnection{
			Conn:   c,
			bconn:  bufio.NewReaderSize(c, o.options.ClientNetReadBufferSize),
			Remote: c.RemoteAddr().String(),
		}
	}

	return cl
}

// ParseConnect parses the connect parameters and properties for a client.
func (cl *Client) ParseConnect(listener string, pk packets.Packet) {
	cl.Net.Listener = listener

	cl.Properties.ProtocolVersion = pk.Connect.ProtocolVersion
	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.Properties.Keepalive = pk.Connect.Keepalive

	cl.ID = pk.Connect.ClientIdentifier
	if cl.ID == "" && pk.Connect.Clean {
		cl.ID = xid.New().String() // [MQTT-3.1.3-6] [MQTT-3.1.3-7]
	}

	if pk.Connect.WillFlag {
		cl.Properties.Will = Will{
			Qos:       pk.Connect.WillQos,
			Retain:    pk.Connect.WillRetain,
			Payload:   pk.Connect.WillPayload,
			TopicName: pk.Connect.WillTopic,
			Flag:      1,
		}
	}
}

// Identity returns the details of the connection which are copied onto its session.
func (cl *Client) Identity() ([]byte, string, string, Will) {
	cl.RLock()
	defer cl.RUnlock()
	return cl.Properties.Username, cl.Net.Remote, cl.Net.Listener, cl.Properties.Will
}

// refreshDeadline refreshes the read deadline for the net.Conn connection.
func (cl *Client) refreshDeadline(keepalive uint16) {
	if cl.Net.Conn == nil {
		return
	}

	var expiry time.Time // nil time disables the deadline if keepalive = 0
	if keepalive > 0 {
		expiry = time.Now().Add(time.Duration(keepalive+(keepalive/2)) * time.Second) // [MQTT-3.1.2-22]
	}
	_ = cl.Net.Conn.SetDeadline(expiry)
}

// countingReader counts the bytes read from a connection into the server info.
type countingReader struct {
	r    io.Reader
	info *system.Info
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.info.BytesReceived, int64(n))
	return n, err
}

// ReadPacket reads and decodes the next packet from the connection.
func (cl *Client) ReadPacket() (packets.Packet, error) {
	if cl.Net.bconn == nil {
		return packets.Packet{}, ErrConnectionClosed
	}

	pk, err := packets.Read(countingReader{r: cl.Net.bconn, info: cl.ops.info})
	if err != nil {
		return pk, err
	}

	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesReceived, 1)
	}

	return pk, nil
}

// Read loops forever reading new packets from a client connection until
// an error is encountered (or the connection is closed).
func (cl *Client) Read(handler ReadFn) error {
	for {
		if cl.Closed() {
			return nil
		}

		cl.refreshDeadline(cl.Properties.Keepalive)
		pk, err := cl.ReadPacket()
		if err != nil {
			return err
		}

		err = handler(cl, pk) // Process inbound packet.
		if err != nil {
			return err
		}
	}
}

// WritePacket hands a packet to the outbound buffer of the connection without
// blocking. Returns ErrPendingWritesExceeded if the buffer is full.
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.Closed() {
		return ErrConnectionClosed
	}

	select {
	case cl.outbound <- pk:
		return nil
	default:
		atomic.AddInt64(&cl.ops.info.MessagesDropped, 1)
		return ErrPendingWritesExceeded
	}
}

// WriteLoop writes buffered outbound packets to the connection until it is closed.
func (cl *Client) WriteLoop() {
	for {
		select {
		case pk := <-cl.outbound:
			if err := cl.writePacket(pk); err != nil {
				cl.ops.log.Debug("failed publishing packet", "error", err, "client", cl.ID, "packet", packets.PacketNames[pk.FixedHeader.Type])
				cl.Close(err)
				return
			}
		case <-cl.done:
			return
		}
	}
}

// writePacket encodes a packet and writes it directly to the connection.
func (cl *Client) writePacket(pk packets.Packet) error {
	if cl.Net.Conn == nil {
		return ErrConnectionClosed
	}

	buf := cl.ops.buffers.Get()
	defer cl.ops.buffers.Put(buf)
	if err := pk.Write(buf); err != nil {
		return err
	}

	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	n, err := buf.WriteTo(cl.Net.Conn)
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, n)
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	return nil
}

// Close closes the client connection, recording the cause.
func (cl *Client) Close(cause error) {
	cl.once.Do(func() {
		if cause == nil {
			cause = io.EOF
		}
		cl.stopCause.Store(cause)

		close(cl.done)
		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close()
		}
	})
}

// StopCause returns the reason the client connection was closed, if any.
func (cl *Client) StopCause() error {
	if cl.stopCause.Load() == nil {
		return nil
	}
	return cl.stopCause.Load().(error)
}

// Closed returns true if the client connection has been closed.
func (cl *Client) Closed() bool {
	select {
	case <-cl.done:
		return true
	default:
		return false
	}
}

// closedGracefully returns true if a connection ended without a protocol or network error.
func closedGracefully(err error) bool {
	return err == nil || errors.Is(err, io.EOF)
}
