// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides an MQTT v3.1.1 broker with persistent sessions,
// qos 1 and 2 delivery with retransmission, and retained messages.
package mqtt

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"

	"github.com/kazetsukaimiko/moquette/hooks/storage"
	"github.com/kazetsukaimiko/moquette/listeners"
	"github.com/kazetsukaimiko/moquette/mempool"
	"github.com/kazetsukaimiko/moquette/packets"
	"github.com/kazetsukaimiko/moquette/system"
)

const (
	Version                       = "1.0.0" // the current server version.
	defaultSysTopicInterval int64 = 1       // the interval between $SYS topic publishes
)

// Capabilities indicates the capabilities and features provided by the server.
type Capabilities struct {
	MaximumClients             int64           `yaml:"maximum_clients" json:"maximum_clients" env:"MAXIMUM_CLIENTS"`                                           // maximum number of connected clients
	MaximumClientWritesPending int32           `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending" env:"MAXIMUM_CLIENT_WRITES_PENDING"` // maximum number of pending packet writes for a client
	MaximumInflight            uint16          `yaml:"maximum_inflight" json:"maximum_inflight" env:"MAXIMUM_INFLIGHT"`                                        // size of the in-flight window of each session
	MaximumQueued              int             `yaml:"maximum_queued" json:"maximum_queued" env:"MAXIMUM_QUEUED"`                                              // maximum number of queued messages per session, 0 is unbounded
	MaximumRetries             int             `yaml:"maximum_retries" json:"maximum_retries" env:"MAXIMUM_RETRIES"`                                           // resends before the retry policy applies, 0 is unbounded
	RetryInterval              int64           `yaml:"retry_interval" json:"retry_interval" env:"RETRY_INTERVAL"`                                              // milliseconds before the first resend
	RetryIntervalMaximum       int64           `yaml:"retry_interval_maximum" json:"retry_interval_maximum" env:"RETRY_INTERVAL_MAXIMUM"`                      // upper bound of the resend interval in milliseconds
	RetryBackoff               float64         `yaml:"retry_backoff" json:"retry_backoff" env:"RETRY_BACKOFF"`                                                 // resend interval multiplier, 1 is fixed
	RetryPolicy                RetryPolicy     `yaml:"retry_policy" json:"retry_policy" env:"RETRY_POLICY"`                                                    // what to do once the retry limit is exceeded
	Compatibilities            Compatibilities `yaml:"compatibilities" json:"compatibilities" envPrefix:"COMPAT_"`                                             // version compatibilities the server provides
	MaximumQos                 byte            `yaml:"maximum_qos" json:"maximum_qos" env:"MAXIMUM_QOS"`                                                       // maximum qos value available to clients
	RetainAvailable            byte            `yaml:"retain_available" json:"retain_available" env:"RETAIN_AVAILABLE"`                                        // support of retain messages
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:             math.MaxInt64,   // maximum number of connected clients
		MaximumClientWritesPending: 1024 * 8,        // maximum number of pending packet writes for a client
		MaximumInflight:            1024,            // size of the in-flight window of each session
		MaximumQueued:              0,               // unbounded session queues
		MaximumRetries:             0,               // resend forever
		RetryInterval:              5000,            // first resend after 5 seconds
		RetryIntervalMaximum:       60000,           // never wait more than a minute between resends
		RetryBackoff:               1,               // fixed resend interval
		RetryPolicy:                RetryPolicyKeep, // keep resending while connected
		MaximumQos:                 2,               // maximum qos value available to clients
		RetainAvailable:            1,               // retain messages is available
	}
}

// Compatibilities provides flags for using compatibility modes.
type Compatibilities struct {
	RestoreSysInfoOnRestart bool `yaml:"restore_sys_info_on_restart" json:"restore_sys_info_on_restart" env:"RESTORE_SYS_INFO_ON_RESTART"` // restore system info from store as if server never stopped
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"-" json:"-"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, start from NewDefaultServerCapabilities and set them explicitly.
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities" envPrefix:"CAPABILITIES_"`

	// ClientNetWriteBufferSize is the largest encoding buffer kept for reuse after a packet write.
	ClientNetWriteBufferSize int `yaml:"client_net_write_buffer_size" json:"client_net_write_buffer_size" env:"CLIENT_NET_WRITE_BUFFER_SIZE"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size" env:"CLIENT_NET_READ_BUFFER_SIZE"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval" env:"SYS_TOPIC_RESEND_INTERVAL"`

	// WorkerColumns is the number of session worker goroutines. Every session is
	// pinned to one column for its whole life.
	WorkerColumns int `yaml:"worker_columns" json:"worker_columns" env:"WORKER_COLUMNS"`

	// WorkerQueueSize is the number of tasks each worker column can buffer.
	WorkerQueueSize int `yaml:"worker_queue_size" json:"worker_queue_size" env:"WORKER_QUEUE_SIZE"`
}

// Server is an MQTT broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Sessions  *Sessions            // sessions known to the broker
	Topics    *TopicsIndex         // an index of topic filter subscriptions
	Retained  *Retained            // retained messages keyed on topic
	Info      *system.Info         // values about the server commonly known as $SYS topics
	Log       *slog.Logger         // minimal no-alloc logger
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	workers   *Workers             // session worker columns
	retrier   *Retrier             // retransmit timer sweep
	buffers   mempool.BufferPool   // packet encoding buffers
	sysTopics *time.Ticker         // interval ticker for sending updating $SYS topics
	done      chan bool            // indicate that the server is ending
	closeOnce sync.Once
}

// New returns a new instance of the broker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Sessions:  NewSessions(),
		Topics:    NewTopicsIndex(),
		Retained:  NewRetained(),
		Listeners: listeners.New(),
		Options:   opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log:       opts.Logger,
		sysTopics: time.NewTicker(time.Second * time.Duration(opts.SysTopicResendInterval)),
		buffers:   mempool.NewBuffer(opts.ClientNetWriteBufferSize),
		workers:   NewWorkers(opts.WorkerColumns, opts.WorkerQueueSize),
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	s.retrier = NewRetrier(func(client string, id uint16, gen uint64) {
		s.dispatch(client, func() {
			s.retry(client, id, gen)
		})
	})

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
// Provided capabilities are copied so the caller's struct is never changed by the server.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	} else {
		caps := new(Capabilities)
		_ = copier.Copy(caps, o.Capabilities)
		o.Capabilities = caps
	}

	defaults := NewDefaultServerCapabilities()
	if o.Capabilities.MaximumClients <= 0 {
		o.Capabilities.MaximumClients = defaults.MaximumClients
	}

	if o.Capabilities.MaximumClientWritesPending <= 0 {
		o.Capabilities.MaximumClientWritesPending = defaults.MaximumClientWritesPending
	}

	if o.Capabilities.MaximumInflight == 0 {
		o.Capabilities.MaximumInflight = defaults.MaximumInflight
	}

	if o.Capabilities.RetryInterval <= 0 {
		o.Capabilities.RetryInterval = defaults.RetryInterval
	}

	if o.Capabilities.RetryIntervalMaximum < o.Capabilities.RetryInterval {
		o.Capabilities.RetryIntervalMaximum = o.Capabilities.RetryInterval
	}

	if o.Capabilities.RetryBackoff < 1 {
		o.Capabilities.RetryBackoff = defaults.RetryBackoff
	}

	switch o.Capabilities.RetryPolicy {
	case RetryPolicyKeep, RetryPolicyDrop, RetryPolicyDisconnect:
	default:
		o.Capabilities.RetryPolicy = RetryPolicyKeep
	}

	if o.Capabilities.MaximumQos > 2 {
		o.Capabilities.MaximumQos = 2
	}

	if o.SysTopicResendInterval <= 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.ClientNetWriteBufferSize == 0 {
		o.ClientNetWriteBufferSize = 1024 * 2
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.WorkerColumns <= 0 {
		o.WorkerColumns = runtime.GOMAXPROCS(0) * 4
	}

	if o.WorkerQueueSize <= 0 {
		o.WorkerQueueSize = 1024
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// NewClient returns a new Client instance, populated with all the required values and
// references to be used with the server.
func (s *Server) NewClient(c net.Conn, listener string) *Client {
	cl := newClient(c, &ops{
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
		buffers: s.buffers,
	})

	cl.Net.Listener = listener
	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeNet:
			l = listeners.NewNet(conf, nil)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf, s.healthy)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// healthy reports whether the server is accepting clients.
func (s *Server) healthy() error {
	select {
	case <-s.done:
		return ErrServerShuttingDown
	default:
		return nil
	}
}

// Serve restores any stored state, then starts the event loops responsible for
// establishing client connections on all attached listeners, retransmitting
// in-flight messages and publishing the system topics.
func (s *Server) Serve() error {
	s.Log.Info("moquette starting", "version", Version)
	defer s.Log.Info("moquette server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(
		StoredSessions,
		StoredSubscriptions,
		StoredInflightMessages,
		StoredQueuedMessages,
		StoredInboundMessages,
		StoredRetainedMessages,
		StoredSysInfo,
	) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.retrier.Run()                          // start the retransmit sweep.
	go s.eventLoop()                            // spin up event loop for issuing $SYS values and closing server.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.publishSysTopics()                        // begin publishing $SYS system values.
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.sysTopics.Stop()
			return
		case <-s.sysTopics.C:
			s.publishSysTopics()
		}
	}
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewClient(c, listener)
	return s.attachClient(cl, listener)
}

// attachClient validates an incoming client connection and if viable, binds the
// client to its session and reads incoming packets until the connection ends.
func (s *Server) attachClient(cl *Client, listener string) error {
	defer s.Listeners.ClientsWg.Done()
	s.Listeners.ClientsWg.Add(1)
	defer cl.Close(nil)

	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}

	code, err := pk.ValidateConnect()
	if err != nil {
		return err // [MQTT-3.1.4-1] close without connack
	}

	cl.ParseConnect(listener, pk)
	if code == packets.CodeSuccess {
		code = s.validateConnect(cl)
	}

	if code != packets.CodeSuccess {
		if err := s.SendConnack(cl, code, false); err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}
		return code // [MQTT-3.2.2-5]
	}

	cl.refreshDeadline(cl.Properties.Keepalive)
	if !s.hooks.OnConnectAuthenticate(cl, pk) {
		err := s.SendConnack(cl, packets.ErrRefusedBadUsernameOrPassword, false)
		if err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}

		return packets.ErrRefusedBadUsernameOrPassword
	}

	sess, present := s.Connect(cl.ID, cl.Properties.Clean, cl)
	cl.Session = sess

	err = s.SendConnack(cl, packets.CodeSuccess, present) // [MQTT-3.2.2-2] [MQTT-3.2.2-3]
	if err != nil {
		s.disconnect(cl.ID, cl)
		return fmt.Errorf("ack connection packet: %w", err)
	}

	go cl.WriteLoop() // resent messages wait in the outbound buffer until the connack is written

	err = cl.Read(s.receivePacket)
	if err == nil || cl.Closed() {
		if cause := cl.StopCause(); cause != nil {
			err = cause // closed by the server or a disconnect packet
		}
	}

	s.sendLWT(cl) // cleared by a disconnect packet
	cl.Close(err)

	if closedGracefully(err) {
		s.Log.Debug("client disconnected", "client", cl.ID, "remote", cl.Net.Remote, "listener", listener)
	} else {
		s.Log.Debug("client connection ended", "error", err, "client", cl.ID, "remote", cl.Net.Remote, "listener", listener)
	}
	s.disconnect(cl.ID, cl)

	return err
}

// readConnectionPacket reads the first incoming packet for a connection, and if
// acceptable, returns the valid connection packet.
func (s *Server) readConnectionPacket(cl *Client) (pk packets.Packet, err error) {
	pk, err = cl.ReadPacket()
	if err != nil {
		return
	}

	if pk.FixedHeader.Type != packets.Connect {
		return pk, packets.ErrProtocolViolationFirstPacket // [MQTT-3.1.0-1]
	}

	return
}

// validateConnect applies the broker limits to an otherwise valid connect.
func (s *Server) validateConnect(cl *Client) packets.Code {
	if cl.ID == "" {
		return packets.ErrRefusedIDRejected // [MQTT-3.1.3-8]
	}

	if atomic.LoadInt64(&s.Info.ClientsConnected) >= s.Options.Capabilities.MaximumClients {
		return packets.ErrRefusedServerUnavailable
	}

	return packets.CodeSuccess
}

// SendConnack writes a connack packet directly to a client.
func (s *Server) SendConnack(cl *Client, reason packets.Code, present bool) error {
	return cl.writePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: present && reason == packets.CodeSuccess, // [MQTT-3.2.2-4]
		ReturnCode:     reason.Code,
	})
}

// receivePacket processes an incoming packet for a client.
func (s *Server) receivePacket(cl *Client, pk packets.Packet) error {
	err := s.processPacket(cl, pk)
	if err != nil {
		s.Log.Warn("error processing packet", "error", err, "client", cl.ID, "listener", cl.Net.Listener, "type", packets.PacketNames[pk.FixedHeader.Type])
		return err
	}

	return nil
}

// processPacket processes an inbound packet for a client. Since the method is
// typically called as a goroutine, errors are primarily for test checking purposes.
func (s *Server) processPacket(cl *Client, pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Connect:
		return packets.ErrSecondConnect // [MQTT-3.1.0-2]
	case packets.Pingreq:
		return s.processPingreq(cl, pk)
	case packets.Publish:
		return s.processPublish(cl, pk)
	case packets.Puback:
		s.Puback(cl.Session, pk.PacketID)
	case packets.Pubrec:
		s.Pubrec(cl.Session, pk.PacketID)
	case packets.Pubrel:
		s.Pubrel(cl.Session, pk.PacketID)
	case packets.Pubcomp:
		s.Pubcomp(cl.Session, pk.PacketID)
	case packets.Subscribe:
		return s.processSubscribe(cl, pk)
	case packets.Unsubscribe:
		return s.processUnsubscribe(cl, pk)
	case packets.Disconnect:
		return s.processDisconnect(cl, pk)
	default:
		return fmt.Errorf("no valid packet available; %v", pk.FixedHeader.Type)
	}

	return nil
}

// processPingreq processes a Pingreq packet.
func (s *Server) processPingreq(cl *Client, _ packets.Packet) error {
	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})
}

// processPublish processes a Publish packet.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	if pk.FixedHeader.Qos > 2 {
		return packets.ErrMalformedQos // [MQTT-3.3.1-4]
	}

	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return packets.ErrMalformedPacketID // [MQTT-2.3.1-1]
	}

	return s.Receive(cl.Session, pk)
}

// processSubscribe processes a Subscribe packet. The suback is written before
// any retained message is delivered for the new subscriptions.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	codes, granted, err := s.subscribe(cl.Session, pk.Filters)
	if err != nil {
		return err
	}

	err = cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Suback,
		},
		PacketID:    pk.PacketID, // [MQTT-2.3.1-7]
		ReturnCodes: codes,       // [MQTT-3.9.3-1]
	})
	if err != nil {
		return err
	}

	s.publishRetained(cl.Session, granted) // [MQTT-3.3.1-6]
	return nil
}

// processUnsubscribe processes an unsubscribe packet.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	if err := s.Unsubscribe(cl.Session, pk.Filters.Filters()); err != nil {
		return err
	}

	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsuback,
		},
		PacketID: pk.PacketID, // [MQTT-2.3.1-7] [MQTT-3.11.2-1]
	})
}

// processDisconnect processes a Disconnect packet. The will message is discarded.
func (s *Server) processDisconnect(cl *Client, _ packets.Packet) error {
	atomic.StoreUint32(&cl.Properties.Will.Flag, 0) // [MQTT-3.1.2-10]
	cl.Close(nil)
	return nil
}

// sendLWT issues the will message of a client whose connection ended without a disconnect packet.
func (s *Server) sendLWT(cl *Client) {
	if atomic.LoadUint32(&cl.Properties.Will.Flag) == 0 {
		return
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: cl.Properties.Will.Retain, // [MQTT-3.1.2-14] [MQTT-3.1.2-15]
			Qos:    cl.Properties.Will.Qos,
		},
		TopicName: cl.Properties.Will.TopicName,
		Payload:   cl.Properties.Will.Payload,
		Created:   time.Now().Unix(),
	}

	atomic.StoreUint32(&cl.Properties.Will.Flag, 0) // [MQTT-3.1.2-10]
	if err := s.Publish(cl.Session, pk); err != nil { // [MQTT-3.1.2-8]
		s.Log.Warn("failed to send will message", "error", err, "client", cl.ID, "topic", pk.TopicName)
		return
	}

	s.hooks.OnWillSent(cl.Session, pk)
}

// publishSysTopics retains and publishes the current statistics under
// $SYS/broker, then passes a snapshot to the hooks.
func (s *Server) publishSysTopics() {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: true,
		},
		Created: time.Now().Unix(),
	}

	s.Info.Sample(time.Now(), int64(s.Sessions.Len()))
	info := s.Info.Clone()

	topics := map[string]string{
		SysPrefix + "/broker/version": info.Version,
	}
	for _, stat := range info.Stats() {
		topics[SysPrefix+"/broker/"+stat.Topic] = Int64toa(stat.Load())
	}

	for topic, payload := range topics {
		pk.TopicName = topic
		pk.Payload = []byte(payload)
		s.Retained.PublishRetained(pk.Copy(false))
		s.publishToSubscribers(pk)
	}
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))

	s.hooks.OnSysInfoTick(info)
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Log.Info("gracefully stopping server")
		s.Listeners.CloseAll(s.closeListenerClients)
		s.retrier.Stop()
		s.hooks.OnStopped()
		s.workers.Close()
		s.hooks.Stop()
		s.Log.Info("moquette server stopped")
	})

	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	for _, sess := range s.Sessions.GetByListener(listener) {
		if snd := sess.Sender(); snd != nil {
			snd.Close(ErrServerShuttingDown)
		}
	}
}

// readStore reads in any data from the persistent datastore (if applicable).
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredSessions) {
		sessions, err := s.hooks.StoredSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions; %w", err)
		}
		s.loadSessions(sessions)
		s.Log.Debug("loaded sessions from store", "len", len(sessions))
	}

	if s.hooks.Provides(StoredSubscriptions) {
		subs, err := s.hooks.StoredSubscriptions()
		if err != nil {
			return fmt.Errorf("load subscriptions; %w", err)
		}
		s.loadSubscriptions(subs)
		s.Log.Debug("loaded subscriptions from store", "len", len(subs))
	}

	if s.hooks.Provides(StoredInflightMessages) {
		inflight, err := s.hooks.StoredInflightMessages()
		if err != nil {
			return fmt.Errorf("load inflight; %w", err)
		}
		s.loadInflight(inflight)
		s.Log.Debug("loaded inflights from store", "len", len(inflight))
	}

	if s.hooks.Provides(StoredQueuedMessages) {
		queued, err := s.hooks.StoredQueuedMessages()
		if err != nil {
			return fmt.Errorf("load queued; %w", err)
		}
		s.loadQueued(queued)
		s.Log.Debug("loaded queued messages from store", "len", len(queued))
	}

	if s.hooks.Provides(StoredInboundMessages) {
		inbound, err := s.hooks.StoredInboundMessages()
		if err != nil {
			return fmt.Errorf("load inbound; %w", err)
		}
		s.loadInbound(inbound)
		s.Log.Debug("loaded inbound receipts from store", "len", len(inbound))
	}

	if s.hooks.Provides(StoredRetainedMessages) {
		retained, err := s.hooks.StoredRetainedMessages()
		if err != nil {
			return fmt.Errorf("load retained; %w", err)
		}
		s.loadRetained(retained)
		s.Log.Debug("loaded retained messages from store", "len", len(retained))
	}

	if s.hooks.Provides(StoredSysInfo) {
		sysInfo, err := s.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load server info; %w", err)
		}
		s.loadServerInfo(sysInfo.Info)
		s.Log.Debug("loaded $SYS info from store")
	}

	return nil
}

// loadServerInfo restores server info from the datastore.
func (s *Server) loadServerInfo(v system.Info) {
	if s.Options.Capabilities.Compatibilities.RestoreSysInfoOnRestart {
		atomic.StoreInt64(&s.Info.BytesReceived, v.BytesReceived)
		atomic.StoreInt64(&s.Info.BytesSent, v.BytesSent)
		atomic.StoreInt64(&s.Info.ClientsMaximum, v.ClientsMaximum)
		atomic.StoreInt64(&s.Info.MessagesReceived, v.MessagesReceived)
		atomic.StoreInt64(&s.Info.MessagesSent, v.MessagesSent)
		atomic.StoreInt64(&s.Info.MessagesDropped, v.MessagesDropped)
		atomic.StoreInt64(&s.Info.PacketsReceived, v.PacketsReceived)
		atomic.StoreInt64(&s.Info.PacketsSent, v.PacketsSent)
		atomic.StoreInt64(&s.Info.InflightDropped, v.InflightDropped)
	}
}

// loadSessions restores persistent sessions from the datastore. Restored
// sessions are disconnected until a client connects with the same id.
func (s *Server) loadSessions(v []storage.Session) {
	for _, c := range v {
		if c.Clean {
			continue
		}

		sess := NewSession(c.ID, false, s.Options.Capabilities)
		sess.Username = c.Username
		sess.Remote = c.Remote
		sess.Listener = c.Listener
		sess.Created = c.Created
		sess.Will = Will{
			Payload:   c.Will.Payload,
			TopicName: c.Will.TopicName,
			Qos:       c.Will.Qos,
			Retain:    c.Will.Retain,
			Flag:      c.Will.Flag,
		}
		s.Sessions.Add(sess)
	}
	atomic.StoreInt64(&s.Info.ClientsTotal, int64(s.Sessions.Len()))
}

// loadSubscriptions restores subscriptions from the datastore.
func (s *Server) loadSubscriptions(v []storage.Subscription) {
	for _, sub := range v {
		sess, ok := s.Sessions.Get(sub.Client)
		if !ok {
			continue
		}

		sb := packets.Subscription{
			Filter: sub.Filter,
			Qos:    sub.Qos,
		}

		isNew, err := s.Topics.Subscribe(sub.Client, sb)
		if err != nil {
			s.Log.Warn("skipped stored subscription", "error", err, "client", sub.Client, "filter", sub.Filter)
			continue
		}

		if isNew {
			atomic.AddInt64(&s.Info.Subscriptions, 1)
		}
		sess.Subscriptions.Add(sb.Filter, sb)
	}
}

// loadInflight restores in-flight messages from the datastore.
func (s *Server) loadInflight(v []storage.Message) {
	for _, msg := range v {
		sess, ok := s.Sessions.Get(msg.Client)
		if !ok {
			continue
		}

		m := &InflightMessage{
			Packet:  msg.ToPacket(),
			State:   InflightState(msg.State),
			Sent:    msg.Sent,
			Retries: msg.Retries,
			Seq:     msg.Seq,
		}

		if sess.State.Inflight.Set(m) {
			atomic.AddInt64(&s.Info.Inflight, 1)
		}
		sess.setSeq(msg.Seq)
	}
}

// loadQueued restores queued messages from the datastore.
func (s *Server) loadQueued(v []storage.Message) {
	for _, msg := range v {
		sess, ok := s.Sessions.Get(msg.Client)
		if !ok {
			continue
		}

		sess.State.Queue.Restore(QueuedMessage{
			Packet: msg.ToPacket(),
			Seq:    msg.Seq,
		})
		sess.setSeq(msg.Seq)
	}
}

// loadInbound restores the qos 2 packet ids received from clients which were
// not yet released.
func (s *Server) loadInbound(v []storage.Message) {
	for _, msg := range v {
		sess, ok := s.Sessions.Get(msg.Client)
		if !ok {
			continue
		}

		sess.State.Inbound.Receive(msg.PacketID, msg.Created)
	}
}

// loadRetained restores retained messages from the datastore.
func (s *Server) loadRetained(v []storage.Message) {
	for _, msg := range v {
		s.Retained.Add(msg.ToPacket())
	}
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
}

// Int64toa converts an int64 to a string.
func Int64toa(v int64) string {
	return strconv.FormatInt(v, 10)
}
