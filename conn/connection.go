// Package conn implements Connection (C3): the per-peer state machine,
// serialized send pipeline, receive dispatch, and handshake/liveness timer
// described in spec.md §4.3. It is the core the rest of the module is
// built around; both the client-side Connect path and the listener's
// server-side adoption path (conn.Accept, called from package listener)
// produce a *Connection.
//
// Grounded on proxy-server/server.go's Server shape (mutex-guarded fields,
// sync.WaitGroup-coordinated goroutines, explicit Config/normalizeConfig)
// and ratelimiter/ratelimiter.go's atomic per-entry bookkeeping, adapted
// from rate-limit tokens to handshake salts and retry counters.
package conn

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/channel"
	"github.com/bridgefall/ruconn/commons/metrics"
	"github.com/bridgefall/ruconn/packet"
	"github.com/bridgefall/ruconn/salt"
	"github.com/bridgefall/ruconn/wire"
)

// RetryAmount is the default bound on handshake control packets sent per
// phase, the first send included (spec.md §4.3/§8 property 3: "Connection_Retry_Amount (10)").
const RetryAmount = 10

const (
	defaultHandshakeResendInterval = 500 * time.Millisecond
	defaultIdleTimeout             = 5 * time.Second
	readPollInterval               = 250 * time.Millisecond
)

// Config tunes a Connection's timers. The zero value is filled in with
// defaults by Validate.
type Config struct {
	// RetryAmount bounds the control packets sent per handshake phase,
	// counting the first send. Zero uses RetryAmount (10).
	RetryAmount int

	// HandshakeResendInterval is how long the Connection waits for a
	// handshake response before resending. Zero uses 500ms.
	HandshakeResendInterval time.Duration

	// TickInterval drives both handshake-resend and idle-liveness checks.
	// Spec.md §5 recommends half the resend delay so a resend is issued
	// within one period of becoming due. Zero derives it from
	// HandshakeResendInterval.
	TickInterval time.Duration

	// IdleTimeout is how long a Connected connection tolerates silence
	// before self-initiating disconnect. Zero uses 5s.
	IdleTimeout time.Duration
}

// Validate fills in defaults and rejects nonsensical values, in the
// teacher's normalizeConfig style (proxy-server/server.go).
func (c *Config) Validate() error {
	if c.RetryAmount < 0 {
		return fmt.Errorf("conn: RetryAmount must be >= 0")
	}
	if c.RetryAmount == 0 {
		c.RetryAmount = RetryAmount
	}
	if c.HandshakeResendInterval < 0 {
		return fmt.Errorf("conn: HandshakeResendInterval must be >= 0")
	}
	if c.HandshakeResendInterval == 0 {
		c.HandshakeResendInterval = defaultHandshakeResendInterval
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("conn: TickInterval must be >= 0")
	}
	if c.TickInterval == 0 {
		c.TickInterval = c.HandshakeResendInterval / 2
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("conn: IdleTimeout must be >= 0")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	return nil
}

// Connection is one peer's handshake state machine plus its send/receive
// pipeline (spec.md §3 "Connection entity").
type Connection struct {
	cfg     Config
	factory packet.Factory
	hooks   Hooks
	logger  *slog.Logger
	metrics *metrics.ConnMetrics

	socket    *net.UDPConn
	remote    atomic.Pointer[net.UDPAddr]
	chanHooks channel.Hooks

	state            stateBox
	localSalt        atomic.Uint64
	remoteSalt       atomic.Uint64
	sessionSalt      atomic.Uint64
	retryCounter     atomic.Int32
	lastReceived     atomic.Int64
	lastHandshakeTry atomic.Int64

	chMu     sync.RWMutex
	channels map[packet.ID]channel.Channel
	tickSet  map[channel.Channel]struct{}
	fallback channel.Channel

	sendMu  sync.Mutex
	sending bool
	queue   [][]byte

	disconnectLatch atomic.Bool
	onPortRelease   func()

	pumpOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newConnection(cfg Config, factory packet.Factory, hooks Hooks) *Connection {
	c := &Connection{
		cfg:      cfg,
		factory:  factory,
		hooks:    hooks,
		logger:   slog.Default(),
		metrics:  metrics.NewConnMetrics(),
		channels: make(map[packet.ID]channel.Channel),
		tickSet:  make(map[channel.Channel]struct{}),
		stopCh:   make(chan struct{}),
	}
	c.chanHooks = channel.Hooks{
		WriteHeader: c.writeAppHeader,
		Send:        c.sendRaw,
		Deliver:     hooks.firePacket,
	}
	c.fallback = channel.CreateUnreliableChannel(factory, c.chanHooks)
	return c
}

// New returns a client-side Connection in state ReadyToConnect. Call
// Connect to begin the handshake.
func New(factory packet.Factory, hooks Hooks, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newConnection(cfg, factory, hooks), nil
}

// Accept constructs a server-adopted Connection already in state
// Connected, bound to its own dedicated localPort and addressed to
// remoteAddr. This is the listener's "mint a Connection on successful
// Solution" step (spec.md §4.4); portRelease is invoked once, from the
// disconnect body, to return localPort to the Acceptor's port pool
// (spec.md §9 / SPEC_FULL.md §10.2).
//
// The returned Connection's receive/timer pumps are not yet running:
// spec.md §4.4 sequences "insert into the connections table, hand to
// HandleConnection, start its receive pump, then reply Connected" as
// distinct steps, so the caller must call Start once it has finished
// wiring the Connection (e.g. registering channels from within
// HandleConnection).
func Accept(localPort uint16, remoteAddr *net.UDPAddr, factory packet.Factory, hooks Hooks, sessionSalt salt.Salt, cfg Config, portRelease func()) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	socket, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(localPort)})
	if err != nil {
		return nil, fmt.Errorf("conn: bind accepted port %d: %w", localPort, err)
	}
	c := newConnection(cfg, factory, hooks)
	c.socket = socket
	c.remote.Store(remoteAddr)
	c.sessionSalt.Store(uint64(sessionSalt))
	c.onPortRelease = portRelease
	c.state.store(StateConnected)
	c.lastReceived.Store(time.Now().UnixNano())
	return c, nil
}

// Start launches the receive and timer pumps. Idempotent: only the first
// call has any effect. Connect calls this itself; Accept does not, so the
// listener can finish wiring (HandleConnection) before traffic is
// processed.
func (c *Connection) Start() {
	c.pumpOnce.Do(func() {
		c.startPumps()
	})
}

// ChannelHooks returns the capability bundle this Connection hands to
// channel constructors (channel.CreateReliableChannel and friends), so an
// application can build a custom channel and register it via
// SetPacketChannel.
func (c *Connection) ChannelHooks() channel.Hooks {
	return c.chanHooks
}

// SetPacketChannel overrides the channel used for id. Must be called
// before sending or receiving on that id (spec.md §4.2).
func (c *Connection) SetPacketChannel(id packet.ID, ch channel.Channel) {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	c.channels[id] = ch
	c.tickSet[ch] = struct{}{}
}

func (c *Connection) channelFor(id packet.ID) channel.Channel {
	c.chMu.RLock()
	defer c.chMu.RUnlock()
	if ch, ok := c.channels[id]; ok {
		return ch
	}
	return c.fallback
}

// State returns the Connection's current state.
func (c *Connection) State() State {
	return c.state.load()
}

// SessionSalt returns the derived session salt. Zero before the
// handshake reaches AwaitingConnected (client) or for a Connection not
// yet constructed via Accept.
func (c *Connection) SessionSalt() salt.Salt {
	return salt.Salt(c.sessionSalt.Load())
}

// Metrics returns this Connection's counters.
func (c *Connection) Metrics() *metrics.ConnMetrics {
	return c.metrics
}

// LocalAddr returns the bound local UDP address, or nil before Connect
// binds a socket.
func (c *Connection) LocalAddr() net.Addr {
	if c.socket == nil {
		return nil
	}
	return c.socket.LocalAddr()
}

// RemoteAddr returns the peer endpoint traffic is currently addressed to.
func (c *Connection) RemoteAddr() net.Addr {
	if a := c.remote.Load(); a != nil {
		return a
	}
	return nil
}

// Send hands pkt to the channel registered for its packet id. Sending
// before the Connection reaches Connected is a programmer error (spec.md
// §7 "undefined for the latter"); this implementation reports it as an
// error rather than panicking or silently dropping.
func (c *Connection) Send(pkt packet.Packet) error {
	if c.state.load() != StateConnected {
		return fmt.Errorf("conn: send called before Connected (state=%s)", c.state.load())
	}
	return c.channelFor(pkt.PacketID()).Send(pkt)
}

func (c *Connection) writeAppHeader(w *bitio.Writer, id packet.ID) {
	wire.EncodeAppHeader(w, salt.Salt(c.sessionSalt.Load()), id)
}

func (c *Connection) startPumps() {
	c.wg.Add(2)
	go c.receiveLoop()
	go c.timerLoop()
}

func (c *Connection) remoteUDPAddr() *net.UDPAddr {
	return c.remote.Load()
}
