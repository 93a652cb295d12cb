// Package listener implements Acceptor (C4): the server side of the
// handshake, bound to a fixed well-known port, minting Connections on
// successful Solution (spec.md §4.4).
//
// The accept-loop-plus-goroutine-per-connection shape is grounded on
// proxy-server/quic.go and socks5-daemon/quic.go's QUIC accept loops; the
// pending-handshake and established-connection tables are grounded on
// ratelimiter/ratelimiter.go's concurrent map-of-entries design, adapted
// from rate-limit tokens to handshake/connection entries.
package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/ipv4"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/commons/metrics"
	"github.com/bridgefall/ruconn/conn"
	"github.com/bridgefall/ruconn/internal/antispoof"
	"github.com/bridgefall/ruconn/internal/portpool"
	"github.com/bridgefall/ruconn/packet"
	"github.com/bridgefall/ruconn/salt"
	"github.com/bridgefall/ruconn/wire"
)

const pendingHandshakeTTL = 30 * time.Second

// Config configures a Listener.
type Config struct {
	// Port is the well-known port the Acceptor binds.
	Port uint16

	// MaxClients sizes the available-port pool drawn from
	// [Port+1, Port+MaxClients].
	MaxClients int

	// ConnConfig is passed through to every accepted Connection.
	ConnConfig conn.Config

	// TTL sets the outbound IPv4 TTL on the listening socket via
	// golang.org/x/net/ipv4, mirroring the socket-wrapping pattern
	// proxy-server's transports apply to their net.PacketConn. Zero skips
	// this (uses the OS default).
	TTL int

	// AntispoofKey, if non-nil, enables the flood guard on inbound
	// Connect datagrams (internal/antispoof). Nil disables it; this is
	// off-by-default hardening, not part of the core handshake.
	AntispoofKey *[32]byte

	// AntispoofCapacity bounds the flood guard's recency cache. Zero uses
	// the package default.
	AntispoofCapacity int
}

// Validate fills in defaults and rejects nonsensical values.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("listener: Port must be nonzero")
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("listener: MaxClients must be > 0")
	}
	if int(c.Port)+c.MaxClients > 65535 {
		return fmt.Errorf("listener: Port+MaxClients exceeds the port range")
	}
	if err := c.ConnConfig.Validate(); err != nil {
		return err
	}
	return nil
}

// Hooks is the application-supplied capability set the Acceptor invokes.
type Hooks struct {
	// HandleConnection is invoked once per newly minted Connection, before
	// its receive pump starts and before Connected is replied.
	HandleConnection func(c *conn.Connection)

	// HandlePacket delivers a decoded application packet received on an
	// accepted Connection. Forwarded into that Connection's own
	// conn.Hooks.HandlePacket.
	HandlePacket func(c *conn.Connection, p packet.Packet)

	// HandleDisconnect fires from inside a Connection's disconnect body.
	// The Listener removes its table entry and releases its port right
	// after this returns.
	HandleDisconnect func(c *conn.Connection)
}

type pendingEntry struct {
	clientSalt salt.Salt
	serverSalt salt.Salt
	createdAt  time.Time
}

// Listener is the Acceptor (C4).
type Listener struct {
	cfg     Config
	factory packet.Factory
	hooks   Hooks
	logger  *slog.Logger
	metrics *metrics.ListenerMetrics

	socket *net.UDPConn
	ttlSet bool
	sendMu sync.Mutex

	ports *portpool.Pool
	guard *antispoof.Guard

	mu          sync.Mutex
	pending     map[string]*pendingEntry
	connections map[string]*conn.Connection

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New validates cfg and returns a Listener ready for Start.
func New(cfg Config, factory packet.Factory, hooks Hooks) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Listener{
		cfg:         cfg,
		factory:     factory,
		hooks:       hooks,
		logger:      slog.Default(),
		metrics:     metrics.NewListenerMetrics(),
		ports:       portpool.New(cfg.Port, cfg.MaxClients),
		pending:     make(map[string]*pendingEntry),
		connections: make(map[string]*conn.Connection),
		stopCh:      make(chan struct{}),
	}
	if cfg.AntispoofKey != nil {
		l.guard = antispoof.New(*cfg.AntispoofKey, cfg.AntispoofCapacity)
	}
	return l, nil
}

// Start binds the listening socket and begins the accept loop.
func (l *Listener) Start() error {
	socket, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(l.cfg.Port)})
	if err != nil {
		return fmt.Errorf("listener: bind port %d: %w", l.cfg.Port, err)
	}
	l.socket = socket

	if l.cfg.TTL > 0 {
		pc := ipv4.NewPacketConn(socket)
		if err := pc.SetTTL(l.cfg.TTL); err != nil {
			l.logger.Warn("listener: set TTL failed, continuing with OS default", "err", err)
		} else {
			l.ttlSet = true
		}
	}

	l.wg.Add(2)
	go l.acceptLoop()
	go l.sweepLoop()
	return nil
}

// Stop closes the listening socket, drains pending handshakes, and
// notifies active Connections before they're closed (spec.md §9 / §10.3:
// "the source's Stop is empty; a correct implementation should close the
// socket, drain pending handshakes, and optionally notify active
// Connections").
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.socket != nil {
			l.socket.Close()
		}
	})
	l.wg.Wait()

	l.mu.Lock()
	l.pending = make(map[string]*pendingEntry)
	active := make([]*conn.Connection, 0, len(l.connections))
	for _, c := range l.connections {
		active = append(active, c)
	}
	l.mu.Unlock()

	for _, c := range active {
		c.DisconnectWithReason(wire.ReasonServerShutdown)
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		_ = l.socket.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, from, err := l.socket.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.logger.Debug("listener: read failed", "err", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		l.dispatch(datagram, from)
	}
}

// sweepLoop evicts pending-handshake entries a client never completed
// (dropped Solution, or a client that vanished after Connect), so a stalled
// handshake doesn't hold its entry forever.
func (l *Listener) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(pendingHandshakeTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.sweepPending(now)
		}
	}
}

func (l *Listener) sweepPending(now time.Time) {
	l.mu.Lock()
	for key, entry := range l.pending {
		if now.Sub(entry.createdAt) >= pendingHandshakeTTL {
			delete(l.pending, key)
		}
	}
	l.mu.Unlock()
}

// ipKey is the pending/connections table key: remote IP only, per spec.md
// §4.4 ("keyed by remote IP"), so a client that rebinds its ephemeral port
// mid-handshake still lands on the same entry.
func ipKey(addr *net.UDPAddr) string {
	return addr.IP.String()
}

func (l *Listener) writeControl(to *net.UDPAddr, ctrlType wire.ControlType, encode func(w *bitio.Writer)) {
	datagram := wire.EncodeControl(ctrlType, encode)
	l.sendMu.Lock()
	_, err := l.socket.WriteToUDP(datagram, to)
	l.sendMu.Unlock()
	if err != nil {
		l.logger.Debug("listener: write failed", "to", to, "err", err)
	}
}

func (l *Listener) sendDisconnect(to *net.UDPAddr, clientSalt salt.Salt, reason wire.DisconnectReason) {
	l.writeControl(to, wire.ControlDisconnect, func(w *bitio.Writer) {
		wire.DisconnectPacket{SessionSalt: clientSalt, Reason: reason}.Encode(w)
	})
}

// handleConnect implements the server side of spec.md §4.4's Connect
// handling: reject on exhaustion or an existing Connection, otherwise mint
// or replace a pending-handshake entry and reply Challenge.
func (l *Listener) handleConnect(r *bitio.Reader, from *net.UDPAddr) {
	pkt, err := wire.DecodeConnect(r)
	if err != nil {
		return
	}

	if l.guard != nil {
		seen, err := l.guard.Admit(from.IP)
		if err == nil && seen {
			return
		}
	}

	key := ipKey(from)

	l.mu.Lock()
	if _, exists := l.connections[key]; exists {
		l.mu.Unlock()
		l.sendDisconnect(from, pkt.ClientSalt, wire.ReasonExistingConnection)
		return
	}
	if l.ports.Available() == 0 {
		l.mu.Unlock()
		l.metrics.Rejected.Add(1)
		l.sendDisconnect(from, pkt.ClientSalt, wire.ReasonServerFull)
		return
	}
	serverSalt, err := salt.Generate()
	if err != nil {
		l.mu.Unlock()
		l.logger.Warn("listener: generate server salt failed", "err", err)
		return
	}
	l.pending[key] = &pendingEntry{clientSalt: pkt.ClientSalt, serverSalt: serverSalt, createdAt: time.Now()}
	l.mu.Unlock()

	l.metrics.PendingHandshakes.Set(int64(l.pendingCount()))
	l.metrics.ChallengesSent.Add(1)
	l.writeControl(from, wire.ControlChallenge, func(w *bitio.Writer) {
		wire.ChallengePacket{ClientSalt: pkt.ClientSalt, ServerSalt: serverSalt}.Encode(w)
	})
}

// handleSolution implements spec.md §4.4's Solution handling: tolerate a
// resend against an already-established Connection (S3), otherwise consume
// the matching pending entry exactly once and mint a Connection.
func (l *Listener) handleSolution(r *bitio.Reader, from *net.UDPAddr) {
	pkt, err := wire.DecodeSolution(r)
	if err != nil {
		return
	}
	key := ipKey(from)

	l.mu.Lock()
	if existing, ok := l.connections[key]; ok {
		l.mu.Unlock()
		if existing.SessionSalt() == pkt.SessionSalt {
			if addr, ok := existing.LocalAddr().(*net.UDPAddr); ok {
				l.writeControl(from, wire.ControlConnected, func(w *bitio.Writer) {
					wire.ConnectedPacket{SessionSalt: pkt.SessionSalt, Port: uint16(addr.Port)}.Encode(w)
				})
			}
		}
		return
	}
	entry, ok := l.pending[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	expected := salt.Combine(entry.clientSalt, entry.serverSalt)
	if expected != pkt.SessionSalt {
		l.mu.Unlock()
		return
	}
	delete(l.pending, key)
	l.mu.Unlock()
	l.metrics.PendingHandshakes.Set(int64(l.pendingCount()))

	port, ok := l.ports.Acquire()
	if !ok {
		return
	}

	var c *conn.Connection
	released := func() {
		l.ports.Release(port)
		l.mu.Lock()
		if l.connections[key] == c {
			delete(l.connections, key)
		}
		l.mu.Unlock()
		l.metrics.ActiveConnections.Set(int64(l.activeCount()))
	}
	hooks := conn.Hooks{
		HandlePacket: func(p packet.Packet) {
			if l.hooks.HandlePacket != nil {
				l.hooks.HandlePacket(c, p)
			}
		},
		OnDisconnect: func(cc *conn.Connection) {
			if l.hooks.HandleDisconnect != nil {
				l.hooks.HandleDisconnect(cc)
			}
		},
	}
	c, err = conn.Accept(port, from, l.factory, hooks, expected, l.cfg.ConnConfig, released)
	if err != nil {
		l.ports.Release(port)
		l.logger.Warn("listener: accept failed", "err", err)
		return
	}

	l.mu.Lock()
	if _, collide := l.connections[key]; collide {
		l.mu.Unlock()
		// c's disconnect body releases port via the onPortRelease hook.
		c.Disconnect()
		return
	}
	l.connections[key] = c
	l.mu.Unlock()
	l.metrics.ActiveConnections.Set(int64(l.activeCount()))
	l.metrics.Accepted.Add(1)

	if l.hooks.HandleConnection != nil {
		l.hooks.HandleConnection(c)
	}
	c.Start()
	l.writeControl(from, wire.ControlConnected, func(w *bitio.Writer) {
		wire.ConnectedPacket{SessionSalt: expected, Port: port}.Encode(w)
	})
}

func (l *Listener) pendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Listener) activeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connections)
}

func (l *Listener) dispatch(datagram []byte, from *net.UDPAddr) {
	hdr, r, err := wire.DecodeHeader(datagram)
	if err != nil || !hdr.IsControl {
		// The listener only answers control packets (spec.md §4.4).
		return
	}
	ctrlType, err := wire.DecodeControlType(r)
	if err != nil {
		return
	}
	switch ctrlType {
	case wire.ControlConnect:
		l.handleConnect(r, from)
	case wire.ControlSolution:
		l.handleSolution(r, from)
	default:
		// Challenge/Connected/Disconnect are client-bound; the listener
		// never acts on them arriving at its own port.
	}
}

// Snapshot is a CBOR-encodable view of the Acceptor's current occupancy,
// grounded on profile/cbor/converter.go's structured-snapshot use of cbor,
// for an operator-facing debug endpoint.
type Snapshot struct {
	PendingHandshakes int `cbor:"pending_handshakes"`
	ActiveConnections int `cbor:"active_connections"`
	AvailablePorts    int `cbor:"available_ports"`
}

func (l *Listener) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		PendingHandshakes: len(l.pending),
		ActiveConnections: len(l.connections),
		AvailablePorts:    l.ports.Available(),
	}
}

// SnapshotCBOR encodes the current Snapshot with cbor.Marshal, for an
// operator debug endpoint that prefers a compact binary encoding over
// JSON.
func (l *Listener) SnapshotCBOR() ([]byte, error) {
	return cbor.Marshal(l.Snapshot())
}

// Metrics returns the Acceptor's counters.
func (l *Listener) Metrics() *metrics.ListenerMetrics {
	return l.metrics
}
