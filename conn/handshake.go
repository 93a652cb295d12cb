package conn

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/channel"
	"github.com/bridgefall/ruconn/salt"
	"github.com/bridgefall/ruconn/wire"
)

// Connect begins the client-side handshake against addr (spec.md §4.3
// step 1). Calling it while not in ReadyToConnect is a no-op (property 1,
// handshake idempotence): the CAS fails and Connect returns nil without
// issuing another datagram.
func (c *Connection) Connect(addr string) error {
	if !c.state.cas(StateReadyToConnect, StateAwaitingChallenge) {
		return nil
	}

	// A prior attempt on this same Connection may have run itself back to
	// ReadyToConnect on retry exhaustion (spec.md §4.3 step 4): its pumps
	// close over the old stopCh and exit on their own once closeSocketAndStop
	// fires. wg.Wait blocks until they actually have, so it's safe to hand
	// pumpOnce/stopOnce/stopCh fresh values for this attempt's Start call.
	// On a Connection's first ever Connect this is a no-op wait on a zero
	// WaitGroup.
	c.wg.Wait()
	c.pumpOnce = sync.Once{}
	c.stopOnce = sync.Once{}
	c.stopCh = make(chan struct{})

	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		c.state.store(StateReadyToConnect)
		return fmt.Errorf("conn: resolve %q: %w", addr, err)
	}

	socket, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		c.state.store(StateReadyToConnect)
		return fmt.Errorf("conn: bind ephemeral socket: %w", err)
	}

	localSalt, err := salt.Generate()
	if err != nil {
		socket.Close()
		c.state.store(StateReadyToConnect)
		return fmt.Errorf("conn: generate local salt: %w", err)
	}

	c.socket = socket
	c.remote.Store(remoteAddr)
	c.localSalt.Store(uint64(localSalt))
	c.retryCounter.Store(1)
	c.lastReceived.Store(time.Now().UnixNano())
	c.lastHandshakeTry.Store(time.Now().UnixNano())

	c.Start()
	c.sendConnect()
	return nil
}

func (c *Connection) sendConnect() {
	datagram := wire.EncodeControl(wire.ControlConnect, func(w *bitio.Writer) {
		wire.ConnectPacket{ClientSalt: salt.Salt(c.localSalt.Load())}.Encode(w)
	})
	c.sendRaw(datagram)
}

func (c *Connection) sendSolution() {
	datagram := wire.EncodeControl(wire.ControlSolution, func(w *bitio.Writer) {
		wire.SolutionPacket{SessionSalt: salt.Salt(c.sessionSalt.Load())}.Encode(w)
	})
	c.sendRaw(datagram)
}

func (c *Connection) handleControl(ctrlType wire.ControlType, r *bitio.Reader) {
	switch ctrlType {
	case wire.ControlChallenge:
		c.onChallenge(r)
	case wire.ControlConnected:
		c.onConnected(r)
	case wire.ControlDisconnect:
		c.onDisconnectPacket(r)
	case wire.ControlConnect, wire.ControlSolution:
		// Server-bound control types; a client never acts on these.
	default:
		c.logger.Debug("conn: unknown control type", "type", ctrlType)
	}
}

func (c *Connection) onChallenge(r *bitio.Reader) {
	if c.state.load() != StateAwaitingChallenge {
		return
	}
	pkt, err := wire.DecodeChallenge(r)
	if err != nil {
		return
	}
	if pkt.ClientSalt != salt.Salt(c.localSalt.Load()) {
		// Spoofed or stale Challenge (property/S4): ignore, state unchanged.
		return
	}

	c.remoteSalt.Store(uint64(pkt.ServerSalt))
	session := salt.Combine(salt.Salt(c.localSalt.Load()), pkt.ServerSalt)
	c.sessionSalt.Store(uint64(session))

	if !c.state.cas(StateAwaitingChallenge, StateAwaitingConnected) {
		return
	}
	c.retryCounter.Store(1)
	c.lastReceived.Store(time.Now().UnixNano())
	c.lastHandshakeTry.Store(time.Now().UnixNano())
	c.sendSolution()
}

func (c *Connection) onConnected(r *bitio.Reader) {
	pkt, err := wire.DecodeConnected(r)
	if err != nil {
		return
	}
	if pkt.SessionSalt != salt.Salt(c.sessionSalt.Load()) {
		return
	}

	switch c.state.load() {
	case StateAwaitingConnected:
		newRemote := *c.remoteUDPAddr()
		newRemote.Port = int(pkt.Port)
		c.remote.Store(&newRemote)

		if !c.state.cas(StateAwaitingConnected, StateConnected) {
			return
		}
		c.retryCounter.Store(0)
		c.lastReceived.Store(time.Now().UnixNano())
		c.hooks.fireConnected(ConnectSuccess)
	case StateConnected:
		// Supplemented feature #4: tolerate a duplicate Connected (the
		// server resends it when a Solution retry finds an established
		// Connection). Idempotent: refresh liveness, do not refire
		// HandleConnected.
		c.lastReceived.Store(time.Now().UnixNano())
	}
}

func (c *Connection) onDisconnectPacket(r *bitio.Reader) {
	pkt, err := wire.DecodeDisconnect(r)
	if err != nil {
		return
	}

	switch c.state.load() {
	case StateAwaitingChallenge:
		if pkt.SessionSalt != salt.Salt(c.localSalt.Load()) {
			return
		}
	case StateAwaitingConnected, StateConnected:
		if pkt.SessionSalt != salt.Salt(c.sessionSalt.Load()) {
			return
		}
	default:
		return
	}
	c.logger.Debug("conn: disconnect received", "reason", pkt.Reason)
	c.disconnect(false, 0)
}

// tick is invoked by the timer goroutine every Config.TickInterval.
func (c *Connection) tick(now time.Time) {
	switch c.state.load() {
	case StateAwaitingChallenge:
		c.tickHandshake(now, ConnectNoChallengeReceived, c.sendConnect)
	case StateAwaitingConnected:
		c.tickHandshake(now, ConnectNoConnectedReceived, c.sendSolution)
	case StateConnected:
		last := time.Unix(0, c.lastReceived.Load())
		if now.Sub(last) >= c.cfg.IdleTimeout {
			c.disconnect(true, wire.ReasonClientDisconnect)
			return
		}
		c.tickChannels(now)
	}
}

// tickHandshake resends the handshake's outstanding control packet once
// per HandshakeResendInterval (the tick fires more often than that, per
// spec.md §5, so a resend is issued within one tick of becoming due,
// rather than on every tick).
func (c *Connection) tickHandshake(now time.Time, failStatus ConnectStatus, resend func()) {
	last := time.Unix(0, c.lastHandshakeTry.Load())
	if now.Sub(last) < c.cfg.HandshakeResendInterval {
		return
	}

	cur := c.retryCounter.Load()
	if cur >= int32(c.cfg.RetryAmount) {
		expected := c.state.load()
		if c.state.cas(expected, StateReadyToConnect) {
			c.hooks.fireConnected(failStatus)
			c.closeSocketAndStop()
		}
		return
	}
	c.retryCounter.Add(1)
	c.lastHandshakeTry.Store(now.UnixNano())
	resend()
}

func (c *Connection) tickChannels(now time.Time) {
	c.chMu.RLock()
	ticked := make([]channel.Channel, 0, len(c.tickSet)+1)
	for ch := range c.tickSet {
		ticked = append(ticked, ch)
	}
	ticked = append(ticked, c.fallback)
	c.chMu.RUnlock()

	for _, ch := range ticked {
		ch.Tick(now)
	}
}
