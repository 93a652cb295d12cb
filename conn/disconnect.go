package conn

import (
	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/salt"
	"github.com/bridgefall/ruconn/wire"
)

// Disconnect tears down the Connection from application code (spec.md
// §4.3 "Disconnect"). Safe to call any number of times and from any
// state; the disconnect body runs at most once (property 4).
func (c *Connection) Disconnect() {
	c.disconnect(true, wire.ReasonClientDisconnect)
}

// DisconnectWithReason tears the Connection down like Disconnect, but the
// best-effort notification sent to the peer carries reason instead of the
// default ReasonClientDisconnect. Used by an Acceptor shutting down to
// notify its active Connections with ReasonServerShutdown.
func (c *Connection) DisconnectWithReason(reason wire.DisconnectReason) {
	c.disconnect(true, reason)
}

// disconnect implements the single-shot teardown body. initiate
// distinguishes a locally-triggered disconnect (explicit call, idle
// timeout, socket failure) from one driven by a peer's Disconnect
// datagram, per spec.md §4.3. reason is only used when initiate is true.
func (c *Connection) disconnect(initiate bool, reason wire.DisconnectReason) {
	if !c.disconnectLatch.CompareAndSwap(false, true) {
		return
	}

	prior := c.state.load()
	switch prior {
	case StateReadyToConnect:
		// Disconnect before any handshake attempt is a no-op; clear the
		// latch so a later real disconnect can still run once.
		c.disconnectLatch.Store(false)
		return

	case StateConnected:
		c.state.store(StateDisconnected)
		if initiate {
			c.sendDisconnectBestEffort(reason)
		}
		c.closeSocketAndStop()
		if c.hooks.HandleDisconnect != nil {
			c.hooks.HandleDisconnect()
		}
		if c.hooks.OnDisconnect != nil {
			c.hooks.OnDisconnect(c)
		}

	case StateAwaitingChallenge, StateAwaitingConnected:
		c.state.store(StateDisconnected)
		c.closeSocketAndStop()
		c.hooks.fireConnected(ConnectAbortedByDisconnect)

	case StateDisconnected:
		// Already torn down; nothing further to do.
		return
	}

	if c.onPortRelease != nil {
		c.onPortRelease()
	}
}

// sendDisconnectBestEffort fires a single Disconnect datagram with no
// retry and no ack (spec.md §4.3: "best effort; no ack").
func (c *Connection) sendDisconnectBestEffort(reason wire.DisconnectReason) {
	datagram := wire.EncodeControl(wire.ControlDisconnect, func(w *bitio.Writer) {
		wire.DisconnectPacket{SessionSalt: salt.Salt(c.sessionSalt.Load()), Reason: reason}.Encode(w)
	})
	c.writeDatagram(datagram)
}

func (c *Connection) closeSocketAndStop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.socket != nil {
		c.socket.Close()
	}
}
