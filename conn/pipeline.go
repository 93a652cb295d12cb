package conn

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/bridgefall/ruconn/salt"
	"github.com/bridgefall/ruconn/wire"
)

// sendRaw implements spec.md §4.3's send pipeline: a mutex-guarded
// `sending` flag plus FIFO queue guaranteeing at most one outstanding send
// per Connection and submission-order preservation (invariant 4, property
// 5). UDP writes are synchronous in this implementation, so the "I/O
// completion callback" the spec describes is just the next loop
// iteration here rather than a separate async callback.
func (c *Connection) sendRaw(datagram []byte) {
	c.sendMu.Lock()
	if c.sending {
		c.queue = append(c.queue, datagram)
		c.sendMu.Unlock()
		return
	}
	c.sending = true
	c.sendMu.Unlock()

	current := datagram
	for {
		c.writeDatagram(current)

		c.sendMu.Lock()
		if len(c.queue) == 0 {
			c.sending = false
			c.sendMu.Unlock()
			return
		}
		current = c.queue[0]
		c.queue = c.queue[1:]
		c.sendMu.Unlock()
	}
}

func (c *Connection) writeDatagram(datagram []byte) {
	socket := c.socket
	remote := c.remoteUDPAddr()
	if socket == nil || remote == nil {
		return
	}
	n, err := socket.WriteToUDP(datagram, remote)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		c.logger.Warn("conn: send failed", "remote", remote, "err", err)
		return
	}
	c.metrics.DatagramsSent.Add(1)
	c.metrics.BytesSent.Add(int64(n))
}

func (c *Connection) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_ = c.socket.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, err := c.socket.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Debug("conn: receive failed", "err", err)
			c.disconnect(true, wire.ReasonClientDisconnect)
			return
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		c.metrics.DatagramsReceived.Add(1)
		c.metrics.BytesReceived.Add(int64(n))
		c.dispatch(datagram)
	}
}

// timerLoop drives handshake retry and idle-liveness checks (spec.md §4.3
// step 4 / §5) plus reliable-channel retransmission (Channel.Tick), one
// Config.TickInterval period at a time.
func (c *Connection) timerLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *Connection) dispatch(datagram []byte) {
	hdr, r, err := wire.DecodeHeader(datagram)
	if err != nil {
		return
	}
	if hdr.IsControl {
		ctrlType, err := wire.DecodeControlType(r)
		if err != nil {
			return
		}
		c.handleControl(ctrlType, r)
		return
	}

	appHdr, err := wire.DecodeAppHeader(r)
	if err != nil {
		return
	}
	// Property 2 (salt anti-spoof): a mismatched session salt is dropped
	// before reaching any channel; HandlePacket is never invoked.
	if appHdr.SessionSalt != salt.Salt(c.sessionSalt.Load()) {
		return
	}
	c.lastReceived.Store(time.Now().UnixNano())

	ch := c.channelFor(appHdr.PacketID)
	if err := ch.Receive(r, appHdr.PacketID); err != nil {
		c.logger.Debug("conn: channel receive failed", "id", appHdr.PacketID, "err", err)
	}
}
