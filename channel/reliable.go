package channel

import (
	"sync"
	"time"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/packet"
)

// unackedSend is a retained outbound datagram awaiting acknowledgment.
type unackedSend struct {
	id        packet.ID
	body      []byte
	firstSent time.Time
	lastSent  time.Time
}

// reliableCore holds the send sequencing, retransmit store, and receive
// ack-window bookkeeping shared by the Reliable and Ordered Reliable
// variants (spec.md §4.2: both carry identical sequence/ack wire
// metadata; only receive-side delivery ordering differs).
type reliableCore struct {
	hooks          Hooks
	resendInterval time.Duration

	mu      sync.Mutex
	sendSeq seqNum
	unacked map[seqNum]*unackedSend
	recv    recvWindow
}

func newReliableCore(hooks Hooks, resendInterval time.Duration) reliableCore {
	return reliableCore{
		hooks:          hooks,
		resendInterval: resendInterval,
		unacked:        make(map[seqNum]*unackedSend),
	}
}

func (c *reliableCore) composeDatagram(writeHeader func(w *bitio.Writer, id packet.ID), seq seqNum, id packet.ID, body []byte) []byte {
	w := bitio.NewWriter()
	writeHeader(w, id)
	w.WriteU16(uint16(seq))
	ackLast, ackBits := c.recv.ack()
	w.WriteU16(uint16(ackLast))
	w.WriteU32(ackBits)
	w.WriteBytes(body)
	return w.Bytes()
}

// send assigns the next sequence, retains the datagram for retransmission,
// and hands it to Hooks.Send.
func (c *reliableCore) send(writeHeader func(w *bitio.Writer, id packet.ID), id packet.ID, body []byte) {
	c.mu.Lock()
	seq := c.sendSeq
	c.sendSeq++
	now := time.Now()
	datagram := c.composeDatagram(writeHeader, seq, id, body)
	c.unacked[seq] = &unackedSend{id: id, body: body, firstSent: now, lastSent: now}
	c.mu.Unlock()

	c.hooks.Send(datagram)
}

// receiveMeta reads the sequence/ack fields, clears acknowledged sends from
// the retransmit store, and reports whether seq is a duplicate of an
// already-processed receive.
func (c *reliableCore) receiveMeta(r *bitio.Reader) (seq seqNum, duplicate bool, err error) {
	seqVal, err := r.ReadU16()
	if err != nil {
		return 0, false, err
	}
	ackLast, err := r.ReadU16()
	if err != nil {
		return 0, false, err
	}
	ackBits, err := r.ReadU32()
	if err != nil {
		return 0, false, err
	}

	seq = seqNum(seqVal)

	c.mu.Lock()
	for s := range c.unacked {
		if acked(s, seqNum(ackLast), ackBits) {
			delete(c.unacked, s)
		}
	}
	duplicate = c.recv.mark(seq)
	c.mu.Unlock()

	return seq, duplicate, nil
}

func (c *reliableCore) tick(writeHeader func(w *bitio.Writer, id packet.ID), now time.Time) {
	var resends [][]byte

	c.mu.Lock()
	for seq, entry := range c.unacked {
		if now.Sub(entry.lastSent) >= c.resendInterval {
			entry.lastSent = now
			resends = append(resends, c.composeDatagram(writeHeader, seq, entry.id, entry.body))
		}
	}
	c.mu.Unlock()

	for _, datagram := range resends {
		c.hooks.Send(datagram)
	}
}

// reliableChannel implements spec.md §4.2's Reliable policy: duplicates
// dropped, each sequence delivered at most once, in network receive order
// (no reordering).
type reliableChannel struct {
	factory packet.Factory
	hooks   Hooks
	core    reliableCore
}

func newReliableChannel(factory packet.Factory, hooks Hooks, resendInterval time.Duration) *reliableChannel {
	return &reliableChannel{
		factory: factory,
		hooks:   hooks,
		core:    newReliableCore(hooks, resendInterval),
	}
}

func (c *reliableChannel) Send(pkt packet.Packet) error {
	bw := bitio.NewWriter()
	if err := pkt.WritePacket(bw); err != nil {
		return err
	}
	c.core.send(c.hooks.WriteHeader, pkt.PacketID(), bw.Bytes())
	return nil
}

func (c *reliableChannel) Receive(r *bitio.Reader, id packet.ID) error {
	_, duplicate, err := c.core.receiveMeta(r)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}

	pkt, err := c.factory.Create(id)
	if err != nil {
		return err
	}
	if err := pkt.ReadPacket(r); err != nil {
		return err
	}
	c.hooks.Deliver(pkt)
	return nil
}

func (c *reliableChannel) Tick(now time.Time) {
	c.core.tick(c.hooks.WriteHeader, now)
}
