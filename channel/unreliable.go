package channel

import (
	"time"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/packet"
)

// unreliableChannel adds no metadata and delivers every decoded packet
// exactly once, with no duplicate detection: packets may be dropped,
// duplicated, or reordered by the network and this channel does nothing
// about it (spec.md §4.2).
type unreliableChannel struct {
	factory packet.Factory
	hooks   Hooks
}

func (c *unreliableChannel) Send(pkt packet.Packet) error {
	w := bitio.NewWriter()
	c.hooks.WriteHeader(w, pkt.PacketID())
	if err := pkt.WritePacket(w); err != nil {
		return err
	}
	c.hooks.Send(w.Bytes())
	return nil
}

func (c *unreliableChannel) Receive(r *bitio.Reader, id packet.ID) error {
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

func (c *unreliableChannel) Tick(time.Time) {}
