// Package textpacket is a minimal application packet used by cmd/ruconn to
// exercise the transport end-to-end: a single UTF-8 message type sent over
// whichever channel the caller registers it on.
package textpacket

import (
	"fmt"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/packet"
)

// ID is the packet id textpacket registers under.
const ID packet.ID = 1

const maxLen = 65535

// Message carries a single text payload.
type Message struct {
	Text string
}

func (m *Message) PacketID() packet.ID { return ID }

func (m *Message) WritePacket(w *bitio.Writer) error {
	b := []byte(m.Text)
	if len(b) > maxLen {
		return fmt.Errorf("textpacket: message too long (%d bytes)", len(b))
	}
	w.WriteU16(uint16(len(b)))
	w.WriteBytes(b)
	return nil
}

func (m *Message) ReadPacket(r *bitio.Reader) error {
	n, err := r.ReadU16()
	if err != nil {
		return err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return err
	}
	m.Text = string(b)
	return nil
}

// Factory constructs Message values; it is the only packet id this example
// CLI registers.
type Factory struct{}

func (Factory) TypeCount() int { return 1 }

func (Factory) Create(id packet.ID) (packet.Packet, error) {
	if id != ID {
		return nil, fmt.Errorf("textpacket: unknown packet id %d", id)
	}
	return &Message{}, nil
}
