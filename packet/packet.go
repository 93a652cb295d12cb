// Package packet declares the host-provided contract the transport core
// consumes for application payloads: a Packet hierarchy and a factory that
// maps a one-byte identifier to a freshly constructed instance. The core
// (channel, conn) is generic over this contract; it never inspects a
// packet's fields beyond its ID.
package packet

import "github.com/bridgefall/ruconn/bitio"

// ID identifies an application packet's wire type, 0-255.
type ID uint8

// Packet is any application-defined payload the transport core can frame.
type Packet interface {
	// PacketID returns the wire identifier used to select a Channel and,
	// on the receive side, a Factory entry.
	PacketID() ID

	// WritePacket serializes the packet body (without any channel or
	// framing metadata) onto w.
	WritePacket(w *bitio.Writer) error

	// ReadPacket deserializes the packet body from r. Implementations
	// read exactly the bytes WritePacket wrote for the same ID.
	ReadPacket(r *bitio.Reader) error
}

// Factory maps a one-byte packet ID to a freshly constructed Packet.
type Factory interface {
	// TypeCount returns the number of distinct packet IDs the factory
	// can construct.
	TypeCount() int

	// Create returns a new, zero-valued Packet for id, or an error if id
	// is not registered.
	Create(id ID) (Packet, error)
}
