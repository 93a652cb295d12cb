// Package channel implements the three per-packet-id reliability policies
// described in spec.md §4.2: Unreliable, Reliable, and Ordered Reliable.
// Every variant is constructed with a Hooks bundle rather than a back
// pointer to the owning Connection — the two explicit capability bundles
// from spec.md §9 ("write_header/send_buffer" down, "deliver_packet" up) —
// so Channel and Connection never need to know each other's concrete type.
//
// Sequence/ack bookkeeping is grounded on
// _examples/other_examples/anon55555-mt__rudp.go (per-channel sequence
// numbers and ack control packets in the Minetest low-level protocol) and
// _examples/other_examples/kasader-rudp__rudp.go's sliding-window notes;
// the bounded ack-bitmap eviction shape follows
// pkg/envelope/replay_cache.go's bounded recency structure, adapted from a
// replay cache to an ack window.
package channel

import (
	"time"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/packet"
)

// Hooks are the capabilities a Channel needs from its owning Connection.
type Hooks struct {
	// WriteHeader writes the framing + application header (discriminator
	// bit, session salt, packet id) onto w.
	WriteHeader func(w *bitio.Writer, id packet.ID)

	// Send hands a fully framed datagram to the Connection's send
	// pipeline.
	Send func(buf []byte)

	// Deliver hands a decoded application packet to the upward callback
	// (eventually the application's HandlePacket hook).
	Deliver func(p packet.Packet)
}

// Channel is the reliability policy bound to one application packet id.
type Channel interface {
	// Send appends reliability metadata (if any) and the packet body,
	// then hands the framed datagram to Hooks.Send. It may retain a copy
	// for retransmission.
	Send(pkt packet.Packet) error

	// Receive parses reliability metadata from r (already positioned
	// past the application header) and, depending on policy, delivers
	// immediately or buffers for in-order release.
	Receive(r *bitio.Reader, id packet.ID) error

	// Tick is invoked by the Connection's timer on every period. Reliable
	// variants resend unacknowledged datagrams older than their resend
	// interval; Unreliable is a no-op.
	Tick(now time.Time)
}

const (
	// DefaultResendInterval is how long an unacked reliable datagram sits
	// before being retransmitted with the same sequence.
	DefaultResendInterval = 200 * time.Millisecond

	// DefaultReorderCapacity bounds the Ordered Reliable receive buffer.
	DefaultReorderCapacity = 1024
)

// CreateUnreliableChannel builds a stateless channel: no sequence or ack
// metadata, decode-and-deliver-once on receive.
func CreateUnreliableChannel(factory packet.Factory, hooks Hooks) Channel {
	return &unreliableChannel{factory: factory, hooks: hooks}
}

// CreateReliableChannel builds a channel with per-packet sequencing, a
// piggybacked ack vector, and resend-until-acked delivery. A zero
// resendInterval uses DefaultResendInterval.
func CreateReliableChannel(factory packet.Factory, hooks Hooks, resendInterval time.Duration) Channel {
	if resendInterval <= 0 {
		resendInterval = DefaultResendInterval
	}
	return newReliableChannel(factory, hooks, resendInterval)
}

// CreateOrderedReliableChannel builds a Reliable channel plus a bounded
// reorder buffer that withholds out-of-order packets until the missing
// prefix arrives. A zero bufferCapacity uses DefaultReorderCapacity.
func CreateOrderedReliableChannel(factory packet.Factory, hooks Hooks, resendInterval time.Duration, bufferCapacity int) Channel {
	if resendInterval <= 0 {
		resendInterval = DefaultResendInterval
	}
	if bufferCapacity <= 0 {
		bufferCapacity = DefaultReorderCapacity
	}
	return newOrderedReliableChannel(factory, hooks, resendInterval, bufferCapacity)
}
