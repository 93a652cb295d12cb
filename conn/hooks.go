package conn

import "github.com/bridgefall/ruconn/packet"

// Hooks is the application-supplied capability set a Connection invokes
// instead of the source's abstract HandleConnected/HandleDisconnect/
// HandlePacket methods (spec.md §9: "replace inheritance with an explicit
// application-supplied capability set").
type Hooks struct {
	// HandleConnected reports the outcome of a client-side handshake
	// attempt. Unused on server-accepted Connections. Invoked synchronously:
	// ConnectSuccess on the receive goroutine, the retry-exhaustion
	// statuses on the Connection's internal timer goroutine. A retry after
	// exhaustion must be issued from a new goroutine, not by calling
	// Connect inline, since Connect blocks until that same goroutine has
	// exited.
	HandleConnected func(status ConnectStatus)

	// HandleDisconnect fires at most once per Connection lifetime, from
	// inside the single-shot disconnect body, and only when the Connection
	// was Connected.
	HandleDisconnect func()

	// HandlePacket delivers a decoded application packet. Never called for
	// a datagram whose session salt mismatched.
	HandlePacket func(p packet.Packet)

	// OnDisconnect is an additional event hook invoked alongside
	// HandleDisconnect, modeled on spec.md §6's separate OnDisconnect(conn)
	// event surface (useful for a listener that wants to drop its own
	// table entry without threading that logic through HandleDisconnect).
	OnDisconnect func(c *Connection)
}

func (h Hooks) fireConnected(status ConnectStatus) {
	if h.HandleConnected != nil {
		h.HandleConnected(status)
	}
}

func (h Hooks) firePacket(p packet.Packet) {
	if h.HandlePacket != nil {
		h.HandlePacket(p)
	}
}
