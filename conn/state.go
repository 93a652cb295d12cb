package conn

import "sync/atomic"

// State is the Connection's finite state, stored as a single atomically
// updated word so timer-thread and I/O-thread transitions can race safely
// (spec.md §3/§9: "state as integer for atomic CAS").
type State int32

const (
	// StateReadyToConnect is the initial state and the only one from which
	// a new handshake attempt (Connect) may begin.
	StateReadyToConnect State = iota
	StateAwaitingChallenge
	StateAwaitingConnected
	StateConnected
	// StateDisconnected is terminal; reachable from any state.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateReadyToConnect:
		return "ReadyToConnect"
	case StateAwaitingChallenge:
		return "AwaitingChallenge"
	case StateAwaitingConnected:
		return "AwaitingConnected"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// stateBox wraps atomic.Int32 with the CAS-from-expected-prior-state
// discipline spec.md §3 requires of every Connection transition: any
// attempted transition whose prior state doesn't match is a no-op.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State {
	return State(b.v.Load())
}

func (b *stateBox) cas(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}

func (b *stateBox) store(s State) {
	b.v.Store(int32(s))
}

// ConnectStatus is reported to HandleConnected when the handshake resolves
// (successfully, by exhausting retries, or by disconnect during handshake).
type ConnectStatus int

const (
	ConnectSuccess ConnectStatus = iota
	ConnectNoChallengeReceived
	ConnectNoConnectedReceived
	ConnectAbortedByDisconnect
)

func (s ConnectStatus) String() string {
	switch s {
	case ConnectSuccess:
		return "Success"
	case ConnectNoChallengeReceived:
		return "NoChallengeReceived"
	case ConnectNoConnectedReceived:
		return "NoConnectedReceived"
	case ConnectAbortedByDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}
