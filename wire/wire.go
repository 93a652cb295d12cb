// Package wire implements the two-variant datagram framing described in
// spec.md §4.1/§6: a leading discriminator bit selects between a control
// datagram (handshake and teardown) and an application datagram (channel
// payload). It owns the control packet payloads; application payload
// bytes past the header are opaque to this package.
//
// Framing is grounded on obf/transport.go's Framer.EncodeFrame/DecodeFrame
// (a message-type switch driving per-type encode/decode) and on
// envelope/transport_payload.go's explicit offset-arithmetic style for
// fixed-field headers.
package wire

import (
	"errors"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/packet"
	"github.com/bridgefall/ruconn/salt"
)

// MaxDatagramSize is the fixed UDP datagram cap (spec.md §4.1). Sending a
// larger datagram is a programming error; this package does not fragment.
const MaxDatagramSize = 512

// ErrMalformed is returned for any datagram this package cannot decode.
// Callers must treat it as a silent-drop condition, never surface it to
// the application (spec.md §7).
var ErrMalformed = errors.New("wire: malformed datagram")

// ControlType identifies a control datagram's payload shape.
type ControlType uint8

const (
	ControlConnect ControlType = iota + 1
	ControlChallenge
	ControlSolution
	ControlConnected
	ControlDisconnect
)

// DisconnectReason explains why a Disconnect control datagram was sent.
// Unknown values received off the wire are accepted and logged, never
// treated as malformed (spec.md §4.1).
type DisconnectReason uint8

const (
	ReasonClientDisconnect DisconnectReason = iota + 1
	ReasonServerFull
	ReasonExistingConnection
	ReasonServerShutdown
)

// Header is the decoded result of peeking a datagram's leading bit.
type Header struct {
	IsControl bool
}

// DecodeHeader reads the single discriminator bit from data and returns a
// bit reader positioned just past it, ready for the variant-specific
// decode.
func DecodeHeader(data []byte) (Header, *bitio.Reader, error) {
	r := bitio.NewReader(data)
	isControl, err := r.ReadBool()
	if err != nil {
		return Header{}, nil, ErrMalformed
	}
	return Header{IsControl: isControl}, r, nil
}

// EncodeControl frames a control payload: [1][controlType u8][payload].
func EncodeControl(ctrlType ControlType, encode func(w *bitio.Writer)) []byte {
	w := bitio.NewWriter()
	w.WriteBool(true)
	w.WriteU8(uint8(ctrlType))
	encode(w)
	return w.Bytes()
}

// DecodeControlType reads the control type byte following the header bit.
func DecodeControlType(r *bitio.Reader) (ControlType, error) {
	v, err := r.ReadU8()
	if err != nil {
		return 0, ErrMalformed
	}
	return ControlType(v), nil
}

// ConnectPacket is the client->server handshake opener.
type ConnectPacket struct {
	ClientSalt salt.Salt
}

func (p ConnectPacket) Encode(w *bitio.Writer) { w.WriteU64(uint64(p.ClientSalt)) }

func DecodeConnect(r *bitio.Reader) (ConnectPacket, error) {
	v, err := r.ReadU64()
	if err != nil {
		return ConnectPacket{}, ErrMalformed
	}
	return ConnectPacket{ClientSalt: salt.Salt(v)}, nil
}

// ChallengePacket is the server->client handshake response.
type ChallengePacket struct {
	ClientSalt salt.Salt
	ServerSalt salt.Salt
}

func (p ChallengePacket) Encode(w *bitio.Writer) {
	w.WriteU64(uint64(p.ClientSalt))
	w.WriteU64(uint64(p.ServerSalt))
}

func DecodeChallenge(r *bitio.Reader) (ChallengePacket, error) {
	client, err := r.ReadU64()
	if err != nil {
		return ChallengePacket{}, ErrMalformed
	}
	server, err := r.ReadU64()
	if err != nil {
		return ChallengePacket{}, ErrMalformed
	}
	return ChallengePacket{ClientSalt: salt.Salt(client), ServerSalt: salt.Salt(server)}, nil
}

// SolutionPacket is the client's proof it derived the session salt.
type SolutionPacket struct {
	SessionSalt salt.Salt
}

func (p SolutionPacket) Encode(w *bitio.Writer) { w.WriteU64(uint64(p.SessionSalt)) }

func DecodeSolution(r *bitio.Reader) (SolutionPacket, error) {
	v, err := r.ReadU64()
	if err != nil {
		return SolutionPacket{}, ErrMalformed
	}
	return SolutionPacket{SessionSalt: salt.Salt(v)}, nil
}

// ConnectedPacket confirms the handshake and hands the client the
// connection's dedicated server-side port.
type ConnectedPacket struct {
	SessionSalt salt.Salt
	Port        uint16
}

func (p ConnectedPacket) Encode(w *bitio.Writer) {
	w.WriteU64(uint64(p.SessionSalt))
	w.WriteU16(p.Port)
}

func DecodeConnected(r *bitio.Reader) (ConnectedPacket, error) {
	s, err := r.ReadU64()
	if err != nil {
		return ConnectedPacket{}, ErrMalformed
	}
	port, err := r.ReadU16()
	if err != nil {
		return ConnectedPacket{}, ErrMalformed
	}
	return ConnectedPacket{SessionSalt: salt.Salt(s), Port: port}, nil
}

// DisconnectPacket tears down a session, in either direction.
type DisconnectPacket struct {
	SessionSalt salt.Salt
	Reason      DisconnectReason
}

func (p DisconnectPacket) Encode(w *bitio.Writer) {
	w.WriteU64(uint64(p.SessionSalt))
	w.WriteU8(uint8(p.Reason))
}

func DecodeDisconnect(r *bitio.Reader) (DisconnectPacket, error) {
	s, err := r.ReadU64()
	if err != nil {
		return DisconnectPacket{}, ErrMalformed
	}
	reason, err := r.ReadU8()
	if err != nil {
		return DisconnectPacket{}, ErrMalformed
	}
	return DisconnectPacket{SessionSalt: salt.Salt(s), Reason: DisconnectReason(reason)}, nil
}

// AppHeader is the decoded prefix of an application-variant datagram.
type AppHeader struct {
	SessionSalt salt.Salt
	PacketID    packet.ID
}

// EncodeAppHeader frames an application header:
// [0][u64 session salt][u8 packet id]. The channel-defined payload and
// packet body follow, written by the caller onto the same writer.
func EncodeAppHeader(w *bitio.Writer, sessionSalt salt.Salt, id packet.ID) {
	w.WriteBool(false)
	w.WriteU64(uint64(sessionSalt))
	w.WriteU8(uint8(id))
}

// DecodeAppHeader reads the application header following the discriminator
// bit (already consumed by DecodeHeader).
func DecodeAppHeader(r *bitio.Reader) (AppHeader, error) {
	s, err := r.ReadU64()
	if err != nil {
		return AppHeader{}, ErrMalformed
	}
	id, err := r.ReadU8()
	if err != nil {
		return AppHeader{}, ErrMalformed
	}
	return AppHeader{SessionSalt: salt.Salt(s), PacketID: packet.ID(id)}, nil
}
