package conn

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/packet"
	"github.com/bridgefall/ruconn/salt"
	"github.com/bridgefall/ruconn/wire"
	"github.com/stretchr/testify/require"
)

type testPacket struct {
	id    packet.ID
	value uint32
}

func (p *testPacket) PacketID() packet.ID { return p.id }

func (p *testPacket) WritePacket(w *bitio.Writer) error {
	w.WriteU32(p.value)
	return nil
}

func (p *testPacket) ReadPacket(r *bitio.Reader) error {
	v, err := r.ReadU32()
	if err != nil {
		return err
	}
	p.value = v
	return nil
}

type testFactory struct{ id packet.ID }

func (f testFactory) TypeCount() int { return 1 }

func (f testFactory) Create(id packet.ID) (packet.Packet, error) {
	if id != f.id {
		return nil, fmt.Errorf("unknown id %d", id)
	}
	return &testPacket{id: id}, nil
}

// fakePeer is a bare UDP socket standing in for the Acceptor/listener side
// of the wire protocol, so conn-level tests can drive the client state
// machine without depending on package listener.
type fakePeer struct {
	t    *testing.T
	sock *net.UDPConn
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return &fakePeer{t: t, sock: sock}
}

func (p *fakePeer) addr() string {
	return p.sock.LocalAddr().String()
}

func (p *fakePeer) port() uint16 {
	return uint16(p.sock.LocalAddr().(*net.UDPAddr).Port)
}

// recvControl reads one datagram and decodes it as a control packet,
// failing the test if the deadline is exceeded or decode fails.
func (p *fakePeer) recvControl(timeout time.Duration) (wire.ControlType, *bitio.Reader, *net.UDPAddr) {
	p.t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	require.NoError(p.t, p.sock.SetReadDeadline(time.Now().Add(timeout)))
	n, from, err := p.sock.ReadFromUDP(buf)
	require.NoError(p.t, err)
	hdr, r, err := wire.DecodeHeader(buf[:n])
	require.NoError(p.t, err)
	require.True(p.t, hdr.IsControl)
	ctrlType, err := wire.DecodeControlType(r)
	require.NoError(p.t, err)
	return ctrlType, r, from
}

func (p *fakePeer) tryRecvControl(timeout time.Duration) (wire.ControlType, *bitio.Reader, *net.UDPAddr, bool) {
	p.t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	_ = p.sock.SetReadDeadline(time.Now().Add(timeout))
	n, from, err := p.sock.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, nil, false
	}
	hdr, r, err := wire.DecodeHeader(buf[:n])
	if err != nil || !hdr.IsControl {
		return 0, nil, nil, false
	}
	ctrlType, err := wire.DecodeControlType(r)
	if err != nil {
		return 0, nil, nil, false
	}
	return ctrlType, r, from, true
}

func (p *fakePeer) sendChallenge(to *net.UDPAddr, clientSalt, serverSalt salt.Salt) {
	datagram := wire.EncodeControl(wire.ControlChallenge, func(w *bitio.Writer) {
		wire.ChallengePacket{ClientSalt: clientSalt, ServerSalt: serverSalt}.Encode(w)
	})
	_, err := p.sock.WriteToUDP(datagram, to)
	require.NoError(p.t, err)
}

func (p *fakePeer) sendConnected(to *net.UDPAddr, session salt.Salt, port uint16) {
	datagram := wire.EncodeControl(wire.ControlConnected, func(w *bitio.Writer) {
		wire.ConnectedPacket{SessionSalt: session, Port: port}.Encode(w)
	})
	_, err := p.sock.WriteToUDP(datagram, to)
	require.NoError(p.t, err)
}

func (p *fakePeer) sendDisconnect(to *net.UDPAddr, session salt.Salt, reason wire.DisconnectReason) {
	datagram := wire.EncodeControl(wire.ControlDisconnect, func(w *bitio.Writer) {
		wire.DisconnectPacket{SessionSalt: session, Reason: reason}.Encode(w)
	})
	_, err := p.sock.WriteToUDP(datagram, to)
	require.NoError(p.t, err)
}

// sendApplication frames a raw application datagram with the given salt,
// bypassing any Connection-side channel bookkeeping, for anti-spoof tests.
func (p *fakePeer) sendApplication(to *net.UDPAddr, session salt.Salt, id packet.ID, value uint32) {
	w := bitio.NewWriter()
	wire.EncodeAppHeader(w, session, id)
	w.WriteU32(value)
	_, err := p.sock.WriteToUDP(w.Bytes(), to)
	require.NoError(p.t, err)
}

func fastCfg() Config {
	return Config{
		RetryAmount:             RetryAmount,
		HandshakeResendInterval: 40 * time.Millisecond,
		TickInterval:            10 * time.Millisecond,
		IdleTimeout:             200 * time.Millisecond,
	}
}

// driveHandshake performs a full Connect/Challenge/Solution/Connected
// exchange between a real Connection and a fakePeer, returning the
// session salt.
func driveHandshake(t *testing.T, c *Connection, peer *fakePeer) salt.Salt {
	t.Helper()
	require.NoError(t, c.Connect(peer.addr()))

	ctrlType, r, from := peer.recvControl(time.Second)
	require.Equal(t, wire.ControlConnect, ctrlType)
	connectPkt, err := wire.DecodeConnect(r)
	require.NoError(t, err)

	serverSalt, err := salt.Generate()
	require.NoError(t, err)
	peer.sendChallenge(from, connectPkt.ClientSalt, serverSalt)

	ctrlType, r, from = peer.recvControl(time.Second)
	require.Equal(t, wire.ControlSolution, ctrlType)
	solutionPkt, err := wire.DecodeSolution(r)
	require.NoError(t, err)

	session := salt.Combine(connectPkt.ClientSalt, serverSalt)
	require.Equal(t, session, solutionPkt.SessionSalt)

	peer.sendConnected(from, session, peer.port())

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	return session
}

func TestConnectIdempotent(t *testing.T) {
	peer := newFakePeer(t)
	var connectedCount int32
	hooks := Hooks{
		HandleConnected: func(status ConnectStatus) {
			if status == ConnectSuccess {
				atomic.AddInt32(&connectedCount, 1)
			}
		},
	}
	c, err := New(testFactory{id: 1}, hooks, fastCfg())
	require.NoError(t, err)

	driveHandshake(t, c, peer)
	require.Equal(t, StateConnected, c.State())

	// A second Connect call while already past ReadyToConnect must be a
	// no-op (property 1): no additional datagram, state unchanged.
	require.NoError(t, c.Connect(peer.addr()))
	_, _, _, ok := peer.tryRecvControl(150 * time.Millisecond)
	require.False(t, ok, "Connect on an already-connecting/connected Connection must not send again")
	require.Equal(t, StateConnected, c.State())

	require.EqualValues(t, 1, atomic.LoadInt32(&connectedCount))
}

func TestSaltAntiSpoofDropsMismatchedSession(t *testing.T) {
	peer := newFakePeer(t)
	var delivered int32
	hooks := Hooks{
		HandlePacket: func(p packet.Packet) {
			atomic.AddInt32(&delivered, 1)
		},
	}
	c, err := New(testFactory{id: 7}, hooks, fastCfg())
	require.NoError(t, err)
	session := driveHandshake(t, c, peer)

	wrongSalt := session + 1
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.LocalAddr().(*net.UDPAddr).Port}
	peer.sendApplication(remote, wrongSalt, 7, 42)

	time.Sleep(150 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&delivered), "mismatched session salt must never reach HandlePacket")

	// Sanity: the correct salt does get delivered.
	peer.sendApplication(remote, session, 7, 42)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&delivered) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRetryBoundExactlyTen(t *testing.T) {
	peer := newFakePeer(t)
	statusCh := make(chan ConnectStatus, 1)
	hooks := Hooks{
		HandleConnected: func(status ConnectStatus) {
			statusCh <- status
		},
	}
	cfg := Config{
		RetryAmount:             RetryAmount,
		HandshakeResendInterval: 15 * time.Millisecond,
		TickInterval:            5 * time.Millisecond,
		IdleTimeout:             time.Second,
	}
	c, err := New(testFactory{id: 1}, hooks, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(peer.addr()))

	var connectCount int
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ctrlType, _, _, ok := peer.tryRecvControl(200 * time.Millisecond)
		if !ok {
			break
		}
		if ctrlType == wire.ControlConnect {
			connectCount++
		}
	}

	select {
	case status := <-statusCh:
		require.Equal(t, ConnectNoChallengeReceived, status)
	case <-time.After(time.Second):
		t.Fatal("HandleConnected(NoChallengeReceived) never fired")
	}

	require.Equal(t, RetryAmount, connectCount, "exactly RetryAmount Connect datagrams must be sent")
	require.Equal(t, StateReadyToConnect, c.State())
}

func TestSingleDisconnect(t *testing.T) {
	peer := newFakePeer(t)
	var fires int32
	var onDisconnectFires int32
	hooks := Hooks{
		HandleDisconnect: func() { atomic.AddInt32(&fires, 1) },
		OnDisconnect:     func(c *Connection) { atomic.AddInt32(&onDisconnectFires, 1) },
	}
	c, err := New(testFactory{id: 1}, hooks, fastCfg())
	require.NoError(t, err)
	session := driveHandshake(t, c, peer)

	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.LocalAddr().(*net.UDPAddr).Port}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	peer.sendDisconnect(remote, session, wire.ReasonClientDisconnect)
	wg.Wait()

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&fires), "HandleDisconnect must fire exactly once")
	require.EqualValues(t, 1, atomic.LoadInt32(&onDisconnectFires), "OnDisconnect must fire exactly once")
}

func TestSendFIFOOrder(t *testing.T) {
	peer := newFakePeer(t)
	c, err := New(testFactory{id: 3}, Hooks{}, fastCfg())
	require.NoError(t, err)
	driveHandshake(t, c, peer)

	const n = 50
	for i := uint32(0); i < n; i++ {
		require.NoError(t, c.Send(&testPacket{id: 3, value: i}))
	}

	var got []uint32
	buf := make([]byte, wire.MaxDatagramSize)
	for i := 0; i < n; i++ {
		require.NoError(t, peer.sock.SetReadDeadline(time.Now().Add(time.Second)))
		nRead, _, err := peer.sock.ReadFromUDP(buf)
		require.NoError(t, err)
		_, r, err := wire.DecodeHeader(buf[:nRead])
		require.NoError(t, err)
		require.False(t, mustIsControl(t, buf[:nRead]))
		hdr, err := wire.DecodeAppHeader(r)
		require.NoError(t, err)
		require.EqualValues(t, 3, hdr.PacketID)
		v, err := r.ReadU32()
		require.NoError(t, err)
		got = append(got, v)
	}

	want := make([]uint32, n)
	for i := range want {
		want[i] = uint32(i)
	}
	require.Equal(t, want, got, "datagrams must arrive in submission order")
}

func mustIsControl(t *testing.T, datagram []byte) bool {
	t.Helper()
	hdr, _, err := wire.DecodeHeader(datagram)
	require.NoError(t, err)
	return hdr.IsControl
}
