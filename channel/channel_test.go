package channel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bridgefall/ruconn/bitio"
	"github.com/bridgefall/ruconn/packet"
	"github.com/stretchr/testify/require"
)

// intPacket is a minimal application packet used only by these tests.
type intPacket struct {
	id    packet.ID
	value uint32
}

func (p *intPacket) PacketID() packet.ID { return p.id }

func (p *intPacket) WritePacket(w *bitio.Writer) error {
	w.WriteU32(p.value)
	return nil
}

func (p *intPacket) ReadPacket(r *bitio.Reader) error {
	v, err := r.ReadU32()
	if err != nil {
		return err
	}
	p.value = v
	return nil
}

type intFactory struct{ id packet.ID }

func (f intFactory) TypeCount() int { return 1 }

func (f intFactory) Create(id packet.ID) (packet.Packet, error) {
	if id != f.id {
		return nil, fmt.Errorf("unknown id %d", id)
	}
	return &intPacket{id: id}, nil
}

// wireHarness wires a sender's channel Hooks directly to a receiver's
// channel, simulating the network with an optional drop function.
type wireHarness struct {
	mu      sync.Mutex
	drop    func(datagram []byte) bool
	dest    Channel
	salt    uint64
	pktID   packet.ID
	sent    [][]byte
	sentMu  sync.Mutex
}

func (h *wireHarness) writeHeader(w *bitio.Writer, id packet.ID) {
	w.WriteBool(false)
	w.WriteU64(h.salt)
	w.WriteU8(uint8(id))
}

func (h *wireHarness) send(buf []byte) {
	h.sentMu.Lock()
	h.sent = append(h.sent, buf)
	h.sentMu.Unlock()

	if h.drop != nil && h.drop(buf) {
		return
	}
	r := bitio.NewReader(buf)
	_, _ = r.ReadBool()
	_, _ = r.ReadU64()
	id, _ := r.ReadU8()
	h.mu.Lock()
	dest := h.dest
	h.mu.Unlock()
	if dest != nil {
		_ = dest.Receive(r, packet.ID(id))
	}
}

func TestUnreliableDeliversOnce(t *testing.T) {
	factory := intFactory{id: 1}
	var delivered []uint32
	var mu sync.Mutex

	h := &wireHarness{salt: 42, pktID: 1}
	hooks := Hooks{
		WriteHeader: h.writeHeader,
		Send:        h.send,
		Deliver: func(p packet.Packet) {
			mu.Lock()
			delivered = append(delivered, p.(*intPacket).value)
			mu.Unlock()
		},
	}
	ch := CreateUnreliableChannel(factory, hooks)
	h.dest = ch

	require.NoError(t, ch.Send(&intPacket{id: 1, value: 7}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{7}, delivered)
}

func TestReliableDeduplicatesReceivedSequence(t *testing.T) {
	factory := intFactory{id: 2}
	var delivered []uint32
	var mu sync.Mutex

	h := &wireHarness{salt: 1, pktID: 2}
	hooks := Hooks{
		WriteHeader: h.writeHeader,
		Send:        h.send,
		Deliver: func(p packet.Packet) {
			mu.Lock()
			delivered = append(delivered, p.(*intPacket).value)
			mu.Unlock()
		},
	}
	ch := CreateReliableChannel(factory, hooks, time.Hour)
	h.dest = ch

	require.NoError(t, ch.Send(&intPacket{id: 2, value: 1}))

	h.sentMu.Lock()
	last := h.sent[len(h.sent)-1]
	h.sentMu.Unlock()

	// Simulate a duplicate network delivery of the same datagram.
	r := bitio.NewReader(last)
	_, _ = r.ReadBool()
	_, _ = r.ReadU64()
	id, _ := r.ReadU8()
	require.NoError(t, ch.Receive(r, packet.ID(id)))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{1}, delivered, "duplicate receive must not redeliver")
}

func TestReliableUnderLossEventuallyDeliversAllOnce(t *testing.T) {
	factory := intFactory{id: 3}
	delivered := map[uint32]int{}
	var mu sync.Mutex

	h := &wireHarness{salt: 9, pktID: 3}
	seenOnce := map[uint16]bool{}
	var seenMu sync.Mutex
	h.drop = func(buf []byte) bool {
		// Drop each distinct sequence exactly once, so every packet is
		// guaranteed to get through on its first resend.
		r := bitio.NewReader(buf)
		_, _ = r.ReadBool()
		_, _ = r.ReadU64()
		_, _ = r.ReadU8()
		seq, _ := r.ReadU16()
		seenMu.Lock()
		defer seenMu.Unlock()
		if !seenOnce[seq] {
			seenOnce[seq] = true
			return true
		}
		return false
	}
	hooks := Hooks{
		WriteHeader: h.writeHeader,
		Send:        h.send,
		Deliver: func(p packet.Packet) {
			mu.Lock()
			delivered[p.(*intPacket).value]++
			mu.Unlock()
		},
	}
	ch := CreateReliableChannel(factory, hooks, 10*time.Millisecond)
	h.dest = ch

	const n = 20
	for i := uint32(0); i < n; i++ {
		require.NoError(t, ch.Send(&intPacket{id: 3, value: i}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch.Tick(time.Now())
		mu.Lock()
		count := len(delivered)
		mu.Unlock()
		if count == n {
			break
		}
		time.Sleep(15 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, n)
	for v, c := range delivered {
		require.Equalf(t, 1, c, "value %d delivered %d times", v, c)
	}
}

func TestOrderedReliableDeliversInOrderDespiteReordering(t *testing.T) {
	factory := intFactory{id: 4}
	var delivered []uint32
	var mu sync.Mutex

	h := &wireHarness{salt: 3, pktID: 4}
	hooks := Hooks{
		WriteHeader: h.writeHeader,
		Send: func(buf []byte) {
			h.sentMu.Lock()
			h.sent = append(h.sent, buf)
			h.sentMu.Unlock()
		},
		Deliver: func(p packet.Packet) {
			mu.Lock()
			delivered = append(delivered, p.(*intPacket).value)
			mu.Unlock()
		},
	}
	ch := CreateOrderedReliableChannel(factory, hooks, time.Hour, 0)
	h.dest = ch

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, ch.Send(&intPacket{id: 4, value: i}))
	}

	h.sentMu.Lock()
	sent := append([][]byte{}, h.sent...)
	h.sentMu.Unlock()

	// Deliver out of order: 0, 2, 1, 4, 3.
	order := []int{0, 2, 1, 4, 3}
	for _, idx := range order {
		r := bitio.NewReader(sent[idx])
		_, _ = r.ReadBool()
		_, _ = r.ReadU64()
		id, _ := r.ReadU8()
		require.NoError(t, ch.Receive(r, packet.ID(id)))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, delivered)
}

func TestOrderedReliableSkipsGapOnBufferOverflow(t *testing.T) {
	factory := intFactory{id: 5}
	var delivered []uint32
	var mu sync.Mutex

	h := &wireHarness{salt: 5, pktID: 5}
	hooks := Hooks{
		WriteHeader: h.writeHeader,
		Send: func(buf []byte) {
			h.sentMu.Lock()
			h.sent = append(h.sent, buf)
			h.sentMu.Unlock()
		},
		Deliver: func(p packet.Packet) {
			mu.Lock()
			delivered = append(delivered, p.(*intPacket).value)
			mu.Unlock()
		},
	}
	const capacity = 2
	ch := CreateOrderedReliableChannel(factory, hooks, time.Hour, capacity)
	h.dest = ch

	const n = 6
	for i := uint32(0); i < n; i++ {
		require.NoError(t, ch.Send(&intPacket{id: 5, value: i}))
	}

	h.sentMu.Lock()
	sent := append([][]byte{}, h.sent...)
	h.sentMu.Unlock()

	// Withhold sequence 0 forever (permanent gap); deliver 1..5. The
	// buffer capacity is 2, so the gap at 0 must eventually be skipped
	// and 1..5 delivered in order.
	for _, idx := range []int{1, 2, 3, 4, 5} {
		r := bitio.NewReader(sent[idx])
		_, _ = r.ReadBool()
		_, _ = r.ReadU64()
		id, _ := r.ReadU8()
		require.NoError(t, ch.Receive(r, packet.ID(id)))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, delivered)
}
