package portpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireExhaustsThenReleaseRefills(t *testing.T) {
	p := New(9000, 2)
	require.Equal(t, 2, p.Available())

	a, ok := p.Acquire()
	require.True(t, ok)
	b, ok := p.Acquire()
	require.True(t, ok)
	require.NotEqual(t, a, b)
	require.Equal(t, 0, p.Available())

	_, ok = p.Acquire()
	require.False(t, ok, "pool should be exhausted")

	p.Release(a)
	require.Equal(t, 1, p.Available())

	c, ok := p.Acquire()
	require.True(t, ok)
	require.Equal(t, a, c)
}

func TestPortsWithinRange(t *testing.T) {
	p := New(9000, 4)
	seen := map[uint16]bool{}
	for i := 0; i < 4; i++ {
		port, ok := p.Acquire()
		require.True(t, ok)
		require.Greater(t, port, uint16(9000))
		require.LessOrEqual(t, port, uint16(9004))
		require.False(t, seen[port], "port reused while still acquired")
		seen[port] = true
	}
}
