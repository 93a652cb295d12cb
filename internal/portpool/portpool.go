// Package portpool implements the Acceptor's fixed-size available-port
// pool described in spec.md §4.4: maxClients ports drawn from
// [P+1, P+maxClients], handed out on successful handshake and recycled on
// disconnect (spec.md §9/SPEC_FULL.md §10.2 resolves the source's dropped
// recycling behavior as required).
//
// Grounded on ratelimiter/ratelimiter.go's mutex-guarded table shape,
// generalized from rate-limit tokens to available port numbers.
package portpool

import "sync"

// Pool hands out ports drawn from [base+1, base+count] on a first-come
// basis and accepts them back on release.
type Pool struct {
	mu        sync.Mutex
	available []uint16
}

// New returns a Pool stocked with count ports starting at base+1.
func New(base uint16, count int) *Pool {
	ports := make([]uint16, 0, count)
	for i := 1; i <= count; i++ {
		ports = append(ports, base+uint16(i))
	}
	return &Pool{available: ports}
}

// Acquire removes and returns one available port. ok is false if the pool
// is exhausted.
func (p *Pool) Acquire() (port uint16, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return 0, false
	}
	last := len(p.available) - 1
	port = p.available[last]
	p.available = p.available[:last]
	return port, true
}

// Release returns a port to the pool for reuse.
func (p *Pool) Release(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = append(p.available, port)
}

// Available reports how many ports remain unassigned.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}
