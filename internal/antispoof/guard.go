// Package antispoof is an optional, off-by-default hardening layer in front
// of the listener's handshake: a keyed BLAKE2s tag over a remote address
// plus a bounded recency cache, used to throttle floods of forged Connect
// datagrams before a pending-handshake entry is even allocated. It does not
// change the wire format in package wire and is not an authentication
// scheme (see SPEC_FULL.md §3/§11).
//
// The tag derivation follows pkg/obf/mac1.go's keyed-BLAKE2s pattern; the
// bounded recency structure is adapted from pkg/envelope/replay_cache.go's
// container/list-plus-map eviction policy, applied here to recently
// admitted remote addresses instead of replayed message keys.
package antispoof

import (
	"container/list"
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/blake2s"
)

const (
	tagLabel        = "ruconn-flood-guard"
	defaultCapacity = 4096
)

// Tag is a keyed BLAKE2s digest over a remote address, used as the flood
// guard's admission key.
type Tag [blake2s.Size]byte

// DeriveKey derives the guard's MAC key from an operator-supplied secret.
// Any non-empty secret is acceptable; it is not a handshake credential.
func DeriveKey(secret []byte) ([32]byte, error) {
	var out [32]byte
	data := make([]byte, 0, len(tagLabel)+len(secret))
	data = append(data, []byte(tagLabel)...)
	data = append(data, secret...)
	sum := blake2s.Sum256(data)
	copy(out[:], sum[:])
	return out, nil
}

// ComputeTag computes the guard tag for msg (typically a remote address's
// byte representation) under key.
func ComputeTag(key [32]byte, msg []byte) (Tag, error) {
	var out Tag
	h, err := blake2s.New256(key[:])
	if err != nil {
		return out, err
	}
	if _, err := h.Write(msg); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Equal compares two tags in constant time.
func Equal(a, b Tag) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Guard is a bounded recency cache of recently admitted tags: a Connect
// datagram whose tag was admitted within the capacity window is treated as
// part of an existing flood burst and rate-limited ahead of pending-
// handshake allocation.
type Guard struct {
	mu       sync.Mutex
	capacity int
	key      [32]byte
	entries  map[Tag]*list.Element
	order    *list.List
}

// New returns a Guard keyed by key with the given capacity (<=0 uses a
// default of 4096 recent entries).
func New(key [32]byte, capacity int) *Guard {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Guard{
		capacity: capacity,
		key:      key,
		entries:  make(map[Tag]*list.Element, capacity),
		order:    list.New(),
	}
}

// Admit reports whether msg (typically the remote address bytes of an
// inbound Connect) has been seen recently. A fresh tag is recorded and
// Admit returns false (not yet seen, so the caller should proceed); a
// recently-seen tag returns true.
func (g *Guard) Admit(msg []byte) (seenRecently bool, err error) {
	tag, err := ComputeTag(g.key, msg)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if elem, ok := g.entries[tag]; ok {
		g.order.MoveToFront(elem)
		return true, nil
	}
	elem := g.order.PushFront(tag)
	g.entries[tag] = elem
	for g.order.Len() > g.capacity {
		back := g.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(Tag)
		delete(g.entries, old)
		g.order.Remove(back)
	}
	return false, nil
}

// Reset clears all recorded tags.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = make(map[Tag]*list.Element, g.capacity)
	g.order.Init()
}
