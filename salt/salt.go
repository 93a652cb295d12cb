// Package salt generates and combines the 64-bit handshake salts used to
// make Connect/Challenge/Solution responses unforgeable by an off-path
// attacker. Generation uses crypto/rand, matching the teacher's own use of
// crypto/rand for nonce/padding material (obf/transport.go JunkDatagrams,
// SignatureDatagrams) rather than math/rand.
package salt

import (
	"crypto/rand"
	"encoding/binary"
)

// Salt is a 64-bit handshake value: a local salt, or the combined session
// salt derived from a client/server pair.
type Salt uint64

// Generate returns a cryptographically random Salt.
func Generate() (Salt, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return Salt(binary.BigEndian.Uint64(buf[:])), nil
}

// Combine derives the shared session salt from both sides' local salts.
// XOR is order-independent, so either side can compute it without
// coordinating who goes first.
func Combine(client, server Salt) Salt {
	return client ^ server
}
