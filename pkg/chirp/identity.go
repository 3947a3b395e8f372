package chirp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Identity is a 16-byte token identifying a node. It is generated once at
// startup and is stable for the node's lifetime; it appears in every
// handshake and every message sent by the node.
type Identity [16]byte

// String formats the identity as hex, e.g. for logging.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero identity.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// NewIdentity generates a random identity.
func NewIdentity() (Identity, error) {
	var id Identity
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate identity: %w", err)
	}
	return id, nil
}

// ParseIdentity parses a hex-encoded identity, as accepted by the IDENTITY
// config option.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse identity: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse identity: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
