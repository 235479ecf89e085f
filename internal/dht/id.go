package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDBits is the size of a node ID in bits (160, as in Kademlia/SHA-1).
const IDBits = 160

// IDBytes is the size of a node ID in bytes.
const IDBytes = IDBits / 8

// IDHexLen is the length of the hex form carried in `id` messages.
const IDHexLen = IDBytes * 2

// ID identifies a node. On the wire it travels as a fixed-length lowercase
// hex string.
type ID [IDBytes]byte

// NewRandomID returns a cryptographically random ID.
func NewRandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("NewRandomID: %w", err)
	}
	return id, nil
}

// MustRandomID is NewRandomID for tests and first-run setup; it panics on error.
func MustRandomID() ID {
	id, err := NewRandomID()
	if err != nil {
		panic(err)
	}
	return id
}

// IDFromHex parses the wire form of an ID. The string must be exactly
// IDHexLen hex digits.
func IDFromHex(s string) (ID, error) {
	if len(s) != IDHexLen {
		return ID{}, fmt.Errorf("IDFromHex: invalid length %d, want %d", len(s), IDHexLen)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("IDFromHex: decode error: %w", err)
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// String returns the wire (hex) form of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Equals reports whether two IDs are identical.
func (id ID) Equals(other ID) bool {
	return id == other
}

// XOR returns the Kademlia distance between two IDs.
func (id ID) XOR(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less orders IDs (and therefore distances) byte-wise, most significant first.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// PrefixLen counts leading zero bits; IDBits for the zero ID.
func (id ID) PrefixLen() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		n := 0
		for mask := byte(0x80); b&mask == 0; mask >>= 1 {
			n++
		}
		return i*8 + n
	}
	return IDBits
}
