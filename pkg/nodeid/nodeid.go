// Package nodeid derives fixed-width node identifiers from public keys and
// defines the XOR distance metric used to order peers by closeness.
package nodeid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Length is the width, in bytes, of a NodeId. It is derived from the leading
// bytes of sha256(public_key), matching the teacher's segment-table indexing
// convention of using a single trailing key byte, extended here to a full
// Kademlia-style identifier width.
const Length = 32

// NodeId is a fixed-width identifier derived from a peer's public key.
// The zero value is not a valid node id for any real peer but is safe to
// compare and hash.
type NodeId [Length]byte

// Derive computes the NodeId for a public key. The same key always yields
// the same id; distinct keys yield different ids with overwhelming
// probability.
func Derive(publicKey []byte) NodeId {
	return NodeId(sha256.Sum256(publicKey))
}

// Bytes returns the identifier's big-endian byte representation.
func (id NodeId) Bytes() []byte {
	out := make([]byte, Length)
	copy(out, id[:])
	return out
}

// String renders the id as lowercase hex.
func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two ids are byte-for-byte identical.
func (id NodeId) Equal(other NodeId) bool {
	return id == other
}

// IsZero reports whether id is the zero value.
func (id NodeId) IsZero() bool {
	return id == NodeId{}
}

// Distance is the XOR distance between two NodeIds, interpreted as a
// big-endian unsigned integer for ordering purposes. It forms a total
// order: Less reports a strict less-than relation and Compare returns the
// usual -1/0/1.
type Distance [Length]byte

// Distance computes the symmetric XOR distance between id and other.
// distance(a, a) == 0, and distance is symmetric: distance(a, b) ==
// distance(b, a).
func (id NodeId) Distance(other NodeId) Distance {
	var d Distance
	for i := 0; i < Length; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Compare returns -1, 0, or 1 as d is less than, equal to, or greater than
// other, comparing both as big-endian unsigned integers.
func (d Distance) Compare(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// Less reports whether d is strictly less than other.
func (d Distance) Less(other Distance) bool {
	return d.Compare(other) < 0
}

// IsZero reports whether the distance is zero, i.e. the two ids were equal.
func (d Distance) IsZero() bool {
	return d == Distance{}
}

func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a hex-encoded node id, primarily used by tests and
// diagnostics that round-trip NodeId.String().
func Parse(s string) (NodeId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeId{}, fmt.Errorf("nodeid: parse %q: %w", s, err)
	}
	if len(b) != Length {
		return NodeId{}, fmt.Errorf("nodeid: parse %q: want %d bytes, got %d", s, Length, len(b))
	}
	var id NodeId
	copy(id[:], b)
	return id, nil
}
