package p2p

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/bits"

	"lukechampine.com/blake3"
)

// NodeIdSize is the length of a node identifier in bytes.
const NodeIdSize = 32

const nodeIdContext = "filament p2p node id v1"

// NodeId is the deterministic identifier of a peer, derived from its public
// key via a domain-separated hash. Two peers are "close" when the XOR of
// their ids, read as a big-endian integer, is small.
type NodeId [NodeIdSize]byte

// NodeIdFromPublicKey derives the canonical NodeId for a public key.
func NodeIdFromPublicKey(pub ed25519.PublicKey) NodeId {
	var id NodeId
	blake3.DeriveKey(id[:], nodeIdContext, pub)
	return id
}

// NodeIdFromHex parses a hex-encoded NodeId.
func NodeIdFromHex(s string) (NodeId, error) {
	var id NodeId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode node id: %w", err)
	}
	if len(raw) != NodeIdSize {
		return id, fmt.Errorf("invalid node id length: %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the id as hex for JSON persistence.
func (id NodeId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex-encoded id.
func (id *NodeId) UnmarshalText(text []byte) error {
	parsed, err := NodeIdFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether the id is the all-zero value.
func (id NodeId) IsZero() bool {
	return id == NodeId{}
}

// Distance returns the XOR metric between two node ids.
func (id NodeId) Distance(other NodeId) XorDistance {
	var d XorDistance
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// XorDistance is the bytewise XOR of two NodeIds, compared as a big-endian
// unsigned integer. Smaller means closer.
type XorDistance [NodeIdSize]byte

// Cmp returns -1, 0 or 1 as d is closer than, equal to or farther than other.
func (d XorDistance) Cmp(other XorDistance) int {
	return bytes.Compare(d[:], other[:])
}

// Less reports whether d sorts before (closer than) other.
func (d XorDistance) Less(other XorDistance) bool {
	return d.Cmp(other) < 0
}

// BucketIndex partitions distances by the number of leading zero bits: bucket
// 0 holds the farthest peers, bucket 8*NodeIdSize the identity distance.
func (d XorDistance) BucketIndex() int {
	zeros := 0
	for _, b := range d {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros
}

func (d XorDistance) String() string {
	return hex.EncodeToString(d[:])
}
