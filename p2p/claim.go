package p2p

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"filament/crypto"
)

const identityClaimDomain = "filament peer identity v1"

// IdentityClaim is a peer's signed statement of its reachable addresses and
// features. A claim only overwrites stored state when its UpdatedAt is
// strictly newer than what the directory already holds.
type IdentityClaim struct {
	Addresses []Multiaddr
	Features  PeerFeatures
	UpdatedAt time.Time
	// Signature is empty for legacy unsigned claims, which may insert a new
	// peer but never overwrite an existing one.
	Signature []byte
}

// Signed reports whether the claim carries a signature.
func (c *IdentityClaim) Signed() bool {
	return len(c.Signature) > 0
}

// challengeBytes is the canonical byte encoding covered by the claim
// signature: public key, timestamp, feature bits and each address string.
func (c *IdentityClaim) challengeBytes(pub ed25519.PublicKey) []byte {
	out := make([]byte, 0, 64+len(c.Addresses)*48)
	out = append(out, pub...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.UpdatedAt.Unix()))
	out = append(out, ts[:]...)
	var feat [4]byte
	binary.BigEndian.PutUint32(feat[:], uint32(c.Features))
	out = append(out, feat[:]...)
	for _, addr := range c.Addresses {
		s := addr.String()
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(s)))
		out = append(out, l[:]...)
		out = append(out, s...)
	}
	return out
}

// SignClaim produces a fully signed claim for the local identity.
func SignClaim(kp *crypto.KeyPair, addresses []Multiaddr, features PeerFeatures, updatedAt time.Time) IdentityClaim {
	claim := IdentityClaim{
		Addresses: addresses,
		Features:  features,
		UpdatedAt: updatedAt.Truncate(time.Second),
	}
	claim.Signature = kp.Sign(identityClaimDomain, claim.challengeBytes(kp.PublicKey()))
	return claim
}

// VerifySignature checks the claim signature against the claimed public key.
func (c *IdentityClaim) VerifySignature(pub ed25519.PublicKey) bool {
	if !c.Signed() {
		return false
	}
	return crypto.Verify(pub, identityClaimDomain, c.challengeBytes(pub), c.Signature)
}
