package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// The identity key doubles as the transport key: the ed25519 pair is mapped
// onto its birationally equivalent curve25519 form for Noise static keys and
// for ECDH message sealing. The mapping follows the libp2p-noise convention.

// CurvePrivateKey derives the curve25519 scalar for an ed25519 seed key.
func (k *KeyPair) CurvePrivateKey() []byte {
	h := sha512.Sum512(k.priv.Seed())
	scalar := h[:curve25519.ScalarSize]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	out := make([]byte, curve25519.ScalarSize)
	copy(out, scalar)
	return out
}

// CurvePublicKey derives the curve25519 (montgomery) form of the public key.
func (k *KeyPair) CurvePublicKey() ([]byte, error) {
	return CurvePublicKey(k.pub)
}

// CurvePublicKey converts an ed25519 public key to its montgomery form.
func CurvePublicKey(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(pub))
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("decode edwards point: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// SharedSecret computes the X25519 shared secret between the local identity
// and a remote ed25519 public key.
func (k *KeyPair) SharedSecret(remote ed25519.PublicKey) ([]byte, error) {
	remoteCurve, err := CurvePublicKey(remote)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(k.CurvePrivateKey(), remoteCurve)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	if isZero(secret) {
		return nil, errors.New("x25519: low order point")
	}
	return secret, nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
