package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyPair bundles the node's long-term ed25519 identity material. The same
// key signs identity claims and, converted to its curve25519 form, acts as
// the Noise static key and the ECDH key for message sealing.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh random identity key.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &KeyPair{priv: priv, pub: pub}, nil
}

// KeyPairFromSeed rebuilds a keypair from a stored 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid identity seed length: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the ed25519 public half.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.pub
}

// Seed returns the 32-byte private seed for persistence.
func (k *KeyPair) Seed() []byte {
	return k.priv.Seed()
}

// Sign produces a domain-separated signature over msg.
func (k *KeyPair) Sign(domain string, msg []byte) []byte {
	return ed25519.Sign(k.priv, domainMessage(domain, msg))
}

// Verify checks a domain-separated signature against pub.
func Verify(pub ed25519.PublicKey, domain string, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, domainMessage(domain, msg), sig)
}

func domainMessage(domain string, msg []byte) []byte {
	out := make([]byte, 0, len(domain)+1+len(msg))
	out = append(out, domain...)
	out = append(out, 0x00)
	return append(out, msg...)
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateKeyPair reads an identity seed from disk, generating and
// persisting one if absent. Accepts both raw hex and the JSON envelope for
// forwards compatibility.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	encoded := identityDisk{PrivateKey: hex.EncodeToString(kp.Seed())}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return kp, nil
}

func decodeIdentity(data []byte) (*KeyPair, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("identity file empty")
	}
	raw := trimmed
	if trimmed[0] == '{' {
		var stored identityDisk
		if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
			return nil, fmt.Errorf("decode identity JSON: %w", err)
		}
		raw = strings.TrimSpace(stored.PrivateKey)
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	return KeyPairFromSeed(seed)
}
