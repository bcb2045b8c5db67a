package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

const cipherKeyContext = "filament p2p message cipher v1"

// ErrDecryptionFailed marks ciphertext that could not be opened with the
// derived key. Callers deliver such messages downstream tagged invalid rather
// than dropping them.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// DeriveCipherKey turns an X25519 shared secret into a symmetric sealing key.
func DeriveCipherKey(secret []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(key, cipherKeyContext, secret)
	return key
}

// Seal encrypts plaintext under key with an integral nonce. The nonce is
// prepended to the returned ciphertext so Open needs no out-of-band state.
func Seal(key []byte, nonce uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonceBytes := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonceBytes[chacha20poly1305.NonceSize-8:], nonce)
	out := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	copy(out, nonceBytes)
	return aead.Seal(out, nonceBytes, plaintext, nil), nil
}

// Open decrypts a Seal output. Any malformed or forged input yields
// ErrDecryptionFailed; Open never panics on attacker-controlled data.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := sealed[:chacha20poly1305.NonceSize]
	plaintext, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
