package p2p

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"filament/crypto"
)

// MessageType distinguishes application payloads for handler dispatch.
type MessageType uint16

// EnvelopeFlags annotate how the body is to be interpreted.
type EnvelopeFlags uint8

const (
	// FlagEncrypted marks a body sealed for a single recipient.
	FlagEncrypted EnvelopeFlags = 1 << iota
)

const (
	envelopeVersion      = 1
	envelopeSigDomain    = "filament p2p envelope v1"
	envelopeHeaderSize   = 1 + 1 + 2 + ed25519.PublicKeySize
	maxEnvelopeBodySize  = maxSubstreamFrame - 512
	envelopeSigFieldSize = 2
)

var errMalformedEnvelope = errors.New("p2p: malformed envelope")

// Envelope is the unit of application messaging. The signature covers the
// header and body as encoded, so an envelope is verifiable after relaying.
type Envelope struct {
	Flags       EnvelopeFlags
	MessageType MessageType
	Sender      ed25519.PublicKey
	Signature   []byte
	Body        []byte
}

// Encrypted reports whether the body is sealed for a single recipient.
func (e *Envelope) Encrypted() bool {
	return e.Flags&FlagEncrypted != 0
}

// SenderId derives the sender's node id.
func (e *Envelope) SenderId() NodeId {
	return NodeIdFromPublicKey(e.Sender)
}

func (e *Envelope) signedBytes() []byte {
	out := make([]byte, 0, envelopeHeaderSize+len(e.Body))
	out = append(out, envelopeVersion, byte(e.Flags))
	var mt [2]byte
	binary.BigEndian.PutUint16(mt[:], uint16(e.MessageType))
	out = append(out, mt[:]...)
	out = append(out, e.Sender...)
	out = append(out, e.Body...)
	return out
}

// Sign stamps the envelope with the local identity. Call after the body has
// reached its final (possibly encrypted) form.
func (e *Envelope) Sign(kp *crypto.KeyPair) {
	e.Sender = kp.PublicKey()
	e.Signature = kp.Sign(envelopeSigDomain, e.signedBytes())
}

// VerifySignature checks the envelope signature against its sender key.
func (e *Envelope) VerifySignature() bool {
	if len(e.Sender) != ed25519.PublicKeySize || len(e.Signature) == 0 {
		return false
	}
	return crypto.Verify(e.Sender, envelopeSigDomain, e.signedBytes(), e.Signature)
}

// Encode serializes the envelope: version, flags, type, sender, signature
// (length-prefixed), body.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Sender) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad sender key", errMalformedEnvelope)
	}
	if len(e.Body) > maxEnvelopeBodySize {
		return nil, fmt.Errorf("%w: body %d bytes", errMalformedEnvelope, len(e.Body))
	}
	out := make([]byte, 0, envelopeHeaderSize+envelopeSigFieldSize+len(e.Signature)+len(e.Body))
	out = append(out, envelopeVersion, byte(e.Flags))
	var mt [2]byte
	binary.BigEndian.PutUint16(mt[:], uint16(e.MessageType))
	out = append(out, mt[:]...)
	out = append(out, e.Sender...)
	var sl [2]byte
	binary.BigEndian.PutUint16(sl[:], uint16(len(e.Signature)))
	out = append(out, sl[:]...)
	out = append(out, e.Signature...)
	out = append(out, e.Body...)
	return out, nil
}

// DecodeEnvelope parses an encoded envelope without verifying anything.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) < envelopeHeaderSize+envelopeSigFieldSize {
		return nil, fmt.Errorf("%w: %d bytes", errMalformedEnvelope, len(raw))
	}
	if raw[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: version %d", errMalformedEnvelope, raw[0])
	}
	env := &Envelope{
		Flags:       EnvelopeFlags(raw[1]),
		MessageType: MessageType(binary.BigEndian.Uint16(raw[2:4])),
	}
	offset := 4
	env.Sender = append(ed25519.PublicKey(nil), raw[offset:offset+ed25519.PublicKeySize]...)
	offset += ed25519.PublicKeySize
	sigLen := int(binary.BigEndian.Uint16(raw[offset : offset+2]))
	offset += 2
	if len(raw) < offset+sigLen {
		return nil, fmt.Errorf("%w: truncated signature", errMalformedEnvelope)
	}
	if sigLen > 0 {
		env.Signature = append([]byte(nil), raw[offset:offset+sigLen]...)
	}
	offset += sigLen
	env.Body = append([]byte(nil), raw[offset:]...)
	return env, nil
}

// envelopeSealer seals and opens single-recipient bodies. The nonce counter
// is process-wide; combined with the per-pair derived key it never repeats
// within a key's lifetime.
type envelopeSealer struct {
	keys  *crypto.KeyPair
	nonce atomic.Uint64
}

func newEnvelopeSealer(kp *crypto.KeyPair) *envelopeSealer {
	return &envelopeSealer{keys: kp}
}

// SealFor encrypts the envelope body for one recipient and re-signs.
func (s *envelopeSealer) SealFor(env *Envelope, recipient ed25519.PublicKey) error {
	secret, err := s.keys.SharedSecret(recipient)
	if err != nil {
		return fmt.Errorf("derive shared secret: %w", err)
	}
	sealed, err := crypto.Seal(crypto.DeriveCipherKey(secret), s.nonce.Add(1), env.Body)
	if err != nil {
		return err
	}
	env.Body = sealed
	env.Flags |= FlagEncrypted
	env.Sign(s.keys)
	return nil
}

// Open decrypts an encrypted envelope body in place using the sender key.
// Returns crypto.ErrDecryptionFailed when the body cannot be opened.
func (s *envelopeSealer) Open(env *Envelope) error {
	if !env.Encrypted() {
		return nil
	}
	secret, err := s.keys.SharedSecret(env.Sender)
	if err != nil {
		return fmt.Errorf("derive shared secret: %w", err)
	}
	plaintext, err := crypto.Open(crypto.DeriveCipherKey(secret), env.Body)
	if err != nil {
		return err
	}
	env.Body = plaintext
	env.Flags &^= FlagEncrypted
	return nil
}
