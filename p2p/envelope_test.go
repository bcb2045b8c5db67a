package p2p

import (
	"bytes"
	"errors"
	"testing"

	"filament/crypto"
)

func TestEnvelopeSignEncodeDecode(t *testing.T) {
	kp := newTestKeys(t)
	env := &Envelope{MessageType: 7, Body: []byte("block announcement")}
	env.Sign(kp)

	frame, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageType != 7 || !bytes.Equal(decoded.Body, env.Body) {
		t.Fatalf("decoded envelope mismatch: %+v", decoded)
	}
	if !decoded.VerifySignature() {
		t.Fatal("signature did not survive the round trip")
	}
	if decoded.SenderId() != NodeIdFromPublicKey(kp.PublicKey()) {
		t.Fatal("sender id mismatch")
	}

	decoded.Body[0] ^= 0xff
	if decoded.VerifySignature() {
		t.Fatal("signature verified over a tampered body")
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	if _, err := DecodeEnvelope(nil); err == nil {
		t.Fatal("nil input accepted")
	}
	if _, err := DecodeEnvelope(make([]byte, 10)); err == nil {
		t.Fatal("short input accepted")
	}
	kp := newTestKeys(t)
	env := &Envelope{MessageType: 1, Body: []byte("x")}
	env.Sign(kp)
	frame, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame[0] = 99
	if _, err := DecodeEnvelope(frame); err == nil {
		t.Fatal("unknown version accepted")
	}
}

func TestEnvelopeSealForRecipient(t *testing.T) {
	sender := newTestKeys(t)
	recipient := newTestKeys(t)
	eavesdropper := newTestKeys(t)

	env := &Envelope{MessageType: 3, Body: []byte("for your eyes only")}
	if err := newEnvelopeSealer(sender).SealFor(env, recipient.PublicKey()); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !env.Encrypted() {
		t.Fatal("sealed envelope not flagged encrypted")
	}
	if !env.VerifySignature() {
		t.Fatal("sealed envelope signature invalid")
	}
	if bytes.Contains(env.Body, []byte("eyes only")) {
		t.Fatal("plaintext visible in sealed body")
	}

	sealedCopy := append([]byte(nil), env.Body...)
	wrong := &Envelope{Flags: env.Flags, MessageType: env.MessageType, Sender: env.Sender, Body: append([]byte(nil), sealedCopy...)}
	if err := newEnvelopeSealer(eavesdropper).Open(wrong); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for wrong recipient, got %v", err)
	}

	if err := newEnvelopeSealer(recipient).Open(env); err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(env.Body) != "for your eyes only" {
		t.Fatalf("decrypted body mismatch: %q", env.Body)
	}
	if env.Encrypted() {
		t.Fatal("flag still set after open")
	}
}

func TestEnvelopeNonceAdvances(t *testing.T) {
	sender := newTestKeys(t)
	recipient := newTestKeys(t)
	sealer := newEnvelopeSealer(sender)

	a := &Envelope{MessageType: 1, Body: []byte("same body")}
	b := &Envelope{MessageType: 1, Body: []byte("same body")}
	if err := sealer.SealFor(a, recipient.PublicKey()); err != nil {
		t.Fatalf("seal a: %v", err)
	}
	if err := sealer.SealFor(b, recipient.PublicKey()); err != nil {
		t.Fatalf("seal b: %v", err)
	}
	if bytes.Equal(a.Body, b.Body) {
		t.Fatal("identical ciphertext for two seals of the same body")
	}
}
