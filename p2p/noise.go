package p2p

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	"filament/crypto"
)

// The secure channel runs Noise XX over the raw stream. The curve25519
// static key is derived from the node's ed25519 identity; the handshake
// payload binds the two together with a signature, so a completed handshake
// authenticates the remote ed25519 identity key.

const noiseStaticKeyDomain = "filament noise static key v1"

// maxNoisePayload is the plaintext budget per noise transport message: the
// protocol's 65535-byte message cap minus the AEAD tag.
const maxNoisePayload = 65535 - 16

type noisePayload struct {
	IdentityKey []byte `json:"identityKey"`
	IdentitySig []byte `json:"identitySig"`
}

// noiseUpgrade performs the XX handshake and returns the encrypted stream
// together with the authenticated remote identity key.
func noiseUpgrade(conn net.Conn, kp *crypto.KeyPair, initiator bool) (*secureConn, ed25519.PublicKey, error) {
	curvePub, err := kp.CurvePublicKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: derive static key: %v", ErrHandshake, err)
	}
	static := noise.DHKey{Private: kp.CurvePrivateKey(), Public: curvePub}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: init handshake state: %v", ErrHandshake, err)
	}

	localPayload, err := buildNoisePayload(kp, curvePub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	var sendCS, recvCS *noise.CipherState
	var remotePayload []byte
	if initiator {
		sendCS, recvCS, remotePayload, err = noiseInitiate(conn, hs, localPayload)
	} else {
		sendCS, recvCS, remotePayload, err = noiseRespond(conn, hs, localPayload)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	remoteIdentity, err := verifyNoisePayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return &secureConn{Conn: conn, send: sendCS, recv: recvCS}, remoteIdentity, nil
}

// buildNoisePayload signs the curve25519 static key with the ed25519
// identity key, binding transport and identity.
func buildNoisePayload(kp *crypto.KeyPair, curvePub []byte) ([]byte, error) {
	payload := noisePayload{
		IdentityKey: kp.PublicKey(),
		IdentitySig: kp.Sign(noiseStaticKeyDomain, curvePub),
	}
	return json.Marshal(&payload)
}

func verifyNoisePayload(raw, remoteStatic []byte) (ed25519.PublicKey, error) {
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("bad remote static key length %d", len(remoteStatic))
	}
	var payload noisePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode handshake payload: %w", err)
	}
	if len(payload.IdentityKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad identity key length %d", len(payload.IdentityKey))
	}
	identity := ed25519.PublicKey(payload.IdentityKey)
	if !crypto.Verify(identity, noiseStaticKeyDomain, remoteStatic, payload.IdentitySig) {
		return nil, fmt.Errorf("static key not bound to identity key")
	}
	// The payload must use the same static key the handshake authenticated.
	derived, err := crypto.CurvePublicKey(identity)
	if err != nil {
		return nil, fmt.Errorf("convert identity key: %w", err)
	}
	for i := range derived {
		if derived[i] != remoteStatic[i] {
			return nil, fmt.Errorf("identity key does not own the static key")
		}
	}
	return identity, nil
}

// noiseInitiate runs the initiator side: -> e, <- e ee s es, -> s se.
func noiseInitiate(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeNoiseFrame(conn, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	msg2, err := readNoiseFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	msg3, sendCS, recvCS, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeNoiseFrame(conn, msg3); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}
	return sendCS, recvCS, remotePayload, nil
}

// noiseRespond runs the responder side: <- e, -> e ee s es, <- s se.
func noiseRespond(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, err := readNoiseFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeNoiseFrame(conn, msg2); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	msg3, err := readNoiseFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, recvCS, sendCS, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}
	return sendCS, recvCS, remotePayload, nil
}

func writeNoiseFrame(conn net.Conn, msg []byte) error {
	if len(msg) > 65535 {
		return fmt.Errorf("noise frame too large: %d", len(msg))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}

func readNoiseFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint16(lenBuf[:])
	if msgLen == 0 {
		return nil, io.EOF
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// secureConn is the encrypted stream produced by the handshake. Each noise
// transport message travels as a 2-byte length prefix plus ciphertext.
type secureConn struct {
	net.Conn

	send *noise.CipherState
	recv *noise.CipherState

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	encMsg, err := readNoiseFrame(c.Conn)
	if err != nil {
		return 0, err
	}
	plaintext, err := c.recv.Decrypt(nil, nil, encMsg)
	if err != nil {
		return 0, fmt.Errorf("decrypt segment: %w", err)
	}
	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = append(c.readBuf[:0], plaintext[n:]...)
	}
	return n, nil
}

func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxNoisePayload {
			chunk = chunk[:maxNoisePayload]
		}
		ciphertext, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("encrypt segment: %w", err)
		}
		if err := writeNoiseFrame(c.Conn, ciphertext); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}
