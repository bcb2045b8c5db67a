package p2p

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// Direction records which side initiated the underlying stream.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// Substream protocol identifiers. Each opened substream announces its
// protocol in a length-prefixed header before any payload.
const (
	ProtocolIdentity  = "/filament/id/1"
	ProtocolMessaging = "/filament/msg/1"
)

const maxSubstreamFrame = 8 << 20 // 8 MiB envelope cap

// PeerConnection is one upgraded, authenticated link to a remote peer. It
// wraps a yamux session and owns a lazily opened messaging substream fed by a
// bounded queue, so callers never block on a slow peer.
type PeerConnection struct {
	session *yamux.Session
	log     *slog.Logger

	nodeId    NodeId
	publicKey ed25519.PublicKey
	direction Direction
	dialAddr  Multiaddr
	openedAt  time.Time

	sendQueue chan []byte
	writeOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newPeerConnection(session *yamux.Session, pub ed25519.PublicKey, dir Direction, dialAddr Multiaddr, queueSize int, log *slog.Logger) *PeerConnection {
	id := NodeIdFromPublicKey(pub)
	pc := &PeerConnection{
		session:   session,
		log:       log.With("peer", id.String()[:12], "direction", dir.String()),
		nodeId:    id,
		publicKey: append(ed25519.PublicKey(nil), pub...),
		direction: dir,
		dialAddr:  dialAddr,
		openedAt:  time.Now(),
		sendQueue: make(chan []byte, queueSize),
		closed:    make(chan struct{}),
	}
	go pc.watchSession()
	return pc
}

// NodeId returns the authenticated identifier of the remote peer.
func (pc *PeerConnection) NodeId() NodeId { return pc.nodeId }

// PublicKey returns the authenticated identity key of the remote peer.
func (pc *PeerConnection) PublicKey() ed25519.PublicKey { return pc.publicKey }

// Direction reports which side initiated the connection.
func (pc *PeerConnection) Direction() Direction { return pc.direction }

// DialAddr returns the address this connection was dialed on. Zero for
// inbound connections.
func (pc *PeerConnection) DialAddr() Multiaddr { return pc.dialAddr }

// OpenedAt returns when the upgrade completed.
func (pc *PeerConnection) OpenedAt() time.Time { return pc.openedAt }

// IsClosed reports whether the connection has been torn down.
func (pc *PeerConnection) IsClosed() bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the connection tears down, from either side.
func (pc *PeerConnection) Done() <-chan struct{} { return pc.closed }

// OpenSubstream opens a fresh substream and announces the given protocol.
func (pc *PeerConnection) OpenSubstream(ctx context.Context, protocol string) (net.Conn, error) {
	if pc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	stream, err := pc.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open substream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := writeProtocolHeader(stream, protocol); err != nil {
		stream.Close()
		return nil, fmt.Errorf("announce protocol %s: %w", protocol, err)
	}
	_ = stream.SetWriteDeadline(time.Time{})
	return stream, nil
}

// AcceptSubstream blocks until the remote opens a substream, returning the
// announced protocol and the stream.
func (pc *PeerConnection) AcceptSubstream() (string, net.Conn, error) {
	stream, err := pc.session.AcceptStream()
	if err != nil {
		if pc.IsClosed() {
			return "", nil, ErrConnectionClosed
		}
		return "", nil, fmt.Errorf("accept substream: %w", err)
	}
	protocol, err := readProtocolHeader(stream)
	if err != nil {
		stream.Close()
		return "", nil, fmt.Errorf("read protocol header: %w", err)
	}
	return protocol, stream, nil
}

// Enqueue hands an encoded envelope to the messaging queue without blocking.
// The first enqueue starts the writer, which opens the messaging substream on
// demand.
func (pc *PeerConnection) Enqueue(frame []byte) error {
	if pc.IsClosed() {
		return ErrSendQueueClosed
	}
	pc.writeOnce.Do(func() { go pc.writeLoop() })
	select {
	case pc.sendQueue <- frame:
		return nil
	case <-pc.closed:
		return ErrSendQueueClosed
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the send queue into a single messaging substream. Any
// write failure tears down the whole connection so the connectivity layer can
// redial.
func (pc *PeerConnection) writeLoop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	stream, err := pc.OpenSubstream(ctx, ProtocolMessaging)
	cancel()
	if err != nil {
		pc.log.Warn("open messaging substream failed", "error", err)
		pc.closeWithError(err)
		return
	}
	defer stream.Close()
	for {
		select {
		case frame := <-pc.sendQueue:
			if err := WriteFrame(stream, frame); err != nil {
				pc.log.Warn("messaging write failed", "error", err)
				pc.closeWithError(err)
				return
			}
		case <-pc.closed:
			return
		}
	}
}

// Close tears down the session and releases all substreams.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return pc.closeErr
}

func (pc *PeerConnection) closeWithError(cause error) {
	pc.closeOnce.Do(func() {
		pc.closeErr = pc.session.Close()
		if cause != nil && pc.closeErr == nil {
			pc.closeErr = cause
		}
		close(pc.closed)
	})
}

// watchSession propagates remote teardown into the closed channel.
func (pc *PeerConnection) watchSession() {
	<-pc.session.CloseChan()
	pc.closeWithError(ErrConnectionClosed)
}

func writeProtocolHeader(w io.Writer, protocol string) error {
	if len(protocol) > 255 {
		return fmt.Errorf("protocol id too long: %d", len(protocol))
	}
	buf := make([]byte, 1+len(protocol))
	buf[0] = byte(len(protocol))
	copy(buf[1:], protocol)
	_, err := w.Write(buf)
	return err
}

func readProtocolHeader(r io.Reader) (string, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteFrame writes one length-delimited frame to a substream.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxSubstreamFrame {
		return fmt.Errorf("frame exceeds %d bytes: %d", maxSubstreamFrame, len(frame))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-delimited frame from a substream.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > maxSubstreamFrame {
		return nil, fmt.Errorf("frame exceeds %d bytes: %d", maxSubstreamFrame, frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
