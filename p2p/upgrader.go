package p2p

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"filament/crypto"
)

// Upgrader turns raw transport streams into authenticated, multiplexed
// PeerConnections. The sequence is fixed: noise handshake, yamux, identity
// exchange, directory update. A failure at any stage closes the raw stream
// and surfaces a stage-tagged error.
type Upgrader struct {
	cfg       Config
	keys      *crypto.KeyPair
	validator *Validator
	directory PeerDirectory
	log       *slog.Logger

	// localClaim returns the claim advertised during identity exchange.
	localClaim func() IdentityClaim
}

// NewUpgrader builds an upgrader around the local identity.
func NewUpgrader(cfg Config, keys *crypto.KeyPair, dir PeerDirectory, localClaim func() IdentityClaim, log *slog.Logger) *Upgrader {
	cfg = cfg.Normalize()
	return &Upgrader{
		cfg:        cfg,
		keys:       keys,
		validator:  NewValidator(cfg),
		directory:  dir,
		log:        log.With("component", "upgrader"),
		localClaim: localClaim,
	}
}

// wireClaim is the JSON shape exchanged on the identity substream.
type wireClaim struct {
	PublicKey []byte       `json:"publicKey"`
	NodeId    NodeId       `json:"nodeId"`
	Addresses []Multiaddr  `json:"addresses"`
	Features  PeerFeatures `json:"features"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Signature []byte       `json:"signature,omitempty"`
}

// Upgrade runs the full pipeline on a raw stream. dialAddr is the address
// used to reach the peer, zero for inbound streams.
func (u *Upgrader) Upgrade(ctx context.Context, raw net.Conn, dir Direction, dialAddr Multiaddr) (*PeerConnection, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	} else {
		_ = raw.SetDeadline(time.Now().Add(u.cfg.DefaultConnectTimeout))
	}

	secured, remoteKey, err := noiseUpgrade(raw, u.keys, dir == DirectionOutbound)
	if err != nil {
		raw.Close()
		return nil, err
	}

	session, err := u.multiplex(secured, dir)
	if err != nil {
		raw.Close()
		return nil, &UpgradeError{NodeId: NodeIdFromPublicKey(remoteKey), Err: fmt.Errorf("%w: %v", ErrMultiplex, err)}
	}

	peer, err := u.exchangeIdentity(ctx, session, dir, remoteKey)
	if err != nil {
		session.Close()
		return nil, &UpgradeError{NodeId: NodeIdFromPublicKey(remoteKey), Err: err}
	}

	_ = raw.SetDeadline(time.Time{})
	pc := newPeerConnection(session, peer.PublicKey, dir, dialAddr, u.cfg.SubstreamQueueSize, u.log)
	u.log.Info("connection upgraded",
		"peer", peer.NodeId.String()[:12],
		"direction", dir.String(),
		"features", uint32(peer.Features))
	return pc, nil
}

func (u *Upgrader) multiplex(secured net.Conn, dir Direction) (*yamux.Session, error) {
	muxCfg := yamux.DefaultConfig()
	muxCfg.LogOutput = nil
	muxCfg.Logger = slog.NewLogLogger(u.log.Handler(), slog.LevelWarn)
	if dir == DirectionOutbound {
		return yamux.Client(secured, muxCfg)
	}
	return yamux.Server(secured, muxCfg)
}

// exchangeIdentity swaps signed claims over a dedicated substream. The
// initiator opens the stream and sends first; the responder answers on the
// same stream. The claimed key must equal the handshake-authenticated key.
func (u *Upgrader) exchangeIdentity(ctx context.Context, session *yamux.Session, dir Direction, remoteKey ed25519.PublicKey) (*Peer, error) {
	var stream net.Conn
	var err error
	if dir == DirectionOutbound {
		stream, err = session.OpenStream()
		if err == nil {
			err = writeProtocolHeader(stream, ProtocolIdentity)
		}
	} else {
		stream, err = func() (net.Conn, error) {
			s, acceptErr := session.AcceptStream()
			if acceptErr != nil {
				return nil, acceptErr
			}
			protocol, hdrErr := readProtocolHeader(s)
			if hdrErr != nil {
				s.Close()
				return nil, hdrErr
			}
			if protocol != ProtocolIdentity {
				s.Close()
				return nil, fmt.Errorf("expected identity substream, got %q", protocol)
			}
			return s, nil
		}()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: identity substream: %v", ErrMultiplex, err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	send := func() error {
		claim := u.localClaim()
		wire := wireClaim{
			PublicKey: u.keys.PublicKey(),
			NodeId:    NodeIdFromPublicKey(u.keys.PublicKey()),
			Addresses: claim.Addresses,
			Features:  claim.Features,
			UpdatedAt: claim.UpdatedAt,
			Signature: claim.Signature,
		}
		blob, err := json.Marshal(&wire)
		if err != nil {
			return err
		}
		return WriteFrame(stream, blob)
	}
	receive := func() (*wireClaim, error) {
		blob, err := ReadFrame(stream)
		if err != nil {
			return nil, err
		}
		var wire wireClaim
		if err := json.Unmarshal(blob, &wire); err != nil {
			return nil, err
		}
		return &wire, nil
	}

	var remote *wireClaim
	if dir == DirectionOutbound {
		if err := send(); err != nil {
			return nil, fmt.Errorf("send identity claim: %w", err)
		}
		if remote, err = receive(); err != nil {
			return nil, fmt.Errorf("receive identity claim: %w", err)
		}
	} else {
		if remote, err = receive(); err != nil {
			return nil, fmt.Errorf("receive identity claim: %w", err)
		}
		if err := send(); err != nil {
			return nil, fmt.Errorf("send identity claim: %w", err)
		}
	}

	if !ed25519.PublicKey(remote.PublicKey).Equal(remoteKey) {
		return nil, fmt.Errorf("%w: claimed key differs from handshake key", ErrIdentityMismatch)
	}

	claim := &IdentityClaim{
		Addresses: remote.Addresses,
		Features:  remote.Features,
		UpdatedAt: remote.UpdatedAt,
		Signature: remote.Signature,
	}
	if err := u.validator.ValidateClaim(remoteKey, remote.NodeId, claim); err != nil {
		return nil, err
	}
	peer, err := u.validator.ApplyClaim(u.directory, remoteKey, claim)
	if err != nil {
		return nil, err
	}
	if peer.IsBanned(time.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrPeerBanned, peer.BanReason)
	}
	return peer, nil
}
