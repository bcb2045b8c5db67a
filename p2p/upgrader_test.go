package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"filament/crypto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUpgrader(t *testing.T, kp *crypto.KeyPair, addr string) (*Upgrader, *LevelDirectory) {
	t.Helper()
	dir, err := NewLevelDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	claim := func() IdentityClaim {
		return SignClaim(kp, []Multiaddr{MustMultiaddr(addr)}, FeatureMessaging|FeatureDhtStore, time.Now())
	}
	return NewUpgrader(testConfig(), kp, dir, claim, testLogger()), dir
}

func upgradePipe(t *testing.T, a, b *Upgrader) (*PeerConnection, *PeerConnection) {
	t.Helper()
	rawA, rawB := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		pc  *PeerConnection
		err error
	}
	serverDone := make(chan result, 1)
	go func() {
		pc, err := b.Upgrade(ctx, rawB, DirectionInbound, Multiaddr{})
		serverDone <- result{pc, err}
	}()
	pcA, err := a.Upgrade(ctx, rawA, DirectionOutbound, MustMultiaddr("/memory/peer-b"))
	if err != nil {
		t.Fatalf("outbound upgrade: %v", err)
	}
	res := <-serverDone
	if res.err != nil {
		t.Fatalf("inbound upgrade: %v", res.err)
	}
	t.Cleanup(func() {
		pcA.Close()
		res.pc.Close()
	})
	return pcA, res.pc
}

func TestUpgradeAuthenticatesBothSides(t *testing.T) {
	keysA := newTestKeys(t)
	keysB := newTestKeys(t)
	upA, dirA := newTestUpgrader(t, keysA, "/memory/peer-a")
	upB, dirB := newTestUpgrader(t, keysB, "/memory/peer-b")

	pcA, pcB := upgradePipe(t, upA, upB)

	if pcA.NodeId() != NodeIdFromPublicKey(keysB.PublicKey()) {
		t.Fatalf("outbound side saw wrong peer: %s", pcA.NodeId())
	}
	if pcB.NodeId() != NodeIdFromPublicKey(keysA.PublicKey()) {
		t.Fatalf("inbound side saw wrong peer: %s", pcB.NodeId())
	}
	if pcA.Direction() != DirectionOutbound || pcB.Direction() != DirectionInbound {
		t.Fatal("directions not recorded")
	}

	if _, found, err := dirA.FindByNodeId(pcA.NodeId()); err != nil || !found {
		t.Fatalf("peer B not recorded in A's directory: found=%v err=%v", found, err)
	}
	if _, found, err := dirB.FindByNodeId(pcB.NodeId()); err != nil || !found {
		t.Fatalf("peer A not recorded in B's directory: found=%v err=%v", found, err)
	}
}

func TestSubstreamExchangeAfterUpgrade(t *testing.T) {
	keysA := newTestKeys(t)
	keysB := newTestKeys(t)
	upA, _ := newTestUpgrader(t, keysA, "/memory/peer-a")
	upB, _ := newTestUpgrader(t, keysB, "/memory/peer-b")

	pcA, pcB := upgradePipe(t, upA, upB)

	accepted := make(chan []byte, 1)
	go func() {
		protocol, stream, err := pcB.AcceptSubstream()
		if err != nil || protocol != ProtocolMessaging {
			accepted <- nil
			return
		}
		defer stream.Close()
		frame, err := ReadFrame(stream)
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- frame
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := pcA.OpenSubstream(ctx, ProtocolMessaging)
	if err != nil {
		t.Fatalf("open substream: %v", err)
	}
	defer stream.Close()
	if err := WriteFrame(stream, []byte("hello over yamux")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case frame := <-accepted:
		if string(frame) != "hello over yamux" {
			t.Fatalf("frame mismatch: %q", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for substream frame")
	}
}

func TestUpgradeRejectsForgedClaimKey(t *testing.T) {
	keysA := newTestKeys(t)
	keysB := newTestKeys(t)
	keysC := newTestKeys(t)
	upA, _ := newTestUpgrader(t, keysA, "/memory/peer-a")

	rawA, rawB := net.Pipe()
	// The remote completes the handshake as B but claims to be C.
	go func() {
		secured, _, err := noiseUpgrade(rawB, keysB, false)
		if err != nil {
			return
		}
		session, err := yamux.Server(secured, yamux.DefaultConfig())
		if err != nil {
			return
		}
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		if _, err := readProtocolHeader(stream); err != nil {
			return
		}
		if _, err := ReadFrame(stream); err != nil {
			return
		}
		claim := SignClaim(keysC, []Multiaddr{MustMultiaddr("/memory/peer-c")}, FeatureMessaging, time.Now())
		blob, err := json.Marshal(&wireClaim{
			PublicKey: keysC.PublicKey(),
			NodeId:    NodeIdFromPublicKey(keysC.PublicKey()),
			Addresses: claim.Addresses,
			Features:  claim.Features,
			UpdatedAt: claim.UpdatedAt,
			Signature: claim.Signature,
		})
		if err != nil {
			return
		}
		_ = WriteFrame(stream, blob)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := upA.Upgrade(ctx, rawA, DirectionOutbound, Multiaddr{})
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}
}

func TestUpgradeClosesConnOnBadPeer(t *testing.T) {
	keysA := newTestKeys(t)
	upA, _ := newTestUpgrader(t, keysA, "/memory/peer-a")

	rawA, rawB := net.Pipe()
	go func() {
		// Remote drains whatever we send and answers with garbage instead of
		// a noise message.
		go io.Copy(io.Discard, rawB)
		rawB.Write([]byte{0x00, 0x04, 0xde, 0xad, 0xbe, 0xef})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := upA.Upgrade(ctx, rawA, DirectionOutbound, Multiaddr{}); err == nil {
		t.Fatal("upgrade succeeded against a garbage peer")
	}
}
