package p2p

import (
	"errors"
	"testing"
	"time"

	"filament/crypto"
)

func newTestKeys(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

func testConfig() Config {
	return Config{AllowTestAddrs: true}.Normalize()
}

func TestValidateClaimRejectsWrongNodeId(t *testing.T) {
	kp := newTestKeys(t)
	v := NewValidator(testConfig())
	claim := SignClaim(kp, []Multiaddr{MustMultiaddr("/ip4/203.0.113.7/tcp/1")}, FeatureMessaging, time.Now())

	var wrong NodeId
	wrong[0] = 0xff
	err := v.ValidateClaim(kp.PublicKey(), wrong, &claim)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if err := v.ValidateClaim(kp.PublicKey(), NodeIdFromPublicKey(kp.PublicKey()), &claim); err != nil {
		t.Fatalf("matching node id rejected: %v", err)
	}
}

func TestValidateClaimAddressRules(t *testing.T) {
	kp := newTestKeys(t)
	cfg := testConfig()
	v := NewValidator(cfg)

	empty := SignClaim(kp, nil, FeatureMessaging, time.Now())
	if err := v.ValidateClaim(kp.PublicKey(), NodeId{}, &empty); err == nil {
		t.Fatal("claim without addresses accepted")
	}

	many := make([]Multiaddr, cfg.MaxPeerAddresses+1)
	for i := range many {
		many[i] = MustMultiaddr("/ip4/203.0.113.7/tcp/1")
	}
	over := SignClaim(kp, many, FeatureMessaging, time.Now())
	if err := v.ValidateClaim(kp.PublicKey(), NodeId{}, &over); err == nil {
		t.Fatal("claim above address cap accepted")
	}

	strict := NewValidator(Config{}.Normalize())
	loop := SignClaim(kp, []Multiaddr{MustMultiaddr("/ip4/127.0.0.1/tcp/1")}, FeatureMessaging, time.Now())
	if err := strict.ValidateClaim(kp.PublicKey(), NodeId{}, &loop); err == nil {
		t.Fatal("loopback address accepted without AllowTestAddrs")
	}
}

func TestValidateClaimSignature(t *testing.T) {
	kp := newTestKeys(t)
	other := newTestKeys(t)
	v := NewValidator(testConfig())

	claim := SignClaim(kp, []Multiaddr{MustMultiaddr("/ip4/203.0.113.7/tcp/1")}, FeatureMessaging, time.Now())
	if err := v.ValidateClaim(other.PublicKey(), NodeId{}, &claim); err == nil {
		t.Fatal("claim accepted under the wrong key")
	}

	tampered := claim
	tampered.Features = FeatureMessaging | FeatureDhtStore
	if err := v.ValidateClaim(kp.PublicKey(), NodeId{}, &tampered); err == nil {
		t.Fatal("tampered claim accepted")
	}

	unsigned := IdentityClaim{
		Addresses: []Multiaddr{MustMultiaddr("/ip4/203.0.113.7/tcp/1")},
		UpdatedAt: time.Now(),
	}
	if err := v.ValidateClaim(kp.PublicKey(), NodeId{}, &unsigned); err != nil {
		t.Fatalf("unsigned claim rejected with RequireSignedID off: %v", err)
	}
	requireSigned := NewValidator(Config{AllowTestAddrs: true, RequireSignedID: true}.Normalize())
	if err := requireSigned.ValidateClaim(kp.PublicKey(), NodeId{}, &unsigned); err == nil {
		t.Fatal("unsigned claim accepted with RequireSignedID on")
	}
}

func TestApplyClaimMonotonicOverwrite(t *testing.T) {
	kp := newTestKeys(t)
	v := NewValidator(testConfig())
	dir, err := NewLevelDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	defer dir.Close()

	base := time.Now().Truncate(time.Second)
	first := SignClaim(kp, []Multiaddr{MustMultiaddr("/ip4/203.0.113.7/tcp/1")}, FeatureMessaging, base)
	if _, err := v.ApplyClaim(dir, kp.PublicKey(), &first); err != nil {
		t.Fatalf("apply first claim: %v", err)
	}

	stale := SignClaim(kp, []Multiaddr{MustMultiaddr("/ip4/203.0.113.8/tcp/1")}, FeatureMessaging, base.Add(-time.Hour))
	peer, err := v.ApplyClaim(dir, kp.PublicKey(), &stale)
	if err != nil {
		t.Fatalf("apply stale claim: %v", err)
	}
	if peer.Addresses[0].Address != MustMultiaddr("/ip4/203.0.113.7/tcp/1") {
		t.Fatal("stale claim overwrote stored addresses")
	}

	newer := SignClaim(kp, []Multiaddr{MustMultiaddr("/ip4/203.0.113.9/tcp/1")}, FeatureDhtStore, base.Add(time.Hour))
	peer, err = v.ApplyClaim(dir, kp.PublicKey(), &newer)
	if err != nil {
		t.Fatalf("apply newer claim: %v", err)
	}
	if peer.Addresses[0].Address != MustMultiaddr("/ip4/203.0.113.9/tcp/1") {
		t.Fatal("newer claim did not overwrite addresses")
	}
	if peer.Features != FeatureDhtStore {
		t.Fatalf("features not updated: %v", peer.Features)
	}
}

func TestApplyClaimUnsignedNeverOverwrites(t *testing.T) {
	kp := newTestKeys(t)
	v := NewValidator(testConfig())
	dir, err := NewLevelDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	defer dir.Close()

	unsigned := IdentityClaim{
		Addresses: []Multiaddr{MustMultiaddr("/ip4/203.0.113.7/tcp/1")},
		Features:  FeatureMessaging,
		UpdatedAt: time.Now(),
	}
	if _, err := v.ApplyClaim(dir, kp.PublicKey(), &unsigned); err != nil {
		t.Fatalf("unsigned insert rejected: %v", err)
	}

	replacement := IdentityClaim{
		Addresses: []Multiaddr{MustMultiaddr("/ip4/203.0.113.8/tcp/1")},
		Features:  FeatureMessaging,
		UpdatedAt: time.Now().Add(time.Hour),
	}
	peer, err := v.ApplyClaim(dir, kp.PublicKey(), &replacement)
	if err != nil {
		t.Fatalf("apply unsigned replacement: %v", err)
	}
	if peer.Addresses[0].Address != MustMultiaddr("/ip4/203.0.113.7/tcp/1") {
		t.Fatal("unsigned claim overwrote an existing record")
	}
}

func TestApplyClaimCarriesAddressStats(t *testing.T) {
	kp := newTestKeys(t)
	v := NewValidator(testConfig())
	dir, err := NewLevelDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	defer dir.Close()

	keep := MustMultiaddr("/ip4/203.0.113.7/tcp/1")
	base := time.Now().Truncate(time.Second)
	first := SignClaim(kp, []Multiaddr{keep}, FeatureMessaging, base)
	peer, err := v.ApplyClaim(dir, kp.PublicKey(), &first)
	if err != nil {
		t.Fatalf("apply first claim: %v", err)
	}
	if err := dir.RecordDialOutcome(peer.NodeId, keep, DialOutcome{Success: true, DialTime: 30 * time.Millisecond}); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	second := SignClaim(kp, []Multiaddr{keep, MustMultiaddr("/ip4/203.0.113.8/tcp/1")}, FeatureMessaging, base.Add(time.Minute))
	updated, err := v.ApplyClaim(dir, kp.PublicKey(), &second)
	if err != nil {
		t.Fatalf("apply second claim: %v", err)
	}
	kept := updated.FindAddress(keep)
	if kept == nil {
		t.Fatal("surviving address missing after merge")
	}
	if kept.SuccessfulConnects != 1 {
		t.Fatalf("dial stats lost on merge: %+v", kept)
	}
}
