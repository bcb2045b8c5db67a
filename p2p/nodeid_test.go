package p2p

import (
	"testing"

	"filament/crypto"
)

func TestNodeIdDerivationDeterministic(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	a := NodeIdFromPublicKey(kp.PublicKey())
	b := NodeIdFromPublicKey(kp.PublicKey())
	if a != b {
		t.Fatalf("same key produced different node ids: %s vs %s", a, b)
	}
	if a.IsZero() {
		t.Fatal("derived node id is zero")
	}

	other, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if NodeIdFromPublicKey(other.PublicKey()) == a {
		t.Fatal("distinct keys produced the same node id")
	}
}

func TestNodeIdHexRoundTrip(t *testing.T) {
	var id NodeId
	for i := range id {
		id[i] = byte(i * 7)
	}
	parsed, err := NodeIdFromHex(id.String())
	if err != nil {
		t.Fatalf("parse hex id: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, id)
	}
	if _, err := NodeIdFromHex("abcd"); err == nil {
		t.Fatal("short hex id accepted")
	}
	if _, err := NodeIdFromHex("zz"); err == nil {
		t.Fatal("non-hex id accepted")
	}
}

func TestXorDistanceOrdering(t *testing.T) {
	var target, near, far NodeId
	near[31] = 1
	far[0] = 0x80

	dNear := target.Distance(near)
	dFar := target.Distance(far)
	if !dNear.Less(dFar) {
		t.Fatalf("expected %s closer than %s", dNear, dFar)
	}
	if dNear.Cmp(dNear) != 0 {
		t.Fatal("distance not equal to itself")
	}
	if target.Distance(target) != (XorDistance{}) {
		t.Fatal("self distance not zero")
	}
}

func TestBucketIndex(t *testing.T) {
	var d XorDistance
	if got := d.BucketIndex(); got != 8*NodeIdSize {
		t.Fatalf("zero distance bucket = %d, want %d", got, 8*NodeIdSize)
	}
	d[0] = 0x80
	if got := d.BucketIndex(); got != 0 {
		t.Fatalf("max distance bucket = %d, want 0", got)
	}
	d[0] = 0
	d[1] = 0x01
	if got := d.BucketIndex(); got != 15 {
		t.Fatalf("bucket = %d, want 15", got)
	}
}
