package p2p

import (
	"testing"
	"time"
)

func newDhtFixture(t *testing.T, k, m int, peers []*Peer) (*DhtConnectivity, NodeId) {
	t.Helper()
	dir, err := NewLevelDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	for _, p := range peers {
		if err := dir.AddPeer(p); err != nil {
			t.Fatalf("add peer: %v", err)
		}
	}
	cfg := Config{
		AllowTestAddrs:       true,
		NumNeighbouringNodes: k,
		NumRandomNodes:       m,
	}.Normalize()
	var self NodeId
	conn := NewConnectivityManager(cfg, NewConnManager(cfg, nil, dir, testLogger()), dir, testLogger())
	dht := NewDhtConnectivity(cfg, self, conn, dir, testLogger())
	if err := dht.seed(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return dht, self
}

func dhtPeers(n int) []*Peer {
	out := make([]*Peer, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, peerWithId(byte(i), FeatureDhtStore|FeatureMessaging))
	}
	return out
}

func TestSeedPicksClosestNeighbours(t *testing.T) {
	dht, self := newDhtFixture(t, 4, 2, dhtPeers(12))

	neighbours := dht.Neighbours()
	if len(neighbours) != 4 {
		t.Fatalf("neighbour set size = %d, want 4", len(neighbours))
	}
	for i := 1; i < len(neighbours); i++ {
		if !self.Distance(neighbours[i-1]).Less(self.Distance(neighbours[i])) {
			t.Fatalf("neighbours not sorted by distance at %d", i)
		}
	}
	// Node ids 1..4 are nearest to the zero self id.
	for i, id := range neighbours {
		if id[0] != byte(i+1) {
			t.Fatalf("neighbour %d = %s, want id prefix %d", i, id, i+1)
		}
	}
}

func TestRandomSetDisjointFromNeighbours(t *testing.T) {
	dht, _ := newDhtFixture(t, 4, 3, dhtPeers(12))

	inNeighbours := make(map[NodeId]struct{})
	for _, id := range dht.Neighbours() {
		inNeighbours[id] = struct{}{}
	}
	random := dht.RandomPeers()
	if len(random) != 3 {
		t.Fatalf("random set size = %d, want 3", len(random))
	}
	for _, id := range random {
		if _, overlap := inNeighbours[id]; overlap {
			t.Fatalf("random peer %s overlaps the neighbour set", id)
		}
	}
}

func TestConsiderNeighbourEvictsFarthest(t *testing.T) {
	// Seed with distant peers only, then connect a closer one.
	peers := []*Peer{
		peerWithId(0x40, FeatureDhtStore),
		peerWithId(0x50, FeatureDhtStore),
		peerWithId(0x60, FeatureDhtStore),
		peerWithId(0x70, FeatureDhtStore),
	}
	closer := peerWithId(0x01, FeatureDhtStore)
	dht, self := newDhtFixture(t, 4, 0, peers)
	if err := dht.directory.AddPeer(closer); err != nil {
		t.Fatalf("add closer peer: %v", err)
	}

	dht.considerNeighbour(closer.NodeId)
	neighbours := dht.Neighbours()
	if len(neighbours) != 4 {
		t.Fatalf("neighbour set size = %d, want 4", len(neighbours))
	}
	if neighbours[0] != closer.NodeId {
		t.Fatalf("closer peer not at head: %s", neighbours[0])
	}
	farthest := peers[3].NodeId
	for _, id := range neighbours {
		if id == farthest {
			t.Fatal("farthest neighbour not evicted")
		}
	}
	if self.Distance(neighbours[0]).Cmp(self.Distance(neighbours[len(neighbours)-1])) > 0 {
		t.Fatal("neighbour ordering broken after insert")
	}
}

func TestConsiderNeighbourIgnoresFartherPeer(t *testing.T) {
	peers := []*Peer{
		peerWithId(0x01, FeatureDhtStore),
		peerWithId(0x02, FeatureDhtStore),
		peerWithId(0x03, FeatureDhtStore),
		peerWithId(0x04, FeatureDhtStore),
	}
	farther := peerWithId(0x7f, FeatureDhtStore)
	dht, _ := newDhtFixture(t, 4, 0, peers)
	if err := dht.directory.AddPeer(farther); err != nil {
		t.Fatalf("add farther peer: %v", err)
	}

	before := dht.Neighbours()
	dht.considerNeighbour(farther.NodeId)
	after := dht.Neighbours()
	if len(after) != len(before) {
		t.Fatalf("set size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("full neighbour set changed for a farther peer")
		}
	}
}

func TestConsiderNeighbourSkipsNonDhtPeers(t *testing.T) {
	dht, _ := newDhtFixture(t, 4, 0, dhtPeers(2))
	plain := peerWithId(0x05, FeatureMessaging)
	if err := dht.directory.AddPeer(plain); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	dht.considerNeighbour(plain.NodeId)
	for _, id := range dht.Neighbours() {
		if id == plain.NodeId {
			t.Fatal("peer without the dht feature entered the neighbour set")
		}
	}
}

func TestSeedSkipsOfflinePeersUntilDialSucceeds(t *testing.T) {
	dht, _ := newDhtFixture(t, 3, 0, dhtPeers(4))
	off := dht.Neighbours()[0]
	if err := dht.directory.SetOffline(off, true); err != nil {
		t.Fatalf("set offline: %v", err)
	}

	if err := dht.seed(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, id := range dht.Neighbours() {
		if id == off {
			t.Fatal("offline peer entered the neighbour set")
		}
	}

	// A successful dial brings the peer back into selection.
	outcome := DialOutcome{Success: true, At: time.Now()}
	if err := dht.directory.RecordDialOutcome(off, MustMultiaddr("/ip4/203.0.113.7/tcp/18189"), outcome); err != nil {
		t.Fatalf("record dial outcome: %v", err)
	}
	if err := dht.seed(); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	found := false
	for _, id := range dht.Neighbours() {
		if id == off {
			found = true
		}
	}
	if !found {
		t.Fatal("recovered peer still excluded from the neighbour set")
	}
}

func TestOfflineStatusReseedsFromDirectory(t *testing.T) {
	dht, _ := newDhtFixture(t, 3, 0, dhtPeers(5))
	lost := dht.Neighbours()[0]
	dht.drop(lost)
	if len(dht.Neighbours()) != 2 {
		t.Fatalf("neighbour set size after drop = %d, want 2", len(dht.Neighbours()))
	}

	dht.handleEvent(ConnectivityEvent{Kind: EventStatusChanged, Status: StatusOffline})
	if len(dht.Neighbours()) != 3 {
		t.Fatalf("offline reseed left %d neighbours, want 3", len(dht.Neighbours()))
	}
}

func TestRefreshRandomReplacesSet(t *testing.T) {
	dht, _ := newDhtFixture(t, 2, 2, dhtPeers(20))
	before := dht.RandomPeers()
	if len(before) != 2 {
		t.Fatalf("random set size = %d, want 2", len(before))
	}

	// With 18 candidates outside the neighbour set, repeated refreshes must
	// eventually produce a different sample.
	changed := false
	for i := 0; i < 10 && !changed; i++ {
		dht.refreshRandom()
		after := dht.RandomPeers()
		if len(after) != 2 {
			t.Fatalf("refresh changed set size to %d", len(after))
		}
		if after[0] != before[0] || after[1] != before[1] {
			changed = true
		}
	}
	if !changed {
		t.Fatal("random set never changed across refreshes")
	}
}
