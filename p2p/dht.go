package p2p

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// DhtConnectivity decides which peers the node keeps connected: the K closest
// peers by XOR distance plus M random peers disjoint from the close set. The
// close set tightens as better candidates connect; the random set refreshes
// on a timer to keep the overlay from ossifying.
type DhtConnectivity struct {
	cfg       Config
	self      NodeId
	conn      *ConnectivityManager
	directory PeerDirectory
	log       *slog.Logger

	// mu guards the two sets; mutation happens on the run goroutine, reads
	// can come from anywhere.
	mu         sync.Mutex
	neighbours []NodeId
	random     []NodeId

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDhtConnectivity builds the selector for the local node id.
func NewDhtConnectivity(cfg Config, self NodeId, conn *ConnectivityManager, dir PeerDirectory, log *slog.Logger) *DhtConnectivity {
	cfg = cfg.Normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &DhtConnectivity{
		cfg:       cfg,
		self:      self,
		conn:      conn,
		directory: dir,
		log:       log.With("component", "dht"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start seeds the managed sets from the directory and begins tracking
// connectivity events.
func (d *DhtConnectivity) Start() error {
	if err := d.seed(); err != nil {
		return err
	}
	events := d.conn.Subscribe(64)
	go d.run(events)
	return nil
}

// Stop halts event processing.
func (d *DhtConnectivity) Stop() {
	d.cancel()
	<-d.done
}

func (d *DhtConnectivity) seed() error {
	closest, err := d.directory.ClosestPeers(d.self, d.cfg.NumNeighbouringNodes, []NodeId{d.self}, FeatureDhtStore)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.neighbours = d.neighbours[:0]
	for _, p := range closest {
		d.neighbours = append(d.neighbours, p.NodeId)
	}
	d.random = d.pickRandom(d.cfg.NumRandomNodes)
	managed := append(append([]NodeId{}, d.neighbours...), d.random...)
	if len(managed) > 0 {
		d.conn.AddManagedPeers(managed)
	}
	d.log.Info("managed set seeded", "neighbours", len(d.neighbours), "random", len(d.random))
	return nil
}

// pickRandom samples eligible directory peers outside the neighbour set.
// Callers hold d.mu.
func (d *DhtConnectivity) pickRandom(n int) []NodeId {
	if n <= 0 {
		return nil
	}
	snapshot, err := d.directory.Snapshot()
	if err != nil {
		d.log.Warn("directory snapshot failed", "error", err)
		return nil
	}
	inNeighbours := make(map[NodeId]struct{}, len(d.neighbours))
	for _, id := range d.neighbours {
		inNeighbours[id] = struct{}{}
	}
	now := time.Now()
	candidates := make([]NodeId, 0, len(snapshot))
	for _, p := range snapshot {
		if p.NodeId == d.self {
			continue
		}
		if _, taken := inNeighbours[p.NodeId]; taken {
			continue
		}
		if p.Offline || p.IsBanned(now) || !p.Features.Has(FeatureDhtStore) {
			continue
		}
		candidates = append(candidates, p.NodeId)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (d *DhtConnectivity) run(events <-chan ConnectivityEvent) {
	defer close(d.done)
	refresh := time.NewTicker(d.cfg.RandomRefreshInterval)
	defer refresh.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.handleEvent(ev)
		case <-refresh.C:
			d.refreshRandom()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *DhtConnectivity) handleEvent(ev ConnectivityEvent) {
	switch ev.Kind {
	case EventPeerConnected:
		d.considerNeighbour(ev.NodeId)
	case EventPeerBanned:
		d.drop(ev.NodeId)
	case EventStatusChanged:
		if ev.Status == StatusOffline {
			// Connectivity collapsed. Rebuild from the directory so the next
			// recovery starts from fresh candidates.
			if err := d.seed(); err != nil {
				d.log.Warn("reseed after offline failed", "error", err)
			}
		}
	}
}

// considerNeighbour inserts a connected peer into the close set when it is
// closer than the current farthest member, evicting and unmanaging that
// member. Members of the random set stay where they are.
func (d *DhtConnectivity) considerNeighbour(id NodeId) {
	if id == d.self {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.neighbours {
		if existing == id {
			return
		}
	}
	for _, existing := range d.random {
		if existing == id {
			return
		}
	}
	if peer, found, err := d.directory.FindByNodeId(id); err != nil || !found || !peer.Features.Has(FeatureDhtStore) {
		return
	}
	d.neighbours = append(d.neighbours, id)
	sort.Slice(d.neighbours, func(i, j int) bool {
		return d.self.Distance(d.neighbours[i]).Less(d.self.Distance(d.neighbours[j]))
	})
	if len(d.neighbours) > d.cfg.NumNeighbouringNodes {
		evicted := d.neighbours[len(d.neighbours)-1]
		d.neighbours = d.neighbours[:len(d.neighbours)-1]
		if evicted != id {
			d.conn.RemovePeer(evicted)
		}
		if evicted == id {
			// The newcomer was farther than everyone already held.
			return
		}
	}
	d.conn.AddManagedPeers([]NodeId{id})
}

func (d *DhtConnectivity) drop(id NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.neighbours = removeId(d.neighbours, id)
	d.random = removeId(d.random, id)
}

// refreshRandom swaps the random set for a fresh disjoint sample.
func (d *DhtConnectivity) refreshRandom() {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.pickRandom(d.cfg.NumRandomNodes)
	nextSet := make(map[NodeId]struct{}, len(next))
	for _, id := range next {
		nextSet[id] = struct{}{}
	}
	for _, id := range d.random {
		if _, kept := nextSet[id]; !kept {
			d.conn.RemovePeer(id)
		}
	}
	d.random = next
	if len(next) > 0 {
		d.conn.AddManagedPeers(next)
	}
	d.log.Debug("random set refreshed", "size", len(next))
}

// Neighbours returns the current close set, nearest first.
func (d *DhtConnectivity) Neighbours() []NodeId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]NodeId(nil), d.neighbours...)
}

// RandomPeers returns the current random set.
func (d *DhtConnectivity) RandomPeers() []NodeId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]NodeId(nil), d.random...)
}

func removeId(ids []NodeId, id NodeId) []NodeId {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
