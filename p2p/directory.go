package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// PeerDirectory is the persisted peer database consumed by the connectivity
// layer. Implementations must be safe for concurrent use.
type PeerDirectory interface {
	FindByNodeId(id NodeId) (*Peer, bool, error)
	AddPeer(peer *Peer) error
	Exists(id NodeId) (bool, error)
	// ClosestPeers returns up to n peers ranked by XOR distance to target,
	// skipping excluded ids, banned and offline peers, and peers missing the
	// required features.
	ClosestPeers(target NodeId, n int, exclude []NodeId, required PeerFeatures) ([]*Peer, error)
	// Snapshot returns a copy of every stored peer.
	Snapshot() ([]*Peer, error)
	// RecordDialOutcome updates per-address quality stats for a peer.
	RecordDialOutcome(id NodeId, addr Multiaddr, outcome DialOutcome) error
	// SetBan stamps or clears (zero time) a ban on the stored record.
	SetBan(id NodeId, until time.Time, reason string) error
	// SetOffline marks a peer unreachable so managed-set selection skips it.
	// A later successful dial clears the flag.
	SetOffline(id NodeId, offline bool) error
	Close() error
}

// DialOutcome carries the result of one dial attempt for stat bookkeeping.
type DialOutcome struct {
	Success  bool
	DialTime time.Duration
	Latency  time.Duration
	Reason   string
	At       time.Time
}

const peerKeyPrefix = "peer:"

// LevelDirectory is a LevelDB-backed PeerDirectory. The full peer set is held
// in memory and every mutation is written through.
type LevelDirectory struct {
	mu sync.RWMutex

	db    *leveldb.DB
	peers map[NodeId]*Peer
}

// NewLevelDirectory opens (or creates) a directory at the given path.
func NewLevelDirectory(path string) (*LevelDirectory, error) {
	if path == "" {
		return nil, errors.New("peer directory path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peer directory: %w", err)
	}
	dir := &LevelDirectory{db: db, peers: make(map[NodeId]*Peer)}
	if err := dir.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return dir, nil
}

// Close flushes and closes the underlying database.
func (d *LevelDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	d.peers = nil
	return err
}

func (d *LevelDirectory) FindByNodeId(id NodeId) (*Peer, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer := d.peers[id]
	if peer == nil {
		return nil, false, nil
	}
	cp := clonePeer(peer)
	return cp, true, nil
}

func (d *LevelDirectory) Exists(id NodeId) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.peers[id]
	return ok, nil
}

func (d *LevelDirectory) AddPeer(peer *Peer) error {
	if peer == nil || peer.NodeId.IsZero() {
		return errors.New("peer with node id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := clonePeer(peer)
	if existing := d.peers[peer.NodeId]; existing != nil {
		if cp.AddedAt.IsZero() {
			cp.AddedAt = existing.AddedAt
		}
		if !existing.IsSeed {
			// Seed status is sticky only in the seed->seed direction.
			cp.IsSeed = cp.IsSeed || existing.IsSeed
		}
	} else if cp.AddedAt.IsZero() {
		cp.AddedAt = time.Now()
	}
	if err := d.persistLocked(cp); err != nil {
		return err
	}
	d.peers[cp.NodeId] = cp
	return nil
}

func (d *LevelDirectory) ClosestPeers(target NodeId, n int, exclude []NodeId, required PeerFeatures) ([]*Peer, error) {
	if n <= 0 {
		return nil, nil
	}
	excluded := make(map[NodeId]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	now := time.Now()

	d.mu.RLock()
	candidates := make([]*Peer, 0, len(d.peers))
	for id, peer := range d.peers {
		if _, skip := excluded[id]; skip {
			continue
		}
		if peer.Offline || peer.IsBanned(now) {
			continue
		}
		if !peer.Features.Has(required) {
			continue
		}
		candidates = append(candidates, clonePeer(peer))
	}
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return target.Distance(candidates[i].NodeId).Less(target.Distance(candidates[j].NodeId))
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

func (d *LevelDirectory) Snapshot() ([]*Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, clonePeer(peer))
	}
	return out, nil
}

func (d *LevelDirectory) RecordDialOutcome(id NodeId, addr Multiaddr, outcome DialOutcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer := d.peers[id]
	if peer == nil {
		return fmt.Errorf("record dial outcome: %w", ErrPeerNotFound)
	}
	at := outcome.At
	if at.IsZero() {
		at = time.Now()
	}
	stats := peer.FindAddress(addr)
	if stats == nil {
		peer.Addresses = append(peer.Addresses, AddressWithStats{Address: addr})
		stats = &peer.Addresses[len(peer.Addresses)-1]
	}
	if outcome.Success {
		stats.observeLatency(outcome.Latency)
		stats.markSuccess(at, outcome.DialTime)
		peer.Offline = false
	} else {
		stats.markFailure(at, outcome.Reason)
	}
	return d.persistLocked(peer)
}

func (d *LevelDirectory) SetOffline(id NodeId, offline bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer := d.peers[id]
	if peer == nil {
		return fmt.Errorf("set offline: %w", ErrPeerNotFound)
	}
	if peer.Offline == offline {
		return nil
	}
	peer.Offline = offline
	return d.persistLocked(peer)
}

func (d *LevelDirectory) SetBan(id NodeId, until time.Time, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer := d.peers[id]
	if peer == nil {
		return fmt.Errorf("set ban: %w", ErrPeerNotFound)
	}
	peer.BannedUntil = until
	if until.IsZero() {
		peer.BanReason = ""
	} else {
		peer.BanReason = reason
	}
	return d.persistLocked(peer)
}

func (d *LevelDirectory) persistLocked(peer *Peer) error {
	if d.db == nil {
		return errors.New("peer directory closed")
	}
	blob, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	key := []byte(peerKeyPrefix + peer.NodeId.String())
	return d.db.Put(key, blob, nil)
}

func (d *LevelDirectory) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	iter := d.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < len(peerKeyPrefix) || key[:len(peerKeyPrefix)] != peerKeyPrefix {
			continue
		}
		var peer Peer
		if err := json.Unmarshal(iter.Value(), &peer); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		cp := peer
		d.peers[peer.NodeId] = &cp
	}
	return iter.Error()
}

func clonePeer(p *Peer) *Peer {
	cp := *p
	cp.PublicKey = append([]byte(nil), p.PublicKey...)
	cp.IdentitySignature = append([]byte(nil), p.IdentitySignature...)
	cp.Addresses = append([]AddressWithStats(nil), p.Addresses...)
	return &cp
}
