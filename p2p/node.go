package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"filament/crypto"
	"filament/observability/logging"
)

// Node assembles the connectivity subsystem: directory, upgrader, listeners,
// the connectivity actor, DHT peer selection and the messaging pipelines.
type Node struct {
	cfg       Config
	keys      *crypto.KeyPair
	directory PeerDirectory
	log       *slog.Logger

	manager      *ConnManager
	connectivity *ConnectivityManager
	dht          *DhtConnectivity
	inbound      *InboundDispatcher
	outbound     *OutboundRouter
	msgEvents    *hub[MessagingEvent]
}

// SeedPeer is a bootstrap entry: a known public key with dialable addresses.
type SeedPeer struct {
	PublicKey ed25519.PublicKey
	Addresses []Multiaddr
}

// NewNode wires a node around an identity, a peer directory and config.
func NewNode(cfg Config, keys *crypto.KeyPair, dir PeerDirectory, log *slog.Logger) (*Node, error) {
	cfg = cfg.Normalize()
	n := &Node{
		cfg:       cfg,
		keys:      keys,
		directory: dir,
		log: log.With("component", "node",
			"identity", logging.Abbrev(NodeIdFromPublicKey(keys.PublicKey()).String())),
	}

	upgrader := NewUpgrader(cfg, keys, dir, n.localClaim, log)
	n.manager = NewConnManager(cfg, upgrader, dir, log)
	n.connectivity = NewConnectivityManager(cfg, n.manager, dir, log)

	n.msgEvents = newMessagingHub()
	inbound, err := NewInboundDispatcher(cfg, keys, n.msgEvents, log)
	if err != nil {
		return nil, err
	}
	n.inbound = inbound
	n.connectivity.SetConnectionHook(inbound.Attach)
	n.outbound = NewOutboundRouter(cfg, n.connectivity, keys, n.msgEvents, log)
	n.dht = NewDhtConnectivity(cfg, NodeIdFromPublicKey(keys.PublicKey()), n.connectivity, dir, log)
	return n, nil
}

// NodeId returns the local identifier.
func (n *Node) NodeId() NodeId {
	return NodeIdFromPublicKey(n.keys.PublicKey())
}

// Connectivity exposes the pool actor for dialing, banning and events.
func (n *Node) Connectivity() *ConnectivityManager { return n.connectivity }

// Router exposes outbound messaging.
func (n *Node) Router() *OutboundRouter { return n.outbound }

// Inbound exposes handler registration.
func (n *Node) Inbound() *InboundDispatcher { return n.inbound }

// Directory exposes the peer database.
func (n *Node) Directory() PeerDirectory { return n.directory }

// SubscribeMessaging returns a stream of message-path notifications.
func (n *Node) SubscribeMessaging(buffer int) <-chan MessagingEvent {
	return n.msgEvents.Subscribe(buffer)
}

// ListenAddrs returns the bound listener addresses once Start has run.
func (n *Node) ListenAddrs() []Multiaddr { return n.manager.ListenAddrs() }

// localClaim describes this node to its peers.
func (n *Node) localClaim() IdentityClaim {
	addrs := n.manager.ListenAddrs()
	if len(addrs) == 0 {
		addrs = n.cfg.ListenAddrs
	}
	return SignClaim(n.keys, addrs, FeatureMessaging|FeatureDhtStore, time.Now())
}

// AddSeedPeers imports bootstrap records. Seed entries are marked so later
// unsigned claims cannot displace them.
func (n *Node) AddSeedPeers(seeds []SeedPeer) error {
	now := time.Now()
	for _, seed := range seeds {
		if len(seed.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("seed peer with invalid key length %d", len(seed.PublicKey))
		}
		if len(seed.Addresses) == 0 {
			return fmt.Errorf("seed peer %s has no addresses", NodeIdFromPublicKey(seed.PublicKey))
		}
		peer := &Peer{
			PublicKey: append(ed25519.PublicKey(nil), seed.PublicKey...),
			NodeId:    NodeIdFromPublicKey(seed.PublicKey),
			Features:  FeatureMessaging | FeatureDhtStore,
			IsSeed:    true,
			AddedAt:   now,
			UpdatedAt: now,
		}
		for _, addr := range seed.Addresses {
			peer.Addresses = append(peer.Addresses, AddressWithStats{Address: addr, LastSeen: now})
		}
		if err := n.directory.AddPeer(peer); err != nil {
			return err
		}
	}
	return nil
}

// Start binds listeners, launches the actor and seeds the managed set.
func (n *Node) Start(ctx context.Context) error {
	if err := n.manager.Start(); err != nil {
		return err
	}
	n.connectivity.Start()
	if err := n.dht.Start(); err != nil {
		n.connectivity.Stop()
		n.manager.Stop()
		return err
	}
	n.log.Info("node started", "listen", len(n.ListenAddrs()))
	return nil
}

// Stop tears the subsystem down in reverse dependency order.
func (n *Node) Stop() {
	n.dht.Stop()
	n.manager.Stop()
	n.connectivity.Stop()
	n.inbound.Stop()
	n.msgEvents.Close()
	n.log.Info("node stopped")
}
