package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"filament/p2p"
)

// Config is the on-disk node configuration. Zero values fall back to the
// network-layer defaults, so a minimal file only needs listen addresses.
type Config struct {
	ListenAddresses []string `toml:"ListenAddresses"`
	DataDir         string   `toml:"DataDir"`
	IdentityFile    string   `toml:"IdentityFile"`
	MetricsAddress  string   `toml:"MetricsAddress"`

	Seeds []Seed `toml:"Seeds"`

	Network Network `toml:"Network"`
}

// Seed is a bootstrap peer entry: a hex public key and its addresses.
type Seed struct {
	PublicKey string   `toml:"PublicKey"`
	Addresses []string `toml:"Addresses"`
}

// Network carries the tunables of the connectivity subsystem.
type Network struct {
	NeighbouringNodes     int      `toml:"NeighbouringNodes"`
	RandomNodes           int      `toml:"RandomNodes"`
	RandomRefreshMinutes  int      `toml:"RandomRefreshMinutes"`
	MaxInboundUpgrades    int      `toml:"MaxInboundUpgrades"`
	AcceptRatePerSecond   float64  `toml:"AcceptRatePerSecond"`
	MaxDialAttempts       int      `toml:"MaxDialAttempts"`
	MaxPeerAddresses      int      `toml:"MaxPeerAddresses"`
	AllowTestAddresses    bool     `toml:"AllowTestAddresses"`
	RequireSignedIdentity bool     `toml:"RequireSignedIdentity"`
	ExcludedDialRanges    []string `toml:"ExcludedDialRanges"`
	DedupCacheCapacity    int      `toml:"DedupCacheCapacity"`
	BroadcastFactor       int      `toml:"BroadcastFactor"`
	PropagationFactor     int      `toml:"PropagationFactor"`
	ConnectTimeoutSeconds int      `toml:"ConnectTimeoutSeconds"`
	OnlineThreshold       int      `toml:"OnlineThreshold"`
	OfflineThreshold      int      `toml:"OfflineThreshold"`
}

// Load reads the file at path, creating a default one when absent.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{"/ip4/0.0.0.0/tcp/18189"}
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./filament-data"
	}
	if strings.TrimSpace(c.IdentityFile) == "" {
		c.IdentityFile = filepath.Join(filepath.Dir(path), "identity.json")
	}
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	for _, raw := range c.ListenAddresses {
		if _, err := p2p.ParseMultiaddr(raw); err != nil {
			return fmt.Errorf("listen address %q: %w", raw, err)
		}
	}
	for i, seed := range c.Seeds {
		raw, err := hex.DecodeString(strings.TrimPrefix(seed.PublicKey, "0x"))
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("seed %d: bad public key %q", i, seed.PublicKey)
		}
		if len(seed.Addresses) == 0 {
			return fmt.Errorf("seed %d: no addresses", i)
		}
		for _, addr := range seed.Addresses {
			if _, err := p2p.ParseMultiaddr(addr); err != nil {
				return fmt.Errorf("seed %d address %q: %w", i, addr, err)
			}
		}
	}
	for _, cidr := range c.Network.ExcludedDialRanges {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("excluded dial range %q: %w", cidr, err)
		}
	}
	return nil
}

// P2P translates the file into the network layer's config.
func (c *Config) P2P() (p2p.Config, error) {
	cfg := p2p.Config{
		NumNeighbouringNodes:         c.Network.NeighbouringNodes,
		NumRandomNodes:               c.Network.RandomNodes,
		RandomRefreshInterval:        time.Duration(c.Network.RandomRefreshMinutes) * time.Minute,
		MaxConcurrentInboundUpgrades: c.Network.MaxInboundUpgrades,
		AcceptRatePerSecond:          c.Network.AcceptRatePerSecond,
		MaxDialAttemptsPerPeer:       c.Network.MaxDialAttempts,
		MaxPeerAddresses:             c.Network.MaxPeerAddresses,
		AllowTestAddrs:               c.Network.AllowTestAddresses,
		RequireSignedID:              c.Network.RequireSignedIdentity,
		DedupCacheCapacity:           c.Network.DedupCacheCapacity,
		BroadcastFactor:              c.Network.BroadcastFactor,
		PropagationFactor:            c.Network.PropagationFactor,
		DefaultConnectTimeout:        time.Duration(c.Network.ConnectTimeoutSeconds) * time.Second,
		OnlineThreshold:              c.Network.OnlineThreshold,
		OfflineThreshold:             c.Network.OfflineThreshold,
	}
	for _, raw := range c.ListenAddresses {
		addr, err := p2p.ParseMultiaddr(raw)
		if err != nil {
			return p2p.Config{}, err
		}
		cfg.ListenAddrs = append(cfg.ListenAddrs, addr)
	}
	for _, cidr := range c.Network.ExcludedDialRanges {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return p2p.Config{}, err
		}
		cfg.ExcludedDialRanges = append(cfg.ExcludedDialRanges, ipNet)
	}
	return cfg.Normalize(), nil
}

// SeedPeers decodes the bootstrap entries.
func (c *Config) SeedPeers() ([]p2p.SeedPeer, error) {
	out := make([]p2p.SeedPeer, 0, len(c.Seeds))
	for i, seed := range c.Seeds {
		pub, err := hex.DecodeString(strings.TrimPrefix(seed.PublicKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("seed %d: %w", i, err)
		}
		sp := p2p.SeedPeer{PublicKey: pub}
		for _, raw := range seed.Addresses {
			addr, err := p2p.ParseMultiaddr(raw)
			if err != nil {
				return nil, fmt.Errorf("seed %d: %w", i, err)
			}
			sp.Addresses = append(sp.Addresses, addr)
		}
		out = append(out, sp)
	}
	return out, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
