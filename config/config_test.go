package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filament.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filament.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ListenAddresses) == 0 {
		t.Fatal("default config has no listen addresses")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	// A second load reads the file it just wrote.
	if _, err := Load(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `
ListenAddresses = ["/ip4/0.0.0.0/tcp/18189"]
LegacyKnob = true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadRejectsBadAddresses(t *testing.T) {
	path := writeConfig(t, `
ListenAddresses = ["0.0.0.0:18189"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("bad listen address accepted")
	}

	path = writeConfig(t, `
ListenAddresses = ["/ip4/0.0.0.0/tcp/18189"]

[[Seeds]]
PublicKey = "not-hex"
Addresses = ["/ip4/203.0.113.7/tcp/18189"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("bad seed key accepted")
	}
}

func TestP2PTranslation(t *testing.T) {
	path := writeConfig(t, `
ListenAddresses = ["/ip4/0.0.0.0/tcp/18189"]

[Network]
NeighbouringNodes = 16
RandomNodes = 6
ConnectTimeoutSeconds = 5
ExcludedDialRanges = ["10.0.0.0/8"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p2pCfg, err := cfg.P2P()
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if p2pCfg.NumNeighbouringNodes != 16 || p2pCfg.NumRandomNodes != 6 {
		t.Fatalf("managed set sizes not carried: %+v", p2pCfg)
	}
	if p2pCfg.DefaultConnectTimeout != 5*time.Second {
		t.Fatalf("connect timeout = %v", p2pCfg.DefaultConnectTimeout)
	}
	if len(p2pCfg.ExcludedDialRanges) != 1 {
		t.Fatalf("excluded ranges not parsed: %+v", p2pCfg.ExcludedDialRanges)
	}
	// Unspecified knobs fall back to defaults rather than zero.
	if p2pCfg.BroadcastFactor <= 0 || p2pCfg.DedupCacheCapacity <= 0 {
		t.Fatalf("defaults not applied: %+v", p2pCfg)
	}
}

func TestSeedPeers(t *testing.T) {
	path := writeConfig(t, `
ListenAddresses = ["/ip4/0.0.0.0/tcp/18189"]

[[Seeds]]
PublicKey = "3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29"
Addresses = ["/dns4/seed1.example.com/tcp/18189", "/ip4/203.0.113.7/tcp/18189"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	seeds, err := cfg.SeedPeers()
	if err != nil {
		t.Fatalf("seed peers: %v", err)
	}
	if len(seeds) != 1 || len(seeds[0].Addresses) != 2 || len(seeds[0].PublicKey) != 32 {
		t.Fatalf("seeds not decoded: %+v", seeds)
	}
}
