package p2p

import (
	"net"
	"time"
)

const (
	defaultNumNeighbouringNodes    = 8
	defaultNumRandomNodes          = 4
	defaultRandomRefreshInterval   = 2 * time.Hour
	defaultMaxInboundUpgrades      = 16
	defaultDialBackoffBase         = 500 * time.Millisecond
	defaultDialBackoffMax          = 10 * time.Second
	defaultMaxDialAttempts         = 3
	defaultMaxPeerAddresses        = 8
	defaultDedupCacheCapacity      = 10_000
	defaultDedupTrimInterval       = 5 * time.Minute
	defaultDedupAllowedOccurrences = 1
	defaultBroadcastFactor         = 8
	defaultPropagationFactor       = 4
	defaultSendRetries             = 3
	defaultSendRetryDelay          = 200 * time.Millisecond
	defaultOnlineThreshold         = 2
	defaultStatusHoldInterval      = 2 * time.Second
	defaultAcceptRate              = 32.0
	defaultSubstreamQueueSize      = 64
	defaultBanLow                  = 5 * time.Minute
	defaultBanMedium               = time.Hour
	defaultBanHigh                 = 24 * time.Hour
)

// BanSeverity grades misbehaviour for the severity-to-duration mapping.
type BanSeverity int

const (
	BanSeverityLow BanSeverity = iota
	BanSeverityMedium
	BanSeverityHigh
)

// Config is the runtime configuration of the connectivity subsystem.
type Config struct {
	ListenAddrs []Multiaddr

	// Managed-set sizing.
	NumNeighbouringNodes  int
	NumRandomNodes        int
	RandomRefreshInterval time.Duration

	// Inbound backpressure.
	MaxConcurrentInboundUpgrades int
	AcceptRatePerSecond          float64

	// Outbound dialing.
	DialBackoffBase        time.Duration
	DialBackoffMax         time.Duration
	MaxDialAttemptsPerPeer int
	ExcludedDialRanges     []*net.IPNet

	// Peer records.
	MaxPeerAddresses      int
	AllowTestAddrs        bool
	RequireSignedID       bool
	BanDurations          map[BanSeverity]time.Duration
	DefaultConnectTimeout time.Duration

	// Inbound pipeline.
	DedupCacheCapacity      int
	DedupTrimInterval       time.Duration
	DedupAllowedOccurrences int

	// Outbound routing.
	BroadcastFactor    int
	PropagationFactor  int
	SendRetries        int
	SendRetryDelay     time.Duration
	SubstreamQueueSize int

	// Connectivity status thresholds. Online when connected >=
	// OnlineThreshold; Offline when connected <= OfflineThreshold;
	// Degraded in between.
	OnlineThreshold    int
	OfflineThreshold   int
	StatusHoldInterval time.Duration
}

// Normalize fills zero values with defaults, mirroring how the node treats
// partially specified config files.
func (c Config) Normalize() Config {
	if c.NumNeighbouringNodes <= 0 {
		c.NumNeighbouringNodes = defaultNumNeighbouringNodes
	}
	if c.NumRandomNodes <= 0 {
		c.NumRandomNodes = defaultNumRandomNodes
	}
	if c.RandomRefreshInterval <= 0 {
		c.RandomRefreshInterval = defaultRandomRefreshInterval
	}
	if c.MaxConcurrentInboundUpgrades <= 0 {
		c.MaxConcurrentInboundUpgrades = defaultMaxInboundUpgrades
	}
	if c.AcceptRatePerSecond <= 0 {
		c.AcceptRatePerSecond = defaultAcceptRate
	}
	if c.DialBackoffBase <= 0 {
		c.DialBackoffBase = defaultDialBackoffBase
	}
	if c.DialBackoffMax <= 0 {
		c.DialBackoffMax = defaultDialBackoffMax
	}
	if c.MaxDialAttemptsPerPeer <= 0 {
		c.MaxDialAttemptsPerPeer = defaultMaxDialAttempts
	}
	if c.MaxPeerAddresses <= 0 {
		c.MaxPeerAddresses = defaultMaxPeerAddresses
	}
	if c.DedupCacheCapacity <= 0 {
		c.DedupCacheCapacity = defaultDedupCacheCapacity
	}
	if c.DedupTrimInterval <= 0 {
		c.DedupTrimInterval = defaultDedupTrimInterval
	}
	if c.DedupAllowedOccurrences <= 0 {
		c.DedupAllowedOccurrences = defaultDedupAllowedOccurrences
	}
	if c.BroadcastFactor <= 0 {
		c.BroadcastFactor = defaultBroadcastFactor
	}
	if c.PropagationFactor <= 0 {
		c.PropagationFactor = defaultPropagationFactor
	}
	if c.SendRetries <= 0 {
		c.SendRetries = defaultSendRetries
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = defaultSendRetryDelay
	}
	if c.SubstreamQueueSize <= 0 {
		c.SubstreamQueueSize = defaultSubstreamQueueSize
	}
	if c.OnlineThreshold <= 0 {
		c.OnlineThreshold = defaultOnlineThreshold
	}
	if c.OfflineThreshold < 0 {
		c.OfflineThreshold = 0
	}
	if c.OnlineThreshold <= c.OfflineThreshold {
		c.OnlineThreshold = c.OfflineThreshold + 1
	}
	if c.StatusHoldInterval <= 0 {
		c.StatusHoldInterval = defaultStatusHoldInterval
	}
	if c.DefaultConnectTimeout <= 0 {
		c.DefaultConnectTimeout = 10 * time.Second
	}
	if c.BanDurations == nil {
		c.BanDurations = map[BanSeverity]time.Duration{
			BanSeverityLow:    defaultBanLow,
			BanSeverityMedium: defaultBanMedium,
			BanSeverityHigh:   defaultBanHigh,
		}
	}
	return c
}

// BanDuration maps a severity to its configured duration.
func (c *Config) BanDuration(severity BanSeverity) time.Duration {
	if d, ok := c.BanDurations[severity]; ok && d > 0 {
		return d
	}
	return defaultBanMedium
}
