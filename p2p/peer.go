package p2p

import (
	"crypto/ed25519"
	"sort"
	"time"
)

// PeerFeatures is a bitmask of capabilities a peer advertises.
type PeerFeatures uint32

const (
	// FeatureMessaging marks peers that accept application messages.
	FeatureMessaging PeerFeatures = 1 << iota
	// FeatureDhtStore marks peers that participate in neighbour routing.
	FeatureDhtStore
)

// FeatureNone matches any peer when used as a required-feature filter.
const FeatureNone PeerFeatures = 0

// Has reports whether all bits in want are set.
func (f PeerFeatures) Has(want PeerFeatures) bool {
	return f&want == want
}

// AddressWithStats is one dialable address together with its quality
// bookkeeping. Stats are keyed by NodeId in the directory, not by
// connection, so a peer that reconnects keeps its history.
type AddressWithStats struct {
	Address             Multiaddr     `json:"address"`
	LastSeen            time.Time     `json:"lastSeen"`
	ConnectionAttempts  uint32        `json:"connectionAttempts"`
	AvgLatency          time.Duration `json:"avgLatency"`
	AvgInitialDialTime  time.Duration `json:"avgInitialDialTime"`
	QualityScore        int32         `json:"qualityScore"`
	LastFailedReason    string        `json:"lastFailedReason,omitempty"`
	LastFailedAt        time.Time     `json:"lastFailedAt,omitempty"`
	SuccessfulConnects  uint32        `json:"successfulConnects"`
	FailedConnectsSince uint32        `json:"failedConnectsSince"`
}

const (
	qualityScoreMax          = 1000
	qualityScoreMin          = -100
	qualityFailurePenalty    = 50
	qualitySuccessBase       = 100
	qualityLatencyCeiling    = 500 * time.Millisecond
	dialTimeEWMAWeight       = 0.3
	latencyEWMAWeight        = 0.2
	qualityRecencyHalfWindow = 10 * time.Minute
)

func (a *AddressWithStats) markSuccess(now time.Time, dialTime time.Duration) {
	a.ConnectionAttempts++
	a.SuccessfulConnects++
	a.FailedConnectsSince = 0
	a.LastSeen = now
	a.LastFailedReason = ""
	a.LastFailedAt = time.Time{}
	if a.AvgInitialDialTime <= 0 {
		a.AvgInitialDialTime = dialTime
	} else {
		a.AvgInitialDialTime = ewma(a.AvgInitialDialTime, dialTime, dialTimeEWMAWeight)
	}
	a.recomputeQuality(now)
}

func (a *AddressWithStats) markFailure(now time.Time, reason string) {
	a.ConnectionAttempts++
	a.FailedConnectsSince++
	a.LastFailedReason = reason
	a.LastFailedAt = now
	a.QualityScore -= qualityFailurePenalty
	if a.QualityScore < qualityScoreMin {
		a.QualityScore = qualityScoreMin
	}
}

func (a *AddressWithStats) observeLatency(latency time.Duration) {
	if latency <= 0 {
		return
	}
	if a.AvgLatency <= 0 {
		a.AvgLatency = latency
	} else {
		a.AvgLatency = ewma(a.AvgLatency, latency, latencyEWMAWeight)
	}
}

// recomputeQuality combines latency, recency and failure history into one
// orderable score. Higher is better.
func (a *AddressWithStats) recomputeQuality(now time.Time) {
	score := int32(qualitySuccessBase)
	if a.AvgLatency > 0 {
		frac := float64(a.AvgLatency) / float64(qualityLatencyCeiling)
		if frac > 1 {
			frac = 1
		}
		score -= int32(frac * 50)
	}
	if !a.LastSeen.IsZero() {
		stale := now.Sub(a.LastSeen)
		if stale > qualityRecencyHalfWindow {
			score -= 25
		}
	}
	score -= int32(a.FailedConnectsSince) * qualityFailurePenalty
	if score > qualityScoreMax {
		score = qualityScoreMax
	}
	if score < qualityScoreMin {
		score = qualityScoreMin
	}
	a.QualityScore = score
}

func ewma(current, sample time.Duration, weight float64) time.Duration {
	return time.Duration(weight*float64(sample) + (1-weight)*float64(current))
}

// Peer is the directory record for a remote node. Peers are created on the
// first valid identity claim or seed import and are never hard-deleted; bans
// and offline flags mark them instead.
type Peer struct {
	PublicKey ed25519.PublicKey  `json:"publicKey"`
	NodeId    NodeId             `json:"nodeId"`
	Addresses []AddressWithStats `json:"addresses"`
	Features  PeerFeatures       `json:"features"`

	// IdentitySignature is the signature of the peer's latest accepted
	// claim; UpdatedAt is that claim's monotonic timestamp.
	IdentitySignature []byte    `json:"identitySignature,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`

	IsSeed  bool      `json:"isSeed"`
	AddedAt time.Time `json:"addedAt"`

	BannedUntil time.Time `json:"bannedUntil,omitempty"`
	BanReason   string    `json:"banReason,omitempty"`
	Offline     bool      `json:"offline"`
}

// OrderedAddresses returns the peer's addresses sorted by descending quality
// score, the order outbound dialing walks them in.
func (p *Peer) OrderedAddresses() []AddressWithStats {
	out := make([]AddressWithStats, len(p.Addresses))
	copy(out, p.Addresses)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].QualityScore > out[j].QualityScore
	})
	return out
}

// FindAddress returns a pointer to the matching stats entry, or nil.
func (p *Peer) FindAddress(addr Multiaddr) *AddressWithStats {
	for i := range p.Addresses {
		if p.Addresses[i].Address == addr {
			return &p.Addresses[i]
		}
	}
	return nil
}

// IsBanned reports whether a ban is active at the given time.
func (p *Peer) IsBanned(now time.Time) bool {
	return p.BannedUntil.After(now)
}
