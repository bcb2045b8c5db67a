package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignClaimVerifies(t *testing.T) {
	kp := newTestKeys(t)
	addrs := []Multiaddr{
		MustMultiaddr("/ip4/203.0.113.7/tcp/18189"),
		MustMultiaddr("/dns4/node.example.com/tcp/18189"),
	}
	claim := SignClaim(kp, addrs, FeatureMessaging|FeatureDhtStore, time.Now())

	require.True(t, claim.Signed())
	require.True(t, claim.VerifySignature(kp.PublicKey()))
	require.Equal(t, claim.UpdatedAt, claim.UpdatedAt.Truncate(time.Second),
		"claim timestamp must be second-granular")
}

func TestClaimSignatureBindsEveryField(t *testing.T) {
	kp := newTestKeys(t)
	base := SignClaim(kp, []Multiaddr{MustMultiaddr("/ip4/203.0.113.7/tcp/18189")}, FeatureMessaging, time.Now())

	mutations := map[string]func(*IdentityClaim){
		"features":  func(c *IdentityClaim) { c.Features = FeatureDhtStore },
		"timestamp": func(c *IdentityClaim) { c.UpdatedAt = c.UpdatedAt.Add(time.Second) },
		"addresses": func(c *IdentityClaim) { c.Addresses[0] = MustMultiaddr("/ip4/203.0.113.8/tcp/18189") },
	}
	for name, mutate := range mutations {
		claim := base
		claim.Addresses = append([]Multiaddr(nil), base.Addresses...)
		mutate(&claim)
		require.False(t, claim.VerifySignature(kp.PublicKey()), "mutated %s still verified", name)
	}
}

func TestUnsignedClaimNeverVerifies(t *testing.T) {
	kp := newTestKeys(t)
	claim := IdentityClaim{
		Addresses: []Multiaddr{MustMultiaddr("/ip4/203.0.113.7/tcp/18189")},
		UpdatedAt: time.Now(),
	}
	require.False(t, claim.Signed())
	require.False(t, claim.VerifySignature(kp.PublicKey()))
}
