package p2p

import (
	"crypto/ed25519"
	"time"
)

// Validator applies the acceptance rules for peer identity claims. A claim
// either produces a complete directory write or nothing at all.
type Validator struct {
	cfg Config
}

// NewValidator builds a validator from normalized config.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.Normalize()}
}

// ValidateClaim checks a claim against a public key and optional advertised
// NodeId without touching the directory. Check order: id derivation, address
// count, address shape, address reachability class, signature.
func (v *Validator) ValidateClaim(pub ed25519.PublicKey, claimedId NodeId, claim *IdentityClaim) error {
	if len(pub) != ed25519.PublicKeySize {
		return validationErrorf("bad public key length %d", len(pub))
	}
	derived := NodeIdFromPublicKey(pub)
	if !claimedId.IsZero() && claimedId != derived {
		return validationErrorf("node id %s does not match public key", claimedId)
	}
	if len(claim.Addresses) == 0 {
		return validationErrorf("claim carries no addresses")
	}
	if len(claim.Addresses) > v.cfg.MaxPeerAddresses {
		return validationErrorf("claim carries %d addresses, max %d", len(claim.Addresses), v.cfg.MaxPeerAddresses)
	}
	for _, addr := range claim.Addresses {
		if addr.IsZero() {
			return validationErrorf("claim carries an empty address")
		}
		if !v.cfg.AllowTestAddrs && addr.IsTestAddress() {
			return validationErrorf("test address %s not allowed", addr)
		}
	}
	if claim.Signed() {
		if !claim.VerifySignature(pub) {
			return validationErrorf("claim signature invalid")
		}
	} else if v.cfg.RequireSignedID {
		return validationErrorf("unsigned claim rejected")
	}
	return nil
}

// ApplyClaim validates the claim and merges it into the directory. Unsigned
// claims may insert a new record but never overwrite one. Signed claims
// overwrite only when strictly newer than the stored UpdatedAt, and for seed
// peers also newer than the time the seed was added.
func (v *Validator) ApplyClaim(dir PeerDirectory, pub ed25519.PublicKey, claim *IdentityClaim) (*Peer, error) {
	if err := v.ValidateClaim(pub, NodeId{}, claim); err != nil {
		return nil, err
	}
	id := NodeIdFromPublicKey(pub)
	now := time.Now()

	existing, found, err := dir.FindByNodeId(id)
	if err != nil {
		return nil, err
	}
	if !found {
		peer := newPeerFromClaim(pub, id, claim, now)
		if err := dir.AddPeer(peer); err != nil {
			return nil, err
		}
		return peer, nil
	}

	if !claim.Signed() {
		// Legacy unsigned claims never downgrade stored state.
		return existing, nil
	}
	if !claim.UpdatedAt.After(existing.UpdatedAt) {
		return existing, nil
	}
	if existing.IsSeed && !claim.UpdatedAt.After(existing.AddedAt) {
		return existing, nil
	}

	updated := *existing
	updated.Features = claim.Features
	updated.IdentitySignature = claim.Signature
	updated.UpdatedAt = claim.UpdatedAt
	updated.Addresses = mergeAddresses(existing.Addresses, claim.Addresses, v.cfg.MaxPeerAddresses, now)
	if err := dir.AddPeer(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func newPeerFromClaim(pub ed25519.PublicKey, id NodeId, claim *IdentityClaim, now time.Time) *Peer {
	peer := &Peer{
		PublicKey:         append(ed25519.PublicKey(nil), pub...),
		NodeId:            id,
		Features:          claim.Features,
		IdentitySignature: claim.Signature,
		UpdatedAt:         claim.UpdatedAt,
		AddedAt:           now,
	}
	for _, addr := range claim.Addresses {
		peer.Addresses = append(peer.Addresses, AddressWithStats{Address: addr, LastSeen: now})
	}
	return peer
}

// mergeAddresses replaces the stored address list with the claimed one while
// carrying over dial stats for addresses that survive the update.
func mergeAddresses(stored []AddressWithStats, claimed []Multiaddr, maxAddrs int, now time.Time) []AddressWithStats {
	if len(claimed) > maxAddrs {
		claimed = claimed[:maxAddrs]
	}
	out := make([]AddressWithStats, 0, len(claimed))
	for _, addr := range claimed {
		kept := AddressWithStats{Address: addr, LastSeen: now}
		for i := range stored {
			if stored[i].Address == addr {
				kept = stored[i]
				kept.LastSeen = now
				break
			}
		}
		out = append(out, kept)
	}
	return out
}
