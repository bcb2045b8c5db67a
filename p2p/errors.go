package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshake marks a failed Noise handshake. Fatal for the attempted
	// address; remaining addresses are still tried.
	ErrHandshake = errors.New("p2p: noise handshake failed")
	// ErrMultiplex marks a failed multiplexer setup on a secured stream.
	ErrMultiplex = errors.New("p2p: multiplexer setup failed")
	// ErrIdentityMismatch marks an identity claim whose public key differs
	// from the handshake-authenticated key.
	ErrIdentityMismatch = errors.New("p2p: identity mismatch")
	// ErrDialFailedAllAddresses is returned after every known address of a
	// peer has been exhausted.
	ErrDialFailedAllAddresses = errors.New("p2p: dial failed on all addresses")
	// ErrPeerBanned rejects operations against a peer with an active ban.
	ErrPeerBanned = errors.New("p2p: peer is banned")
	// ErrPeerNotFound is returned for lookups of unknown peers.
	ErrPeerNotFound = errors.New("p2p: peer not found")
	// ErrConnectivityShutdown is returned once the connectivity actor has
	// drained its request queue.
	ErrConnectivityShutdown = errors.New("p2p: connectivity manager shut down")
	// ErrSendQueueClosed fails a send against a connection whose outbound
	// queue has been closed. Not retried.
	ErrSendQueueClosed = errors.New("p2p: outbound queue closed")
	// ErrSendQueueFull signals backpressure on a connection's outbound queue.
	ErrSendQueueFull = errors.New("p2p: outbound queue full")
	// ErrDuplicateMessage marks an inbound body seen more often than the
	// dedup cache allows. Dropped, logged, never dispatched.
	ErrDuplicateMessage = errors.New("p2p: duplicate message")
	// ErrNoMessagingConnections means a routing strategy resolved to zero
	// live connections.
	ErrNoMessagingConnections = errors.New("p2p: no connections matched send strategy")
	// ErrConnectionClosed is returned for operations on a torn-down
	// connection.
	ErrConnectionClosed = errors.New("p2p: connection closed")
)

// ValidationError explains why an identity claim was discarded. The candidate
// is always dropped atomically; no partial directory writes happen.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "p2p: invalid peer identity: " + e.Reason
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// UpgradeError reports an upgrade that failed after the noise handshake
// authenticated the remote identity, so the failure can be attributed to a
// concrete peer.
type UpgradeError struct {
	NodeId NodeId
	Err    error
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("upgrade failed for peer %s: %v", e.NodeId, e.Err)
}

func (e *UpgradeError) Unwrap() error {
	return e.Err
}

// DialAttempt records one failed address attempt inside a DialError.
type DialAttempt struct {
	Address Multiaddr
	Err     error
}

// DialError aggregates the per-address failures behind
// ErrDialFailedAllAddresses.
type DialError struct {
	NodeId   NodeId
	Attempts []DialAttempt
}

func (e *DialError) Error() string {
	return fmt.Sprintf("%v: peer %s after %d attempts", ErrDialFailedAllAddresses, e.NodeId, len(e.Attempts))
}

func (e *DialError) Unwrap() error {
	return ErrDialFailedAllAddresses
}
