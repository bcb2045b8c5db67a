package p2p

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnManager owns the listeners and the outbound dialer. It produces
// upgraded PeerConnections and hands them to the connectivity actor; it never
// tracks live connections itself.
type ConnManager struct {
	cfg       Config
	upgrader  *Upgrader
	directory PeerDirectory
	log       *slog.Logger

	tcp    Transport
	memory Transport

	limiter    *rate.Limiter
	upgradeSem chan struct{}
	inbound    chan *PeerConnection

	onUpgradeFailure func(NodeId, error)

	mu        sync.Mutex
	listeners []Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnManager builds a manager. Call Start to bind listeners.
func NewConnManager(cfg Config, upgrader *Upgrader, dir PeerDirectory, log *slog.Logger) *ConnManager {
	cfg = cfg.Normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnManager{
		cfg:        cfg,
		upgrader:   upgrader,
		directory:  dir,
		log:        log.With("component", "connmanager"),
		tcp:        &TCPTransport{},
		memory:     &MemoryTransport{},
		limiter:    rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSecond), int(cfg.AcceptRatePerSecond)),
		upgradeSem: make(chan struct{}, cfg.MaxConcurrentInboundUpgrades),
		inbound:    make(chan *PeerConnection, cfg.MaxConcurrentInboundUpgrades),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetUpgradeFailureHook registers a callback for inbound upgrades that fail
// after the remote identity was authenticated. Must be called before Start.
func (m *ConnManager) SetUpgradeFailureHook(hook func(NodeId, error)) {
	m.onUpgradeFailure = hook
}

// Inbound delivers connections accepted and upgraded by the listeners.
func (m *ConnManager) Inbound() <-chan *PeerConnection {
	return m.inbound
}

// ListenAddrs returns the bound addresses, with ephemeral ports resolved.
func (m *ConnManager) ListenAddrs() []Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Multiaddr, 0, len(m.listeners))
	for _, ln := range m.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Start binds every configured listen address and spawns accept loops.
func (m *ConnManager) Start() error {
	for _, addr := range m.cfg.ListenAddrs {
		ln, err := m.transportFor(addr).Listen(addr)
		if err != nil {
			m.Stop()
			return err
		}
		m.mu.Lock()
		m.listeners = append(m.listeners, ln)
		m.mu.Unlock()
		m.wg.Add(1)
		go m.acceptLoop(ln)
		m.log.Info("listening", "addr", ln.Addr().String())
	}
	return nil
}

// Stop closes the listeners and waits for in-flight upgrades.
func (m *ConnManager) Stop() {
	m.cancel()
	m.mu.Lock()
	for _, ln := range m.listeners {
		_ = ln.Close()
	}
	m.listeners = nil
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *ConnManager) transportFor(addr Multiaddr) Transport {
	if addr.scheme == schemeMemory {
		return m.memory
	}
	return m.tcp
}

func (m *ConnManager) acceptLoop(ln Listener) {
	defer m.wg.Done()
	for {
		if err := m.limiter.Wait(m.ctx); err != nil {
			return
		}
		raw, err := ln.Accept()
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warn("accept failed", "addr", ln.Addr().String(), "error", err)
			continue
		}
		select {
		case m.upgradeSem <- struct{}{}:
		case <-m.ctx.Done():
			raw.Close()
			return
		}
		m.wg.Add(1)
		go m.upgradeInbound(raw)
	}
}

// upgradeInbound runs the upgrade off the accept loop so one slow handshake
// cannot starve the listener. Concurrency is bounded by the semaphore.
func (m *ConnManager) upgradeInbound(raw net.Conn) {
	defer m.wg.Done()
	defer func() { <-m.upgradeSem }()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DefaultConnectTimeout)
	defer cancel()
	pc, err := m.upgrader.Upgrade(ctx, raw, DirectionInbound, Multiaddr{})
	if err != nil {
		getMetrics().HandshakeFailures.WithLabelValues(upgradeStage(err)).Inc()
		m.log.Debug("inbound upgrade failed", "remote", raw.RemoteAddr().String(), "error", err)
		var upErr *UpgradeError
		if m.onUpgradeFailure != nil && errors.As(err, &upErr) {
			m.onUpgradeFailure(upErr.NodeId, err)
		}
		return
	}
	select {
	case m.inbound <- pc:
	case <-m.ctx.Done():
		pc.Close()
	}
}

// DialPeer walks the peer's addresses in descending quality order, with
// exponential backoff between attempts, until one upgrade succeeds or the
// attempt budget is spent. Every outcome is recorded against the address.
func (m *ConnManager) DialPeer(ctx context.Context, peer *Peer) (*PeerConnection, error) {
	if peer.IsBanned(time.Now()) {
		return nil, ErrPeerBanned
	}
	mets := getMetrics()
	dialErr := &DialError{NodeId: peer.NodeId}
	attempts := 0
	backoff := m.cfg.DialBackoffBase

	for _, entry := range peer.OrderedAddresses() {
		if attempts >= m.cfg.MaxDialAttemptsPerPeer {
			break
		}
		addr := entry.Address
		if m.skipAddress(addr) {
			continue
		}
		if attempts > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > m.cfg.DialBackoffMax {
				backoff = m.cfg.DialBackoffMax
			}
		}
		attempts++

		start := time.Now()
		pc, err := m.dialAddress(ctx, addr)
		elapsed := time.Since(start)
		if err != nil {
			mets.DialsTotal.WithLabelValues("failure").Inc()
			dialErr.Attempts = append(dialErr.Attempts, DialAttempt{Address: addr, Err: err})
			if recErr := m.directory.RecordDialOutcome(peer.NodeId, addr, DialOutcome{
				Reason: err.Error(),
				At:     time.Now(),
			}); recErr != nil && !errors.Is(recErr, ErrPeerNotFound) {
				m.log.Warn("record dial failure", "error", recErr)
			}
			m.log.Debug("dial attempt failed", "peer", peer.NodeId.String()[:12], "addr", addr.String(), "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if pc.NodeId() != peer.NodeId {
			// The address answered as somebody else.
			pc.Close()
			mets.DialsTotal.WithLabelValues("failure").Inc()
			err := errors.Join(ErrIdentityMismatch, errors.New("dialed address belongs to another peer"))
			dialErr.Attempts = append(dialErr.Attempts, DialAttempt{Address: addr, Err: err})
			_ = m.directory.RecordDialOutcome(peer.NodeId, addr, DialOutcome{Reason: "identity mismatch", At: time.Now()})
			continue
		}
		mets.DialsTotal.WithLabelValues("success").Inc()
		mets.DialDuration.Observe(elapsed.Seconds())
		if err := m.directory.RecordDialOutcome(peer.NodeId, addr, DialOutcome{
			Success:  true,
			DialTime: elapsed,
			At:       time.Now(),
		}); err != nil {
			m.log.Warn("record dial success", "error", err)
		}
		return pc, nil
	}
	if len(dialErr.Attempts) == 0 {
		dialErr.Attempts = append(dialErr.Attempts, DialAttempt{Err: errors.New("no dialable addresses")})
	}
	// Every address is exhausted: keep the record but take it out of
	// managed-set selection until a dial succeeds again.
	if err := m.directory.SetOffline(peer.NodeId, true); err != nil && !errors.Is(err, ErrPeerNotFound) {
		m.log.Warn("mark peer offline", "peer", peer.NodeId.String()[:12], "error", err)
	}
	return nil, dialErr
}

func (m *ConnManager) dialAddress(ctx context.Context, addr Multiaddr) (*PeerConnection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DefaultConnectTimeout)
	defer cancel()
	raw, err := m.transportFor(addr).Dial(dialCtx, addr)
	if err != nil {
		return nil, err
	}
	pc, err := m.upgrader.Upgrade(dialCtx, raw, DirectionOutbound, addr)
	if err != nil {
		getMetrics().HandshakeFailures.WithLabelValues(upgradeStage(err)).Inc()
		return nil, err
	}
	return pc, nil
}

func (m *ConnManager) skipAddress(addr Multiaddr) bool {
	if !m.cfg.AllowTestAddrs && addr.IsTestAddress() {
		return true
	}
	for _, ipNet := range m.cfg.ExcludedDialRanges {
		if addr.InRange(ipNet) {
			return true
		}
	}
	return false
}

func upgradeStage(err error) string {
	switch {
	case errors.Is(err, ErrHandshake):
		return "noise"
	case errors.Is(err, ErrMultiplex):
		return "mux"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity"
	case errors.Is(err, ErrPeerBanned):
		return "banned"
	default:
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return "validation"
		}
		return "other"
	}
}
