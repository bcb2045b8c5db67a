package p2p

import (
	"context"
	"log/slog"
	"time"
)

// ConnectivityStatus summarizes how well connected the node currently is.
type ConnectivityStatus int

const (
	StatusInitializing ConnectivityStatus = iota
	StatusOffline
	StatusDegraded
	StatusOnline
)

func (s ConnectivityStatus) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusOffline:
		return "offline"
	case StatusDegraded:
		return "degraded"
	case StatusOnline:
		return "online"
	default:
		return "unknown"
	}
}

// ConnFilter selects connections from the live pool.
type ConnFilter func(*PeerConnection) bool

type dialResult struct {
	conn *PeerConnection
	err  error
}

type connRequest struct {
	kind connRequestKind

	nodeId   NodeId
	conn     *PeerConnection
	result   dialResult
	severity BanSeverity
	reason   string
	filter   ConnFilter
	ids      []NodeId

	replyDial   chan dialResult
	replyConns  chan []*PeerConnection
	replyStatus chan ConnectivityStatus
	replyErr    chan error
}

type connRequestKind int

const (
	reqDial connRequestKind = iota
	reqDialDone
	reqInbound
	reqDisconnected
	reqBan
	reqRemove
	reqAddManaged
	reqSelect
	reqStatus
)

type managedPeer struct {
	redialBackoff time.Duration
	nextRedial    time.Time
}

// ConnectivityManager is the single writer over the live connection pool.
// All pool mutation happens on one goroutine; public methods post requests
// and wait on reply channels, so callers never race each other.
type ConnectivityManager struct {
	cfg       Config
	manager   *ConnManager
	directory PeerDirectory
	hub       *hub[ConnectivityEvent]
	log       *slog.Logger

	requests chan connRequest

	// Actor-owned state. Touched only from run().
	pool     map[NodeId]*PeerConnection
	pending  map[NodeId][]chan dialResult
	managed  map[NodeId]*managedPeer
	banned   map[NodeId]time.Time
	onAttach func(*PeerConnection)

	status        ConnectivityStatus
	pendingStatus ConnectivityStatus
	pendingSince  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnectivityManager wires the actor around a ConnManager and directory.
func NewConnectivityManager(cfg Config, manager *ConnManager, dir PeerDirectory, log *slog.Logger) *ConnectivityManager {
	cfg = cfg.Normalize()
	ctx, cancel := context.WithCancel(context.Background())
	c := &ConnectivityManager{
		cfg:           cfg,
		manager:       manager,
		directory:     dir,
		hub:           newConnectivityHub(),
		log:           log.With("component", "connectivity"),
		requests:      make(chan connRequest, 64),
		pool:          make(map[NodeId]*PeerConnection),
		pending:       make(map[NodeId][]chan dialResult),
		managed:       make(map[NodeId]*managedPeer),
		banned:        make(map[NodeId]time.Time),
		status:        StatusInitializing,
		pendingStatus: StatusInitializing,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	manager.SetUpgradeFailureHook(func(id NodeId, err error) {
		c.hub.Publish(ConnectivityEvent{Kind: EventPeerConnectFailed, NodeId: id, Reason: err.Error()})
	})
	return c
}

// SetConnectionHook registers a callback invoked on the actor goroutine for
// every connection entering the pool. The inbound pipeline attaches here.
// Must be called before Start.
func (c *ConnectivityManager) SetConnectionHook(hook func(*PeerConnection)) {
	c.onAttach = hook
}

// Start launches the actor loop and begins consuming inbound connections.
func (c *ConnectivityManager) Start() {
	go c.run()
	go c.consumeInbound()
}

// Stop drains the actor. Pending dial waiters receive
// ErrConnectivityShutdown and all pooled connections close.
func (c *ConnectivityManager) Stop() {
	c.cancel()
	<-c.done
}

// Subscribe returns a channel of connectivity events. Slow subscribers miss
// events rather than blocking the actor.
func (c *ConnectivityManager) Subscribe(buffer int) <-chan ConnectivityEvent {
	return c.hub.Subscribe(buffer)
}

// DialPeer returns an existing connection to the peer or dials one.
// Concurrent callers for the same peer share a single in-flight dial.
func (c *ConnectivityManager) DialPeer(ctx context.Context, id NodeId) (*PeerConnection, error) {
	reply := make(chan dialResult, 1)
	req := connRequest{kind: reqDial, nodeId: id, replyDial: reply}
	select {
	case c.requests <- req:
	case <-c.ctx.Done():
		return nil, ErrConnectivityShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrConnectivityShutdown
	}
}

// SelectConnections snapshots the live pool through a filter. A nil filter
// matches everything.
func (c *ConnectivityManager) SelectConnections(filter ConnFilter) ([]*PeerConnection, error) {
	reply := make(chan []*PeerConnection, 1)
	select {
	case c.requests <- connRequest{kind: reqSelect, filter: filter, replyConns: reply}:
	case <-c.ctx.Done():
		return nil, ErrConnectivityShutdown
	}
	select {
	case conns := <-reply:
		return conns, nil
	case <-c.ctx.Done():
		return nil, ErrConnectivityShutdown
	}
}

// Status returns the current hysteresis-smoothed connectivity status.
func (c *ConnectivityManager) Status() ConnectivityStatus {
	reply := make(chan ConnectivityStatus, 1)
	select {
	case c.requests <- connRequest{kind: reqStatus, replyStatus: reply}:
	case <-c.ctx.Done():
		return StatusOffline
	}
	select {
	case s := <-reply:
		return s
	case <-c.ctx.Done():
		return StatusOffline
	}
}

// AddManagedPeers marks peers the actor keeps connected, redialing with
// backoff whenever the link drops.
func (c *ConnectivityManager) AddManagedPeers(ids []NodeId) {
	select {
	case c.requests <- connRequest{kind: reqAddManaged, ids: ids}:
	case <-c.ctx.Done():
	}
}

// RemovePeer unmanages the peer and closes any live connection to it.
func (c *ConnectivityManager) RemovePeer(id NodeId) {
	select {
	case c.requests <- connRequest{kind: reqRemove, nodeId: id}:
	case <-c.ctx.Done():
	}
}

// BanPeer closes the peer's connection, stamps the directory record and
// suppresses redials for the severity-mapped duration.
func (c *ConnectivityManager) BanPeer(id NodeId, severity BanSeverity, reason string) error {
	reply := make(chan error, 1)
	select {
	case c.requests <- connRequest{kind: reqBan, nodeId: id, severity: severity, reason: reason, replyErr: reply}:
	case <-c.ctx.Done():
		return ErrConnectivityShutdown
	}
	select {
	case err := <-reply:
		return err
	case <-c.ctx.Done():
		return ErrConnectivityShutdown
	}
}

func (c *ConnectivityManager) consumeInbound() {
	for {
		select {
		case pc := <-c.manager.Inbound():
			select {
			case c.requests <- connRequest{kind: reqInbound, conn: pc}:
			case <-c.ctx.Done():
				pc.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *ConnectivityManager) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.StatusHoldInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case req := <-c.requests:
			c.handle(req)
		case <-ticker.C:
			c.advanceStatus(time.Now())
			c.redialManaged(time.Now())
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
	}
}

func (c *ConnectivityManager) handle(req connRequest) {
	switch req.kind {
	case reqDial:
		c.handleDial(req)
	case reqDialDone:
		c.handleDialDone(req)
	case reqInbound:
		c.register(req.conn)
	case reqDisconnected:
		c.handleDisconnected(req.nodeId, req.conn)
	case reqBan:
		req.replyErr <- c.handleBan(req.nodeId, req.severity, req.reason)
	case reqRemove:
		delete(c.managed, req.nodeId)
		if pc := c.pool[req.nodeId]; pc != nil {
			pc.Close()
		}
	case reqAddManaged:
		now := time.Now()
		for _, id := range req.ids {
			if _, ok := c.managed[id]; ok {
				continue
			}
			c.managed[id] = &managedPeer{redialBackoff: c.cfg.DialBackoffBase, nextRedial: now}
		}
		c.redialManaged(now)
	case reqSelect:
		out := make([]*PeerConnection, 0, len(c.pool))
		for _, pc := range c.pool {
			if req.filter == nil || req.filter(pc) {
				out = append(out, pc)
			}
		}
		req.replyConns <- out
	case reqStatus:
		req.replyStatus <- c.status
	}
}

func (c *ConnectivityManager) handleDial(req connRequest) {
	if until, ok := c.banned[req.nodeId]; ok {
		if time.Now().Before(until) {
			req.replyDial <- dialResult{err: ErrPeerBanned}
			return
		}
		delete(c.banned, req.nodeId)
	}
	if pc := c.pool[req.nodeId]; pc != nil && !pc.IsClosed() {
		req.replyDial <- dialResult{conn: pc}
		return
	}
	if waiters, inflight := c.pending[req.nodeId]; inflight {
		c.pending[req.nodeId] = append(waiters, req.replyDial)
		return
	}
	c.pending[req.nodeId] = []chan dialResult{req.replyDial}
	go c.dial(req.nodeId)
}

// dial runs off the actor goroutine and posts its result back in.
func (c *ConnectivityManager) dial(id NodeId) {
	var res dialResult
	peer, found, err := c.directory.FindByNodeId(id)
	switch {
	case err != nil:
		res.err = err
	case !found:
		res.err = ErrPeerNotFound
	default:
		res.conn, res.err = c.manager.DialPeer(c.ctx, peer)
	}
	select {
	case c.requests <- connRequest{kind: reqDialDone, nodeId: id, result: res}:
	case <-c.ctx.Done():
		if res.conn != nil {
			res.conn.Close()
		}
	}
}

func (c *ConnectivityManager) handleDialDone(req connRequest) {
	waiters := c.pending[req.nodeId]
	delete(c.pending, req.nodeId)
	if req.result.err == nil {
		c.register(req.result.conn)
		// register resolves duplicates keep-first: an inbound connection that
		// raced the dial wins and the dialed one closes. Waiters get whichever
		// connection the pool actually holds.
		if live := c.pool[req.nodeId]; live != nil && !live.IsClosed() {
			req.result.conn = live
		}
	} else {
		c.hub.Publish(ConnectivityEvent{
			Kind:   EventPeerConnectFailed,
			NodeId: req.nodeId,
			Reason: req.result.err.Error(),
		})
		if mp := c.managed[req.nodeId]; mp != nil {
			c.scheduleRedial(mp)
		}
	}
	for _, w := range waiters {
		w <- req.result
	}
}

// register adds a connection to the pool. On a duplicate the earlier
// connection wins and the newcomer closes.
func (c *ConnectivityManager) register(pc *PeerConnection) {
	if until, ok := c.banned[pc.NodeId()]; ok && time.Now().Before(until) {
		pc.Close()
		return
	}
	if existing := c.pool[pc.NodeId()]; existing != nil && !existing.IsClosed() {
		c.log.Debug("duplicate connection dropped", "peer", pc.NodeId().String()[:12])
		pc.Close()
		return
	}
	c.pool[pc.NodeId()] = pc
	if mp := c.managed[pc.NodeId()]; mp != nil {
		mp.redialBackoff = c.cfg.DialBackoffBase
	}
	getMetrics().ConnectionsCurrent.WithLabelValues(pc.Direction().String()).Inc()
	if c.onAttach != nil {
		c.onAttach(pc)
	}
	c.hub.Publish(ConnectivityEvent{Kind: EventPeerConnected, NodeId: pc.NodeId(), Direction: pc.Direction()})
	go c.watch(pc)
	c.recomputeStatus(time.Now())
}

func (c *ConnectivityManager) watch(pc *PeerConnection) {
	select {
	case <-pc.Done():
	case <-c.ctx.Done():
		return
	}
	select {
	case c.requests <- connRequest{kind: reqDisconnected, nodeId: pc.NodeId(), conn: pc}:
	case <-c.ctx.Done():
	}
}

func (c *ConnectivityManager) handleDisconnected(id NodeId, pc *PeerConnection) {
	if c.pool[id] != pc {
		return
	}
	delete(c.pool, id)
	getMetrics().ConnectionsCurrent.WithLabelValues(pc.Direction().String()).Dec()
	c.hub.Publish(ConnectivityEvent{Kind: EventPeerDisconnected, NodeId: id, Direction: pc.Direction()})
	if mp := c.managed[id]; mp != nil {
		c.scheduleRedial(mp)
	}
	c.recomputeStatus(time.Now())
}

func (c *ConnectivityManager) handleBan(id NodeId, severity BanSeverity, reason string) error {
	duration := c.cfg.BanDuration(severity)
	until := time.Now().Add(duration)
	c.banned[id] = until
	delete(c.managed, id)
	if pc := c.pool[id]; pc != nil {
		pc.Close()
	}
	if err := c.directory.SetBan(id, until, reason); err != nil {
		return err
	}
	getMetrics().BansTotal.WithLabelValues(banSeverityLabel(severity)).Inc()
	c.log.Warn("peer banned", "peer", id.String()[:12], "reason", reason, "until", until)
	c.hub.Publish(ConnectivityEvent{Kind: EventPeerBanned, NodeId: id, Reason: reason})
	return nil
}

func (c *ConnectivityManager) scheduleRedial(mp *managedPeer) {
	mp.nextRedial = time.Now().Add(mp.redialBackoff)
	mp.redialBackoff *= 2
	if mp.redialBackoff > c.cfg.DialBackoffMax {
		mp.redialBackoff = c.cfg.DialBackoffMax
	}
}

func (c *ConnectivityManager) redialManaged(now time.Time) {
	for id, mp := range c.managed {
		if _, connected := c.pool[id]; connected {
			continue
		}
		if _, inflight := c.pending[id]; inflight {
			continue
		}
		if until, ok := c.banned[id]; ok && now.Before(until) {
			continue
		}
		if now.Before(mp.nextRedial) {
			continue
		}
		mp.nextRedial = now.Add(mp.redialBackoff)
		c.pending[id] = nil
		go c.dial(id)
	}
}

// recomputeStatus derives the raw status from pool size and arms the
// hysteresis hold. Transitions out of Initializing apply immediately.
func (c *ConnectivityManager) recomputeStatus(now time.Time) {
	raw := StatusOffline
	live := len(c.pool)
	switch {
	case live >= c.cfg.OnlineThreshold:
		raw = StatusOnline
	case live > c.cfg.OfflineThreshold:
		raw = StatusDegraded
	}
	if c.status == StatusInitializing {
		c.setStatus(raw)
		return
	}
	if raw == c.status {
		c.pendingStatus = raw
		return
	}
	if raw != c.pendingStatus {
		c.pendingStatus = raw
		c.pendingSince = now
	}
	c.advanceStatus(now)
}

func (c *ConnectivityManager) advanceStatus(now time.Time) {
	if c.pendingStatus == c.status {
		return
	}
	if now.Sub(c.pendingSince) < c.cfg.StatusHoldInterval {
		return
	}
	c.setStatus(c.pendingStatus)
}

func (c *ConnectivityManager) setStatus(s ConnectivityStatus) {
	c.status = s
	c.pendingStatus = s
	getMetrics().StatusValue.Set(float64(s))
	c.log.Info("connectivity status changed", "status", s.String())
	c.hub.Publish(ConnectivityEvent{Kind: EventStatusChanged, Status: s})
}

func (c *ConnectivityManager) shutdown() {
	for id, waiters := range c.pending {
		for _, w := range waiters {
			if w != nil {
				w <- dialResult{err: ErrConnectivityShutdown}
			}
		}
		delete(c.pending, id)
	}
	for id, pc := range c.pool {
		pc.Close()
		delete(c.pool, id)
	}
	c.hub.Close()
}

func banSeverityLabel(s BanSeverity) string {
	switch s {
	case BanSeverityLow:
		return "low"
	case BanSeverityHigh:
		return "high"
	default:
		return "medium"
	}
}
