package p2p

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"filament/crypto"
)

// strategyKind enumerates how a send resolves to connections.
type strategyKind int

const (
	strategyDirect strategyKind = iota
	strategyClosest
	strategyBroadcast
	strategyPropagate
)

// SendStrategy picks the target connections for one outbound message.
// Construct with DirectToNode, ClosestTo, Broadcast or Propagate.
type SendStrategy struct {
	kind    strategyKind
	target  NodeId
	count   int
	exclude []NodeId
	encrypt bool
}

// DirectToNode delivers to exactly one peer, dialing it when not connected.
// The body is sealed for the recipient.
func DirectToNode(id NodeId) SendStrategy {
	return SendStrategy{kind: strategyDirect, target: id, count: 1, encrypt: true}
}

// ClosestTo delivers to the n pooled connections nearest the target id.
func ClosestTo(target NodeId, n int) SendStrategy {
	return SendStrategy{kind: strategyClosest, target: target, count: n}
}

// Broadcast delivers to up to the configured broadcast factor of pooled
// connections.
func Broadcast() SendStrategy {
	return SendStrategy{kind: strategyBroadcast}
}

// Propagate forwards to up to the configured propagation factor of pooled
// connections, skipping the listed origins.
func Propagate(exclude ...NodeId) SendStrategy {
	return SendStrategy{kind: strategyPropagate, exclude: exclude}
}

func (s SendStrategy) label() string {
	switch s.kind {
	case strategyDirect:
		return "direct"
	case strategyClosest:
		return "closest"
	case strategyBroadcast:
		return "broadcast"
	default:
		return "propagate"
	}
}

// MessageState tracks one Send until every target either accepted the frame
// or exhausted its retries.
type MessageState struct {
	done chan struct{}

	mu        sync.Mutex
	delivered int
	failed    int
	err       error
}

// Done is closed when the send has fully resolved.
func (m *MessageState) Done() <-chan struct{} { return m.done }

// Wait blocks until the send resolves or the context expires.
func (m *MessageState) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delivered reports how many connections accepted the frame.
func (m *MessageState) Delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered
}

// Err returns the terminal error. Nil when at least one target accepted.
func (m *MessageState) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MessageState) record(err error) {
	m.mu.Lock()
	if err == nil {
		m.delivered++
	} else {
		m.failed++
		m.err = errors.Join(m.err, err)
	}
	m.mu.Unlock()
}

func (m *MessageState) finish() {
	m.mu.Lock()
	if m.delivered > 0 {
		m.err = nil
	}
	m.mu.Unlock()
	close(m.done)
}

// OutboundRouter resolves strategies against the live pool and pushes
// encoded envelopes into per-connection queues, retrying on backpressure.
type OutboundRouter struct {
	cfg    Config
	conn   *ConnectivityManager
	sealer *envelopeSealer
	keys   *crypto.KeyPair
	events *hub[MessagingEvent]
	log    *slog.Logger
}

// NewOutboundRouter wires the router over the connectivity actor. events may
// be nil when nothing subscribes to send notifications.
func NewOutboundRouter(cfg Config, conn *ConnectivityManager, kp *crypto.KeyPair, events *hub[MessagingEvent], log *slog.Logger) *OutboundRouter {
	return &OutboundRouter{
		cfg:    cfg.Normalize(),
		conn:   conn,
		sealer: newEnvelopeSealer(kp),
		keys:   kp,
		events: events,
		log:    log.With("component", "outbound"),
	}
}

func (r *OutboundRouter) publish(ev MessagingEvent) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

// Send signs (and for direct sends, seals) the envelope, resolves the
// strategy to connections and enqueues asynchronously. The returned state
// resolves once every target accepted or failed.
func (r *OutboundRouter) Send(ctx context.Context, env *Envelope, strategy SendStrategy) (*MessageState, error) {
	state := &MessageState{done: make(chan struct{})}

	targets, err := r.resolve(ctx, strategy)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoMessagingConnections
	}

	if strategy.encrypt && len(targets) == 1 {
		if err := r.sealer.SealFor(env, targets[0].PublicKey()); err != nil {
			return nil, err
		}
	} else {
		env.Sign(r.keys)
	}
	frame, err := env.Encode()
	if err != nil {
		return nil, err
	}

	getMetrics().MessagesOut.WithLabelValues(strategy.label()).Inc()
	var wg sync.WaitGroup
	for _, pc := range targets {
		wg.Add(1)
		go func(pc *PeerConnection) {
			defer wg.Done()
			err := r.deliver(ctx, pc, frame)
			state.record(err)
			if err != nil {
				r.publish(MessagingEvent{Kind: EventSendFailed, NodeId: pc.NodeId(), MessageType: env.MessageType, Reason: err.Error()})
			} else {
				r.publish(MessagingEvent{Kind: EventSendSucceeded, NodeId: pc.NodeId(), MessageType: env.MessageType})
			}
		}(pc)
	}
	go func() {
		wg.Wait()
		state.finish()
	}()
	return state, nil
}

// deliver enqueues with bounded retries. A full queue is retried after the
// configured delay; a closed queue fails immediately since the connection is
// gone.
func (r *OutboundRouter) deliver(ctx context.Context, pc *PeerConnection, frame []byte) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.SendRetries; attempt++ {
		if attempt > 0 {
			getMetrics().SendRetries.Inc()
			select {
			case <-time.After(r.cfg.SendRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := pc.Enqueue(frame)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSendQueueClosed) {
			return err
		}
		lastErr = err
	}
	r.log.Debug("send retries exhausted", "peer", pc.NodeId().String()[:12], "error", lastErr)
	return lastErr
}

func (r *OutboundRouter) resolve(ctx context.Context, strategy SendStrategy) ([]*PeerConnection, error) {
	if strategy.kind == strategyDirect {
		pc, err := r.conn.DialPeer(ctx, strategy.target)
		if err != nil {
			return nil, err
		}
		return []*PeerConnection{pc}, nil
	}

	excluded := make(map[NodeId]struct{}, len(strategy.exclude))
	for _, id := range strategy.exclude {
		excluded[id] = struct{}{}
	}
	conns, err := r.conn.SelectConnections(func(pc *PeerConnection) bool {
		if pc.IsClosed() {
			return false
		}
		_, skip := excluded[pc.NodeId()]
		return !skip
	})
	if err != nil {
		return nil, err
	}

	limit := strategy.count
	switch strategy.kind {
	case strategyBroadcast:
		limit = r.cfg.BroadcastFactor
	case strategyPropagate:
		limit = r.cfg.PropagationFactor
	}
	if strategy.kind == strategyClosest {
		sort.Slice(conns, func(i, j int) bool {
			return strategy.target.Distance(conns[i].NodeId()).Less(strategy.target.Distance(conns[j].NodeId()))
		})
	}
	if limit > 0 && len(conns) > limit {
		conns = conns[:limit]
	}
	return conns, nil
}
