package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"filament/crypto"
)

// InboundMessage is a decoded envelope handed to a registered handler.
// Invalid is set when the body was encrypted but could not be opened; such
// messages are delivered tagged rather than silently dropped, so handlers
// can count or report them.
type InboundMessage struct {
	From     NodeId
	Envelope *Envelope
	Invalid  bool
}

// MessageHandler consumes inbound messages of one type.
type MessageHandler func(ctx context.Context, msg InboundMessage)

// InboundDispatcher runs the receive side of messaging: it accepts
// substreams on every attached connection, decodes frames, filters
// duplicates, opens encrypted bodies and routes by message type.
type InboundDispatcher struct {
	cfg    Config
	sealer *envelopeSealer
	dedup  *dedupCache
	events *hub[MessagingEvent]
	log    *slog.Logger

	mu       sync.RWMutex
	handlers map[MessageType]MessageHandler
	fallback MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInboundDispatcher builds the pipeline around the local identity.
// events may be nil when no subscriber cares about message notifications.
func NewInboundDispatcher(cfg Config, kp *crypto.KeyPair, events *hub[MessagingEvent], log *slog.Logger) (*InboundDispatcher, error) {
	cfg = cfg.Normalize()
	dedup, err := newDedupCache(cfg.DedupCacheCapacity, cfg.DedupAllowedOccurrences, cfg.DedupTrimInterval)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InboundDispatcher{
		cfg:      cfg,
		sealer:   newEnvelopeSealer(kp),
		dedup:    dedup,
		events:   events,
		log:      log.With("component", "inbound"),
		handlers: make(map[MessageType]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (d *InboundDispatcher) publish(ev MessagingEvent) {
	if d.events != nil {
		d.events.Publish(ev)
	}
}

// Handle registers the handler for one message type, replacing any previous
// registration.
func (d *InboundDispatcher) Handle(mt MessageType, h MessageHandler) {
	d.mu.Lock()
	d.handlers[mt] = h
	d.mu.Unlock()
}

// HandleUnknown registers a fallback for message types with no handler.
func (d *InboundDispatcher) HandleUnknown(h MessageHandler) {
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// Attach starts consuming substreams from an upgraded connection. Intended
// as the ConnectivityManager connection hook.
func (d *InboundDispatcher) Attach(pc *PeerConnection) {
	d.wg.Add(1)
	go d.acceptLoop(pc)
}

// Stop halts all reader loops and releases the dedup cache.
func (d *InboundDispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.dedup.Close()
}

func (d *InboundDispatcher) acceptLoop(pc *PeerConnection) {
	defer d.wg.Done()
	for {
		if d.ctx.Err() != nil {
			return
		}
		protocol, stream, err := pc.AcceptSubstream()
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) && d.ctx.Err() == nil {
				d.log.Debug("substream accept failed", "peer", pc.NodeId().String()[:12], "error", err)
			}
			return
		}
		switch protocol {
		case ProtocolMessaging:
			d.wg.Add(1)
			go d.readLoop(pc, stream)
		default:
			d.log.Debug("unknown substream protocol", "peer", pc.NodeId().String()[:12], "protocol", protocol)
			stream.Close()
		}
	}
}

func (d *InboundDispatcher) readLoop(pc *PeerConnection, stream net.Conn) {
	defer d.wg.Done()
	defer stream.Close()
	for {
		frame, err := ReadFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && d.ctx.Err() == nil && !pc.IsClosed() {
				d.log.Debug("messaging read failed", "peer", pc.NodeId().String()[:12], "error", err)
			}
			return
		}
		d.process(pc, frame)
	}
}

// process runs the fixed inbound sequence: decode, authenticate, dedup,
// decrypt, dispatch.
func (d *InboundDispatcher) process(pc *PeerConnection, frame []byte) {
	mets := getMetrics()
	env, err := DecodeEnvelope(frame)
	if err != nil {
		mets.MessagesIn.WithLabelValues("malformed").Inc()
		d.log.Debug("malformed envelope", "peer", pc.NodeId().String()[:12], "error", err)
		return
	}
	// Frames failing a cryptographic check still reach the handler, tagged,
	// so the application can account for them and feed banning heuristics.
	msg := InboundMessage{From: env.SenderId(), Envelope: env}
	invalidReason := ""
	if !env.VerifySignature() {
		msg.Invalid = true
		invalidReason = "bad signature"
		mets.MessagesIn.WithLabelValues("bad_signature").Inc()
		d.log.Debug("envelope signature invalid", "peer", pc.NodeId().String()[:12])
	}
	if !d.dedup.Observe(frame) {
		mets.MessagesIn.WithLabelValues("duplicate").Inc()
		mets.DuplicatesDropped.Inc()
		return
	}
	if !msg.Invalid && env.Encrypted() {
		if err := d.sealer.Open(env); err != nil {
			msg.Invalid = true
			invalidReason = "decrypt failed"
			mets.MessagesIn.WithLabelValues("undecryptable").Inc()
			d.log.Debug("envelope decrypt failed", "peer", pc.NodeId().String()[:12], "error", err)
		}
	}
	if msg.Invalid {
		d.publish(MessagingEvent{Kind: EventInvalidMessageReceived, NodeId: msg.From, MessageType: env.MessageType, Reason: invalidReason})
	} else {
		mets.MessagesIn.WithLabelValues("ok").Inc()
		d.publish(MessagingEvent{Kind: EventMessageReceived, NodeId: msg.From, MessageType: env.MessageType})
	}

	d.mu.RLock()
	handler := d.handlers[env.MessageType]
	if handler == nil {
		handler = d.fallback
	}
	d.mu.RUnlock()
	if handler == nil {
		mets.MessagesIn.WithLabelValues("unhandled").Inc()
		d.log.Debug("no handler for message type", "type", uint16(env.MessageType))
		return
	}
	handler(d.ctx, msg)
}
