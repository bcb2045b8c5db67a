package p2p

import (
	"sync"
	"time"
)

// ConnectivityEventKind enumerates what the connectivity layer announces.
type ConnectivityEventKind int

const (
	EventPeerConnected ConnectivityEventKind = iota
	EventPeerDisconnected
	EventPeerConnectFailed
	EventPeerBanned
	EventStatusChanged
)

func (k ConnectivityEventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventPeerConnectFailed:
		return "peer_connect_failed"
	case EventPeerBanned:
		return "peer_banned"
	case EventStatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

// ConnectivityEvent is one state transition observed by subscribers.
type ConnectivityEvent struct {
	Kind      ConnectivityEventKind
	NodeId    NodeId
	Direction Direction
	Status    ConnectivityStatus
	Reason    string
	At        time.Time
}

// MessagingEventKind enumerates message-path notifications.
type MessagingEventKind int

const (
	EventMessageReceived MessagingEventKind = iota
	EventInvalidMessageReceived
	EventSendSucceeded
	EventSendFailed
)

func (k MessagingEventKind) String() string {
	switch k {
	case EventMessageReceived:
		return "message_received"
	case EventInvalidMessageReceived:
		return "invalid_message_received"
	case EventSendSucceeded:
		return "send_succeeded"
	case EventSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// MessagingEvent is one message-path notification.
type MessagingEvent struct {
	Kind        MessagingEventKind
	NodeId      NodeId
	MessageType MessageType
	Reason      string
	At          time.Time
}

// hub fans events out to subscribers. Delivery is best effort: a subscriber
// with a full channel misses the event rather than stalling the publisher.
type hub[T any] struct {
	mu     sync.Mutex
	subs   []chan T
	closed bool

	stamp func(*T)
}

func newHub[T any](stamp func(*T)) *hub[T] {
	return &hub[T]{stamp: stamp}
}

func newConnectivityHub() *hub[ConnectivityEvent] {
	return newHub(func(ev *ConnectivityEvent) {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
	})
}

func newMessagingHub() *hub[MessagingEvent] {
	return newHub(func(ev *MessagingEvent) {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
	})
}

func (h *hub[T]) Subscribe(buffer int) <-chan T {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan T, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

func (h *hub[T]) Publish(ev T) {
	if h.stamp != nil {
		h.stamp(&ev)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
