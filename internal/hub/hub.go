// Package hub fans playback events and net status samples out to the
// daemon's sinks (MQTT, websocket clients, history).
//
// Publish never blocks: a subscriber whose channel is full misses the
// message and its Dropped counter grows.
package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
)

var (
	ErrClosed             = errors.New("hub: closed")
	ErrSubscriberExists   = errors.New("hub: subscriber already exists")
	ErrSubscriberNotFound = errors.New("hub: subscriber not found")
	ErrNilChannel         = errors.New("hub: nil channel provided")
)

// Kind tells events from net status samples.
type Kind int

const (
	KindEvent Kind = iota
	KindNetStatus
)

func (k Kind) String() string {
	if k == KindNetStatus {
		return "net_status"
	}
	return "event"
}

// Message is one fanned-out item. Payload is shared between subscribers and
// must not be modified.
type Message struct {
	Kind      Kind
	Event     events.Kind
	Payload   map[string]any
	SessionID string
	Timestamp time.Time
}

// SubscriberStats tracks delivery per subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch    chan<- Message
	stats SubscriberStats
}

// Hub distributes messages to subscribers. It is also an events.Listener, so
// it can be installed directly on the controller.
type Hub struct {
	session func() string

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   uint64
	closed      bool
}

// New creates a hub. session, when set, stamps every message with the
// current session ID.
func New(session func() string) *Hub {
	return &Hub{
		session:     session,
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch under id.
func (h *Hub) Subscribe(id string, ch chan<- Message) error {
	if ch == nil {
		return ErrNilChannel
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if _, exists := h.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	h.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber. Its channel is not closed.
func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(h.subscribers, id)
	return nil
}

// Publish offers msg to every subscriber without blocking.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	atomic.AddUint64(&h.published, 1)

	for _, s := range h.subscribers {
		select {
		case s.ch <- msg:
			atomic.AddUint64(&s.stats.Sent, 1)
		default:
			atomic.AddUint64(&s.stats.Dropped, 1)
		}
	}
}

// OnPlayEvent publishes a play event.
func (h *Hub) OnPlayEvent(kind events.Kind, payload map[string]any) {
	h.Publish(h.message(KindEvent, kind, payload))
}

// OnNetStatus publishes a net status sample.
func (h *Hub) OnNetStatus(status map[string]any) {
	h.Publish(h.message(KindNetStatus, 0, status))
}

func (h *Hub) message(k Kind, ev events.Kind, payload map[string]any) Message {
	msg := Message{
		Kind:      k,
		Event:     ev,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if h.session != nil {
		msg.SessionID = h.session()
	}
	return msg
}

// Stats returns the counters of one subscriber.
func (h *Hub) Stats(id string) (SubscriberStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, exists := h.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&s.stats.Sent),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
	}, nil
}

// Published returns how many messages were offered.
func (h *Hub) Published() uint64 {
	return atomic.LoadUint64(&h.published)
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close drops every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.subscribers = nil
}
