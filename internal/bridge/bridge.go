// Package bridge serializes play events and net status snapshots posted from
// arbitrary goroutines into ordered listener calls on one consumer goroutine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
)

// DefaultCapacity bounds the number of undelivered items.
const DefaultCapacity = 1024

var ErrClosed = errors.New("bridge: closed")

type item struct {
	epoch  uint64
	event  events.Event
	status map[string]any // non-nil for net status items
}

type listenerRef struct {
	l events.Listener
}

// Stats is a copy of the bridge counters.
type Stats struct {
	Posted          uint64
	Delivered       uint64
	DroppedNoTarget uint64
	DroppedOverflow uint64
	DroppedStale    uint64
	ListenerPanics  uint64
	Pending         int
}

// Bridge is a single-consumer FIFO. Items posted by one goroutine are
// delivered in the order they were posted; items from different goroutines
// interleave in arrival order.
//
// The listener is a non-owning reference: it may be replaced or cleared at any
// time. Items posted while no listener is set are dropped, and an item whose
// listener was cleared before delivery is skipped.
type Bridge struct {
	listener atomic.Pointer[listenerRef]
	epoch    atomic.Uint64

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []item
	capacity int
	busy     bool
	closed   bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	posted          uint64
	delivered       uint64
	droppedNoTarget uint64
	droppedOverflow uint64
	droppedStale    uint64
	panics          uint64
}

// New creates a bridge holding at most capacity undelivered items
// (DefaultCapacity when capacity <= 0).
func New(capacity int) *Bridge {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bridge{capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start spawns the consumer goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.started {
		return fmt.Errorf("bridge: already started")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true

	b.wg.Add(1)
	go b.consume()

	// Wake the consumer when the parent context ends.
	go func() {
		<-b.ctx.Done()
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	return nil
}

// SetListener replaces the listener. nil clears it.
func (b *Bridge) SetListener(l events.Listener) {
	if l == nil {
		b.listener.Store(nil)
		return
	}
	b.listener.Store(&listenerRef{l: l})
}

// HasListener reports whether a listener is set.
func (b *Bridge) HasListener() bool {
	return b.listener.Load() != nil
}

// Epoch returns the current session epoch.
func (b *Bridge) Epoch() uint64 {
	return b.epoch.Load()
}

// Advance starts a new epoch. Items posted before the call and not yet
// delivered are dropped.
func (b *Bridge) Advance() uint64 {
	return b.epoch.Add(1)
}

// PostEvent enqueues a play event. Returns false if it was dropped.
func (b *Bridge) PostEvent(ev events.Event) bool {
	return b.post(item{event: ev}, false)
}

// PostNetStatus enqueues a net status snapshot. The map is copied.
func (b *Bridge) PostNetStatus(status map[string]any) bool {
	cp := make(map[string]any, len(status))
	for k, v := range status {
		cp[k] = v
	}
	return b.post(item{status: cp}, false)
}

// PostEventAt enqueues ev only if epoch is still current. Producers that
// captured the epoch at session start use it to avoid leaking events into
// the next session.
func (b *Bridge) PostEventAt(epoch uint64, ev events.Event) bool {
	if epoch != b.epoch.Load() {
		atomic.AddUint64(&b.droppedStale, 1)
		return false
	}
	return b.post(item{epoch: epoch, event: ev}, true)
}

// PostNetStatusAt is PostNetStatus pinned to epoch.
func (b *Bridge) PostNetStatusAt(epoch uint64, status map[string]any) bool {
	if epoch != b.epoch.Load() {
		atomic.AddUint64(&b.droppedStale, 1)
		return false
	}
	cp := make(map[string]any, len(status))
	for k, v := range status {
		cp[k] = v
	}
	return b.post(item{epoch: epoch, status: cp}, true)
}

func (b *Bridge) post(it item, pinned bool) bool {
	atomic.AddUint64(&b.posted, 1)

	if b.listener.Load() == nil {
		atomic.AddUint64(&b.droppedNoTarget, 1)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		atomic.AddUint64(&b.droppedNoTarget, 1)
		return false
	}
	if len(b.queue) >= b.capacity {
		atomic.AddUint64(&b.droppedOverflow, 1)
		slog.Warn("bridge: queue full, dropping item",
			"capacity", b.capacity,
			"kind", it.event.Kind.String(),
		)
		return false
	}

	if !pinned {
		it.epoch = b.epoch.Load()
	}
	b.queue = append(b.queue, it)
	b.cond.Broadcast() // consumer and WaitIdle share the cond
	return true
}

// WaitIdle blocks until every queued item has been delivered or dropped.
func (b *Bridge) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		for (len(b.queue) > 0 || b.busy) && !b.closed && ctx.Err() == nil {
			b.cond.Wait()
		}
		b.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Close stops the consumer. Undelivered items are dropped. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	dropped := len(b.queue)
	b.queue = nil
	started := b.started
	b.cond.Broadcast()
	b.mu.Unlock()

	b.listener.Store(nil)
	if started {
		b.cancel()
		b.wg.Wait()
	}

	slog.Debug("bridge: closed", "dropped", dropped)
}

// Stats returns a copy of the bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	pending := len(b.queue)
	b.mu.Unlock()

	return Stats{
		Posted:          atomic.LoadUint64(&b.posted),
		Delivered:       atomic.LoadUint64(&b.delivered),
		DroppedNoTarget: atomic.LoadUint64(&b.droppedNoTarget),
		DroppedOverflow: atomic.LoadUint64(&b.droppedOverflow),
		DroppedStale:    atomic.LoadUint64(&b.droppedStale),
		ListenerPanics:  atomic.LoadUint64(&b.panics),
		Pending:         pending,
	}
}

// consume is the single consumer goroutine.
func (b *Bridge) consume() {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		b.busy = false
		b.cond.Broadcast() // WaitIdle
		for len(b.queue) == 0 && !b.closed && b.ctx.Err() == nil {
			b.cond.Wait()
		}
		if b.closed || b.ctx.Err() != nil {
			b.mu.Unlock()
			return
		}
		it := b.queue[0]
		b.queue[0] = item{}
		b.queue = b.queue[1:]
		b.busy = true
		b.mu.Unlock()

		b.deliver(it)
	}
}

func (b *Bridge) deliver(it item) {
	if it.epoch != b.epoch.Load() {
		atomic.AddUint64(&b.droppedStale, 1)
		return
	}

	ref := b.listener.Load()
	if ref == nil {
		atomic.AddUint64(&b.droppedNoTarget, 1)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&b.panics, 1)
			slog.Error("bridge: listener panicked", "panic", r, "kind", it.event.Kind.String())
		}
	}()

	if it.status != nil {
		ref.l.OnNetStatus(it.status)
	} else {
		ref.l.OnPlayEvent(it.event.Kind, it.event.Payload)
	}
	atomic.AddUint64(&b.delivered, 1)
}
