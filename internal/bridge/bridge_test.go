package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	kinds  []events.Kind
	status []map[string]any
	block  chan struct{}
}

func (r *recorder) OnPlayEvent(kind events.Kind, payload map[string]any) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recorder) OnNetStatus(status map[string]any) {
	r.mu.Lock()
	r.status = append(r.status, status)
	r.mu.Unlock()
}

func (r *recorder) Kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.kinds...)
}

func newStarted(t *testing.T, capacity int) *Bridge {
	t.Helper()
	b := New(capacity)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Close)
	return b
}

func waitIdle(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

// TestSameProducerOrder verifies events posted by one goroutine arrive in
// posting order.
func TestSameProducerOrder(t *testing.T) {
	b := newStarted(t, 0)
	rec := &recorder{}
	b.SetListener(rec)

	seq := []events.Kind{events.PlayPrepared, events.PlayBegin, events.PlayProgress, events.PlayProgress, events.PlayEnd}
	for _, k := range seq {
		require.True(t, b.PostEvent(events.New(k, "", nil)))
	}

	waitIdle(t, b)
	assert.Equal(t, seq, rec.Kinds())
}

// TestPerProducerOrderUnderConcurrency verifies each producer's events stay in
// order even when producers interleave.
func TestPerProducerOrderUnderConcurrency(t *testing.T) {
	b := newStarted(t, 10000)

	var mu sync.Mutex
	got := map[int][]int64{}
	b.SetListener(events.ListenerFuncs{PlayEvent: func(kind events.Kind, payload map[string]any) {
		producer := payload["producer"].(int)
		mu.Lock()
		got[producer] = append(got[producer], payload["seq"].(int64))
		mu.Unlock()
	}})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := int64(0); i < 200; i++ {
				b.PostEvent(events.New(events.PlayProgress, "", map[string]any{"producer": p, "seq": i}))
			}
		}(p)
	}
	wg.Wait()
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	for p := 0; p < 4; p++ {
		require.Len(t, got[p], 200)
		for i, v := range got[p] {
			assert.Equal(t, int64(i), v, "producer %d out of order", p)
		}
	}
}

// TestDropWithoutListener verifies posts with no listener are dropped rather
// than queued.
func TestDropWithoutListener(t *testing.T) {
	b := newStarted(t, 0)

	assert.False(t, b.PostEvent(events.New(events.PlayBegin, "", nil)))
	assert.Equal(t, 0, b.Stats().Pending)
	assert.Equal(t, uint64(1), b.Stats().DroppedNoTarget)

	rec := &recorder{}
	b.SetListener(rec)
	waitIdle(t, b)
	assert.Empty(t, rec.Kinds(), "event posted before listener must not be replayed")
}

// TestListenerClearedBeforeDelivery verifies queued items are skipped when the
// listener is cleared concurrently.
func TestListenerClearedBeforeDelivery(t *testing.T) {
	b := newStarted(t, 0)
	rec := &recorder{block: make(chan struct{})}
	b.SetListener(rec)

	b.PostEvent(events.New(events.PlayBegin, "", nil))
	require.Eventually(t, func() bool { return b.Stats().Pending == 0 }, time.Second, time.Millisecond)
	b.PostEvent(events.New(events.PlayProgress, "", nil))
	b.PostEvent(events.New(events.PlayEnd, "", nil))

	b.SetListener(nil)
	close(rec.block)
	waitIdle(t, b)

	assert.Equal(t, []events.Kind{events.PlayBegin}, rec.Kinds())
	assert.Equal(t, uint64(2), b.Stats().DroppedNoTarget)
}

// TestAdvanceDropsStaleItems verifies items queued before Advance are not
// delivered.
func TestAdvanceDropsStaleItems(t *testing.T) {
	b := newStarted(t, 0)
	rec := &recorder{block: make(chan struct{})}
	b.SetListener(rec)

	epoch := b.Epoch()
	b.PostEventAt(epoch, events.New(events.PlayBegin, "", nil))
	require.Eventually(t, func() bool { return b.Stats().Pending == 0 }, time.Second, time.Millisecond)
	b.PostEventAt(epoch, events.New(events.PlayProgress, "", nil))

	b.Advance()
	assert.False(t, b.PostEventAt(epoch, events.New(events.PlayEnd, "", nil)))
	b.PostEvent(events.New(events.PlayLoading, "", nil))

	close(rec.block)
	waitIdle(t, b)

	assert.Equal(t, []events.Kind{events.PlayBegin, events.PlayLoading}, rec.Kinds())
	assert.Equal(t, uint64(2), b.Stats().DroppedStale)
}

// TestOverflowDropsNewest verifies the capacity bound.
func TestOverflowDropsNewest(t *testing.T) {
	b := New(2) // not started: nothing drains
	defer b.Close()
	b.SetListener(&recorder{})

	assert.True(t, b.PostEvent(events.New(events.PlayBegin, "", nil)))
	assert.True(t, b.PostEvent(events.New(events.PlayProgress, "", nil)))
	assert.False(t, b.PostEvent(events.New(events.PlayEnd, "", nil)))
	assert.Equal(t, uint64(1), b.Stats().DroppedOverflow)
}

// TestNetStatusIsCopied verifies the producer can mutate its map after
// posting without affecting the delivered snapshot.
func TestNetStatusIsCopied(t *testing.T) {
	b := newStarted(t, 0)
	rec := &recorder{}
	b.SetListener(rec)

	status := map[string]any{events.NetVideoWidth: 1280, events.NetVideoHeight: 720}
	b.PostNetStatus(status)
	status[events.NetVideoWidth] = 640
	waitIdle(t, b)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.status, 1)
	assert.Equal(t, 1280, rec.status[0][events.NetVideoWidth])
}

// TestListenerPanicRecovered verifies a panicking listener does not stop the
// consumer.
func TestListenerPanicRecovered(t *testing.T) {
	b := newStarted(t, 0)

	var calls int
	b.SetListener(events.ListenerFuncs{PlayEvent: func(kind events.Kind, _ map[string]any) {
		calls++
		if kind == events.PlayBegin {
			panic("listener bug")
		}
	}})

	b.PostEvent(events.New(events.PlayBegin, "", nil))
	b.PostEvent(events.New(events.PlayEnd, "", nil))
	waitIdle(t, b)

	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(1), b.Stats().ListenerPanics)
}

// TestCloseIdempotent verifies Close may be called repeatedly and rejects
// later posts.
func TestCloseIdempotent(t *testing.T) {
	b := New(0)
	require.NoError(t, b.Start(context.Background()))
	b.SetListener(&recorder{})

	b.Close()
	b.Close()
	assert.False(t, b.PostEvent(events.New(events.PlayBegin, "", nil)))
}
