package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQueue(t *testing.T, maxDepth int) *Queue {
	t.Helper()
	q := New("test", maxDepth)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { q.Stop(Discard) })
	return q
}

// TestFIFOOrder verifies units run in submission order.
func TestFIFOOrder(t *testing.T) {
	q := startQueue(t, 0)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, q.SubmitAsync(func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	require.NoError(t, q.SubmitSync(context.Background(), func(context.Context) {}, time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

// TestMaxDepthBackpressure verifies the (N+1)-th pending async submission is
// rejected while the worker is busy.
func TestMaxDepthBackpressure(t *testing.T) {
	const depth = 3
	q := startQueue(t, depth)

	release := make(chan struct{})
	running := make(chan struct{})
	require.True(t, q.SubmitAsync(func(context.Context) {
		close(running)
		<-release
	}))
	<-running

	for i := 0; i < depth; i++ {
		assert.True(t, q.SubmitAsync(func(context.Context) {}), "submission %d", i+1)
	}
	assert.False(t, q.SubmitAsync(func(context.Context) {}), "submission beyond max depth must be rejected")
	assert.Equal(t, uint64(1), q.Stats().Rejected)

	close(release)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, q.SubmitAsync(func(context.Context) {}))
}

// TestSubmitSyncInlineOnWorker verifies a nested synchronous submission runs
// inline instead of deadlocking the worker.
func TestSubmitSyncInlineOnWorker(t *testing.T) {
	q := startQueue(t, 0)

	var order []string
	err := q.SubmitSync(context.Background(), func(ctx context.Context) {
		order = append(order, "outer-begin")
		err := q.SubmitSync(ctx, func(context.Context) {
			order = append(order, "inner")
		}, 0)
		assert.NoError(t, err)
		order = append(order, "outer-end")
	}, 2*time.Second)

	require.NoError(t, err)
	assert.Equal(t, []string{"outer-begin", "inner", "outer-end"}, order)
}

// TestSubmitSyncInlineWithoutWorkerContext verifies a nested synchronous
// submission that drops the worker context still runs inline.
func TestSubmitSyncInlineWithoutWorkerContext(t *testing.T) {
	q := startQueue(t, 0)

	var order []string
	var innerCtx context.Context
	err := q.SubmitSync(context.Background(), func(context.Context) {
		order = append(order, "outer-begin")
		err := q.SubmitSync(context.Background(), func(ctx context.Context) {
			innerCtx = ctx
			order = append(order, "inner")
		}, 0)
		assert.NoError(t, err)
		order = append(order, "outer-end")
	}, 2*time.Second)

	require.NoError(t, err)
	assert.Equal(t, []string{"outer-begin", "inner", "outer-end"}, order)
	require.NotNil(t, innerCtx)
	assert.Equal(t, q, innerCtx.Value(workerKey{}), "inline task sees the worker context")
}

// TestGoroutineID verifies ids are readable and distinct per goroutine.
func TestGoroutineID(t *testing.T) {
	self := goroutineID()
	require.NotZero(t, self)

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	id := <-other
	assert.NotZero(t, id)
	assert.NotEqual(t, self, id)
	assert.Equal(t, self, goroutineID())
}

// TestSubmitSyncTimeout verifies the optional timeout bounds the wait.
func TestSubmitSyncTimeout(t *testing.T) {
	q := startQueue(t, 0)

	release := make(chan struct{})
	defer close(release)
	q.SubmitAsync(func(context.Context) { <-release })

	err := q.SubmitSync(context.Background(), func(context.Context) {}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

// TestBoundedWaitBudget verifies a bounded caller gives up after the capped
// budget and reports an error.
func TestBoundedWaitBudget(t *testing.T) {
	q := startQueue(t, 0)

	release := make(chan struct{})
	defer close(release)
	q.SubmitAsync(func(context.Context) { <-release })

	start := time.Now()
	err := q.SubmitSync(WithBoundedWait(context.Background()), func(context.Context) {}, 300*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrWaitBudget)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, BoundedWaitBudget+500*time.Millisecond)
}

// TestStopDrain verifies drain mode runs every pending unit before exiting.
func TestStopDrain(t *testing.T) {
	q := New("drain", 0)
	require.NoError(t, q.Start(context.Background()))

	var ran int32
	for i := 0; i < 20; i++ {
		q.SubmitAsync(func(context.Context) {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&ran, 1)
		})
	}

	q.Stop(Drain)
	assert.Equal(t, int32(20), atomic.LoadInt32(&ran))
	assert.False(t, q.SubmitAsync(func(context.Context) {}), "closed queue must reject")
}

// TestStopDiscardFiresCompletion verifies discarded units still signal their
// waiters so no synchronous caller hangs.
func TestStopDiscardFiresCompletion(t *testing.T) {
	q := New("discard", 0)
	require.NoError(t, q.Start(context.Background()))

	release := make(chan struct{})
	running := make(chan struct{})
	q.SubmitAsync(func(context.Context) {
		close(running)
		<-release
	})
	<-running

	var notified atomic.Value
	q.SubmitAsyncNotify(func(context.Context) {
		t.Error("discarded task must not run")
	}, func(err error) { notified.Store(err) })

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- q.SubmitSync(context.Background(), func(context.Context) {
			t.Error("discarded task must not run")
		}, 0)
	}()
	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		q.Stop(Discard)
		close(stopped)
	}()

	select {
	case err := <-syncErr:
		assert.ErrorIs(t, err, ErrDiscarded)
	case <-time.After(time.Second):
		t.Fatal("sync waiter hung after discard")
	}

	close(release)
	<-stopped

	assert.ErrorIs(t, notified.Load().(error), ErrDiscarded)
	assert.Equal(t, uint64(2), q.Stats().Discarded)
}

// TestPanicRecovery verifies a panicking task does not kill the worker.
func TestPanicRecovery(t *testing.T) {
	q := startQueue(t, 0)

	err := q.SubmitSync(context.Background(), func(context.Context) { panic("boom") }, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	ok := false
	require.NoError(t, q.SubmitSync(context.Background(), func(context.Context) { ok = true }, time.Second))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), q.Stats().Panics)
}

// TestStopIdempotent verifies Stop can be called repeatedly.
func TestStopIdempotent(t *testing.T) {
	q := New("idem", 0)
	require.NoError(t, q.Start(context.Background()))
	q.Stop(Drain)
	q.Stop(Discard)
	q.Stop(Drain)

	assert.ErrorIs(t, q.SubmitSync(context.Background(), func(context.Context) {}, 0), ErrClosed)
}

// TestStartTwice verifies the second Start fails.
func TestStartTwice(t *testing.T) {
	q := startQueue(t, 0)
	assert.Error(t, q.Start(context.Background()))
}
