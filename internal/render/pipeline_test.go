package render

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu        sync.Mutex
	presented []uint64
	cleared   int
	modes     []InputMode
	refuse    map[InputMode]bool
}

func (f *fakeTarget) Prepare(mode InputMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	if f.refuse[mode] {
		return errors.New("surface cannot accept mode")
	}
	return nil
}

func (f *fakeTarget) Present(img Image) {
	f.mu.Lock()
	f.presented = append(f.presented, img.Seq)
	f.mu.Unlock()
}

func (f *fakeTarget) Clear() {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.presented)
}

// TestFeedPresents verifies fed frames reach the target and are retained.
func TestFeedPresents(t *testing.T) {
	p := NewPipeline("test")
	target := &fakeTarget{}
	require.NoError(t, p.Bind(target))
	defer p.Unbind()

	require.NoError(t, p.Start(InputSoftwareRGBA))
	defer p.Stop(true)

	assert.True(t, p.Feed(Image{Seq: 1, Width: 4, Height: 2}))
	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)

	last, ok := p.LastFrame()
	require.True(t, ok)
	assert.Equal(t, uint64(1), last.Seq)
}

// TestUnbindStopsDelivery verifies a running pipeline stops presenting to a
// target once it is unbound, while still retaining fed frames.
func TestUnbindStopsDelivery(t *testing.T) {
	p := NewPipeline("unbind")
	target := &fakeTarget{}
	require.NoError(t, p.Bind(target))
	require.NoError(t, p.Start(InputSoftwareRGBA))
	defer p.Stop(true)

	p.Feed(Image{Seq: 1})
	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)

	p.Unbind()
	p.Feed(Image{Seq: 2})
	require.Eventually(t, func() bool {
		last, ok := p.LastFrame()
		return ok && last.Seq == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, target.count())
}

// TestFeedWhenStopped verifies Feed is refused while stopped.
func TestFeedWhenStopped(t *testing.T) {
	p := NewPipeline("stopped")
	assert.False(t, p.Feed(Image{Seq: 1}))
}

// TestStopKeepsLastFrame verifies Stop(false) keeps the last picture and
// Stop(true) clears it.
func TestStopKeepsLastFrame(t *testing.T) {
	p := NewPipeline("keep")
	target := &fakeTarget{}
	require.NoError(t, p.Bind(target))
	defer p.Unbind()

	require.NoError(t, p.Start(InputHardwareSurface))
	p.Feed(Image{Seq: 7})
	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)

	p.Stop(false)
	_, ok := p.LastFrame()
	assert.True(t, ok)
	assert.Zero(t, target.cleared)

	require.NoError(t, p.Start(InputSoftwareRGBA))
	p.Stop(true)
	_, ok = p.LastFrame()
	assert.False(t, ok)
	assert.Equal(t, 1, target.cleared)
	assert.Equal(t, []InputMode{InputHardwareSurface, InputSoftwareRGBA}, target.modes)
}

// TestStartPrepareFailure verifies a refused input mode aborts Start.
func TestStartPrepareFailure(t *testing.T) {
	p := NewPipeline("refuse")
	target := &fakeTarget{refuse: map[InputMode]bool{InputSoftwareRGBA: true}}
	require.NoError(t, p.Bind(target))
	defer p.Unbind()

	assert.Error(t, p.Start(InputSoftwareRGBA))
	assert.False(t, p.Running())
}

// TestExclusiveBinding verifies a target belongs to one pipeline at a time.
func TestExclusiveBinding(t *testing.T) {
	target := &fakeTarget{}
	a := NewPipeline("a")
	b := NewPipeline("b")

	require.NoError(t, a.Bind(target))
	assert.ErrorIs(t, b.Bind(target), ErrTargetBound)

	a.Unbind()
	require.NoError(t, b.Bind(target))
	b.Unbind()
}

// TestMailboxOverwrite verifies an unconsumed frame is replaced, not queued.
func TestMailboxOverwrite(t *testing.T) {
	p := NewPipeline("overwrite")
	block := make(chan struct{})
	target := &blockingTarget{block: block}
	require.NoError(t, p.Bind(target))
	defer p.Unbind()
	require.NoError(t, p.Start(InputSoftwareRGBA))

	p.Feed(Image{Seq: 1})
	require.Eventually(t, func() bool { return target.entered() }, time.Second, time.Millisecond)
	p.Feed(Image{Seq: 2})
	p.Feed(Image{Seq: 3})
	close(block)

	require.Eventually(t, func() bool {
		last, ok := p.LastFrame()
		return ok && last.Seq == 3
	}, time.Second, time.Millisecond)
	p.Stop(false)

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Fed)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(2), st.Presented)
}

type blockingTarget struct {
	block chan struct{}
	mu    sync.Mutex
	in    bool
}

func (b *blockingTarget) Prepare(InputMode) error { return nil }
func (b *blockingTarget) Clear()                  {}
func (b *blockingTarget) Present(Image) {
	b.mu.Lock()
	b.in = true
	b.mu.Unlock()
	<-b.block
}
func (b *blockingTarget) entered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.in
}
