package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
)

type fixedCPU struct {
	proc, sys float64
	err       error
}

func (f fixedCPU) Usage() (float64, float64, error) { return f.proc, f.sys, f.err }

// TestConvert verifies unit conversion, cache aggregation and rotation swap.
func TestConvert(t *testing.T) {
	tests := []struct {
		name   string
		in     Counters
		wantW  int
		wantH  int
		wantVB int64
	}{
		{"landscape", Counters{Width: 1280, Height: 720, VideoBytesPerSec: 125000}, 1280, 720, 1000},
		{"rotated_90", Counters{Width: 1280, Height: 720, Rotation: 1}, 720, 1280, 0},
		{"rotated_180", Counters{Width: 1280, Height: 720, Rotation: 2}, 1280, 720, 0},
		{"rotated_270", Counters{Width: 1280, Height: 720, Rotation: 3}, 720, 1280, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Convert(tt.in)
			assert.Equal(t, tt.wantW, s.VideoWidth)
			assert.Equal(t, tt.wantH, s.VideoHeight)
			assert.Equal(t, tt.wantVB, s.VideoBitrateKbps)
		})
	}

	s := Convert(Counters{CachedVideoBytes: 300, CachedAudioBytes: 200, TCPBytesPerSec: 250000, AudioBytesPerSec: 16000})
	assert.Equal(t, int64(500), s.CacheBytes)
	assert.Equal(t, int64(2000), s.NetSpeedKbps)
	assert.Equal(t, int64(128), s.AudioBitrateKbps)
}

// TestTickSkipsWithoutBackend verifies a missing backend skips the tick
// instead of publishing an empty sample.
func TestTickSkipsWithoutBackend(t *testing.T) {
	var published int32
	s := New(Config{
		Source:  func() (Counters, bool) { return Counters{}, false },
		Publish: func(Snapshot) { atomic.AddInt32(&published, 1) },
	})

	s.Tick()
	assert.Zero(t, atomic.LoadInt32(&published))
	assert.Zero(t, s.Ticks())
}

// TestTickPublishesCopy verifies the published snapshot is a value that later
// ticks do not mutate, and that CPU usage is attached.
func TestTickPublishesCopy(t *testing.T) {
	var n int
	var got []Snapshot
	s := New(Config{
		Source: func() (Counters, bool) {
			n++
			return Counters{Width: 100 * n, Height: 10 * n}, true
		},
		Publish: func(snap Snapshot) { got = append(got, snap) },
		CPU:     fixedCPU{proc: 12.5, sys: 40},
	})

	s.Tick()
	s.Tick()

	require.Len(t, got, 2)
	assert.Equal(t, 100, got[0].VideoWidth)
	assert.Equal(t, 10, got[0].VideoHeight)
	assert.Equal(t, 200, got[1].VideoWidth)
	assert.Equal(t, 20, got[1].VideoHeight)
	assert.Equal(t, 12.5, got[1].CPUUsage)
	assert.Equal(t, s.Snapshot(), got[1])
}

// TestCPUProbeErrorIgnored verifies a failing probe leaves CPU usage at zero.
func TestCPUProbeErrorIgnored(t *testing.T) {
	s := New(Config{
		Source: func() (Counters, bool) { return Counters{Width: 1}, true },
		CPU:    fixedCPU{err: errors.New("no procfs")},
	})
	s.Tick()
	assert.Equal(t, 1, s.Snapshot().VideoWidth)
	assert.Zero(t, s.Snapshot().CPUUsage)
}

// TestNoTornPairs verifies readers never observe width/height from two
// different ticks.
func TestNoTornPairs(t *testing.T) {
	var n int64
	s := New(Config{
		Interval: time.Millisecond,
		Source: func() (Counters, bool) {
			v := int(atomic.AddInt64(&n, 1))
			return Counters{Width: v, Height: v * 2}, true
		},
	})
	s.Start(context.Background())
	defer s.Stop()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				snap := s.Snapshot()
				if snap.VideoHeight != snap.VideoWidth*2 {
					t.Errorf("torn snapshot: %dx%d", snap.VideoWidth, snap.VideoHeight)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestStopIsSynchronous verifies no tick runs after Stop returns.
func TestStopIsSynchronous(t *testing.T) {
	var ticks int64
	s := New(Config{
		Interval: 5 * time.Millisecond,
		Source: func() (Counters, bool) {
			atomic.AddInt64(&ticks, 1)
			return Counters{}, true
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt64(&ticks) >= 3 }, time.Second, time.Millisecond)
	s.Stop()
	after := atomic.LoadInt64(&ticks)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&ticks))
	assert.False(t, s.Running())

	s.Stop() // idempotent
}

// TestPeriodicPublish verifies the default period is roughly 500ms.
func TestPeriodicPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	var mu sync.Mutex
	var stamps []time.Time
	s := New(Config{
		Source: func() (Counters, bool) { return Counters{}, true },
		Publish: func(Snapshot) {
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		},
	})
	s.Start(context.Background())
	time.Sleep(1300 * time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 2)
	gap := stamps[1].Sub(stamps[0])
	assert.InDelta(t, float64(DefaultInterval), float64(gap), float64(100*time.Millisecond))
}

// TestToMapKeys verifies the net status keys.
func TestToMapKeys(t *testing.T) {
	m := Snapshot{VideoWidth: 1280, VideoHeight: 720, ServerIP: "10.0.0.1"}.ToMap()
	assert.Equal(t, 1280, m[events.NetVideoWidth])
	assert.Equal(t, 720, m[events.NetVideoHeight])
	assert.Equal(t, "10.0.0.1", m[events.NetServerIP])
	assert.Contains(t, m, events.NetCPUUsage)
}
