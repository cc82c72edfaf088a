// Package stats samples backend counters on a fixed period and publishes
// immutable net status snapshots.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
)

// DefaultInterval is the sampling period of the net status timer.
const DefaultInterval = 500 * time.Millisecond

// Counters are the raw values read from a backend on one tick.
type Counters struct {
	VideoBytesPerSec int64
	AudioBytesPerSec int64
	TCPBytesPerSec   int64
	FPS              float64
	CachedVideoBytes int64
	CachedAudioBytes int64
	DroppedFrames    int64
	JitterMs         int64
	Width            int
	Height           int
	Rotation         int // quarter turns, 0..3
	ServerIP         string
}

// Snapshot is one published sample. It is a value: copies never alias.
type Snapshot struct {
	VideoBitrateKbps int64
	AudioBitrateKbps int64
	NetSpeedKbps     int64
	FPS              float64
	CacheBytes       int64
	DroppedFrames    int64
	JitterMs         int64
	VideoWidth       int
	VideoHeight      int
	ServerIP         string
	CPUUsage         float64 // process percent
	SystemCPUUsage   float64
	TimestampMs      int64
}

// ToMap renders the snapshot with the net status keys listeners expect.
func (s Snapshot) ToMap() map[string]any {
	return map[string]any{
		events.NetVideoBitrate: s.VideoBitrateKbps,
		events.NetAudioBitrate: s.AudioBitrateKbps,
		events.NetSpeed:        s.NetSpeedKbps,
		events.NetVideoFPS:     s.FPS,
		events.NetCacheSize:    s.CacheBytes,
		events.NetDropSize:     s.DroppedFrames,
		events.NetJitter:       s.JitterMs,
		events.NetVideoWidth:   s.VideoWidth,
		events.NetVideoHeight:  s.VideoHeight,
		events.NetServerIP:     s.ServerIP,
		events.NetCPUUsage:     s.CPUUsage,
		events.NetTimestamp:    s.TimestampMs,
	}
}

// Source reads the current backend counters. ok is false when no backend is
// attached; the tick is skipped.
type Source func() (c Counters, ok bool)

// Publisher receives each new snapshot.
type Publisher func(s Snapshot)

// Config configures a Sampler.
type Config struct {
	Interval time.Duration
	Source   Source
	Publish  Publisher
	CPU      CPUProbe // optional
}

// Sampler polls Source every Interval while running.
type Sampler struct {
	interval time.Duration
	source   Source
	publish  Publisher
	cpu      CPUProbe

	mu   sync.Mutex
	snap Snapshot

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	ticks   uint64
	skipped uint64
}

// New creates a stopped sampler.
func New(cfg Config) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sampler{
		interval: cfg.Interval,
		source:   cfg.Source,
		publish:  cfg.Publish,
		cpu:      cfg.CPU,
	}
}

// Start launches the ticker goroutine. Calling Start on a running sampler is
// a no-op.
func (s *Sampler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return
	}

	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(tickCtx, s.done)
	slog.Debug("stats: sampler started", "interval", s.interval)
}

// Stop cancels the ticker and waits for an in-flight tick to finish. No tick
// runs after Stop returns. Idempotent.
func (s *Sampler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false

	slog.Debug("stats: sampler stopped",
		"ticks", atomic.LoadUint64(&s.ticks),
		"skipped", atomic.LoadUint64(&s.skipped),
	)
}

// Running reports whether the ticker is active.
func (s *Sampler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// Snapshot returns a copy of the latest sample.
func (s *Sampler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Reset clears the stored sample.
func (s *Sampler) Reset() {
	s.mu.Lock()
	s.snap = Snapshot{}
	s.mu.Unlock()
}

// Ticks returns the number of ticks that produced a sample.
func (s *Sampler) Ticks() uint64 { return atomic.LoadUint64(&s.ticks) }

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.Tick()
		}
	}
}

// Tick takes one sample immediately.
func (s *Sampler) Tick() {
	if s.source == nil {
		atomic.AddUint64(&s.skipped, 1)
		return
	}
	c, ok := s.source()
	if !ok {
		atomic.AddUint64(&s.skipped, 1)
		return
	}

	snap := Convert(c)
	if s.cpu != nil {
		proc, sys, err := s.cpu.Usage()
		if err != nil {
			slog.Debug("stats: cpu probe failed", "error", err)
		} else {
			snap.CPUUsage = proc
			snap.SystemCPUUsage = sys
		}
	}
	snap.TimestampMs = time.Now().UnixMilli()

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	atomic.AddUint64(&s.ticks, 1)
	if s.publish != nil {
		s.publish(snap)
	}
}

// Convert turns raw counters into a snapshot: byte rates become kbps, cache
// occupancy is the audio plus video backlog, and width/height are swapped for
// 90 and 270 degree rotations.
func Convert(c Counters) Snapshot {
	w, h := c.Width, c.Height
	if c.Rotation%2 != 0 {
		w, h = h, w
	}
	return Snapshot{
		VideoBitrateKbps: toKbps(c.VideoBytesPerSec),
		AudioBitrateKbps: toKbps(c.AudioBytesPerSec),
		NetSpeedKbps:     toKbps(c.TCPBytesPerSec),
		FPS:              c.FPS,
		CacheBytes:       c.CachedVideoBytes + c.CachedAudioBytes,
		DroppedFrames:    c.DroppedFrames,
		JitterMs:         c.JitterMs,
		VideoWidth:       w,
		VideoHeight:      h,
		ServerIP:         c.ServerIP,
	}
}

func toKbps(bytesPerSec int64) int64 {
	return bytesPerSec * 8 / 1000
}
