package gst

import (
	"sync"
	"sync/atomic"
	"time"
)

// meter turns monotonically growing byte/frame totals into per-second rates.
// Totals are bumped from GStreamer streaming threads; Rates is called by the
// stats sampler.
type meter struct {
	videoBytes atomic.Uint64
	audioBytes atomic.Uint64
	frames     atomic.Uint64
	dropped    atomic.Uint64

	mu        sync.Mutex
	lastAt    time.Time
	lastVideo uint64
	lastAudio uint64
	lastFrame uint64
	rates     rates
}

type rates struct {
	VideoBytesPerSec int64
	AudioBytesPerSec int64
	FPS              float64
}

func (m *meter) addVideo(n int) { m.videoBytes.Add(uint64(n)) }
func (m *meter) addAudio(n int) { m.audioBytes.Add(uint64(n)) }
func (m *meter) addFrame() { m.frames.Add(1) }
func (m *meter) addDropped() { m.dropped.Add(1) }
func (m *meter) droppedFrames() int64 { return int64(m.dropped.Load()) }

// Rates returns the averages since the previous call. Calls closer than
// minWindow apart return the previous result so fast polling does not
// produce noisy zeroes.
func (m *meter) Rates(now time.Time) rates {
	const minWindow = 200 * time.Millisecond

	m.mu.Lock()
	defer m.mu.Unlock()

	video, audio, frames := m.videoBytes.Load(), m.audioBytes.Load(), m.frames.Load()
	if m.lastAt.IsZero() {
		m.lastAt, m.lastVideo, m.lastAudio, m.lastFrame = now, video, audio, frames
		return m.rates
	}
	elapsed := now.Sub(m.lastAt)
	if elapsed < minWindow {
		return m.rates
	}

	secs := elapsed.Seconds()
	m.rates = rates{
		VideoBytesPerSec: int64(float64(video-m.lastVideo) / secs),
		AudioBytesPerSec: int64(float64(audio-m.lastAudio) / secs),
		FPS:              float64(frames-m.lastFrame) / secs,
	}
	m.lastAt, m.lastVideo, m.lastAudio, m.lastFrame = now, video, audio, frames
	return m.rates
}

// reset clears the window after a pipeline rebuild.
func (m *meter) reset() {
	m.mu.Lock()
	m.lastAt = time.Time{}
	m.rates = rates{}
	m.mu.Unlock()
}
