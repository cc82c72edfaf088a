// Package synthetic provides an in-process decode backend that produces
// deterministic callbacks, frames and metrics without touching the network.
// It backs the daemon's "synthetic" backend mode and the controller tests,
// and exposes fault injection for the error and fallback paths.
package synthetic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/render"
)

// Config shapes the generated stream.
type Config struct {
	Width            int
	Height           int
	FPS              int
	PrepareDelay     time.Duration
	ProgressInterval time.Duration
	// Duration is the media length. Zero means live (no completion).
	Duration time.Duration

	VideoBytesPerSec int64
	AudioBytesPerSec int64
	TCPBytesPerSec   int64
	CachedBytes      int64
	ServerIP         string

	// FailPrepare makes PrepareAsync report this error instead of
	// OnPrepared.
	FailPrepare *backend.ErrorCode
}

// DefaultConfig is a 1280x720 live stream at 25 fps.
func DefaultConfig() Config {
	return Config{
		Width:            1280,
		Height:           720,
		FPS:              25,
		PrepareDelay:     20 * time.Millisecond,
		ProgressInterval: time.Second,
		VideoBytesPerSec: 187500, // 1500 kbps
		AudioBytesPerSec: 16000,  // 128 kbps
		TCPBytesPerSec:   210000,
		CachedBytes:      512 * 1024,
		ServerIP:         "127.0.0.1",
	}
}

// Backend is one synthetic playback instance.
type Backend struct {
	cfg  Config
	opts backend.Options

	mu          sync.Mutex
	cb          *backend.Callbacks
	prepared    bool
	playing     bool
	released    bool
	looping     bool
	muted       bool
	rate        float64
	channel     int
	positionMs  int64
	firstFrame  bool
	software    bool
	hwFailNext  bool
	seekPending bool
	srcChanged  bool
	url         string
	playType    backend.PlayType
	seq         uint64
	calls       []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a backend for opts.
func New(cfg Config, opts backend.Options) *Backend {
	if cfg.FPS <= 0 {
		cfg.FPS = 25
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}
	rate := opts.Settings.PlaybackRate
	if rate <= 0 {
		rate = 1
	}
	return &Backend{
		cfg:      cfg,
		opts:     opts,
		rate:     rate,
		looping:  opts.Settings.Looping,
		muted:    opts.Settings.Mute,
		channel:  opts.Settings.ChannelMode,
		url:      opts.URL,
		playType: opts.PlayType,
	}
}

func (b *Backend) record(call string) {
	b.calls = append(b.calls, call)
}

// Calls returns the control calls received so far, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Backend) Variant() backend.Variant { return b.opts.Variant }

func (b *Backend) SetCallbacks(cb *backend.Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = cb
	if cb == nil {
		b.record("unregister")
	}
}

func (b *Backend) callbacks() *backend.Callbacks {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	return b.cb
}

func (b *Backend) PrepareAsync(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return backend.ErrReleased
	}
	if b.cancel != nil {
		return fmt.Errorf("synthetic: already preparing")
	}
	b.record("prepare")

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(b.ctx)
	return nil
}

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return backend.ErrReleased
	}
	b.record("start")
	b.playing = true
	return nil
}

func (b *Backend) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return backend.ErrReleased
	}
	b.record("pause")
	b.playing = false
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	b.record("stop")
	b.playing = false
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}

func (b *Backend) Release() error {
	if err := b.Stop(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("release")
	b.released = true
	b.cb = nil
	return nil
}

func (b *Backend) SeekTo(ms int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.prepared {
		return backend.ErrNotPrepared
	}
	b.record(fmt.Sprintf("seek:%d", ms))
	b.positionMs = ms
	b.seekPending = true
	return nil
}

func (b *Backend) SetPlaybackRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("synthetic: invalid playback rate %.2f", rate)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = rate
	return nil
}

func (b *Backend) SetLooping(on bool) {
	b.mu.Lock()
	b.looping = on
	b.mu.Unlock()
}

func (b *Backend) SetMute(on bool) {
	b.mu.Lock()
	b.record(fmt.Sprintf("mute:%t", on))
	b.muted = on
	b.mu.Unlock()
}

// Muted reports the current mute flag.
func (b *Backend) Muted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.muted
}

func (b *Backend) SetAudioChannelMode(mode int) {
	b.mu.Lock()
	b.channel = mode
	b.mu.Unlock()
}

func (b *Backend) CurrentPosition() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionMs
}

func (b *Backend) Duration() int64 {
	return b.cfg.Duration.Milliseconds()
}

func (b *Backend) VideoSize() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.playType.IsAudio() {
		return 0, 0
	}
	return b.cfg.Width, b.cfg.Height
}

func (b *Backend) IsPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

func (b *Backend) Metrics() backend.Metrics {
	b.mu.Lock()
	playing := b.playing
	audioOnly := b.playType.IsAudio()
	b.mu.Unlock()

	m := backend.Metrics{
		AudioBytesPerSec: b.cfg.AudioBytesPerSec,
		TCPBytesPerSec:   b.cfg.TCPBytesPerSec,
		CachedAudioBytes: b.cfg.CachedBytes / 4,
		ServerIP:         b.cfg.ServerIP,
	}
	if !audioOnly {
		m.VideoBytesPerSec = b.cfg.VideoBytesPerSec
		m.CachedVideoBytes = b.cfg.CachedBytes - m.CachedAudioBytes
		if playing {
			m.FPS = float64(b.cfg.FPS)
		}
	}
	return m
}

// ChangeSource switches to url in place. The new source reports
// InfoVideoSourceChanged and renders a new first frame.
func (b *Backend) ChangeSource(url string, t backend.PlayType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return backend.ErrReleased
	}
	b.record("change_source:" + url)
	b.url = url
	b.playType = t
	b.positionMs = 0
	b.firstFrame = false
	b.srcChanged = true
	return nil
}

// SwitchToSoftware routes later frames through the software path.
func (b *Backend) SwitchToSoftware() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("switch_software")
	b.software = true
	return nil
}

// Software reports whether SwitchToSoftware was called.
func (b *Backend) Software() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.software
}

// URL returns the current source.
func (b *Backend) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

// InjectHardwareFailure marks the next video buffer as undeliverable on the
// hardware path.
func (b *Backend) InjectHardwareFailure() {
	b.mu.Lock()
	b.hwFailNext = true
	b.mu.Unlock()
}

// InjectError reports an error through OnError from the caller's goroutine.
func (b *Backend) InjectError(code backend.ErrorCode, extra int) {
	if cb := b.callbacks(); cb != nil && cb.OnError != nil {
		cb.OnError(code, extra)
	}
}

// InjectInfo reports an info code through OnInfo from the caller's goroutine.
func (b *Backend) InjectInfo(code backend.InfoCode, extra int64) {
	if cb := b.callbacks(); cb != nil && cb.OnInfo != nil {
		cb.OnInfo(code, extra)
	}
}

// InjectCompletion reports the end of the media.
func (b *Backend) InjectCompletion() {
	b.mu.Lock()
	b.playing = false
	b.mu.Unlock()
	if cb := b.callbacks(); cb != nil && cb.OnCompletion != nil {
		cb.OnCompletion()
	}
}

// run is the backend's decode goroutine: prepare, then one tick per frame.
func (b *Backend) run(ctx context.Context) {
	defer b.wg.Done()

	select {
	case <-time.After(b.cfg.PrepareDelay):
	case <-ctx.Done():
		return
	}

	if b.cfg.FailPrepare != nil {
		if cb := b.callbacks(); cb != nil && cb.OnError != nil {
			cb.OnError(*b.cfg.FailPrepare, 0)
		}
		return
	}

	b.mu.Lock()
	b.prepared = true
	b.mu.Unlock()

	if cb := b.callbacks(); cb != nil {
		if cb.OnInfo != nil {
			cb.OnInfo(backend.InfoConnected, 0)
			if b.opts.PlayType.IsLive() {
				cb.OnInfo(backend.InfoStreamBegin, 0)
			}
		}
		if w, h := b.VideoSize(); w > 0 && cb.OnVideoSizeChanged != nil {
			cb.OnVideoSizeChanged(w, h)
		}
		if cb.OnPrepared != nil {
			cb.OnPrepared()
		}
	}

	slog.Debug("synthetic: prepared", "url", b.opts.URL, "variant", b.opts.Variant.String())

	frameInterval := time.Second / time.Duration(b.cfg.FPS)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var sinceProgress time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sinceProgress += frameInterval
			report := sinceProgress >= b.cfg.ProgressInterval
			if report {
				sinceProgress = 0
			}
			b.tick(frameInterval, report)
		}
	}
}

// tick advances one frame and fires the callbacks it implies.
func (b *Backend) tick(step time.Duration, reportProgress bool) {
	b.mu.Lock()
	cb := b.cb
	if b.released || cb == nil {
		b.mu.Unlock()
		return
	}

	seekDone := b.seekPending
	b.seekPending = false
	srcChanged := b.srcChanged
	b.srcChanged = false

	if !b.playing {
		b.mu.Unlock()
		if seekDone && cb.OnSeekComplete != nil {
			cb.OnSeekComplete()
		}
		if srcChanged && cb.OnInfo != nil {
			cb.OnInfo(backend.InfoVideoSourceChanged, 0)
		}
		return
	}

	b.positionMs += int64(float64(step.Milliseconds()) * b.rate)
	completed := false
	if d := b.cfg.Duration.Milliseconds(); d > 0 && b.positionMs >= d {
		if b.looping {
			b.positionMs = 0
		} else {
			b.positionMs = d
			b.playing = false
			completed = true
		}
	}

	first := !b.firstFrame
	b.firstFrame = true
	hwFail := b.hwFailNext && b.opts.Variant == backend.VariantHardwareNative && !b.software
	b.hwFailNext = false
	b.seq++
	seq := b.seq
	pos := b.positionMs
	video := !b.playType.IsAudio()
	b.mu.Unlock()

	if srcChanged && cb.OnInfo != nil {
		cb.OnInfo(backend.InfoVideoSourceChanged, 0)
	}
	if seekDone && cb.OnSeekComplete != nil {
		cb.OnSeekComplete()
	}

	if video && cb.OnVideoBuffer != nil {
		cb.OnVideoBuffer(backend.VideoBuffer{
			Image: render.Image{
				Data:      make([]byte, 16),
				Width:     b.cfg.Width,
				Height:    b.cfg.Height,
				Seq:       seq,
				Timestamp: time.Now(),
				TraceID:   uuid.New().String(),
			},
			HardwareFailed: hwFail,
		})
	}

	if first && cb.OnInfo != nil {
		if video {
			cb.OnInfo(backend.InfoVideoRenderingStart, 0)
		} else {
			cb.OnInfo(backend.InfoAudioRenderingStart, 0)
		}
	}

	if reportProgress && cb.OnInfo != nil {
		cb.OnInfo(backend.InfoProgress, pos)
	}

	if completed && cb.OnCompletion != nil {
		cb.OnCompletion()
	}
}

// Driver builds synthetic backends for a factory and remembers them so tests
// and the daemon can inject faults into the live instance.
type Driver struct {
	cfg Config

	mu       sync.Mutex
	backends []*Backend
}

// NewDriver creates a driver producing backends with cfg.
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Constructor satisfies backend.Constructor.
func (d *Driver) Constructor(opts backend.Options) (backend.Backend, error) {
	b := New(d.cfg, opts)
	d.mu.Lock()
	d.backends = append(d.backends, b)
	d.mu.Unlock()
	return b, nil
}

// Last returns the most recently built backend.
func (d *Driver) Last() *Backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backends) == 0 {
		return nil
	}
	return d.backends[len(d.backends)-1]
}

// Count returns how many backends were built.
func (d *Driver) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backends)
}
