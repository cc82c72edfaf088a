package gst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/render"
)

// progressInterval is how often the bus monitor reports playback position.
const progressInterval = time.Second

// Backend is a GStreamer playback instance. Control methods may be called from
// any goroutine except Stop and Release, which wait for the bus monitor and
// must not be called from inside a callback.
type Backend struct {
	opts backend.Options

	mu          sync.Mutex
	cb          *backend.Callbacks
	els         *elements
	url         string
	playType    backend.PlayType
	software    bool
	wantPlaying bool
	prepared    bool
	released    bool
	looping     bool
	muted       bool
	rate        float64
	channel     int
	width       int
	height      int
	durationMs  int64
	seeking     bool
	buffering   bool
	srcChanged  bool
	resumeAtMs  int64
	lastPosMs   int64
	serverIP    string

	firstFrame atomic.Bool
	seq        atomic.Uint64
	meter      meter
	reconnect  backend.ReconnectState
	rebuild    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a backend. Nothing is built until PrepareAsync.
func New(opts backend.Options) *Backend {
	rate := opts.Settings.PlaybackRate
	if rate <= 0 {
		rate = 1
	}
	return &Backend{
		opts:     opts,
		url:      opts.URL,
		playType: opts.PlayType,
		software: opts.Variant != backend.VariantHardwareNative,
		looping:  opts.Settings.Looping,
		muted:    opts.Settings.Mute,
		rate:     rate,
		channel:  opts.Settings.ChannelMode,
		rebuild:  make(chan struct{}, 1),
	}
}

func (b *Backend) Variant() backend.Variant { return b.opts.Variant }

func (b *Backend) SetCallbacks(cb *backend.Callbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

func (b *Backend) callbacks() *backend.Callbacks {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	return b.cb
}

func (b *Backend) info(code backend.InfoCode, extra int64) {
	if cb := b.callbacks(); cb != nil && cb.OnInfo != nil {
		cb.OnInfo(code, extra)
	}
}

func (b *Backend) fail(code backend.ErrorCode, extra int) {
	if cb := b.callbacks(); cb != nil && cb.OnError != nil {
		cb.OnError(code, extra)
	}
}

func (b *Backend) PrepareAsync(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return backend.ErrReleased
	}
	if b.cancel != nil {
		return fmt.Errorf("gst: already preparing")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(b.ctx)

	slog.Info("gst: preparing",
		"session_id", b.opts.SessionID,
		"url", b.url,
		"variant", b.opts.Variant.String(),
		"play_type", b.playType.String(),
	)
	return nil
}

func (b *Backend) setState(state gst.State) error {
	b.mu.Lock()
	els := b.els
	b.mu.Unlock()
	if els == nil {
		return nil
	}
	if err := els.Pipeline.SetState(state); err != nil {
		return fmt.Errorf("gst: set state %v: %w", state, err)
	}
	return nil
}

func (b *Backend) Start() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return backend.ErrReleased
	}
	b.wantPlaying = true
	ready := b.prepared && !b.buffering
	b.mu.Unlock()
	if !ready {
		return nil
	}
	return b.setState(gst.StatePlaying)
}

func (b *Backend) Pause() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return backend.ErrReleased
	}
	b.wantPlaying = false
	b.mu.Unlock()
	return b.setState(gst.StatePaused)
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	b.wantPlaying = false
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
	b.released = true
	b.cb = nil
	slog.Debug("gst: released", "session_id", b.opts.SessionID)
	return nil
}

func (b *Backend) SeekTo(ms int64) error {
	b.mu.Lock()
	els := b.els
	if !b.prepared || els == nil {
		b.mu.Unlock()
		return backend.ErrNotPrepared
	}
	b.seeking = true
	b.mu.Unlock()

	flags := gst.SeekFlagFlush | gst.SeekFlagKeyUnit
	if !els.Pipeline.SeekSimple(ms*int64(time.Millisecond), gst.FormatTime, flags) {
		b.mu.Lock()
		b.seeking = false
		b.mu.Unlock()
		return fmt.Errorf("gst: seek to %dms rejected", ms)
	}
	return nil
}

func (b *Backend) SetPlaybackRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("gst: invalid playback rate %.2f", rate)
	}
	b.mu.Lock()
	b.rate = rate
	els := b.els
	prepared := b.prepared
	b.mu.Unlock()
	if els == nil || !prepared {
		return nil
	}

	pos := b.CurrentPosition() * int64(time.Millisecond)
	ev := gst.NewSeekEvent(rate, gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagAccurate,
		gst.SeekTypeSet, pos, gst.SeekTypeNone, -1)
	if !els.Pipeline.SendEvent(ev) {
		return fmt.Errorf("gst: rate change to %.2f rejected", rate)
	}
	return nil
}

func (b *Backend) SetLooping(on bool) {
	b.mu.Lock()
	b.looping = on
	b.mu.Unlock()
}

func (b *Backend) SetMute(on bool) {
	b.mu.Lock()
	b.muted = on
	els := b.els
	b.mu.Unlock()
	if els != nil && els.Volume != nil {
		els.Volume.SetProperty("mute", on)
	}
}

func (b *Backend) SetAudioChannelMode(mode int) {
	b.mu.Lock()
	b.channel = mode
	els := b.els
	b.mu.Unlock()
	if els != nil && els.Panorama != nil {
		els.Panorama.SetProperty("panorama", panoramaFor(mode))
	}
}

func (b *Backend) CurrentPosition() int64 {
	b.mu.Lock()
	els := b.els
	last := b.lastPosMs
	b.mu.Unlock()
	if els == nil {
		return last
	}
	ok, pos := els.Pipeline.QueryPosition(gst.FormatTime)
	if !ok || pos < 0 {
		return last
	}
	return pos / int64(time.Millisecond)
}

func (b *Backend) Duration() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durationMs
}

func (b *Backend) VideoSize() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width, b.height
}

func (b *Backend) IsPlaying() bool {
	b.mu.Lock()
	els := b.els
	want := b.wantPlaying
	b.mu.Unlock()
	if els == nil || !want {
		return false
	}
	return els.Pipeline.GetCurrentState() == gst.StatePlaying
}

func (b *Backend) Metrics() backend.Metrics {
	r := b.meter.Rates(time.Now())

	b.mu.Lock()
	els := b.els
	serverIP := b.serverIP
	b.mu.Unlock()

	m := backend.Metrics{
		VideoBytesPerSec: r.VideoBytesPerSec,
		AudioBytesPerSec: r.AudioBytesPerSec,
		TCPBytesPerSec:   r.VideoBytesPerSec + r.AudioBytesPerSec,
		FPS:              r.FPS,
		DroppedFrames:    b.meter.droppedFrames(),
		ServerIP:         serverIP,
	}
	if els != nil {
		m.CachedVideoBytes = levelBytes(els.VideoQueue)
		m.CachedAudioBytes = levelBytes(els.AudioQueue)
	}
	return m
}

// ChangeSource rebuilds the pipeline for url while keeping the session. The
// new source reports InfoVideoSourceChanged once it is ready.
func (b *Backend) ChangeSource(url string, t backend.PlayType) error {
	if _, err := sourceURI(url); err != nil {
		return err
	}
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return backend.ErrReleased
	}
	b.url = url
	b.playType = t
	b.resumeAtMs = 0
	b.lastPosMs = 0
	b.srcChanged = true
	b.mu.Unlock()

	b.firstFrame.Store(false)
	b.requestRebuild()
	slog.Info("gst: changing source", "session_id", b.opts.SessionID, "url", url, "play_type", t.String())
	return nil
}

// SwitchToSoftware rebuilds the pipeline with the software decoder at the
// current position.
func (b *Backend) SwitchToSoftware() error {
	pos := b.CurrentPosition()

	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return backend.ErrReleased
	}
	if b.software {
		b.mu.Unlock()
		return nil
	}
	b.software = true
	b.resumeAtMs = pos
	b.mu.Unlock()

	b.requestRebuild()
	slog.Warn("gst: switching to software decode", "session_id", b.opts.SessionID, "position_ms", pos)
	return nil
}

func (b *Backend) requestRebuild() {
	select {
	case b.rebuild <- struct{}{}:
	default:
	}
}

// reconnectConfig resolves the session retry policy.
func (b *Backend) reconnectConfig() backend.ReconnectConfig {
	cfg := backend.DefaultReconnectConfig()
	if s := b.opts.Settings; s.ReconnectCount > 0 {
		cfg.Count = s.ReconnectCount
		if s.ReconnectInterval > 0 {
			cfg.Interval = s.ReconnectInterval
		}
	}
	return cfg
}

// failure remembers why the last pipeline attempt ended.
type failure struct {
	code  backend.ErrorCode
	extra int
	err   error
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

// run is the bus monitor goroutine. Network failures are retried through
// RunWithReconnect; anything else ends the session with OnError.
func (b *Backend) run(ctx context.Context) {
	defer b.wg.Done()

	b.resolveServer(ctx)

	err := backend.RunWithReconnect(ctx, b.session, b.reconnectConfig(), &b.reconnect, func(attempt int) {
		b.info(backend.InfoNetworkReconnect, int64(attempt))
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	var f *failure
	if errors.As(err, &f) {
		b.fail(f.code, f.extra)
		return
	}
	b.fail(backend.ErrorUnknown, 0)
}

// session runs pipelines until the source ends, fails or ctx is cancelled.
// Rebuild requests (software switch, source change) restart the loop
// without counting as a reconnect.
func (b *Backend) session(ctx context.Context) error {
	for {
		els, err := b.build()
		if err != nil {
			slog.Error("gst: pipeline build failed", "session_id", b.opts.SessionID, "error", err)
			b.fail(backend.ErrorUnsupported, 0)
			return nil
		}

		b.mu.Lock()
		b.els = els
		target := gst.StatePaused
		if b.wantPlaying && b.prepared {
			target = gst.StatePlaying
		}
		b.mu.Unlock()
		b.meter.reset()

		var out outcome
		if err := els.Pipeline.SetState(target); err != nil {
			out = outcome{kind: outcomeError, category: backend.ErrCategoryNetwork, message: err.Error()}
		} else {
			out = b.watch(ctx, els)
		}

		b.mu.Lock()
		b.els = nil
		b.mu.Unlock()
		if err := destroyPipeline(els); err != nil {
			slog.Warn("gst: pipeline teardown failed", "error", err)
		}

		switch out.kind {
		case outcomeRebuild:
			continue
		case outcomeCancelled:
			return nil
		case outcomeEOS:
			b.mu.Lock()
			loop := b.looping
			if loop {
				b.resumeAtMs = 0
			} else {
				b.wantPlaying = false
			}
			b.mu.Unlock()
			if loop {
				continue
			}
			if cb := b.callbacks(); cb != nil && cb.OnCompletion != nil {
				cb.OnCompletion()
			}
			return nil
		case outcomeError:
			code, extra := backend.CodeFor(out.category, out.message)
			err := &failure{code: code, extra: extra, err: fmt.Errorf("gst: %s error: %s", out.category, out.message)}
			if out.category == backend.ErrCategoryNetwork {
				b.mu.Lock()
				if !b.playType.IsLive() {
					b.resumeAtMs = b.lastPosMs
				}
				b.mu.Unlock()
				return err
			}
			b.fail(code, extra)
			return nil
		}
	}
}

func (b *Backend) build() (*elements, error) {
	uri, err := sourceURI(b.currentURL())
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	settings := b.opts.Settings
	settings.Mute = b.muted
	settings.ChannelMode = b.channel
	audioOnly := b.playType.IsAudio()
	hw := !b.software
	b.mu.Unlock()

	cfg := pipelineConfig{URI: uri, Hardware: hw, Settings: settings}
	if audioOnly {
		return buildAudioPipeline(cfg)
	}

	els, err := buildVideoPipeline(cfg)
	if err != nil {
		return nil, err
	}
	els.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: b.onSample,
	})
	b.countBytes(els.VideoQueue, b.meter.addVideo)
	b.countBytes(els.AudioQueue, b.meter.addAudio)
	return els, nil
}

func (b *Backend) currentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

func (b *Backend) countBytes(queue *gst.Element, add func(int)) {
	if queue == nil {
		return
	}
	pad := queue.GetStaticPad("sink")
	if pad == nil {
		return
	}
	pad.AddProbe(gst.PadProbeTypeBuffer, func(_ *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		if buf := info.GetBuffer(); buf != nil {
			add(int(buf.GetSize()))
		}
		return gst.PadProbeOK
	})
}

// onSample copies one RGBA frame out of the appsink and hands it to
// OnVideoBuffer.
func (b *Backend) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		b.meter.addDropped()
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		b.meter.addDropped()
		return gst.FlowOK
	}

	w, h := capsSize(sample.GetCaps())
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		b.meter.addDropped()
		return gst.FlowOK
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	b.meter.addFrame()
	b.updateSize(w, h)

	cb := b.callbacks()
	if cb == nil {
		return gst.FlowOK
	}
	if !b.firstFrame.Swap(true) && cb.OnInfo != nil {
		cb.OnInfo(backend.InfoVideoRenderingStart, 0)
	}
	if cb.OnVideoBuffer != nil {
		cb.OnVideoBuffer(backend.VideoBuffer{Image: render.Image{
			Data:      frame,
			Width:     w,
			Height:    h,
			Seq:       b.seq.Add(1),
			Timestamp: time.Now(),
			TraceID:   uuid.New().String(),
		}})
	}
	return gst.FlowOK
}

func (b *Backend) updateSize(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	b.mu.Lock()
	changed := w != b.width || h != b.height
	b.width, b.height = w, h
	b.mu.Unlock()
	if !changed {
		return
	}
	if cb := b.callbacks(); cb != nil && cb.OnVideoSizeChanged != nil {
		cb.OnVideoSizeChanged(w, h)
	}
}

// hardwareFailed reports the failed hardware path as a flagged buffer so the
// fallback monitor can switch the session to software decode.
func (b *Backend) hardwareFailed() {
	cb := b.callbacks()
	if cb == nil || cb.OnVideoBuffer == nil {
		return
	}
	cb.OnVideoBuffer(backend.VideoBuffer{
		Image:          render.Image{Seq: b.seq.Add(1), Timestamp: time.Now()},
		HardwareFailed: true,
	})
}

func capsSize(caps *gst.Caps) (int, int) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	st := caps.GetStructureAt(0)
	if st == nil {
		return 0, 0
	}
	return structInt(st, "width"), structInt(st, "height")
}

func structInt(st *gst.Structure, key string) int {
	v, err := st.GetValue(key)
	if err != nil {
		return 0
	}
	return toInt(v)
}

func levelBytes(el *gst.Element) int64 {
	if el == nil {
		return 0
	}
	v, err := el.GetProperty("current-level-bytes")
	if err != nil {
		return 0
	}
	return int64(toInt(v))
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}
