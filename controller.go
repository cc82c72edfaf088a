package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/fallback"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/render"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/stats"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/taskqueue"
)

// AudioFocus arbitrates the audio output with other players on the host.
type AudioFocus interface {
	// Request asks for exclusive audio output. Returns false if refused.
	Request() bool
	Abandon()
}

// SessionSummary describes a finished session.
type SessionSummary struct {
	ID        string
	URL       string
	PlayType  PlayType
	Variant   Variant
	StartedAt time.Time
	EndedAt   time.Time
	// EndReason is "stopped", "completed", "exited" or the SDK name of the
	// error event that ended playback.
	EndReason string
	Fallbacks uint64
	LastStats StatsSnapshot
}

// Options configures a Controller.
type Options struct {
	// Factory builds backends. Required.
	Factory *backend.Factory
	// Name labels the controller in logs.
	Name string
	// Config is the initial playback configuration. nil means
	// DefaultPlaybackConfig.
	Config *PlaybackConfig

	BridgeCapacity int
	TaskQueueDepth int
	StatsInterval  time.Duration
	CPUProbe       stats.CPUProbe
	AudioFocus     AudioFocus

	// OnSessionEnd is called after StopPlay releases a session, outside
	// every controller lock.
	OnSessionEnd func(SessionSummary)
}

// BridgeStats, QueueStats, RenderStats and FallbackStats are counter copies
// of the controller's components.
type (
	BridgeStats   = bridge.Stats
	QueueStats    = taskqueue.Stats
	RenderStats   = render.Stats
	FallbackStats = fallback.Stats
)

// Stats is a point-in-time view of the controller.
type Stats struct {
	State          State
	SessionID      string
	URL            string
	PlayType       PlayType
	Variant        Variant
	HardwareActive bool
	PositionMs     int64
	DurationMs     int64
	Net            StatsSnapshot
	Bridge         BridgeStats
	Queue          QueueStats
	Render         RenderStats
	Fallback       FallbackStats
}

// Controller owns one playback session at a time and the components around
// it: the backend, the image pipeline, the event bridge, the task queue, the
// stats sampler and the hardware fallback monitor.
//
// Control methods may be called from any goroutine. Events reach the
// listener on the bridge's consumer goroutine.
type Controller struct {
	name         string
	factory      *backend.Factory
	focus        AudioFocus
	onSessionEnd func(SessionSummary)

	// opMu serializes StartPlay, StopPlay, ChangeSource and Destroy.
	// Backend callbacks never take it.
	opMu sync.Mutex

	// mu guards the session fields below. Never held while calling into the
	// backend's blocking methods (Stop, Release).
	mu            sync.Mutex
	state         State
	cfg           PlaybackConfig
	hwDecode      bool
	target        render.Target
	backend       backend.Backend
	variant       backend.Variant
	url           string
	playType      backend.PlayType
	sessionID     string
	startedAt     time.Time
	paused        bool
	resumeWanted  bool
	peeking       bool
	seeking       bool
	pendingSeekMs int64
	preparedSent  bool
	firstFrame    bool
	rotation      int
	width         int
	height        int
	durationMs    int64
	muted         bool
	looping       bool
	rate          float64
	channel       ChannelMode
	focusHeld     bool
	endReason     string
	destroyed     bool

	epoch      atomic.Uint64
	hwDisabled atomic.Bool

	// releaseMu is shared by the buffer feeding path and pipeline teardown.
	releaseMu sync.Mutex

	bridge   *bridge.Bridge
	queue    *taskqueue.Queue
	sampler  *stats.Sampler
	pipeline *render.Pipeline
	monitor  *fallback.Monitor

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller and starts its bridge consumer and task
// queue worker. It runs Init first.
func NewController(opts Options) (*Controller, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("playback: backend factory is required")
	}
	if err := Init(); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "player"
	}
	cfg := DefaultPlaybackConfig()
	if opts.Config != nil {
		cfg = opts.Config.Normalize()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		name:          opts.Name,
		factory:       opts.Factory,
		focus:         opts.AudioFocus,
		onSessionEnd:  opts.OnSessionEnd,
		state:         StateNotInit,
		cfg:           cfg,
		pendingSeekMs: -1,
		rate:          1,
		channel:       cfg.ChannelMode,
		bridge:        bridge.New(opts.BridgeCapacity),
		queue:         taskqueue.New(opts.Name, opts.TaskQueueDepth),
		pipeline:      render.NewPipeline(opts.Name),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.sampler = stats.New(stats.Config{
		Interval: opts.StatsInterval,
		Source:   c.sampleCounters,
		Publish:  c.publishNetStatus,
		CPU:      opts.CPUProbe,
	})
	c.monitor = fallback.New(fallback.Config{
		ReleaseLock:     &c.releaseMu,
		Pipeline:        c.pipeline,
		DisableHardware: func() { c.hwDisabled.Store(true) },
		Rebind:          c.rebindSoftware,
		Emit: func(kind events.Kind, desc string) {
			c.bridge.PostEventAt(c.epoch.Load(), events.New(kind, desc, nil))
		},
	})

	if err := c.bridge.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("playback: start bridge: %w", err)
	}
	if err := c.queue.Start(ctx); err != nil {
		c.bridge.Close()
		cancel()
		return nil, fmt.Errorf("playback: start task queue: %w", err)
	}

	slog.Info("playback: controller created", "name", c.name)
	return c, nil
}

// SetListener installs the event listener. nil clears it; events posted
// while no listener is set are dropped.
func (c *Controller) SetListener(l Listener) {
	c.bridge.SetListener(l)
}

// SetConfig replaces the playback configuration used by the next StartPlay.
func (c *Controller) SetConfig(cfg PlaybackConfig) {
	cfg = cfg.Normalize()
	c.mu.Lock()
	c.cfg = cfg
	c.channel = cfg.ChannelMode
	c.mu.Unlock()
}

// Config returns a copy of the configuration used by the next StartPlay.
func (c *Controller) Config() PlaybackConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetRenderTarget sets the surface frames are presented on. The target is
// bound when a session starts and released when it stops, so a change takes
// effect at the next StartPlay. nil detaches it immediately.
func (c *Controller) SetRenderTarget(t RenderTarget) {
	c.mu.Lock()
	c.target = t
	c.mu.Unlock()

	if t == nil {
		c.pipeline.Unbind()
	}
}

// EnableHardwareDecode selects the hardware decoder for video play types
// from the next StartPlay on.
func (c *Controller) EnableHardwareDecode(on bool) bool {
	c.mu.Lock()
	c.hwDecode = on
	c.mu.Unlock()
	slog.Debug("playback: hardware decode preference", "name", c.name, "enabled", on)
	return true
}

// StartPlay validates url for t and starts a new session. It returns
// ResultOK, or ResultEmptyURL, ResultInvalidURL or ResultInvalidType for bad
// input, or ResultFailed when the controller is destroyed or no backend can
// be built. An active session is stopped first. No event is emitted before
// StartPlay returns.
func (c *Controller) StartPlay(url string, t PlayType) int {
	if rc := ValidateURL(url, t); rc != ResultOK {
		slog.Warn("playback: start rejected", "name", c.name, "url", url, "play_type", t.String(), "result", rc)
		return rc
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	destroyed := c.destroyed
	active := c.backend != nil
	c.mu.Unlock()
	if destroyed {
		return ResultFailed
	}
	if active {
		c.stopLocked(false)
	}

	startedAt := time.Now()

	c.mu.Lock()
	cfg := c.cfg
	hw := c.hwDecode && t.IsVideo()
	muted, looping, rate := c.muted, c.looping, c.rate
	channel := c.channel
	target := c.target
	c.mu.Unlock()

	cfg.ChannelMode = channel
	variant := backend.SelectVariant(t, hw)
	sessionID := uuid.New().String()

	b, err := c.factory.New(backend.Options{
		SessionID: sessionID,
		URL:       url,
		PlayType:  t,
		Variant:   variant,
		Settings:  cfg.settings(muted, looping, rate),
	})
	if err != nil {
		slog.Error("playback: backend unavailable",
			"name", c.name,
			"variant", variant.String(),
			"play_type", t.String(),
			"error", err,
		)
		return ResultFailed
	}

	c.hwDisabled.Store(false)
	epoch := c.bridge.Epoch()
	c.epoch.Store(epoch)

	c.mu.Lock()
	c.state = StateStarting
	c.backend = b
	c.variant = variant
	c.url = url
	c.playType = t
	c.sessionID = sessionID
	c.startedAt = startedAt
	c.resetSessionLocked()
	c.paused = false
	c.endReason = ""
	c.mu.Unlock()

	c.monitor.Arm(variant == backend.VariantHardwareNative)

	if t.IsVideo() {
		if err := c.startPipeline(target, hw); err != nil {
			slog.Error("playback: image pipeline failed", "name", c.name, "session_id", sessionID, "error", err)
			c.abortStart(b)
			return ResultFailed
		}
	}

	b.SetCallbacks(c.callbacksFor(b, epoch))
	c.sampler.Start(c.ctx)

	if err := b.PrepareAsync(c.ctx); err != nil {
		slog.Error("playback: prepare failed", "name", c.name, "session_id", sessionID, "error", err)
		c.abortStart(b)
		return ResultFailed
	}

	slog.Info("playback: session started",
		"name", c.name,
		"session_id", sessionID,
		"url", url,
		"play_type", t.String(),
		"variant", variant.String(),
		"start_ms", startedAt.UnixMilli(),
	)
	return ResultOK
}

// startPipeline binds the render target and starts the image pipeline on
// the input path of the chosen decoder, falling back to CPU buffers when
// the surface cannot take hardware frames.
func (c *Controller) startPipeline(target render.Target, hw bool) error {
	if target != nil {
		if err := c.pipeline.Bind(target); err != nil {
			slog.Warn("playback: render target unavailable", "name", c.name, "error", err)
		}
	}

	if hw {
		err := c.pipeline.Start(render.InputHardwareSurface)
		if err == nil {
			return nil
		}
		slog.Warn("playback: hardware surface input failed, using software input", "name", c.name, "error", err)
		c.hwDisabled.Store(true)
		c.monitor.Arm(false)
	}
	return c.pipeline.Start(render.InputSoftwareRGBA)
}

// abortStart undoes a StartPlay that failed after the backend was attached.
func (c *Controller) abortStart(b backend.Backend) {
	c.mu.Lock()
	c.backend = nil
	c.state = StateStopping
	c.mu.Unlock()

	c.bridge.Advance()
	c.sampler.Stop()
	c.teardown(b, true)

	c.mu.Lock()
	c.state = StateNotInit
	c.resetSessionLocked()
	c.mu.Unlock()
}

// resetSessionLocked clears the per-source flags. Caller holds c.mu.
func (c *Controller) resetSessionLocked() {
	c.peeking = false
	c.resumeWanted = false
	c.seeking = false
	c.pendingSeekMs = -1
	c.preparedSent = false
	c.firstFrame = false
	c.rotation = 0
	c.width = 0
	c.height = 0
	c.durationMs = 0
}

// StopPlay ends the session. clearLastFrame also drops the retained picture
// and clears the target. Returns 0; a second call is a no-op.
func (c *Controller) StopPlay(clearLastFrame bool) int {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(clearLastFrame)
	return ResultOK
}

// stopLocked runs the stop sequence. Caller holds opMu.
func (c *Controller) stopLocked(clearLastFrame bool) {
	c.mu.Lock()
	if c.state == StateNotInit || c.state == StateStopping {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	b := c.backend
	c.backend = nil
	summary := SessionSummary{
		ID:        c.sessionID,
		URL:       c.url,
		PlayType:  c.playType,
		Variant:   c.variant,
		StartedAt: c.startedAt,
		EndReason: c.endReason,
	}
	focusHeld := c.focusHeld
	c.focusHeld = false
	c.mu.Unlock()

	// Queued events of this session are not delivered after this point.
	c.bridge.Advance()

	c.sampler.Stop()
	if focusHeld && c.focus != nil {
		c.focus.Abandon()
	}

	if b != nil {
		c.teardown(b, clearLastFrame)
	}

	summary.LastStats = c.sampler.Snapshot()
	summary.Fallbacks = c.monitor.Stats().Fallbacks
	summary.EndedAt = time.Now()
	if summary.EndReason == "" {
		summary.EndReason = "stopped"
	}

	c.sampler.Reset()

	c.mu.Lock()
	c.state = StateNotInit
	c.resetSessionLocked()
	c.mu.Unlock()

	slog.Info("playback: session stopped",
		"name", c.name,
		"session_id", summary.ID,
		"end_reason", summary.EndReason,
		"duration_ms", summary.EndedAt.Sub(summary.StartedAt).Milliseconds(),
	)

	if b != nil && c.onSessionEnd != nil {
		c.onSessionEnd(summary)
	}
}

// teardown unregisters callbacks, stops the image pipeline under the release
// lock, releases the render binding and then the backend.
func (c *Controller) teardown(b backend.Backend, clearLastFrame bool) {
	b.SetCallbacks(nil)

	c.monitor.Teardown(func() {
		c.pipeline.Stop(clearLastFrame)
	})
	c.pipeline.Unbind()

	if err := b.Stop(); err != nil {
		slog.Warn("playback: backend stop failed", "name", c.name, "error", err)
	}
	if err := b.Release(); err != nil {
		slog.Warn("playback: backend release failed", "name", c.name, "error", err)
	}
}

// Pause pauses playback. Before the backend is ready the request is
// recorded and applied on prepare. Emits no event.
func (c *Controller) Pause() {
	c.mu.Lock()
	switch c.state {
	case StateStarted:
		b := c.backend
		c.paused = true
		c.resumeWanted = false
		c.mu.Unlock()
		if b != nil {
			if err := b.Pause(); err != nil {
				slog.Warn("playback: pause failed", "name", c.name, "error", err)
			}
		}
		return
	case StateStarting, StateStopped:
		c.paused = true
		c.resumeWanted = false
	}
	c.mu.Unlock()
}

// Resume resumes playback. Refused after the read loop exited. Emits no
// event.
func (c *Controller) Resume() {
	c.mu.Lock()
	switch c.state {
	case StateStarted:
		b := c.backend
		c.paused = false
		c.resumeWanted = true
		peeking := c.peeking
		c.mu.Unlock()
		// A peek keeps playing until its first frame, then honors resumeWanted.
		if b != nil && !peeking {
			if err := b.Start(); err != nil {
				slog.Warn("playback: resume failed", "name", c.name, "error", err)
			}
		}
		return
	case StateStarting, StateStopped:
		c.paused = false
		c.resumeWanted = true
	case StateExited:
		slog.Warn("playback: resume refused, read loop exited", "name", c.name, "session_id", c.sessionID)
	}
	c.mu.Unlock()
}

// Seek moves playback to offsetMs. Only valid while started or stopped;
// progress events are suppressed until SEEK_COMPLETE.
func (c *Controller) Seek(offsetMs int) {
	c.mu.Lock()
	if c.state != StateStarted && c.state != StateStopped {
		c.mu.Unlock()
		return
	}
	b := c.backend
	if b == nil {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateSeeking
	c.seeking = true
	c.mu.Unlock()

	if err := b.SeekTo(int64(offsetMs)); err != nil {
		slog.Warn("playback: seek failed", "name", c.name, "offset_ms", offsetMs, "error", err)
		c.mu.Lock()
		if c.backend == b && c.state == StateSeeking {
			c.state = prev
			c.seeking = false
		}
		c.mu.Unlock()
	}
}

// ChangeSource switches the active session to url without tearing the
// backend down. seekToMs > 0 is applied after the first frame of the new
// source. Returns ResultFailed when no session is active or the backend
// cannot switch in place.
func (c *Controller) ChangeSource(url string, t PlayType, seekToMs int) int {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	b := c.backend
	state := c.state
	c.mu.Unlock()
	if state == StateNotInit || b == nil {
		return ResultFailed
	}
	if rc := ValidateURL(url, t); rc != ResultOK {
		return rc
	}
	changer, ok := b.(backend.SourceChanger)
	if !ok {
		slog.Warn("playback: backend cannot change source in place", "name", c.name, "variant", b.Variant().String())
		return ResultFailed
	}

	// Flags are reset before the switch so the new source's first frame
	// sees the pending seek.
	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return ResultFailed
	}
	prepared := c.preparedSent
	w, h := c.width, c.height
	c.resetSessionLocked()
	c.preparedSent = prepared
	c.width, c.height = w, h
	c.paused = false
	if seekToMs > 0 {
		c.pendingSeekMs = int64(seekToMs)
	}
	variant := c.variant
	c.mu.Unlock()

	if err := changer.ChangeSource(url, t); err != nil {
		slog.Error("playback: change source failed", "name", c.name, "url", url, "error", err)
		return ResultFailed
	}

	c.mu.Lock()
	if c.backend == b {
		c.url = url
		c.playType = t
	}
	c.mu.Unlock()

	c.monitor.Arm(variant == backend.VariantHardwareNative && !c.hwDisabled.Load())

	slog.Info("playback: source changed", "name", c.name, "url", url, "play_type", t.String(), "seek_to_ms", seekToMs)
	return ResultOK
}

// Destroy stops the session and releases every component. Terminal and
// idempotent.
func (c *Controller) Destroy() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.stopLocked(true)
	c.pipeline.Unbind()
	c.queue.Stop(taskqueue.Discard)
	c.bridge.Close()
	c.cancel()

	c.mu.Lock()
	c.target = nil
	c.mu.Unlock()

	slog.Info("playback: controller destroyed", "name", c.name)
}

// SetMute mutes or unmutes audio for the current and later sessions.
func (c *Controller) SetMute(on bool) {
	c.mu.Lock()
	c.muted = on
	b := c.backend
	peeking := c.peeking
	c.mu.Unlock()
	if b != nil && !peeking {
		b.SetMute(on)
	}
}

// SetLooping makes on-demand media restart at the end.
func (c *Controller) SetLooping(on bool) {
	c.mu.Lock()
	c.looping = on
	b := c.backend
	c.mu.Unlock()
	if b != nil {
		b.SetLooping(on)
	}
}

// SetPlaybackRate changes the playback speed.
func (c *Controller) SetPlaybackRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("playback: invalid playback rate %.2f", rate)
	}
	c.mu.Lock()
	c.rate = rate
	b := c.backend
	c.mu.Unlock()
	if b != nil {
		if err := b.SetPlaybackRate(rate); err != nil {
			return fmt.Errorf("playback: set playback rate: %w", err)
		}
	}
	return nil
}

// SetAudioChannelMode routes audio to both speakers, the left or the right.
func (c *Controller) SetAudioChannelMode(mode ChannelMode) {
	if mode < ChannelStereo || mode > ChannelRight {
		mode = ChannelStereo
	}
	c.mu.Lock()
	c.channel = mode
	b := c.backend
	c.mu.Unlock()
	if b != nil {
		b.SetAudioChannelMode(int(mode))
	}
}

// IsPlaying reports whether the backend is rendering.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	b := c.backend
	c.mu.Unlock()
	return b != nil && b.IsPlaying()
}

// CurrentPosition returns the playback position in milliseconds.
func (c *Controller) CurrentPosition() int64 {
	c.mu.Lock()
	b := c.backend
	c.mu.Unlock()
	if b == nil {
		return 0
	}
	return b.CurrentPosition()
}

// State returns the session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the current session ID, empty when idle.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return ""
	}
	return c.sessionID
}

// VideoSize returns the last reported picture size.
func (c *Controller) VideoSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// Stats returns a copy of the controller counters and the latest net status.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		State:      c.state,
		URL:        c.url,
		PlayType:   c.playType,
		Variant:    c.variant,
		DurationMs: c.durationMs,
	}
	b := c.backend
	if b != nil {
		s.SessionID = c.sessionID
	}
	c.mu.Unlock()

	if b != nil {
		s.PositionMs = b.CurrentPosition()
		s.HardwareActive = s.Variant == backend.VariantHardwareNative && c.monitor.HardwareActive()
	}
	s.Net = c.sampler.Snapshot()
	s.Bridge = c.bridge.Stats()
	s.Queue = c.queue.Stats()
	s.Render = c.pipeline.Stats()
	s.Fallback = c.monitor.Stats()
	return s
}

// CaptureFrame hands the last presented frame to fn on the task queue
// worker. ok is false when no frame was presented yet. Returns false when
// the queue refused the request.
func (c *Controller) CaptureFrame(fn func(img Image, ok bool)) bool {
	if fn == nil {
		return false
	}
	return c.queue.SubmitAsync(func(ctx context.Context) {
		img, ok := c.pipeline.LastFrame()
		if ok {
			img.Data = append([]byte(nil), img.Data...)
		}
		fn(img, ok)
	})
}

// ClearLastFrame drops the retained picture.
func (c *Controller) ClearLastFrame() {
	c.pipeline.ClearLastFrame()
}

// NotifyAudioFocus reports an audio focus change from the host. It emits
// AUDIO_FOCUS_GAIN or AUDIO_FOCUS_LOSS for the active session.
func (c *Controller) NotifyAudioFocus(gained bool) {
	c.mu.Lock()
	active := c.backend != nil
	detect := c.cfg.AudioFocusDetect
	c.mu.Unlock()
	if !active || !detect {
		return
	}
	if gained {
		c.emit(c.epoch.Load(), events.AudioFocusGain, "audio focus gain", nil)
		return
	}
	c.emit(c.epoch.Load(), events.AudioFocusLoss, "audio focus loss", nil)
}

// NotifyPlayURLTimeout reports that resolving the play URL list timed out.
func (c *Controller) NotifyPlayURLTimeout() {
	c.bridge.PostEvent(events.New(events.ErrGetPlayURLTimeout, "get play urls time out!", nil))
}

// NotifyPlayURLsEmpty reports that the resolved play URL list was empty.
func (c *Controller) NotifyPlayURLsEmpty() {
	c.bridge.PostEvent(events.New(events.ErrPlayURLsEmpty, "play urls is empty!", nil))
}

// WaitIdle blocks until every queued event has been delivered.
func (c *Controller) WaitIdle(ctx context.Context) error {
	return c.bridge.WaitIdle(ctx)
}

func (c *Controller) emit(epoch uint64, kind events.Kind, desc string, extra map[string]any) {
	c.bridge.PostEventAt(epoch, events.New(kind, desc, extra))
}

// sampleCounters is the stats source. It skips ticks while no session is
// rendering.
func (c *Controller) sampleCounters() (stats.Counters, bool) {
	c.mu.Lock()
	b := c.backend
	state := c.state
	w, h, rot := c.width, c.height, c.rotation
	c.mu.Unlock()

	if b == nil || (state != StateStarted && state != StateSeeking) {
		return stats.Counters{}, false
	}

	m := b.Metrics()
	return stats.Counters{
		VideoBytesPerSec: m.VideoBytesPerSec,
		AudioBytesPerSec: m.AudioBytesPerSec,
		TCPBytesPerSec:   m.TCPBytesPerSec,
		FPS:              m.FPS,
		CachedVideoBytes: m.CachedVideoBytes,
		CachedAudioBytes: m.CachedAudioBytes,
		DroppedFrames:    m.DroppedFrames,
		JitterMs:         m.JitterMs,
		Width:            w,
		Height:           h,
		Rotation:         rot,
		ServerIP:         m.ServerIP,
	}, true
}

func (c *Controller) publishNetStatus(s stats.Snapshot) {
	c.bridge.PostNetStatusAt(c.epoch.Load(), s.ToMap())
}

// rebindSoftware runs under the release lock during fallback and points the
// backend's frame output at CPU buffers.
func (c *Controller) rebindSoftware() error {
	c.mu.Lock()
	b := c.backend
	c.mu.Unlock()
	if b == nil {
		return nil
	}
	if sw, ok := b.(backend.SoftwareSwitcher); ok {
		return sw.SwitchToSoftware()
	}
	return nil
}
