package playback

import (
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
)

// callbacksFor binds backend callbacks to the session that owns b. Every
// handler checks that b is still the attached backend, so a late callback
// from a released backend changes nothing. Events are pinned to epoch.
func (c *Controller) callbacksFor(b backend.Backend, epoch uint64) *backend.Callbacks {
	return &backend.Callbacks{
		OnPrepared:     func() { c.onPrepared(b, epoch) },
		OnCompletion:   func() { c.onCompletion(b, epoch) },
		OnError:        func(code backend.ErrorCode, extra int) { c.onError(b, epoch, code, extra) },
		OnInfo:         func(code backend.InfoCode, extra int64) { c.onInfo(b, epoch, code, extra) },
		OnSeekComplete: func() { c.onSeekComplete(b, epoch) },
		OnVideoSizeChanged: func(w, h int) {
			c.mu.Lock()
			if c.backend == b {
				c.width, c.height = w, h
			}
			c.mu.Unlock()
		},
		OnVideoBuffer: func(buf backend.VideoBuffer) {
			c.monitor.OnBuffer(buf.Image, buf.HardwareFailed)
		},
	}
}

// onPrepared moves the session to STARTED and decides whether to play, hold
// paused, or play muted until the first picture is shown.
func (c *Controller) onPrepared(b backend.Backend, epoch uint64) {
	w, h := b.VideoSize()
	durationMs := b.Duration()

	c.mu.Lock()
	if c.backend != b || c.preparedSent || c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.preparedSent = true
	c.state = StateStarted
	if w > 0 && h > 0 {
		c.width, c.height = w, h
	}
	w, h = c.width, c.height
	c.durationMs = durationMs

	hold := c.paused || !c.cfg.AutoPlay
	peek := !c.paused && !c.cfg.AutoPlay && c.cfg.ViewFirstFrame && c.playType.IsVideo()
	if peek {
		c.peeking = true
	} else if hold {
		c.paused = true
	}
	requestFocus := c.cfg.AudioFocusDetect && c.focus != nil
	sessionID := c.sessionID
	startedAt := c.startedAt
	c.mu.Unlock()

	switch {
	case peek:
		b.SetMute(true)
		c.startBackend(b)
	case hold:
		if err := b.Pause(); err != nil {
			slog.Debug("playback: hold on prepare failed", "name", c.name, "error", err)
		}
	default:
		c.startBackend(b)
	}

	c.emit(epoch, events.PlayPrepared, "prepared", map[string]any{
		events.KeyVideoWidth:  w,
		events.KeyVideoHeight: h,
		events.KeyDuration:    int(durationMs),
	})
	c.emit(epoch, events.PlayBegin, "play begin", nil)

	if requestFocus && c.focus.Request() {
		c.mu.Lock()
		if c.backend == b {
			c.focusHeld = true
		}
		c.mu.Unlock()
	}

	slog.Info("playback: prepared",
		"name", c.name,
		"session_id", sessionID,
		"width", w,
		"height", h,
		"duration_ms", durationMs,
		"hold", hold && !peek,
		"peek", peek,
		"startup_ms", time.Since(startedAt).Milliseconds(),
	)
}

func (c *Controller) startBackend(b backend.Backend) {
	if err := b.Start(); err != nil {
		slog.Warn("playback: backend start failed", "name", c.name, "error", err)
	}
}

func (c *Controller) onCompletion(b backend.Backend, epoch uint64) {
	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	c.seeking = false
	c.endReason = "completed"
	c.mu.Unlock()

	c.emit(epoch, events.PlayEnd, "play end", nil)
}

// onError maps a backend failure to its event and moves the session to
// STOPPED, or EXITED when the read loop is gone.
func (c *Controller) onError(b backend.Backend, epoch uint64, code backend.ErrorCode, extra int) {
	var (
		kind    events.Kind
		desc    string
		payload map[string]any
		state   = StateStopped
	)
	switch code {
	case backend.ErrorExitRead:
		kind, desc, state = events.PlayExit, "read loop exited", StateExited
	case backend.ErrorNetworkDisconnect:
		if extra == backend.ExtraForbidden {
			kind, desc = events.ErrNetForbidden, "network forbidden"
		} else {
			kind, desc = events.ErrNetDisconnect, "network disconnect"
		}
	default:
		kind, desc = events.ErrStreamFail, "stream failed: "+code.String()
		payload = map[string]any{events.KeyErrorCategory: code.String()}
	}

	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.seeking = false
	if state == StateExited {
		c.endReason = "exited"
	} else {
		c.endReason = kind.String()
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	slog.Error("playback: backend error",
		"name", c.name,
		"session_id", sessionID,
		"code", code.String(),
		"extra", extra,
		"event", kind.String(),
	)
	c.emit(epoch, kind, desc, payload)
}

func (c *Controller) onInfo(b backend.Backend, epoch uint64, code backend.InfoCode, extra int64) {
	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return
	}
	prepared := c.preparedSent
	c.mu.Unlock()

	// Buffering reported during preroll precedes PLAY_PREPARED and is dropped.
	if !prepared && (code == backend.InfoBufferingStart || code == backend.InfoBufferingEnd) {
		slog.Debug("playback: buffering before prepare ignored", "name", c.name, "code", code.String())
		return
	}

	switch code {
	case backend.InfoConnected:
		c.emit(epoch, events.ConnectSuccess, "connected", nil)
	case backend.InfoStreamBegin:
		c.emit(epoch, events.StreamBegin, "stream begin", nil)
	case backend.InfoBufferingStart:
		c.emit(epoch, events.PlayLoading, "loading", nil)
	case backend.InfoBufferingEnd:
		c.emit(epoch, events.PlayBegin, "play begin", nil)
	case backend.InfoNetworkReconnect:
		c.emit(epoch, events.WarnReconnect, "network reconnect", nil)
	case backend.InfoVideoSourceChanged:
		c.onSourceChanged(b)
	case backend.InfoRotationChanged:
		c.mu.Lock()
		c.rotation = int((extra % 360) / 90)
		c.mu.Unlock()
	case backend.InfoServerIPChanged:
		slog.Debug("playback: server ip changed", "name", c.name, "extra", extra)
	case backend.InfoVideoRenderingStart:
		c.onFirstRender(b, epoch, true)
	case backend.InfoAudioRenderingStart:
		c.onFirstRender(b, epoch, false)
	case backend.InfoStreamUnixTime:
		c.emit(epoch, events.StreamUnixTime, "stream unix time", map[string]any{
			events.KeyStreamUnixTime: extra,
		})
	case backend.InfoAudioDecodeFail:
		c.emit(epoch, events.WarnAudioDecodeFail, "audio decode failed", nil)
	case backend.InfoProgress:
		c.onProgress(b, epoch, extra)
	}
}

func (c *Controller) onSourceChanged(b backend.Backend) {
	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return
	}
	c.state = StateStarted
	paused := c.paused
	c.mu.Unlock()

	if !paused {
		c.startBackend(b)
	}
}

// onFirstRender applies a pending seek, reports the first video frame and
// ends a first-frame peek.
func (c *Controller) onFirstRender(b backend.Backend, epoch uint64, video bool) {
	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return
	}
	first := !c.firstFrame
	c.firstFrame = true
	seekTo := c.pendingSeekMs
	c.pendingSeekMs = -1
	if seekTo >= 0 {
		c.state = StateSeeking
		c.seeking = true
	}
	peeking := video && c.peeking
	c.peeking = false
	resume := c.resumeWanted
	if peeking && !resume {
		c.paused = true
	}
	muted := c.muted
	c.mu.Unlock()

	if seekTo >= 0 {
		if err := b.SeekTo(seekTo); err != nil {
			slog.Warn("playback: pending seek failed", "name", c.name, "offset_ms", seekTo, "error", err)
			c.mu.Lock()
			if c.backend == b && c.state == StateSeeking {
				c.state = StateStarted
				c.seeking = false
			}
			c.mu.Unlock()
		}
	}

	if video && first {
		c.emit(epoch, events.FirstIFrame, "first frame", nil)
	}

	if peeking {
		if !resume {
			if err := b.Pause(); err != nil {
				slog.Debug("playback: pause after first frame failed", "name", c.name, "error", err)
			}
		}
		b.SetMute(muted)
	}
}

// onProgress reports the position in whole seconds, as the SDK does. It is
// silent while a seek is in flight.
func (c *Controller) onProgress(b backend.Backend, epoch uint64, positionMs int64) {
	c.mu.Lock()
	if c.backend != b || c.seeking {
		c.mu.Unlock()
		return
	}
	durationMs := c.durationMs
	c.mu.Unlock()

	if d := b.Duration(); d > 0 {
		durationMs = d
	}
	c.emit(epoch, events.PlayProgress, "play progress", map[string]any{
		events.KeyProgress: int(positionMs / 1000),
		events.KeyDuration: int(durationMs / 1000),
	})
}

func (c *Controller) onSeekComplete(b backend.Backend, epoch uint64) {
	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return
	}
	if c.state == StateSeeking {
		c.state = StateStarted
	}
	c.seeking = false
	c.mu.Unlock()

	c.emit(epoch, events.SeekComplete, "seek complete", nil)
}
