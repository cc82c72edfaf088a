package gst

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
)

type outcomeKind int

const (
	outcomeCancelled outcomeKind = iota
	outcomeEOS
	outcomeError
	outcomeRebuild
)

// outcome is why one pipeline run ended.
type outcome struct {
	kind     outcomeKind
	category backend.ErrorCategory
	message  string
}

// watch polls the pipeline bus until the run ends. It reports prepare,
// buffering, seek and progress through the callbacks.
func (b *Backend) watch(ctx context.Context, els *elements) outcome {
	bus := els.Pipeline.GetPipelineBus()
	pipelineName := els.Pipeline.GetName()
	nextProgress := time.Now().Add(progressInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gst: context cancelled, stopping bus monitor", "session_id", b.opts.SessionID)
			return outcome{kind: outcomeCancelled}
		case <-b.rebuild:
			return outcome{kind: outcomeRebuild}
		default:
		}

		if now := time.Now(); now.After(nextProgress) {
			nextProgress = now.Add(progressInterval)
			b.reportProgress(els)
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gst: end of stream", "session_id", b.opts.SessionID, "url", b.currentURL())
			return outcome{kind: outcomeEOS}

		case gst.MessageError:
			gerr := msg.ParseError()
			src := msg.Source()
			if b.isHardwareElement(els, src) {
				slog.Warn("gst: hardware decoder failed",
					"session_id", b.opts.SessionID,
					"element", src,
					"error", gerr.Error(),
				)
				b.hardwareFailed()
				continue
			}

			category := backend.Classify(gerr.Error(), gerr.DebugString())
			slog.Error("gst: pipeline error",
				"session_id", b.opts.SessionID,
				"element", src,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"reconnects", b.reconnect.Attempts(),
			)
			return outcome{kind: outcomeError, category: category, message: gerr.Error()}

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("gst: pipeline warning", "session_id", b.opts.SessionID, "element", msg.Source(), "warning", gerr.Error())
			if backend.Classify(gerr.Error(), gerr.DebugString()) == backend.ErrCategoryCodec && isAudioElement(msg.Source()) {
				b.info(backend.InfoAudioDecodeFail, 0)
			}

		case gst.MessageBuffering:
			b.onBuffering(els, msg.ParseBuffering())

		case gst.MessageAsyncDone:
			b.onAsyncDone(els)

		case gst.MessageStateChanged:
			if msg.Source() != pipelineName {
				continue
			}
			oldState, newState := msg.ParseStateChanged()
			slog.Debug("gst: pipeline state changed", "session_id", b.opts.SessionID, "from", oldState, "to", newState)
			b.onStateChanged(els, newState)
		}
	}
}

func (b *Backend) isHardwareElement(els *elements, name string) bool {
	b.mu.Lock()
	software := b.software
	b.mu.Unlock()
	if software || !els.UsingVAAPI {
		return false
	}
	return name == els.Decoder.GetName() || strings.HasPrefix(name, "vaapi")
}

func isAudioElement(name string) bool {
	return strings.Contains(name, "aac") || strings.Contains(name, "mp3") ||
		strings.Contains(name, "audio") || strings.Contains(name, "mpg123")
}

func (b *Backend) reportProgress(els *elements) {
	b.mu.Lock()
	ready := b.prepared && !b.seeking
	live := b.playType.IsLive()
	b.mu.Unlock()
	if !ready {
		return
	}

	ok, pos := els.Pipeline.QueryPosition(gst.FormatTime)
	if !ok || pos < 0 {
		return
	}
	posMs := pos / int64(time.Millisecond)

	b.mu.Lock()
	b.lastPosMs = posMs
	b.mu.Unlock()

	if live {
		return
	}
	b.info(backend.InfoProgress, posMs)
}

func (b *Backend) onBuffering(els *elements, percent int) {
	b.mu.Lock()
	was := b.buffering
	want := b.wantPlaying
	live := b.playType.IsLive()
	switch {
	case percent < 100 && !was:
		b.buffering = true
	case percent >= 100 && was:
		b.buffering = false
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if percent < 100 {
		if want && !live {
			els.Pipeline.SetState(gst.StatePaused)
		}
		b.info(backend.InfoBufferingStart, int64(percent))
		return
	}
	if want {
		els.Pipeline.SetState(gst.StatePlaying)
	}
	b.info(backend.InfoBufferingEnd, 0)
}

func (b *Backend) onAsyncDone(els *elements) {
	b.mu.Lock()
	seeking := b.seeking
	b.seeking = false
	resume := b.resumeAtMs
	b.resumeAtMs = 0
	b.mu.Unlock()

	if resume > 0 {
		els.Pipeline.SeekSimple(resume*int64(time.Millisecond), gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit)
		slog.Debug("gst: resumed position after rebuild", "session_id", b.opts.SessionID, "position_ms", resume)
	}
	if seeking {
		if cb := b.callbacks(); cb != nil && cb.OnSeekComplete != nil {
			cb.OnSeekComplete()
		}
	}
}

// onStateChanged fires OnPrepared the first time the pipeline reaches
// PAUSED, or InfoVideoSourceChanged after a source change.
func (b *Backend) onStateChanged(els *elements, state gst.State) {
	switch state {
	case gst.StatePaused:
		b.mu.Lock()
		first := !b.prepared
		changed := b.srcChanged
		b.prepared = true
		b.srcChanged = false
		want := b.wantPlaying
		live := b.playType.IsLive()
		audio := b.playType.IsAudio()
		if ok, d := els.Pipeline.QueryDuration(gst.FormatTime); ok && d > 0 {
			b.durationMs = d / int64(time.Millisecond)
		}
		b.mu.Unlock()

		if !audio && els.AppSink != nil {
			if pad := els.AppSink.GetStaticPad("sink"); pad != nil {
				b.updateSize(capsSize(pad.GetCurrentCaps()))
			}
		}

		switch {
		case first:
			b.info(backend.InfoConnected, 0)
			if live {
				b.info(backend.InfoStreamBegin, 0)
			}
			if cb := b.callbacks(); cb != nil && cb.OnPrepared != nil {
				cb.OnPrepared()
			}
		case changed:
			b.info(backend.InfoVideoSourceChanged, 0)
		case want:
			els.Pipeline.SetState(gst.StatePlaying)
		}

	case gst.StatePlaying:
		b.reconnect.Reset()
		b.mu.Lock()
		audio := b.playType.IsAudio()
		b.mu.Unlock()
		if audio && !b.firstFrame.Swap(true) {
			b.info(backend.InfoAudioRenderingStart, 0)
		}
	}
}

// resolveServer looks up the source host once so Metrics can report the
// server address.
func (b *Backend) resolveServer(ctx context.Context) {
	u, err := url.Parse(b.currentURL())
	if err != nil || u.Hostname() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(ctx, u.Hostname())
	if err != nil || len(addrs) == 0 {
		slog.Debug("gst: server lookup failed", "host", u.Hostname(), "error", err)
		return
	}

	b.mu.Lock()
	changed := b.serverIP != addrs[0]
	b.serverIP = addrs[0]
	b.mu.Unlock()
	if changed {
		b.info(backend.InfoServerIPChanged, 0)
	}
}
