package playback

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/render"
)

const (
	waitFor = 3 * time.Second
	poll    = 5 * time.Millisecond
)

type recordedEvent struct {
	kind    EventKind
	payload map[string]any
}

// eventLog is a Listener that records everything it receives.
type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
	status []map[string]any
}

func (l *eventLog) OnPlayEvent(kind EventKind, payload map[string]any) {
	l.mu.Lock()
	l.events = append(l.events, recordedEvent{kind: kind, payload: payload})
	l.mu.Unlock()
}

func (l *eventLog) OnNetStatus(status map[string]any) {
	l.mu.Lock()
	l.status = append(l.status, status)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.kind
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) first(kind EventKind) (recordedEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.kind == kind {
			return e, true
		}
	}
	return recordedEvent{}, false
}

func (l *eventLog) statuses() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.status...)
}

func (l *eventLog) waitKind(t *testing.T, kind EventKind) {
	t.Helper()
	require.Eventually(t, func() bool { return l.count(kind) > 0 }, waitFor, poll, "no %s event", kind)
}

type fixture struct {
	ctrl   *Controller
	driver *synthetic.Driver
	log    *eventLog
}

// quietConfig is a synthetic stream without periodic progress events.
func quietConfig() synthetic.Config {
	cfg := synthetic.DefaultConfig()
	cfg.ProgressInterval = time.Hour
	return cfg
}

func newFixture(t *testing.T, cfg synthetic.Config, mutate ...func(*Options)) *fixture {
	t.Helper()

	d := synthetic.NewDriver(cfg)
	f := backend.NewFactory()
	f.RegisterAll(d.Constructor)

	opts := Options{
		Factory:       f,
		Name:          t.Name(),
		StatsInterval: 50 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}

	ctrl, err := NewController(opts)
	require.NoError(t, err)
	t.Cleanup(ctrl.Destroy)

	log := &eventLog{}
	ctrl.SetListener(log)
	return &fixture{ctrl: ctrl, driver: d, log: log}
}

func (f *fixture) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.ctrl.WaitIdle(ctx))
}

// TestStartPlay_RejectsBadInput verifies input errors return result codes,
// leave the state alone and build no backend.
func TestStartPlay_RejectsBadInput(t *testing.T) {
	f := newFixture(t, quietConfig())

	tests := []struct {
		name string
		url  string
		typ  PlayType
		want int
	}{
		{"empty_url", "", PlayTypeLiveRTMP, ResultEmptyURL},
		{"blank_url", "   ", PlayTypeVodMP4, ResultEmptyURL},
		{"live_http_without_flv", "http://cdn.example.com/live.m3u8", PlayTypeLiveRTMP, ResultInvalidURL},
		{"live_local_path", "/media/clip.flv", PlayTypeLiveFLV, ResultInvalidURL},
		{"unknown_type", "rtmp://live.example.com/app/s", PlayType(42), ResultInvalidType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.ctrl.StartPlay(tt.url, tt.typ))
			assert.Equal(t, StateNotInit, f.ctrl.State())
		})
	}

	assert.Equal(t, 0, f.driver.Count())
	f.idle(t)
	assert.Empty(t, f.log.kinds())
}

// TestStartPlay_PreparedBeforeBegin verifies exactly one PLAY_PREPARED with
// the picture size precedes the first PLAY_BEGIN.
func TestStartPlay_PreparedBeforeBegin(t *testing.T) {
	f := newFixture(t, quietConfig())

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.FirstIFrame)
	f.idle(t)

	kinds := f.log.kinds()
	prepared := slices.Index(kinds, events.PlayPrepared)
	begin := slices.Index(kinds, events.PlayBegin)
	require.GreaterOrEqual(t, prepared, 0)
	require.GreaterOrEqual(t, begin, 0)
	assert.Less(t, prepared, begin)
	assert.Equal(t, 1, f.log.count(events.PlayPrepared))

	ev, _ := f.log.first(events.PlayPrepared)
	assert.Equal(t, 1280, ev.payload[events.KeyVideoWidth])
	assert.Equal(t, 720, ev.payload[events.KeyVideoHeight])
	assert.Contains(t, ev.payload, events.KeyTime)

	assert.Equal(t, StateStarted, f.ctrl.State())
	assert.True(t, f.ctrl.IsPlaying())
	assert.NotEmpty(t, f.ctrl.SessionID())
}

// TestStartPlay_NoSynchronousEvents verifies StartPlay returns before any
// event is produced.
func TestStartPlay_NoSynchronousEvents(t *testing.T) {
	cfg := quietConfig()
	cfg.PrepareDelay = 200 * time.Millisecond
	f := newFixture(t, cfg)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	assert.Equal(t, StateStarting, f.ctrl.State())
	f.idle(t)
	assert.Empty(t, f.log.kinds())
}

// TestStopPlay_Idempotent verifies a second StopPlay is a no-op and the
// backend is unregistered, stopped and released once.
func TestStopPlay_Idempotent(t *testing.T) {
	f := newFixture(t, quietConfig())

	assert.Equal(t, ResultOK, f.ctrl.StopPlay(false), "stop before start")

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.PlayBegin)

	assert.Equal(t, ResultOK, f.ctrl.StopPlay(true))
	assert.Equal(t, StateNotInit, f.ctrl.State())
	assert.Equal(t, ResultOK, f.ctrl.StopPlay(true))
	assert.Equal(t, StateNotInit, f.ctrl.State())

	calls := f.driver.Last().Calls()
	unregister := slices.Index(calls, "unregister")
	stop := slices.Index(calls, "stop")
	release := slices.Index(calls, "release")
	require.GreaterOrEqual(t, unregister, 0)
	assert.Less(t, unregister, stop)
	assert.Less(t, stop, release)

	n := 0
	for _, c := range calls {
		if c == "release" {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Empty(t, f.ctrl.SessionID())
	assert.False(t, f.ctrl.IsPlaying())
}

// TestStartPlay_RestartReleasesPrevious verifies a second StartPlay stops the
// running session and builds a fresh backend.
func TestStartPlay_RestartReleasesPrevious(t *testing.T) {
	f := newFixture(t, quietConfig())

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/a", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.PlayBegin)
	first := f.driver.Last()
	firstID := f.ctrl.SessionID()

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/b", PlayTypeLiveRTMP))
	assert.Equal(t, 2, f.driver.Count())
	assert.Contains(t, first.Calls(), "release")
	assert.NotEqual(t, firstID, f.ctrl.SessionID())

	require.Eventually(t, func() bool { return f.ctrl.State() == StateStarted }, waitFor, poll)
}

// TestFallback_SwitchesToSoftwareOnce verifies a hardware buffer failure
// produces one WARN_SWITCH_SOFT_DECODE, no error or end event, and keeps the
// session playing on the software input.
func TestFallback_SwitchesToSoftwareOnce(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.ctrl.EnableHardwareDecode(true)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.FirstIFrame)

	b := f.driver.Last()
	assert.Equal(t, backend.VariantHardwareNative, b.Variant())
	assert.True(t, f.ctrl.Stats().HardwareActive)

	b.InjectHardwareFailure()
	f.log.waitKind(t, events.WarnSwitchSoftDecode)

	// A second failure after the switch must not fire again.
	b.InjectHardwareFailure()
	time.Sleep(200 * time.Millisecond)
	f.idle(t)

	assert.Equal(t, 1, f.log.count(events.WarnSwitchSoftDecode))
	for _, k := range f.log.kinds() {
		assert.False(t, k.IsError(), "unexpected error event %s", k)
		assert.NotEqual(t, events.PlayEnd, k)
	}

	assert.Equal(t, StateStarted, f.ctrl.State())
	assert.True(t, b.Software())

	st := f.ctrl.Stats()
	assert.False(t, st.HardwareActive)
	assert.Equal(t, uint64(1), st.Fallback.Fallbacks)
	assert.Equal(t, render.InputSoftwareRGBA, st.Render.Mode)
	assert.True(t, st.Render.Running)
}

// TestFallback_SoftwareSessionIgnoresFailures verifies the monitor is not
// armed when the session decodes in software.
func TestFallback_SoftwareSessionIgnoresFailures(t *testing.T) {
	f := newFixture(t, quietConfig())

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.FirstIFrame)
	assert.Equal(t, backend.VariantSoftwareNative, f.driver.Last().Variant())

	f.driver.Last().InjectHardwareFailure()
	time.Sleep(150 * time.Millisecond)
	f.idle(t)
	assert.Zero(t, f.log.count(events.WarnSwitchSoftDecode))
}

// TestPauseResume_Silent verifies pause and resume reach the backend without
// emitting events.
func TestPauseResume_Silent(t *testing.T) {
	f := newFixture(t, quietConfig())

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/vod/a.mp4", PlayTypeVodMP4))
	f.log.waitKind(t, events.FirstIFrame)
	f.idle(t)
	before := len(f.log.kinds())

	f.ctrl.Pause()
	assert.False(t, f.ctrl.IsPlaying())
	f.ctrl.Resume()
	assert.True(t, f.ctrl.IsPlaying())

	time.Sleep(100 * time.Millisecond)
	f.idle(t)
	assert.Len(t, f.log.kinds(), before)

	calls := f.driver.Last().Calls()
	assert.Contains(t, calls, "pause")
	assert.Equal(t, "start", calls[len(calls)-1])
}

// TestPause_BeforePrepareHolds verifies a pause issued while starting is
// applied once the backend is ready.
func TestPause_BeforePrepareHolds(t *testing.T) {
	cfg := quietConfig()
	cfg.PrepareDelay = 100 * time.Millisecond
	f := newFixture(t, cfg)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/vod/a.mp4", PlayTypeVodMP4))
	f.ctrl.Pause()
	f.log.waitKind(t, events.PlayBegin)

	assert.False(t, f.ctrl.IsPlaying())
	assert.NotContains(t, f.driver.Last().Calls(), "start")

	f.ctrl.Resume()
	assert.True(t, f.ctrl.IsPlaying())
}

// TestSeek verifies seeking enters SEEKING, suppresses progress and returns
// to STARTED on completion.
func TestSeek(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Duration = time.Minute
	cfg.ProgressInterval = 40 * time.Millisecond
	f := newFixture(t, cfg)

	f.ctrl.Seek(1000)
	assert.Equal(t, StateNotInit, f.ctrl.State(), "seek without session")

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/vod/a.mp4", PlayTypeVodMP4))
	f.log.waitKind(t, events.PlayProgress)

	f.ctrl.Seek(30000)
	f.log.waitKind(t, events.SeekComplete)
	assert.Contains(t, f.driver.Last().Calls(), "seek:30000")
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStarted }, waitFor, poll)

	require.Eventually(t, func() bool {
		f.log.mu.Lock()
		defer f.log.mu.Unlock()
		last := f.log.events[len(f.log.events)-1]
		return last.kind == events.PlayProgress && last.payload[events.KeyProgress].(int) >= 30
	}, waitFor, poll)

	ev, _ := f.log.first(events.PlayProgress)
	assert.Equal(t, 60, ev.payload[events.KeyDuration])
}

// TestChangeSource verifies in-place source switching and the pending seek
// after the first frame of the new source.
func TestChangeSource(t *testing.T) {
	f := newFixture(t, quietConfig())

	assert.Equal(t, ResultFailed, f.ctrl.ChangeSource("rtmp://live.example.com/app/b", PlayTypeLiveRTMP, 0))

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/a", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.FirstIFrame)

	assert.Equal(t, ResultInvalidURL, f.ctrl.ChangeSource("http://cdn.example.com/a.mp4", PlayTypeLiveRTMP, 0))
	assert.Equal(t, ResultEmptyURL, f.ctrl.ChangeSource("", PlayTypeLiveRTMP, 0))

	require.Equal(t, ResultOK, f.ctrl.ChangeSource("http://cdn.example.com/vod/b.mp4", PlayTypeVodMP4, 3000))

	b := f.driver.Last()
	assert.Equal(t, 1, f.driver.Count())
	assert.Equal(t, "http://cdn.example.com/vod/b.mp4", b.URL())
	require.Eventually(t, func() bool { return slices.Contains(b.Calls(), "seek:3000") }, waitFor, poll)
	f.log.waitKind(t, events.SeekComplete)

	assert.Equal(t, 2, f.log.count(events.FirstIFrame))
	assert.Equal(t, 1, f.log.count(events.PlayPrepared))
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStarted }, waitFor, poll)
}

// TestBackendErrors verifies post-start failures map to events and states.
func TestBackendErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      backend.ErrorCode
		extra     int
		wantKind  EventKind
		wantState State
	}{
		{"disconnect", backend.ErrorNetworkDisconnect, 0, events.ErrNetDisconnect, StateStopped},
		{"forbidden", backend.ErrorNetworkDisconnect, backend.ExtraForbidden, events.ErrNetForbidden, StateStopped},
		{"malformed", backend.ErrorMalformed, 0, events.ErrStreamFail, StateStopped},
		{"timed_out", backend.ErrorTimedOut, 0, events.ErrStreamFail, StateStopped},
		{"exit_read", backend.ErrorExitRead, 0, events.PlayExit, StateExited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, quietConfig())
			require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
			f.log.waitKind(t, events.PlayBegin)

			f.driver.Last().InjectError(tt.code, tt.extra)
			f.log.waitKind(t, tt.wantKind)
			assert.Equal(t, tt.wantState, f.ctrl.State())

			if tt.wantKind == events.ErrStreamFail {
				ev, _ := f.log.first(events.ErrStreamFail)
				assert.Equal(t, tt.code.String(), ev.payload[events.KeyErrorCategory])
				assert.NotEmpty(t, ev.payload[events.KeyDescription])
			}
		})
	}
}

// TestResume_RefusedAfterExit verifies EXITED is terminal for resume.
func TestResume_RefusedAfterExit(t *testing.T) {
	f := newFixture(t, quietConfig())
	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.PlayBegin)

	b := f.driver.Last()
	b.InjectError(backend.ErrorExitRead, 0)
	f.log.waitKind(t, events.PlayExit)

	before := len(b.Calls())
	f.ctrl.Resume()
	assert.Len(t, b.Calls(), before)
	assert.Equal(t, StateExited, f.ctrl.State())

	// StartPlay is the way out.
	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStarted }, waitFor, poll)
}

// TestCompletion verifies end of media and the session summary.
func TestCompletion(t *testing.T) {
	cfg := quietConfig()
	cfg.Duration = 200 * time.Millisecond

	summaries := make(chan SessionSummary, 1)
	f := newFixture(t, cfg, func(o *Options) {
		o.OnSessionEnd = func(s SessionSummary) { summaries <- s }
	})

	require.Equal(t, ResultOK, f.ctrl.StartPlay("/media/clip.mp4", PlayTypeLocalVideo))
	f.log.waitKind(t, events.PlayEnd)
	assert.Equal(t, StateStopped, f.ctrl.State())

	f.ctrl.StopPlay(false)
	select {
	case s := <-summaries:
		assert.Equal(t, "completed", s.EndReason)
		assert.Equal(t, "/media/clip.mp4", s.URL)
		assert.Equal(t, PlayTypeLocalVideo, s.PlayType)
		assert.False(t, s.EndedAt.Before(s.StartedAt))
	case <-time.After(waitFor):
		t.Fatal("no session summary")
	}
}

// TestRTMPScenario verifies the full live flow: prepared with the picture
// size, begin, periodic net status, and silence after StopPlay(true).
func TestRTMPScenario(t *testing.T) {
	f := newFixture(t, quietConfig())

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.PlayBegin)
	require.Eventually(t, func() bool { return len(f.log.statuses()) >= 3 }, waitFor, poll)

	ev, _ := f.log.first(events.PlayPrepared)
	assert.Equal(t, 1280, ev.payload[events.KeyVideoWidth])
	assert.Equal(t, 720, ev.payload[events.KeyVideoHeight])

	st := f.log.statuses()[0]
	assert.Equal(t, 1280, st[events.NetVideoWidth])
	assert.Equal(t, 720, st[events.NetVideoHeight])
	assert.Equal(t, int64(1500), st[events.NetVideoBitrate])
	assert.Equal(t, "127.0.0.1", st[events.NetServerIP])

	assert.Equal(t, ResultOK, f.ctrl.StopPlay(true))
	f.idle(t)
	kinds, statuses := len(f.log.kinds()), len(f.log.statuses())

	time.Sleep(200 * time.Millisecond)
	f.idle(t)
	assert.Len(t, f.log.kinds(), kinds)
	assert.Len(t, f.log.statuses(), statuses)

	_, ok := f.ctrl.pipeline.LastFrame()
	assert.False(t, ok, "last frame cleared")
}

// TestNetStatus_SizePairs verifies width and height are always published
// together, swapped for quarter-turn rotations.
func TestNetStatus_SizePairs(t *testing.T) {
	f := newFixture(t, quietConfig())

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.PlayBegin)

	b := f.driver.Last()
	for i := 0; i < 10; i++ {
		b.InjectInfo(backend.InfoRotationChanged, int64(90*i))
		time.Sleep(15 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(f.log.statuses()) >= 3 }, waitFor, poll)

	for _, st := range f.log.statuses() {
		pair := [2]any{st[events.NetVideoWidth], st[events.NetVideoHeight]}
		assert.Contains(t, [][2]any{{1280, 720}, {720, 1280}}, pair)
	}
}

// TestAutoPlayOff verifies the session holds paused after prepare.
func TestAutoPlayOff(t *testing.T) {
	f := newFixture(t, quietConfig())
	cfg := DefaultPlaybackConfig()
	cfg.AutoPlay = false
	f.ctrl.SetConfig(cfg)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/vod/a.mp4", PlayTypeVodMP4))
	f.log.waitKind(t, events.PlayBegin)

	assert.False(t, f.ctrl.IsPlaying())
	assert.NotContains(t, f.driver.Last().Calls(), "start")

	f.ctrl.Resume()
	assert.True(t, f.ctrl.IsPlaying())
	f.log.waitKind(t, events.FirstIFrame)
}

// TestViewFirstFrame verifies the muted peek: play until the first picture,
// then pause and restore the caller's mute setting.
func TestViewFirstFrame(t *testing.T) {
	f := newFixture(t, quietConfig())
	cfg := DefaultPlaybackConfig()
	cfg.AutoPlay = false
	cfg.ViewFirstFrame = true
	f.ctrl.SetConfig(cfg)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/vod/a.mp4", PlayTypeVodMP4))
	f.log.waitKind(t, events.FirstIFrame)

	b := f.driver.Last()
	require.Eventually(t, func() bool { return !b.IsPlaying() }, waitFor, poll)
	require.Eventually(t, func() bool { return !b.Muted() }, waitFor, poll)

	calls := b.Calls()
	muteOn := slices.Index(calls, "mute:true")
	start := slices.Index(calls, "start")
	pause := slices.Index(calls, "pause")
	require.GreaterOrEqual(t, muteOn, 0)
	assert.Less(t, muteOn, start)
	assert.Less(t, start, pause)
	assert.Equal(t, "mute:false", calls[len(calls)-1])
}

// TestRuntimeControls verifies mute, looping, rate and channel mode reach
// the backend and survive into the next session.
func TestRuntimeControls(t *testing.T) {
	f := newFixture(t, quietConfig())

	f.ctrl.SetMute(true)
	require.NoError(t, f.ctrl.SetPlaybackRate(1.5))
	assert.Error(t, f.ctrl.SetPlaybackRate(0))

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/vod/a.mp4", PlayTypeVodMP4))
	f.log.waitKind(t, events.PlayBegin)
	b := f.driver.Last()
	assert.True(t, b.Muted())

	f.ctrl.SetMute(false)
	assert.False(t, b.Muted())
	f.ctrl.SetAudioChannelMode(ChannelLeft)
	f.ctrl.SetLooping(true)
	assert.Greater(t, f.ctrl.CurrentPosition(), int64(-1))
}

// TestCaptureFrame verifies capture runs on the task queue and sees the last
// presented frame.
func TestCaptureFrame(t *testing.T) {
	f := newFixture(t, quietConfig())

	got := make(chan bool, 1)
	require.True(t, f.ctrl.CaptureFrame(func(_ Image, ok bool) { got <- ok }))
	assert.False(t, <-got)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.FirstIFrame)
	require.Eventually(t, func() bool { return f.ctrl.Stats().Render.Presented > 0 }, waitFor, poll)

	frames := make(chan Image, 1)
	require.True(t, f.ctrl.CaptureFrame(func(img Image, ok bool) {
		if ok {
			frames <- img
		}
	}))
	select {
	case img := <-frames:
		assert.Equal(t, 1280, img.Width)
		assert.Equal(t, 720, img.Height)
		assert.NotEmpty(t, img.TraceID)
	case <-time.After(waitFor):
		t.Fatal("no frame captured")
	}

	f.ctrl.StopPlay(false)
	_, ok := f.ctrl.pipeline.LastFrame()
	assert.True(t, ok, "last frame kept")
	f.ctrl.ClearLastFrame()
	_, ok = f.ctrl.pipeline.LastFrame()
	assert.False(t, ok)
}

// TestBufferingBeforePrepareDropped verifies buffering reported during
// preroll produces no PLAY_LOADING or PLAY_BEGIN ahead of PLAY_PREPARED.
func TestBufferingBeforePrepareDropped(t *testing.T) {
	cfg := quietConfig()
	cfg.PrepareDelay = 300 * time.Millisecond
	f := newFixture(t, cfg)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	b := f.driver.Last()
	b.InjectInfo(backend.InfoBufferingStart, 0)
	b.InjectInfo(backend.InfoBufferingEnd, 0)

	f.log.waitKind(t, events.FirstIFrame)
	f.idle(t)

	kinds := f.log.kinds()
	prepared := slices.Index(kinds, events.PlayPrepared)
	require.GreaterOrEqual(t, prepared, 0)
	assert.NotContains(t, kinds[:prepared], events.PlayLoading)
	assert.NotContains(t, kinds[:prepared], events.PlayBegin)
	assert.Equal(t, 1, f.log.count(events.PlayPrepared))

	b.InjectInfo(backend.InfoBufferingStart, 0)
	f.log.waitKind(t, events.PlayLoading)
}

// TestPreparedAfterErrorIgnored verifies a prepare that lands after an error
// leaves the session stopped and the backend unstarted.
func TestPreparedAfterErrorIgnored(t *testing.T) {
	cfg := quietConfig()
	cfg.PrepareDelay = 200 * time.Millisecond
	f := newFixture(t, cfg)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	b := f.driver.Last()
	b.InjectError(backend.ErrorIO, 0)
	f.log.waitKind(t, events.ErrStreamFail)
	require.Equal(t, StateStopped, f.ctrl.State())

	f.log.waitKind(t, events.ConnectSuccess)
	assert.Never(t, func() bool { return f.log.count(events.PlayPrepared) > 0 }, 200*time.Millisecond, poll)
	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.NotContains(t, b.Calls(), "start")
	assert.False(t, f.ctrl.IsPlaying())
}

type countingTarget struct {
	mu sync.Mutex
	n  int
}

func (c *countingTarget) Prepare(render.InputMode) error { return nil }
func (c *countingTarget) Clear()                         {}
func (c *countingTarget) Present(render.Image) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}
func (c *countingTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// TestSetRenderTarget_DetachMidSession verifies a detached target receives
// no more frames while the session keeps decoding.
func TestSetRenderTarget_DetachMidSession(t *testing.T) {
	f := newFixture(t, quietConfig())
	target := &countingTarget{}
	f.ctrl.SetRenderTarget(target)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.FirstIFrame)
	require.Eventually(t, func() bool { return target.count() > 0 }, waitFor, poll)

	f.ctrl.SetRenderTarget(nil)
	presentedAfter := func(n uint64) func() bool {
		return func() bool { return f.ctrl.Stats().Render.Presented >= n }
	}
	// A frame already handed to the target may still land.
	require.Eventually(t, presentedAfter(f.ctrl.Stats().Render.Presented+2), waitFor, poll)
	seen := target.count()

	require.Eventually(t, presentedAfter(f.ctrl.Stats().Render.Presented+3), waitFor, poll)
	assert.Equal(t, seen, target.count())
	assert.True(t, f.ctrl.Stats().Render.Running)
}

type fakeFocus struct {
	mu        sync.Mutex
	requested int
	abandoned int
}

func (f *fakeFocus) Request() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested++
	return true
}

func (f *fakeFocus) Abandon() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned++
}

// TestAudioFocus verifies focus is requested on prepare, abandoned on stop,
// and host changes become events.
func TestAudioFocus(t *testing.T) {
	focus := &fakeFocus{}
	f := newFixture(t, quietConfig(), func(o *Options) { o.AudioFocus = focus })

	f.ctrl.NotifyAudioFocus(false)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/a.mp3", PlayTypeNetAudio))
	f.log.waitKind(t, events.PlayBegin)
	require.Eventually(t, func() bool {
		focus.mu.Lock()
		defer focus.mu.Unlock()
		return focus.requested == 1
	}, waitFor, poll)

	f.ctrl.NotifyAudioFocus(false)
	f.ctrl.NotifyAudioFocus(true)
	f.log.waitKind(t, events.AudioFocusGain)

	kinds := f.log.kinds()
	assert.Less(t, slices.Index(kinds, events.AudioFocusLoss), slices.Index(kinds, events.AudioFocusGain))
	assert.Equal(t, 1, f.log.count(events.AudioFocusLoss), "no event while idle")

	f.ctrl.StopPlay(true)
	focus.mu.Lock()
	assert.Equal(t, 1, focus.abandoned)
	focus.mu.Unlock()
}

// TestPlayURLNotifications verifies the URL resolution error events.
func TestPlayURLNotifications(t *testing.T) {
	f := newFixture(t, quietConfig())

	f.ctrl.NotifyPlayURLTimeout()
	f.ctrl.NotifyPlayURLsEmpty()
	f.idle(t)

	assert.Equal(t, []EventKind{events.ErrGetPlayURLTimeout, events.ErrPlayURLsEmpty}, f.log.kinds())
	assert.Equal(t, EventKind(-2303), events.ErrGetPlayURLTimeout)
}

// TestAudioTypesSelectVariant verifies audio play types map to the OS and
// alternate players and skip the image pipeline.
func TestAudioTypesSelectVariant(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.ctrl.EnableHardwareDecode(true)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("http://cdn.example.com/a.mp3", PlayTypeNetAudio))
	assert.Equal(t, backend.VariantOSPlayer, f.driver.Last().Variant())
	f.log.waitKind(t, events.PlayBegin)
	assert.False(t, f.ctrl.Stats().Render.Running)

	require.Equal(t, ResultOK, f.ctrl.StartPlay("/music/b.wav", PlayTypeNetExAudio))
	assert.Equal(t, backend.VariantAlternatePlayer, f.driver.Last().Variant())
}

// TestStartPlay_MissingVariant verifies a factory without the variant fails
// the start without changing state.
func TestStartPlay_MissingVariant(t *testing.T) {
	ctrl, err := NewController(Options{Factory: backend.NewFactory()})
	require.NoError(t, err)
	defer ctrl.Destroy()

	assert.Equal(t, ResultFailed, ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	assert.Equal(t, StateNotInit, ctrl.State())
}

// TestDestroy verifies Destroy is terminal and idempotent.
func TestDestroy(t *testing.T) {
	f := newFixture(t, quietConfig())

	require.Equal(t, ResultOK, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	f.log.waitKind(t, events.PlayBegin)

	f.ctrl.Destroy()
	f.ctrl.Destroy()

	assert.Equal(t, StateNotInit, f.ctrl.State())
	assert.Contains(t, f.driver.Last().Calls(), "release")
	assert.Equal(t, ResultFailed, f.ctrl.StartPlay("rtmp://live.example.com/app/stream", PlayTypeLiveRTMP))
	assert.False(t, f.ctrl.CaptureFrame(func(Image, bool) {}))
}

// TestNewController_RequiresFactory verifies construction validation.
func TestNewController_RequiresFactory(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)
}
