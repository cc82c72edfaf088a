// Package mpv implements the alternate-player backend on an external mpv
// process driven over its JSON-IPC socket.
//
// The process is spawned paused in its own process group; PrepareAsync
// returns immediately and OnPrepared fires once mpv reports file-loaded.
// Property changes observed on a persistent connection become progress,
// buffering and size callbacks. An mpv exit that was not requested is
// reported as ErrorExitRead.
package mpv

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
)

const (
	socketWaitRetries = 10
	socketWaitDelay   = 300 * time.Millisecond
	quitTimeout       = 3 * time.Second
)

// Config locates the mpv binary.
type Config struct {
	Binary    string
	SocketDir string
	ExtraArgs []string
}

// DefaultConfig runs "mpv" from PATH with sockets in the temp dir.
func DefaultConfig() Config {
	return Config{Binary: "mpv", SocketDir: os.TempDir()}
}

// Register adds the alternate-player variant to f.
func Register(f *backend.Factory, cfg Config) {
	f.Register(backend.VariantAlternatePlayer, func(opts backend.Options) (backend.Backend, error) {
		if _, err := sanitizeTarget(opts.URL); err != nil {
			return nil, err
		}
		return New(cfg, opts), nil
	})
}

// Backend is one mpv playback instance.
type Backend struct {
	cfg  Config
	opts backend.Options
	ipc  *ipcClient

	mu          sync.Mutex
	cb          *backend.Callbacks
	cmd         *exec.Cmd
	exited      chan struct{}
	listener    *eventListener
	url         string
	playType    backend.PlayType
	prepared    bool
	released    bool
	running     bool
	playing     bool
	looping     bool
	muted       bool
	rate        float64
	channel     int
	seeking     bool
	buffering   bool
	srcChanged  bool
	firstAudio  bool
	positionMs  int64
	durationMs  int64
	reportedSec int64
	width       int
	height      int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a backend; the process starts on PrepareAsync.
func New(cfg Config, opts backend.Options) *Backend {
	if cfg.Binary == "" {
		cfg.Binary = "mpv"
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	rate := opts.Settings.PlaybackRate
	if rate <= 0 {
		rate = 1
	}
	socket := filepath.Join(cfg.SocketDir, fmt.Sprintf("playback-%s.sock", uuid.New().String()[:8]))
	return &Backend{
		cfg:         cfg,
		opts:        opts,
		ipc:         &ipcClient{socketPath: socket},
		exited:      make(chan struct{}),
		url:         opts.URL,
		playType:    opts.PlayType,
		looping:     opts.Settings.Looping,
		muted:       opts.Settings.Mute,
		rate:        rate,
		channel:     opts.Settings.ChannelMode,
		reportedSec: -1,
	}
}

func (b *Backend) Variant() backend.Variant { return backend.VariantAlternatePlayer }

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
		return fmt.Errorf("mpv: already preparing")
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(ctx)
	return nil
}

// run owns the mpv process for the lifetime of the backend.
func (b *Backend) run(ctx context.Context) {
	defer b.wg.Done()

	if err := b.spawn(ctx); err != nil {
		slog.Error("mpv: failed to start", "session_id", b.opts.SessionID, "error", err)
		b.fail(startErrorCode(err), 0)
		b.shutdown()
		return
	}

	select {
	case <-ctx.Done():
		b.shutdown()
	case <-b.exited:
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		b.stopListener()
		os.Remove(b.ipc.socketPath)
		slog.Warn("mpv: process exited unexpectedly", "session_id", b.opts.SessionID)
		b.fail(backend.ErrorExitRead, 0)
	}
}

func startErrorCode(err error) backend.ErrorCode {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "executable file not found") || strings.Contains(msg, "no such file") {
		return backend.ErrorUnsupported
	}
	return backend.ErrorIO
}

func (b *Backend) spawn(ctx context.Context) error {
	target, err := sanitizeTarget(b.currentURL())
	if err != nil {
		return err
	}

	b.mu.Lock()
	args := buildArgs(b.ipc.socketPath, b.playType, b.opts.Settings, b.looping, b.muted, b.rate, b.channel)
	b.mu.Unlock()
	args = append(append(args, b.cfg.ExtraArgs...), target)

	cmd := exec.Command(b.cfg.Binary, args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mpv: start: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.running = true
	exited := b.exited
	b.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	if err := b.waitForSocket(ctx); err != nil {
		return fmt.Errorf("mpv: socket not ready: %w", err)
	}

	listener := newEventListener(b.ipc.socketPath, b.handleEvent)
	if err := listener.Start(); err != nil {
		return err
	}
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	slog.Info("mpv: started",
		"session_id", b.opts.SessionID,
		"pid", cmd.Process.Pid,
		"socket", b.ipc.socketPath,
		"url", target,
	)
	return nil
}

func (b *Backend) waitForSocket(ctx context.Context) error {
	for i := 0; i < socketWaitRetries; i++ {
		select {
		case <-time.After(socketWaitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-b.exited:
			return fmt.Errorf("mpv exited before socket was ready")
		default:
		}

		conn, err := net.Dial("unix", b.ipc.socketPath)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("socket %s not ready after %d attempts", b.ipc.socketPath, socketWaitRetries)
}

func (b *Backend) stopListener() {
	b.mu.Lock()
	l := b.listener
	b.listener = nil
	b.mu.Unlock()
	if l != nil {
		l.Stop()
	}
}

// shutdown quits mpv gracefully, killing the process group after
// quitTimeout.
func (b *Backend) shutdown() {
	b.mu.Lock()
	cmd := b.cmd
	running := b.running
	b.running = false
	b.playing = false
	b.mu.Unlock()

	b.stopListener()
	if cmd == nil {
		return
	}
	if running {
		_, _ = b.ipc.send("quit")
	}

	select {
	case <-b.exited:
	case <-time.After(quitTimeout):
		slog.Warn("mpv: quit timed out, killing", "session_id", b.opts.SessionID)
		_ = killProcess(cmd)
		<-b.exited
	}
	os.Remove(b.ipc.socketPath)
}

func (b *Backend) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Backend) setProperty(name string, value any) error {
	if !b.isRunning() {
		return nil
	}
	_, err := b.ipc.send("set_property", name, value)
	return err
}

func (b *Backend) Start() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return backend.ErrReleased
	}
	b.playing = true
	b.mu.Unlock()
	return b.setProperty("pause", false)
}

func (b *Backend) Pause() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return backend.ErrReleased
	}
	b.playing = false
	b.mu.Unlock()
	return b.setProperty("pause", true)
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	b.playing = false
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
	b.released = true
	b.cb = nil
	b.mu.Unlock()
	return nil
}

func (b *Backend) SeekTo(ms int64) error {
	b.mu.Lock()
	if !b.prepared {
		b.mu.Unlock()
		return backend.ErrNotPrepared
	}
	b.seeking = true
	b.mu.Unlock()

	if _, err := b.ipc.send("seek", float64(ms)/1000, "absolute"); err != nil {
		b.mu.Lock()
		b.seeking = false
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Backend) SetPlaybackRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("mpv: invalid playback rate %.2f", rate)
	}
	b.mu.Lock()
	b.rate = rate
	b.mu.Unlock()
	return b.setProperty("speed", rate)
}

func (b *Backend) SetLooping(on bool) {
	b.mu.Lock()
	b.looping = on
	b.mu.Unlock()
	if err := b.setProperty("loop-file", loopValue(on)); err != nil {
		slog.Warn("mpv: set loop failed", "error", err)
	}
}

func (b *Backend) SetMute(on bool) {
	b.mu.Lock()
	b.muted = on
	b.mu.Unlock()
	if err := b.setProperty("mute", on); err != nil {
		slog.Warn("mpv: set mute failed", "error", err)
	}
}

func (b *Backend) SetAudioChannelMode(mode int) {
	b.mu.Lock()
	b.channel = mode
	b.mu.Unlock()
	if err := b.setProperty("af", channelFilter(mode)); err != nil {
		slog.Warn("mpv: set channel mode failed", "mode", mode, "error", err)
	}
}

func (b *Backend) CurrentPosition() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionMs
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
	defer b.mu.Unlock()
	return b.running && b.playing && !b.buffering
}

// Metrics queries mpv for cache and bitrate properties. Unavailable
// properties read as zero.
func (b *Backend) Metrics() backend.Metrics {
	if !b.isRunning() {
		return backend.Metrics{}
	}
	query := func(name string) float64 {
		v, err := sendOnce(b.ipc.socketPath, []any{"get_property", name})
		if err != nil {
			return 0
		}
		return floatData(v).OrElse(0)
	}

	m := backend.Metrics{
		AudioBytesPerSec: int64(query("audio-bitrate") / 8),
		VideoBytesPerSec: int64(query("video-bitrate") / 8),
		TCPBytesPerSec:   int64(query("cache-speed")),
		FPS:              query("estimated-vf-fps"),
		CachedAudioBytes: int64(query("demuxer-cache-state/fw-bytes")),
	}
	if u, err := url.Parse(b.currentURL()); err == nil {
		m.ServerIP = u.Hostname()
	}
	return m
}

// ChangeSource loads url into the running mpv instance.
func (b *Backend) ChangeSource(rawURL string, t backend.PlayType) error {
	target, err := sanitizeTarget(rawURL)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return backend.ErrReleased
	}
	b.url = rawURL
	b.playType = t
	b.srcChanged = true
	b.positionMs = 0
	b.reportedSec = -1
	b.firstAudio = false
	b.mu.Unlock()

	if _, err := b.ipc.send("loadfile", target, "replace"); err != nil {
		return fmt.Errorf("mpv: loadfile: %w", err)
	}
	return nil
}

func (b *Backend) currentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

// handleEvent maps one mpv event onto backend callbacks. It runs on the
// listener goroutine.
func (b *Backend) handleEvent(ev event) {
	switch ev.Event {
	case "file-loaded":
		b.onFileLoaded()
	case "playback-restart":
		b.onPlaybackRestart()
	case "end-file":
		b.onEndFile(ev)
	case "property-change":
		b.onProperty(ev.Name, ev.Data)
	}
}

func (b *Backend) onFileLoaded() {
	b.mu.Lock()
	first := !b.prepared
	changed := b.srcChanged
	b.prepared = true
	b.srcChanged = false
	live := b.playType.IsLive()
	w, h := b.width, b.height
	b.mu.Unlock()

	cb := b.callbacks()
	if cb == nil {
		return
	}
	switch {
	case first:
		if cb.OnInfo != nil {
			cb.OnInfo(backend.InfoConnected, 0)
			if live {
				cb.OnInfo(backend.InfoStreamBegin, 0)
			}
		}
		if w > 0 && h > 0 && cb.OnVideoSizeChanged != nil {
			cb.OnVideoSizeChanged(w, h)
		}
		if cb.OnPrepared != nil {
			cb.OnPrepared()
		}
	case changed:
		if cb.OnInfo != nil {
			cb.OnInfo(backend.InfoVideoSourceChanged, 0)
		}
	}
}

func (b *Backend) onPlaybackRestart() {
	b.mu.Lock()
	seeking := b.seeking
	b.seeking = false
	first := !b.firstAudio && b.playing
	if first {
		b.firstAudio = true
	}
	b.mu.Unlock()

	if first {
		b.info(backend.InfoAudioRenderingStart, 0)
	}
	if seeking {
		if cb := b.callbacks(); cb != nil && cb.OnSeekComplete != nil {
			cb.OnSeekComplete()
		}
	}
}

func (b *Backend) onEndFile(ev event) {
	switch ev.Reason {
	case "eof":
		b.mu.Lock()
		b.playing = false
		b.mu.Unlock()
		if cb := b.callbacks(); cb != nil && cb.OnCompletion != nil {
			cb.OnCompletion()
		}
	case "error":
		category := backend.Classify(ev.FileError, "")
		code, extra := backend.CodeFor(category, ev.FileError)
		if category == backend.ErrCategoryUnknown {
			code = backend.ErrorIO
		}
		slog.Error("mpv: playback error",
			"session_id", b.opts.SessionID,
			"file_error", ev.FileError,
			"category", category.String(),
		)
		b.fail(code, extra)
	}
}

func (b *Backend) onProperty(name string, data any) {
	switch name {
	case "time-pos":
		pos, ok := floatData(data).Get()
		if !ok {
			return
		}
		ms := int64(math.Round(pos * 1000))
		b.mu.Lock()
		b.positionMs = ms
		report := !b.seeking && ms/1000 != b.reportedSec
		if report {
			b.reportedSec = ms / 1000
		}
		b.mu.Unlock()
		if report {
			b.info(backend.InfoProgress, ms)
		}

	case "duration":
		if d, ok := floatData(data).Get(); ok {
			b.mu.Lock()
			b.durationMs = int64(math.Round(d * 1000))
			b.mu.Unlock()
		}

	case "pause":
		if paused, ok := boolData(data).Get(); ok {
			b.mu.Lock()
			b.playing = !paused
			b.mu.Unlock()
		}

	case "paused-for-cache":
		waiting, ok := boolData(data).Get()
		if !ok {
			return
		}
		b.mu.Lock()
		changed := waiting != b.buffering
		b.buffering = waiting
		b.mu.Unlock()
		if !changed {
			return
		}
		if waiting {
			b.info(backend.InfoBufferingStart, 0)
		} else {
			b.info(backend.InfoBufferingEnd, 0)
		}

	case "video-params/w", "video-params/h":
		v, ok := floatData(data).Get()
		if !ok {
			return
		}
		b.mu.Lock()
		if name == "video-params/w" {
			b.width = int(v)
		} else {
			b.height = int(v)
		}
		w, h, prepared := b.width, b.height, b.prepared
		b.mu.Unlock()
		if prepared && w > 0 && h > 0 {
			if cb := b.callbacks(); cb != nil && cb.OnVideoSizeChanged != nil {
				cb.OnVideoSizeChanged(w, h)
			}
		}
	}
}

// buildArgs assembles the mpv options; the caller appends the target.
func buildArgs(socket string, t backend.PlayType, s backend.Settings, looping, muted bool, rate float64, channel int) []string {
	args := []string{
		"--no-terminal",
		"--really-quiet",
		"--idle=yes",
		"--pause=yes",
		"--input-ipc-server=" + socket,
		"--cache=yes",
		fmt.Sprintf("--mute=%s", yesNo(muted)),
		fmt.Sprintf("--speed=%g", rate),
		"--loop-file=" + loopValue(looping),
	}
	if t.IsAudio() {
		args = append(args, "--vid=no", "--force-window=no")
	}
	if s.CacheTime > 0 {
		args = append(args, fmt.Sprintf("--cache-secs=%d", int(s.CacheTime/time.Second)))
	}
	if s.ReconnectInterval > 0 {
		args = append(args, fmt.Sprintf("--network-timeout=%d", int(s.ReconnectInterval/time.Second)))
	}
	if s.ProbeSizeKB > 0 {
		args = append(args, fmt.Sprintf("--demuxer-lavf-probesize=%d", s.ProbeSizeKB*1024))
	}
	if f := channelFilter(channel); f != "" {
		args = append(args, "--af="+f)
	}
	return args
}

func yesNo(on bool) string {
	if on {
		return "yes"
	}
	return "no"
}

func loopValue(on bool) string {
	if on {
		return "inf"
	}
	return "no"
}

// channelFilter returns the audio filter for the SDK channel mode
// (0 stereo, 1 left, 2 right).
func channelFilter(mode int) string {
	switch mode {
	case 1:
		return "lavfi=[pan=stereo|c0=c0|c1=c0]"
	case 2:
		return "lavfi=[pan=stereo|c0=c1|c1=c1]"
	default:
		return ""
	}
}

// sanitizeTarget validates a URL before it reaches the mpv command line.
func sanitizeTarget(link string) (string, error) {
	l := strings.TrimSpace(link)
	if l == "" {
		return "", fmt.Errorf("mpv: empty url")
	}
	if strings.ContainsAny(l, "\x00\n\r") {
		return "", fmt.Errorf("mpv: invalid control characters in url")
	}
	if strings.HasPrefix(l, "-") {
		return "", fmt.Errorf("mpv: url must not start with '-'")
	}
	if strings.Contains(l, "://") {
		u, err := url.Parse(l)
		if err != nil {
			return "", fmt.Errorf("mpv: invalid url: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "rtmp":
			return l, nil
		default:
			return "", fmt.Errorf("mpv: unsupported url scheme %q", u.Scheme)
		}
	}
	return filepath.Clean(l), nil
}
