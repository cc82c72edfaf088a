// Package daemon assembles playbackd: one playback controller plus its
// sinks (MQTT, HTTP, websocket, session history) and the config watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/playback"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend/gst"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend/mpv"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/history"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/hub"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/server"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/stats"
)

const (
	mqttSubscriber   = "mqtt"
	mqttBuffer       = 256
	summariesPending = 16
)

// Options configures a Daemon beyond the file configuration.
type Options struct {
	// ConfigPath enables hot reload of the playback section when set.
	ConfigPath string
	// Fs reads the configuration on reload. Defaults to the OS filesystem.
	Fs afero.Fs
	// Synthetic overrides the synthetic backend settings in synthetic mode.
	Synthetic *synthetic.Config
}

// Daemon is the playbackd service orchestrator
type Daemon struct {
	cfg  *config.Config
	opts Options

	factory *backend.Factory
	driver  *synthetic.Driver // synthetic mode only
	ctrl    *playback.Controller
	hub     *hub.Hub

	emitter *emitter.MQTTEmitter
	control *control.Handler
	server  *server.Server
	history *history.Store
	watcher *config.Watcher

	summaries chan playback.SessionSummary

	mu        sync.Mutex
	started   time.Time
	isRunning bool
	cancelCtx context.CancelFunc
}

// New builds every component. Network connections are made by Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		factory:   playback.NewBackendFactory(),
		summaries: make(chan playback.SessionSummary, summariesPending),
	}

	if err := d.registerBackends(); err != nil {
		return nil, err
	}

	if cfg.History.Path != "" {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		d.history = store
	}

	d.hub = hub.New(d.sessionID)

	probe, err := stats.NewProcessCPUProbe()
	if err != nil {
		slog.Warn("daemon: cpu usage unavailable", "error", err)
	}

	pcfg := cfg.Playback
	ctrl, err := playback.NewController(playback.Options{
		Factory:       d.factory,
		Name:          cfg.InstanceID,
		Config:        &pcfg,
		StatsInterval: time.Duration(cfg.Backend.StatsIntervalMs) * time.Millisecond,
		CPUProbe:      probe,
		OnSessionEnd:  d.onSessionEnd,
	})
	if err != nil {
		d.closeHistory()
		return nil, fmt.Errorf("daemon: create controller: %w", err)
	}
	d.ctrl = ctrl
	ctrl.SetListener(d.hub)
	ctrl.EnableHardwareDecode(cfg.Backend.HardwareDecode)

	if cfg.HTTP.Enabled {
		var lister server.SessionLister
		if d.history != nil {
			lister = d.history
		}
		d.server = server.New(cfg.HTTP.Addr, cfg.InstanceID, ctrl, d.hub, lister)
	}
	if cfg.MQTT.Enabled {
		d.emitter = emitter.NewMQTTEmitter(cfg)
	}

	slog.Info("daemon: configured",
		"instance_id", cfg.InstanceID,
		"backend_mode", cfg.Backend.Mode,
		"hardware_decode", cfg.Backend.HardwareDecode,
		"mqtt", cfg.MQTT.Enabled,
		"http", cfg.HTTP.Enabled,
		"history", cfg.History.Path,
	)
	return d, nil
}

func (d *Daemon) registerBackends() error {
	switch d.cfg.Backend.Mode {
	case config.ModeSynthetic:
		sc := synthetic.DefaultConfig()
		if d.opts.Synthetic != nil {
			sc = *d.opts.Synthetic
		}
		d.driver = synthetic.NewDriver(sc)
		d.factory.RegisterAll(d.driver.Constructor)
	case config.ModeGStreamer:
		playback.RegisterInitializer("gst", gst.Init)
		gst.Register(d.factory)
		if d.cfg.Backend.MPVBinary != "" {
			mc := mpv.DefaultConfig()
			mc.Binary = d.cfg.Backend.MPVBinary
			mpv.Register(d.factory, mc)
		}
	default:
		return fmt.Errorf("daemon: unknown backend mode %q", d.cfg.Backend.Mode)
	}
	return nil
}

// Controller returns the playback controller
func (d *Daemon) Controller() *playback.Controller { return d.ctrl }

// Hub returns the event hub
func (d *Daemon) Hub() *hub.Hub { return d.hub }

// Server returns the HTTP server, nil when disabled
func (d *Daemon) Server() *server.Server { return d.server }

// Driver returns the synthetic backend driver, nil outside synthetic mode
func (d *Daemon) Driver() *synthetic.Driver { return d.driver }

// ShutdownTimeout returns the configured graceful shutdown budget
func (d *Daemon) ShutdownTimeout() time.Duration {
	return time.Duration(d.cfg.ShutdownTimeoutS) * time.Second
}

// Run starts the sinks, plays the configured source when auto_start is set
// and blocks until ctx is cancelled, a shutdown command arrives or a sink
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.isRunning = true
	d.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	d.cancelCtx = cancel
	d.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if d.emitter != nil {
		if err := d.emitter.Connect(gctx); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		ch := make(chan hub.Message, mqttBuffer)
		if err := d.hub.Subscribe(mqttSubscriber, ch); err != nil {
			return fmt.Errorf("daemon: subscribe mqtt: %w", err)
		}
		g.Go(func() error { return d.emitter.Run(gctx, ch) })

		d.control = control.NewHandler(d.cfg, d.emitter.Client, d.ctrl, d.shutdownViaControl)
		if err := d.control.Start(gctx); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
	}

	if d.history != nil {
		g.Go(func() error { return d.history.Run(gctx, d.summaries) })
	}

	if d.server != nil {
		g.Go(func() error { return d.server.Run(gctx) })
	}

	if d.opts.ConfigPath != "" {
		w, err := config.NewWatcher(d.opts.Fs, d.opts.ConfigPath, d.applyConfig)
		if err != nil {
			slog.Warn("daemon: config hot reload disabled", "error", err)
		} else {
			d.watcher = w
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if d.cfg.Source.AutoStart && d.cfg.Source.URL != "" {
		d.autoStart()
	}

	if d.server != nil {
		d.server.SetReady(true)
	}
	slog.Info("daemon: running", "instance_id", d.cfg.InstanceID)

	err := g.Wait()
	slog.Info("daemon: run loop exiting")
	return err
}

func (d *Daemon) autoStart() {
	t, err := d.cfg.Source.Type()
	if err != nil {
		slog.Error("daemon: auto start skipped", "error", err)
		return
	}
	if rc := d.ctrl.StartPlay(d.cfg.Source.URL, t); rc != playback.ResultOK {
		slog.Error("daemon: auto start failed", "url", d.cfg.Source.URL, "play_type", t.String(), "result", rc)
		return
	}
	slog.Info("daemon: auto start", "url", d.cfg.Source.URL, "play_type", t.String())
}

// applyConfig takes the playback section and the hardware decode preference
// from a reloaded file. Other sections need a restart.
func (d *Daemon) applyConfig(next *config.Config) {
	d.ctrl.SetConfig(next.Playback)

	d.mu.Lock()
	prev := d.cfg.Backend.HardwareDecode
	d.mu.Unlock()
	if next.Backend.HardwareDecode != prev {
		d.ctrl.EnableHardwareDecode(next.Backend.HardwareDecode)
	}

	if next.MQTT.Enabled != d.cfg.MQTT.Enabled || next.MQTT.Broker != d.cfg.MQTT.Broker ||
		next.HTTP != d.cfg.HTTP || next.Backend.Mode != d.cfg.Backend.Mode {
		slog.Warn("daemon: transport or backend changes require restart")
	}

	d.mu.Lock()
	d.cfg.Playback = next.Playback
	d.cfg.Backend.HardwareDecode = next.Backend.HardwareDecode
	d.mu.Unlock()

	slog.Info("daemon: playback config reloaded",
		"auto_play", next.Playback.AutoPlay,
		"cache_time", next.Playback.CacheTime,
		"hardware_decode", next.Backend.HardwareDecode,
	)
}

func (d *Daemon) sessionID() string {
	if d.ctrl == nil {
		return ""
	}
	return d.ctrl.SessionID()
}

// onSessionEnd runs outside every controller lock; the store write happens
// on the history goroutine.
func (d *Daemon) onSessionEnd(sum playback.SessionSummary) {
	slog.Info("daemon: session ended",
		"session_id", sum.ID,
		"end_reason", sum.EndReason,
		"duration_ms", sum.EndedAt.Sub(sum.StartedAt).Milliseconds(),
		"fallbacks", sum.Fallbacks,
	)
	if d.history == nil || !d.ctrl.Config().UpdateStatistics {
		return
	}
	select {
	case d.summaries <- sum:
	default:
		slog.Warn("daemon: session summary dropped, history busy", "session_id", sum.ID)
	}
}

// shutdownViaControl handles the shutdown command
func (d *Daemon) shutdownViaControl() error {
	d.mu.Lock()
	cancel := d.cancelCtx
	d.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("daemon: not running")
	}
	slog.Info("daemon: shutdown requested via control plane")
	cancel()
	return nil
}

// Shutdown stops the session and releases every component. Summaries not yet
// written are flushed to history before it closes.
func (d *Daemon) Shutdown(ctx context.Context) error {
	slog.Info("daemon: shutting down")
	var errs []error

	if d.server != nil {
		d.server.SetReady(false)
	}

	// 1. Stop playback; the final summary lands in d.summaries.
	d.ctrl.Destroy()

	// 2. Stop the control plane before the connection goes away
	if d.control != nil {
		if err := d.control.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	// 3. Flush pending summaries
	if d.history != nil {
		d.flushSummaries(ctx)
	}

	// 4. Close sinks
	d.hub.Close()
	if d.emitter != nil {
		if err := d.emitter.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.closeHistory(); err != nil {
		errs = append(errs, err)
	}

	d.mu.Lock()
	uptime := time.Duration(0)
	if d.isRunning {
		uptime = time.Since(d.started)
	}
	d.isRunning = false
	d.mu.Unlock()

	slog.Info("daemon: shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

func (d *Daemon) flushSummaries(ctx context.Context) {
	for {
		select {
		case sum := <-d.summaries:
			if err := d.history.Record(ctx, sum); err != nil {
				slog.Warn("daemon: final history write failed", "session_id", sum.ID, "error", err)
			}
		default:
			return
		}
	}
}

func (d *Daemon) closeHistory() error {
	if d.history == nil {
		return nil
	}
	return d.history.Close()
}
