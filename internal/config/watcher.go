package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and hands
// every valid result to onChange. Invalid files are logged and skipped; the
// previous configuration stays in effect.
type Watcher struct {
	fs       afero.Fs
	path     string
	debounce time.Duration
	onChange func(*Config)
	watcher  *fsnotify.Watcher

	reloads  uint64
	failures uint64
}

// NewWatcher watches path. The parent directory is watched so editors that
// replace the file by rename are picked up.
func NewWatcher(fs afero.Fs, path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		fs:       fs,
		path:     abs,
		debounce: defaultDebounce,
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	slog.Info("config: watching for changes", "path", w.path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("config: change detected", "op", ev.Op.String(), "file", ev.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.fs, w.path)
	if err != nil {
		atomic.AddUint64(&w.failures, 1)
		slog.Warn("config: reload failed, keeping previous configuration", "path", w.path, "error", err)
		return
	}
	atomic.AddUint64(&w.reloads, 1)
	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stats returns how many reloads succeeded and failed.
func (w *Watcher) Stats() (reloads, failures uint64) {
	return atomic.LoadUint64(&w.reloads), atomic.LoadUint64(&w.failures)
}
