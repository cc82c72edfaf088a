package playback

import (
	"fmt"
	"log/slog"
	"sync"
)

var (
	initMu       sync.Mutex
	initializers []namedInitializer
	initOnce     sync.Once
	initErr      error
)

type namedInitializer struct {
	name string
	fn   func() error
}

// RegisterInitializer adds a process-wide setup step (e.g. loading the
// GStreamer runtime) run once by Init. Registrations after Init has run are
// ignored.
func RegisterInitializer(name string, fn func() error) {
	initMu.Lock()
	defer initMu.Unlock()
	initializers = append(initializers, namedInitializer{name: name, fn: fn})
}

// Init runs every registered initializer exactly once per process. Later
// calls return the first result. NewController calls it.
func Init() error {
	initOnce.Do(func() {
		initMu.Lock()
		steps := append([]namedInitializer(nil), initializers...)
		initMu.Unlock()

		for _, s := range steps {
			if err := s.fn(); err != nil {
				initErr = fmt.Errorf("playback: init %s: %w", s.name, err)
				slog.Error("playback: initializer failed", "name", s.name, "error", err)
				return
			}
			slog.Debug("playback: initializer done", "name", s.name)
		}
	})
	return initErr
}
