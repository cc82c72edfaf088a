package backend

import (
	"fmt"
	"log/slog"
	"sync"
)

// Constructor builds one backend instance.
type Constructor func(opts Options) (Backend, error)

// Factory maps variants to constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[Variant]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[Variant]Constructor)}
}

// Register installs ctor for v, replacing any previous constructor.
func (f *Factory) Register(v Variant, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[v] = ctor
}

// RegisterAll installs ctor for every variant.
func (f *Factory) RegisterAll(ctor Constructor) {
	for _, v := range []Variant{VariantHardwareNative, VariantSoftwareNative, VariantOSPlayer, VariantAlternatePlayer} {
		f.Register(v, ctor)
	}
}

// Has reports whether v has a constructor.
func (f *Factory) Has(v Variant) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ctors[v]
	return ok
}

// New builds the backend for opts.Variant.
func (f *Factory) New(opts Options) (Backend, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[opts.Variant]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVariantUnavailable, opts.Variant)
	}

	b, err := ctor(opts)
	if err != nil {
		return nil, fmt.Errorf("backend: create %s: %w", opts.Variant, err)
	}

	slog.Debug("backend: created",
		"variant", opts.Variant.String(),
		"play_type", opts.PlayType.String(),
		"session_id", opts.SessionID,
	)
	return b, nil
}
