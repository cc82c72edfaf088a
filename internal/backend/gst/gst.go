// Package gst implements the native decode backends on GStreamer.
//
// HardwareNative and SoftwareNative decode H.264 video through a parsebin
// graph into an RGBA appsink whose samples become VideoBuffer callbacks.
// OSPlayer plays network audio through playbin. A bus monitor goroutine turns
// pipeline messages into backend callbacks and reconnects dropped sources.
package gst

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
)

var initOnce sync.Once

// Init initializes GStreamer once per process.
func Init() error {
	initOnce.Do(func() {
		gst.Init(nil)
		slog.Info("gst: initialized")
	})
	return nil
}

// Register adds the GStreamer variants to f.
func Register(f *backend.Factory) {
	f.Register(backend.VariantHardwareNative, Constructor)
	f.Register(backend.VariantSoftwareNative, Constructor)
	f.Register(backend.VariantOSPlayer, Constructor)
}

// Constructor builds a GStreamer backend for opts.
func Constructor(opts backend.Options) (backend.Backend, error) {
	switch opts.Variant {
	case backend.VariantHardwareNative, backend.VariantSoftwareNative, backend.VariantOSPlayer:
	default:
		return nil, fmt.Errorf("gst: variant %s: %w", opts.Variant, backend.ErrUnsupported)
	}
	if _, err := sourceURI(opts.URL); err != nil {
		return nil, err
	}
	if err := Init(); err != nil {
		return nil, err
	}
	return New(opts), nil
}

// sourceURI turns a play URL into a GStreamer URI. Absolute paths become
// file:// URIs; network schemes are passed through.
func sourceURI(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("gst: empty source url")
	}
	if strings.HasPrefix(raw, "/") {
		u := url.URL{Scheme: "file", Path: filepath.Clean(raw)}
		return u.String(), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gst: invalid source url: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("gst: source url %q has no scheme", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u.String(), nil
}
