// Package backend defines the capability set every decode backend exposes to
// the session controller, the callback contract backends drive, and the
// factory that builds a backend variant for a play type.
//
// Concrete variants live in subpackages (gst, mpv, synthetic). The controller
// only ever sees the Backend interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/render"
)

var (
	ErrVariantUnavailable = errors.New("backend: variant not registered")
	ErrReleased           = errors.New("backend: released")
	ErrNotPrepared        = errors.New("backend: not prepared")
	ErrUnsupported        = errors.New("backend: operation not supported")
)

// PlayType is the media category requested by the caller.
type PlayType int

const (
	PlayTypeLiveRTMP PlayType = iota
	PlayTypeLiveFLV
	PlayTypeVodFLV
	PlayTypeVodHLS
	PlayTypeVodMP4
	PlayTypeLocalVideo
	PlayTypeNetAudio
	PlayTypeNetExAudio
)

var playTypeNames = []string{
	"live_rtmp", "live_flv", "vod_flv", "vod_hls", "vod_mp4", "local_video", "net_audio", "net_exaudio",
}

func (t PlayType) String() string {
	if t.Valid() {
		return playTypeNames[t]
	}
	return fmt.Sprintf("play_type(%d)", int(t))
}

// Valid reports whether t is a known play type.
func (t PlayType) Valid() bool { return t >= PlayTypeLiveRTMP && t <= PlayTypeNetExAudio }

// IsLive reports whether t is a live video category.
func (t PlayType) IsLive() bool { return t == PlayTypeLiveRTMP || t == PlayTypeLiveFLV }

// IsAudio reports whether t is an audio-only category.
func (t PlayType) IsAudio() bool { return t == PlayTypeNetAudio || t == PlayTypeNetExAudio }

// IsVideo reports whether t carries video.
func (t PlayType) IsVideo() bool { return t.Valid() && !t.IsAudio() }

// ParsePlayType accepts either the snake_case name or the numeric code.
func ParsePlayType(s string) (PlayType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range playTypeNames {
		if name == s {
			return PlayType(i), nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && PlayType(n).Valid() {
		return PlayType(n), nil
	}
	return 0, fmt.Errorf("backend: unknown play type %q", s)
}

// Variant tags a concrete backend implementation.
type Variant int

const (
	VariantHardwareNative Variant = iota
	VariantSoftwareNative
	VariantOSPlayer
	VariantAlternatePlayer
)

func (v Variant) String() string {
	switch v {
	case VariantHardwareNative:
		return "hw_native"
	case VariantSoftwareNative:
		return "sw_native"
	case VariantOSPlayer:
		return "os_player"
	case VariantAlternatePlayer:
		return "alt_player"
	default:
		return "unknown"
	}
}

// SelectVariant picks the variant for t. Video categories use the hardware
// decoder when hardware is true; audio categories map directly by type.
func SelectVariant(t PlayType, hardware bool) Variant {
	switch t {
	case PlayTypeNetAudio:
		return VariantOSPlayer
	case PlayTypeNetExAudio:
		return VariantAlternatePlayer
	}
	if hardware {
		return VariantHardwareNative
	}
	return VariantSoftwareNative
}

// ErrorCode classifies a playback failure reported through OnError.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorIO
	ErrorMalformed
	ErrorUnsupported
	ErrorServerDied
	ErrorTimedOut
	// ErrorExitRead reports that the demux read goroutine exited for good.
	ErrorExitRead
	// ErrorNetworkDisconnect carries ExtraForbidden when the server refused
	// the request.
	ErrorNetworkDisconnect
)

// ExtraForbidden is the OnError extra for an HTTP 403 style refusal.
const ExtraForbidden = -403

func (c ErrorCode) String() string {
	switch c {
	case ErrorIO:
		return "io"
	case ErrorMalformed:
		return "malformed"
	case ErrorUnsupported:
		return "unsupported"
	case ErrorServerDied:
		return "server_died"
	case ErrorTimedOut:
		return "timed_out"
	case ErrorExitRead:
		return "exit_read"
	case ErrorNetworkDisconnect:
		return "network_disconnect"
	default:
		return "unknown"
	}
}

// InfoCode is a non-fatal notification reported through OnInfo.
type InfoCode int

const (
	InfoConnected InfoCode = iota + 1
	InfoStreamBegin
	InfoBufferingStart
	InfoBufferingEnd
	InfoNetworkReconnect
	InfoVideoSourceChanged
	InfoRotationChanged // extra: degrees
	InfoServerIPChanged
	InfoVideoRenderingStart
	InfoAudioRenderingStart
	InfoStreamUnixTime // extra: unix ms
	InfoAudioDecodeFail
	InfoProgress // extra: position ms
)

func (c InfoCode) String() string {
	names := map[InfoCode]string{
		InfoConnected:           "connected",
		InfoStreamBegin:         "stream_begin",
		InfoBufferingStart:      "buffering_start",
		InfoBufferingEnd:        "buffering_end",
		InfoNetworkReconnect:    "network_reconnect",
		InfoVideoSourceChanged:  "video_source_changed",
		InfoRotationChanged:     "rotation_changed",
		InfoServerIPChanged:     "server_ip_changed",
		InfoVideoRenderingStart: "video_rendering_start",
		InfoAudioRenderingStart: "audio_rendering_start",
		InfoStreamUnixTime:      "stream_unix_time",
		InfoAudioDecodeFail:     "audio_decode_fail",
		InfoProgress:            "progress",
	}
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("info(%d)", int(c))
}

// VideoBuffer is one decoded picture handed to the image pipeline.
type VideoBuffer struct {
	Image render.Image
	// HardwareFailed reports that the hardware path could not deliver this
	// buffer to the surface.
	HardwareFailed bool
}

// Callbacks are invoked from backend goroutines. Nil fields are skipped.
// SetCallbacks(nil) unregisters every callback at once.
type Callbacks struct {
	OnPrepared         func()
	OnCompletion       func()
	OnError            func(code ErrorCode, extra int)
	OnInfo             func(code InfoCode, extra int64)
	OnSeekComplete     func()
	OnVideoSizeChanged func(width, height int)
	OnVideoBuffer      func(buf VideoBuffer)
}

// Metrics are the counters sampled by the stats timer.
type Metrics struct {
	VideoBytesPerSec int64
	AudioBytesPerSec int64
	TCPBytesPerSec   int64
	FPS              float64
	CachedVideoBytes int64
	CachedAudioBytes int64
	DroppedFrames    int64
	JitterMs         int64
	ServerIP         string
}

// Settings is the subset of the playback configuration a backend applies at
// construction.
type Settings struct {
	CacheTime         time.Duration
	AutoAdjustCache   bool
	MinCacheTime      time.Duration
	MaxCacheTime      time.Duration
	ReconnectCount    int
	ReconnectInterval time.Duration
	ProbeSizeKB       int
	ChannelMode       int
	AudioStreamType   int
	DNSCacheCount     int
	DNSCacheTTL       time.Duration
	Mute              bool
	Looping           bool
	PlaybackRate      float64
}

// Options are passed to a Constructor.
type Options struct {
	SessionID string
	URL       string
	PlayType  PlayType
	Variant   Variant
	Settings  Settings
}

// Backend is the capability set the controller drives. Implementations must
// be safe for concurrent use: control calls arrive from the caller's
// goroutine while callbacks fire from the backend's own goroutines.
type Backend interface {
	Variant() Variant
	SetCallbacks(cb *Callbacks)

	// PrepareAsync starts opening the source and returns immediately.
	// OnPrepared or OnError reports the outcome.
	PrepareAsync(ctx context.Context) error
	Start() error
	Pause() error
	Stop() error
	// Release frees every resource. The backend is unusable afterwards.
	Release() error

	SeekTo(ms int64) error
	SetPlaybackRate(rate float64) error
	SetLooping(on bool)
	SetMute(on bool)
	SetAudioChannelMode(mode int)

	CurrentPosition() int64
	Duration() int64
	VideoSize() (width, height int)
	IsPlaying() bool
	Metrics() Metrics
}

// SourceChanger is implemented by backends that can switch source in place.
type SourceChanger interface {
	ChangeSource(url string, t PlayType) error
}

// SoftwareSwitcher is implemented by backends that can redirect their frame
// output to CPU buffers after a hardware failure.
type SoftwareSwitcher interface {
	SwitchToSoftware() error
}
