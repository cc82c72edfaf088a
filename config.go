package playback

import (
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
)

// LoadingStrategy trades startup latency against stream probing depth.
type LoadingStrategy int

const (
	LoadingDefault LoadingStrategy = iota
	LoadingFast
	LoadingNormal
	LoadingCustom
)

const (
	probeSizeFastKB        = 100
	probeSizeNormalKB      = 200
	probeSizeCustomMinKB   = 10
	probeSizeCustomDefault = 300
)

var loadingNames = []string{"default", "fast", "normal", "custom"}

func (s LoadingStrategy) String() string {
	if s >= LoadingDefault && s <= LoadingCustom {
		return loadingNames[s]
	}
	return fmt.Sprintf("loading(%d)", int(s))
}

func (s LoadingStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LoadingStrategy) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range loadingNames {
		if n == name {
			*s = LoadingStrategy(i)
			return nil
		}
	}
	return fmt.Errorf("playback: unknown loading strategy %q", string(text))
}

// ChannelMode selects which speaker channels carry audio.
type ChannelMode int

const (
	ChannelStereo ChannelMode = iota
	ChannelLeft
	ChannelRight
)

var channelNames = []string{"stereo", "left", "right"}

func (m ChannelMode) String() string {
	if m >= ChannelStereo && m <= ChannelRight {
		return channelNames[m]
	}
	return fmt.Sprintf("channel(%d)", int(m))
}

func (m ChannelMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ChannelMode) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range channelNames {
		if n == name {
			*m = ChannelMode(i)
			return nil
		}
	}
	return fmt.Errorf("playback: unknown channel mode %q", string(text))
}

// PlaybackConfig tunes a session. The controller takes a copy at StartPlay;
// later changes apply to the next session only.
type PlaybackConfig struct {
	CacheTime       time.Duration `yaml:"cache_time"`
	AutoAdjustCache bool          `yaml:"auto_adjust_cache"`
	MinCacheTime    time.Duration `yaml:"min_cache_time"`
	MaxCacheTime    time.Duration `yaml:"max_cache_time"`

	ConnectRetryCount    int           `yaml:"connect_retry_count"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`

	AudioFocusDetect bool `yaml:"audio_focus_detect"`
	AutoPlay         bool `yaml:"auto_play"`
	// ViewFirstFrame shows the first picture muted and paused when AutoPlay
	// is off.
	ViewFirstFrame bool `yaml:"view_first_frame"`

	ChannelMode     ChannelMode `yaml:"channel_mode"`
	AudioStreamType int         `yaml:"audio_stream_type"`

	LoadingStrategy LoadingStrategy `yaml:"loading_strategy"`
	// CustomProbeSizeKB applies with LoadingCustom. Values under 10 KB fall
	// back to 300 KB.
	CustomProbeSizeKB int `yaml:"custom_probe_size_kb"`

	// DNSCacheCount of 0 disables the resolver cache.
	DNSCacheCount int           `yaml:"dns_cache_count"`
	DNSCacheTTL   time.Duration `yaml:"dns_cache_ttl"`

	UpdateStatistics bool `yaml:"update_statistics"`
}

// DefaultPlaybackConfig returns the SDK defaults.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		CacheTime:            5 * time.Second,
		AutoAdjustCache:      true,
		MinCacheTime:         time.Second,
		MaxCacheTime:         5 * time.Second,
		ConnectRetryCount:    4,
		ConnectRetryInterval: 3 * time.Second,
		AudioFocusDetect:     true,
		AutoPlay:             true,
		ChannelMode:          ChannelStereo,
		LoadingStrategy:      LoadingDefault,
		CustomProbeSizeKB:    probeSizeCustomDefault,
		DNSCacheCount:        100,
		DNSCacheTTL:          300 * time.Second,
		UpdateStatistics:     true,
	}
}

// Normalize clamps out-of-range values to usable ones.
func (c PlaybackConfig) Normalize() PlaybackConfig {
	d := DefaultPlaybackConfig()
	if c.CacheTime <= 0 {
		c.CacheTime = d.CacheTime
	}
	if c.MinCacheTime <= 0 {
		c.MinCacheTime = d.MinCacheTime
	}
	if c.MaxCacheTime <= 0 {
		c.MaxCacheTime = d.MaxCacheTime
	}
	if c.MinCacheTime > c.MaxCacheTime {
		c.MinCacheTime, c.MaxCacheTime = c.MaxCacheTime, c.MinCacheTime
	}
	if c.ConnectRetryCount < 0 {
		c.ConnectRetryCount = 0
	}
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = d.ConnectRetryInterval
	}
	if c.ChannelMode < ChannelStereo || c.ChannelMode > ChannelRight {
		c.ChannelMode = ChannelStereo
	}
	if c.LoadingStrategy < LoadingDefault || c.LoadingStrategy > LoadingCustom {
		c.LoadingStrategy = LoadingDefault
	}
	if c.DNSCacheCount < 0 {
		c.DNSCacheCount = 0
	}
	if c.DNSCacheTTL <= 0 {
		c.DNSCacheTTL = d.DNSCacheTTL
	}
	return c
}

// ProbeSizeKB returns the demuxer probe size for the loading strategy.
// Zero leaves the backend default.
func (c PlaybackConfig) ProbeSizeKB() int {
	switch c.LoadingStrategy {
	case LoadingFast:
		return probeSizeFastKB
	case LoadingNormal:
		return probeSizeNormalKB
	case LoadingCustom:
		if c.CustomProbeSizeKB >= probeSizeCustomMinKB {
			return c.CustomProbeSizeKB
		}
		return probeSizeCustomDefault
	default:
		return 0
	}
}

func (c PlaybackConfig) settings(mute, looping bool, rate float64) backend.Settings {
	return backend.Settings{
		CacheTime:         c.CacheTime,
		AutoAdjustCache:   c.AutoAdjustCache,
		MinCacheTime:      c.MinCacheTime,
		MaxCacheTime:      c.MaxCacheTime,
		ReconnectCount:    c.ConnectRetryCount,
		ReconnectInterval: c.ConnectRetryInterval,
		ProbeSizeKB:       c.ProbeSizeKB(),
		ChannelMode:       int(c.ChannelMode),
		AudioStreamType:   c.AudioStreamType,
		DNSCacheCount:     c.DNSCacheCount,
		DNSCacheTTL:       c.DNSCacheTTL,
		Mute:              mute,
		Looping:           looping,
		PlaybackRate:      rate,
	}
}
