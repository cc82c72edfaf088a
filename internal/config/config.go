// Package config loads the playbackd daemon configuration.
package config

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/playback"
)

// Config represents the complete playbackd configuration
type Config struct {
	InstanceID       string                  `yaml:"instance_id"`
	ShutdownTimeoutS int                     `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Backend          BackendConfig           `yaml:"backend"`
	Source           SourceConfig            `yaml:"source"`
	Playback         playback.PlaybackConfig `yaml:"playback"`
	MQTT             MQTTConfig              `yaml:"mqtt"`
	HTTP             HTTPConfig              `yaml:"http"`
	History          HistoryConfig           `yaml:"history"`
}

// BackendConfig selects the decode backends
type BackendConfig struct {
	Mode            string `yaml:"mode"` // gst, synthetic
	HardwareDecode  bool   `yaml:"hardware_decode"`
	MPVBinary       string `yaml:"mpv_binary"` // alternate audio player, empty disables
	StatsIntervalMs int    `yaml:"stats_interval_ms"`
}

// SourceConfig is the stream played at startup
type SourceConfig struct {
	URL       string `yaml:"url"`
	PlayType  string `yaml:"play_type"` // live_rtmp, vod_hls, ...
	AutoStart bool   `yaml:"auto_start"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Broker   string          `yaml:"broker"`
	Encoding string          `yaml:"encoding"` // json, msgpack
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic prefixes
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Response  string `yaml:"response"`
	Events    string `yaml:"events"`
	NetStatus string `yaml:"net_status"`
}

// HTTPConfig configures the status and control API
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HistoryConfig configures the session statistics store
type HistoryConfig struct {
	Path string `yaml:"path"` // sqlite file, ":memory:" for tests
}

// Backend modes
const (
	ModeGStreamer = "gst"
	ModeSynthetic = "synthetic"
)

// Payload encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Default returns a configuration with every default applied. Fields absent
// from a file keep these values.
func Default() Config {
	return Config{
		InstanceID:       "playbackd",
		ShutdownTimeoutS: 5,
		Backend: BackendConfig{
			Mode:            ModeGStreamer,
			StatsIntervalMs: 500,
		},
		Playback: playback.DefaultPlaybackConfig(),
		MQTT: MQTTConfig{
			Broker:   "localhost:1883",
			Encoding: EncodingJSON,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		History: HistoryConfig{
			Path: "playbackd.db",
		},
	}
}

// Load reads and parses a YAML configuration file from fs
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}
