package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/orion-care-sensor/modules/playback"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills derived defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	switch cfg.Backend.Mode {
	case ModeGStreamer, ModeSynthetic:
	case "":
		cfg.Backend.Mode = ModeGStreamer
	default:
		return fmt.Errorf("backend.mode must be %q or %q, got %q", ModeGStreamer, ModeSynthetic, cfg.Backend.Mode)
	}
	if cfg.Backend.StatsIntervalMs <= 0 {
		cfg.Backend.StatsIntervalMs = 500
	}

	if err := validateSource(cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	cfg.Playback = cfg.Playback.Normalize()

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		switch cfg.MQTT.Encoding {
		case EncodingJSON, EncodingMsgpack:
		case "":
			cfg.MQTT.Encoding = EncodingJSON
		default:
			return fmt.Errorf("mqtt.encoding must be %q or %q", EncodingJSON, EncodingMsgpack)
		}
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("playback/%s/control", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Response == "" {
		cfg.MQTT.Topics.Response = fmt.Sprintf("playback/%s/control/response", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("playback/%s/events", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.NetStatus == "" {
		cfg.MQTT.Topics.NetStatus = fmt.Sprintf("playback/%s/net_status", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":    1,
			"events":     1,
			"net_status": 0,
		}
	}

	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	return nil
}

func validateSource(src SourceConfig) error {
	if src.URL == "" {
		if src.AutoStart {
			return fmt.Errorf("auto_start requires url")
		}
		return nil
	}
	if src.PlayType == "" {
		return fmt.Errorf("play_type is required with url")
	}
	t, err := playback.ParsePlayType(src.PlayType)
	if err != nil {
		return err
	}
	if rc := playback.ValidateURL(src.URL, t); rc != playback.ResultOK {
		return fmt.Errorf("url %q not accepted for %s (result %d)", src.URL, t, rc)
	}
	return nil
}

// Type resolves the configured source play type
func (s SourceConfig) Type() (playback.PlayType, error) {
	return playback.ParsePlayType(s.PlayType)
}
