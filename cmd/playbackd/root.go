package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/config"
)

const envPrefix = "PLAYBACKD"

// Keys read through viper. Each may come from a flag or PLAYBACKD_<KEY>.
const (
	keyConfig     = "config"
	keyDebug      = "debug"
	keyLogFormat  = "log_format"
	keySourceURL  = "source.url"
	keySourceType = "source.play_type"
	keyHTTPAddr   = "http.addr"
	keyMode       = "backend.mode"
	keyBroker     = "mqtt.broker"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "playbackd",
		Short:        "Media playback session controller service",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(v.GetBool(keyDebug), v.GetString(keyLogFormat))
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "Path to configuration file (defaults apply when empty)")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log-format", "json", "Log format: json or text")
	lo.Must0(v.BindPFlag(keyConfig, pf.Lookup("config")))
	lo.Must0(v.BindPFlag(keyDebug, pf.Lookup("debug")))
	lo.Must0(v.BindPFlag(keyLogFormat, pf.Lookup("log-format")))

	root.AddCommand(newRunCmd(v), newValidateCmd(v), newVersionCmd())
	return root
}

func setupLogger(debug bool, format string) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the file named by the config key, or starts from the
// defaults when none is given, then applies flag and environment overrides.
func loadConfig(v *viper.Viper, fs afero.Fs) (*config.Config, error) {
	var cfg *config.Config
	if path := v.GetString(keyConfig); path != "" {
		loaded, err := config.Load(fs, path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		d := config.Default()
		cfg = &d
	}

	if v.IsSet(keySourceURL) {
		cfg.Source.URL = v.GetString(keySourceURL)
		cfg.Source.AutoStart = cfg.Source.URL != ""
	}
	if v.IsSet(keySourceType) {
		cfg.Source.PlayType = v.GetString(keySourceType)
	}
	if v.IsSet(keyHTTPAddr) {
		cfg.HTTP.Addr = v.GetString(keyHTTPAddr)
	}
	if v.IsSet(keyMode) {
		cfg.Backend.Mode = v.GetString(keyMode)
	}
	if v.IsSet(keyBroker) {
		cfg.MQTT.Broker = v.GetString(keyBroker)
		cfg.MQTT.Enabled = cfg.MQTT.Broker != ""
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}
