package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/daemon"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the playback service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), v)
		},
	}

	f := cmd.Flags()
	f.String("url", "", "Source URL played at startup")
	f.String("play-type", "", "Play type of --url (live_rtmp, vod_hls, ...)")
	f.String("http-addr", "", "HTTP listen address")
	f.String("mode", "", "Backend mode: gst or synthetic")
	f.String("broker", "", "MQTT broker host:port, enables MQTT")
	lo.Must0(v.BindPFlag(keySourceURL, f.Lookup("url")))
	lo.Must0(v.BindPFlag(keySourceType, f.Lookup("play-type")))
	lo.Must0(v.BindPFlag(keyHTTPAddr, f.Lookup("http-addr")))
	lo.Must0(v.BindPFlag(keyMode, f.Lookup("mode")))
	lo.Must0(v.BindPFlag(keyBroker, f.Lookup("broker")))
	return cmd
}

func runDaemon(parent context.Context, v *viper.Viper) error {
	if parent == nil {
		parent = context.Background()
	}
	fs := afero.NewOsFs()
	cfg, err := loadConfig(v, fs)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	slog.Info("starting playbackd",
		"config", v.GetString(keyConfig),
		"instance_id", cfg.InstanceID,
		"backend_mode", cfg.Backend.Mode,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, daemon.Options{ConfigPath: v.GetString(keyConfig), Fs: fs})
	if err != nil {
		slog.Error("failed to create playbackd", "error", err)
		return err
	}

	runErr := d.Run(ctx)
	if runErr != nil {
		slog.Error("service error", "error", runErr)
	} else if ctx.Err() == nil {
		slog.Info("service stopped (via control shutdown command)")
	} else {
		slog.Info("received shutdown signal")
	}

	timeout := d.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("playbackd stopped successfully")
	return runErr
}
