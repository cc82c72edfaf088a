package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, afero.NewOsFs())
			if err != nil {
				return err
			}
			cmd.Printf("instance_id: %s\n", cfg.InstanceID)
			cmd.Printf("backend: %s (hardware_decode=%t)\n", cfg.Backend.Mode, cfg.Backend.HardwareDecode)
			if cfg.Source.URL != "" {
				cmd.Printf("source: %s [%s] auto_start=%t\n", cfg.Source.URL, cfg.Source.PlayType, cfg.Source.AutoStart)
			}
			if cfg.MQTT.Enabled {
				cmd.Printf("mqtt: %s (%s)\n", cfg.MQTT.Broker, cfg.MQTT.Encoding)
			}
			if cfg.HTTP.Enabled {
				cmd.Printf("http: %s\n", cfg.HTTP.Addr)
			}
			cmd.Println("configuration OK")
			return nil
		},
	}
}
