// Package cli implements the cgsbridge command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cgsbridge/internal/config"
	"cgsbridge/internal/logging"
)

var (
	configPath string
	verbose    bool
	version    = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cgsbridge",
	Short: "Qingping CGS1/CGS2 to Home Assistant bridge",
	Long: `cgsbridge connects Qingping CGS1 and CGS2 air quality monitors to an MQTT
broker. It decodes their telemetry, publishes readings with Home Assistant
discovery, tracks availability and pushes configuration back to the devices.`,
	SilenceUsage: true,
}

// Execute runs the command line with the given build version.
func Execute(v string) error {
	if v != "" {
		version = v
	}
	rootCmd.Version = version
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFilePath, "Path to the .env configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging")
}

// loadConfig loads the configuration and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := cfg.LogLevel()
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.LogFormat())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
