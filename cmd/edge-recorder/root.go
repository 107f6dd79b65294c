package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/logger"
)

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	envFiles   []string
	logLevel   string
}

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "edge-recorder",
		Short:         "Records video when a pet and a person meet, or a beacon comes close",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Environment files loaded before the configuration")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		serveCommand(opts),
		videosCommand(opts),
		versionCommand(),
	)
	return rootCmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edge-recorder %s (commit %s, built %s)\n", version, gitCommit, buildTime)
		},
	}
}

// loadConfig loads env files and the configuration, then builds the logger
// it describes.
func loadConfig(opts *options) (*config.Service, *logger.Logger, error) {
	if err := config.LoadEnvFiles(opts.envFiles...); err != nil {
		return nil, nil, err
	}

	// The config service logs reloads; it gets the real logger once the
	// configuration says how to build it.
	bootstrap := logger.NewNopLogger()
	cfgSvc, err := config.NewService(opts.configPath, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := cfgSvc.Get()
	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	log, err := logger.New(logger.LogConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfgSvc.SetLogger(log.Named("config"))
	return cfgSvc, log, nil
}
