package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/mindcache/internal/platform"
)

var (
	verbose    bool
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mindcache",
	Short: "Short-term memory for language-model applications",
	Long: `MindCache keeps named, tag-governed keys that a model can read through its
system prompt and rewrite through tools. The server hosts instances and keeps
connected replicas in sync over websockets.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: mindcache.yaml found upwards from the working directory)")
}

// loadConfig reads --config, or the nearest mindcache.yaml, or falls back
// to defaults when neither exists and the flag was not given.
func loadConfig() (platform.Config, error) {
	path := configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return platform.Config{}, err
		}
		found, err := platform.FindConfig(wd)
		if err != nil {
			slog.Debug("no config file, using defaults", "reason", err)
			return platform.DefaultConfig(), nil
		}
		path = found
	}
	slog.Debug("loading config", "path", path)
	return platform.ReadConfig(path)
}
