package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/mindcache/internal/platform"
)

var (
	serveListen     string
	serveStorage    string
	servePath       string
	serveFormat     string
	serveWatch      bool
	serveAutoCreate bool
	serveSecretEnv  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve instances to sync clients over websockets",
	Long: `Serve hosts the configured instances. Clients connect to /ws (instance taken
from the credential) or /instances/{id}/ws. Flags override the config file.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatal("Error loading config", err)
		}
		applyServeFlags(cmd, &cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := platform.Build(ctx, cfg,
			platform.WithLogger(slog.Default()),
			platform.WithWatchErrorHandler(func(err error) {
				slog.Warn("snapshot watcher", "error", err)
			}),
		)
		if err != nil {
			fatal("Error building server", err)
		}

		slog.Info("serving",
			"listen", cfg.Listen,
			"storage", cfg.Storage.Adapter,
			"instances", srv.Hub.Instances(),
			"tokens", srv.Signer != nil,
		)
		if err := srv.Run(ctx); err != nil {
			fatal("Server stopped", err)
		}
		slog.Info("server stopped")
	},
}

func applyServeFlags(cmd *cobra.Command, cfg *platform.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = serveListen
	}
	if flags.Changed("storage") {
		cfg.Storage.Adapter = serveStorage
	}
	if flags.Changed("path") {
		cfg.Storage.Path = servePath
	}
	if flags.Changed("format") {
		cfg.Storage.Format = serveFormat
	}
	if flags.Changed("watch") {
		cfg.Storage.Watch = serveWatch
	}
	if flags.Changed("auto-create") {
		cfg.AutoCreate = serveAutoCreate
	}
	if flags.Changed("secret-env") {
		cfg.Auth.SecretEnv = serveSecretEnv
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (host:port)")
	serveCmd.Flags().StringVar(&serveStorage, "storage", "", "Storage adapter: memory, fs or badger")
	serveCmd.Flags().StringVar(&servePath, "path", "", "Storage directory")
	serveCmd.Flags().StringVar(&serveFormat, "format", "", "Snapshot file format for fs storage: .json or .md")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Import external edits of fs snapshot files")
	serveCmd.Flags().BoolVar(&serveAutoCreate, "auto-create", false, "Create unknown instances on first connect")
	serveCmd.Flags().StringVar(&serveSecretEnv, "secret-env", "", "Environment variable holding the token signing secret")
}
