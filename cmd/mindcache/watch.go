package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/mindcache/pkg/adapters/lifecycle"
	"github.com/aretw0/mindcache/pkg/client"
	"github.com/aretw0/mindcache/pkg/transport"
)

var (
	watchToken  string
	watchBuffer int
)

var watchCmd = &cobra.Command{
	Use:   "watch <ws-url>",
	Short: "Follow the changes of a live instance",
	Long: `Watch connects a replica to a server endpoint such as
ws://localhost:8787/instances/notes/ws and prints every change it receives
until interrupted. The credential comes from --token or $MINDCACHE_TOKEN.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		credential := watchToken
		if credential == "" {
			credential = os.Getenv("MINDCACHE_TOKEN")
		}
		if credential == "" {
			fatal("Error connecting", fmt.Errorf("no credential: pass --token or set MINDCACHE_TOKEN"))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := client.New(transport.WebsocketDialer(args[0], nil, transport.Options{}), credential,
			client.WithLogger(slog.Default()))
		defer c.Close()
		c.OnStateChange(func(s client.State, err error) {
			slog.Info("connection", "state", s, "error", err)
		})

		src := lifecycle.NewSource(c.Store().Watch(ctx, watchBuffer))
		if err := src.Start(ctx); err != nil {
			fatal("Error starting watcher", err)
		}
		if err := c.Connect(ctx); err != nil {
			fatal("Error connecting", err)
		}
		if err := c.WaitForSync(ctx); err != nil {
			fatal("Error syncing", err)
		}
		slog.Info("synced", "keys", c.Store().Len(), "session", c.SessionID(), "permission", c.Permission())

		for e := range src.Events() {
			fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), e.String())
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&watchToken, "token", "t", "", "Session token or api key")
	watchCmd.Flags().IntVar(&watchBuffer, "buffer", 256, "Changes buffered before older ones are dropped")
}
