// Command samizdat-hub runs a samizdat hub: a rendezvous
// point that relays queries and edition announcements
// between connected nodes without storing content.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/i5heu/samizdat/internal/config"
	"github.com/i5heu/samizdat/internal/hub"
	"github.com/i5heu/samizdat/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyBlacklist  = "blacklist"
	logKeyError      = "error"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "samizdat-hub",
	Short:         "Rendezvous hub for samizdat nodes",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadHub(configPath, cmd)
		if err != nil {
			return err
		}
		level, err := config.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger := logging.New(level, os.Stderr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to samizdat.yaml")
	flags.String("listen-addr", "", "address to accept node connections on")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Duration("broadcast-window", 0, "how long a relayed query waits for answers")
	flags.StringSlice("blacklist", nil, "IP addresses or CIDR prefixes to refuse")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logging.Logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// run serves the hub until ctx is done.
func run(ctx context.Context, cfg config.HubConfig, logger *slog.Logger) error { // A
	s, err := hub.New(hub.Config{
		ListenAddr:           cfg.ListenAddr,
		Logger:               logger,
		BroadcastWindow:      cfg.BroadcastWindow,
		MaxPeersPerQuery:     cfg.MaxPeersPerQuery,
		MaxResponsesPerQuery: cfg.MaxResponsesPerQuery,
		MaxConcurrentQueries: cfg.MaxConcurrentQueries,
		QueryInterval:        cfg.QueryInterval,
		QueryBurst:           cfg.QueryBurst,
		ReplayWindow:         cfg.ReplayWindow,
		Blacklist:            cfg.Blacklist,
	})
	if err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	logger.InfoContext(ctx, "hub listening",
		logKeyListenAddr, s.ListenAddr(),
		logKeyBlacklist, len(cfg.Blacklist))
	<-ctx.Done()

	logger.InfoContext(context.Background(), "hub shutting down")
	if err := s.Close(); err != nil {
		logger.ErrorContext(context.Background(), "close hub", logKeyError, err)
		return err
	}
	return nil
}
