// Command samizdat-node runs a samizdat node and drives its
// local control surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/i5heu/samizdat/internal/config"
	"github.com/i5heu/samizdat/internal/node"
	"github.com/i5heu/samizdat/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataDir    = "dataDir"
	logKeyError      = "error"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "samizdat-node",
	Short:         "Content-addressed publishing node",
	Long:          "samizdat-node stores, serves, publishes and mirrors content-addressed objects through samizdat hubs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to samizdat.yaml")
	flags.String("data-dir", "", "directory holding the node's stores")
	flags.String("listen-addr", "", "address to accept peer connections on")
	flags.String("log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(objectCmd())
	rootCmd.AddCommand(seriesCmd())
	rootCmd.AddCommand(hubCmd())
	rootCmd.AddCommand(subscriptionCmd())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logging.Logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.NodeConfig, *slog.Logger, error) { // A
	cfg, err := config.LoadNode(configPath, cmd)
	if err != nil {
		return config.NodeConfig{}, nil, err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.NodeConfig{}, nil, err
	}
	return cfg, logging.New(level, os.Stderr), nil
}

// run serves the node until ctx is done.
func run(ctx context.Context, cfg config.NodeConfig, logger *slog.Logger) error { // A
	n, err := node.New(ctx, node.Config{Settings: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Close()

	logger.InfoContext(ctx, "serving",
		logKeyListenAddr, n.ListenAddr(),
		logKeyDataDir, cfg.DataDir)
	err = n.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorContext(ctx, "node stopped", logKeyError, err)
		return err
	}
	logger.InfoContext(context.Background(), "node stopped")
	return nil
}

// withNode opens the node for a single control command.
// It cannot run next to a serving node on the same data
// directory.
func withNode(cmd *cobra.Command, fn func(ctx context.Context, n *node.Node) error) error { // A
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	n, err := node.New(ctx, node.Config{Settings: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}
	defer n.Close()
	return fn(ctx, n)
}
