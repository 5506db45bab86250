package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/samizdat/internal/config"
)

func TestRunStopsOnCancel(t *testing.T) { // A
	t.Parallel()
	cfg, err := config.LoadHub("", nil)
	require.NoError(t, err)
	cfg.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.DiscardHandler)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestRunRejectsBadBlacklist(t *testing.T) { // A
	t.Parallel()
	cfg, err := config.LoadHub("", nil)
	require.NoError(t, err)
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Blacklist = []string{"not-an-ip"}

	err = run(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatalf("expected invalid blacklist to fail")
	}
}
