// Package testutil holds helpers shared by package tests.
package testutil

import (
	"flag"
	"log/slog"
	"testing"

	"github.com/i5heu/samizdat/internal/kvstore"
	"github.com/i5heu/samizdat/pkg/logging"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

// RequireLong skips t unless -long was given.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// Logger drops every record.
func Logger() *slog.Logger {
	return logging.Discard()
}

// MemStore opens an in-memory byte store closed with t.
func MemStore(t testing.TB) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.Open(kvstore.Config{InMemory: true, Logger: Logger()})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}
