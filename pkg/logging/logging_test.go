package logging

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRespectsLevel(t *testing.T) { // A
	t.Parallel()
	var buf bytes.Buffer
	logger := New(slog.LevelWarn, &buf)

	logger.Info("hidden")
	require.Zero(t, buf.Len())

	logger.Warn("shown", "peer", "abc")
	out := buf.String()
	require.Contains(t, out, "shown")
	require.Contains(t, out, "peer=abc")
	require.NotContains(t, out, "\x1b[", "buffers must not receive color codes")
}

func TestFilesThatAreNotTerminalsGetNoColor(t *testing.T) { // A
	t.Parallel()
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()
	require.False(t, isTerminal(f))
	require.False(t, isTerminal(&bytes.Buffer{}))

	New(slog.LevelInfo, f).Info("to a file")
	raw, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Contains(t, string(raw), "to a file")
	require.NotContains(t, string(raw), "\x1b[")
}

func TestDiscard(t *testing.T) { // A
	t.Parallel()
	Discard().Error("nothing")
	require.NotNil(t, Logger)
}
