// Package logging builds the colored slog handlers used by
// samizdat-node and samizdat-hub.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Logger is the process-wide fallback logger for code that
// runs before configuration has been read.
var Logger = New(slog.LevelInfo, os.Stderr)

// New returns a tint-backed logger writing to w. Source
// locations are only recorded at debug level.
func New(level slog.Level, w io.Writer) *slog.Logger { // A
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  level <= slog.LevelDebug,
		NoColor:    !isTerminal(w),
	})
	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger { // A
	return slog.New(slog.DiscardHandler)
}

func isTerminal(w io.Writer) bool { // A
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
