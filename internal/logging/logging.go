// Package logging builds the process's slog.Logger, following the
// JSONHandler + verbose-flag pattern used by client/doublezerod's main.go.
package logging

import (
	"log/slog"
	"os"
)

// New returns a JSON-structured logger writing to stdout. verbose enables
// debug-level output.
func New(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}
