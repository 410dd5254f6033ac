// Package runtime holds process plumbing shared by the eventrelay command
package runtime

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger writing to stdout tagged with the service name
func NewLogger(service string) *slog.Logger {
	return newLogger(os.Stdout, service)
}

func newLogger(w io.Writer, service string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(h).With("service", service)
}
