// Package logger the slog handler of the command line
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// New returns a logger writes to w at the level, one of debug, info, warn, error.
// The timestamp and the caller are reported at debug level.
func New(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	verbose := lvl <= log.DebugLevel
	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: verbose,
		ReportCaller:    verbose,
		TimeFormat:      "15:04:05.000",
	})
	return slog.New(handler), nil
}

// Default returns the info level logger writes to stderr.
func Default() *slog.Logger {
	logger, _ := New(os.Stderr, "info")
	return logger
}
