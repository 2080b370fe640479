// Package logger provides structured logging setup for AgentPR.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/Strob0t/AgentPR/internal/config"
)

// New creates a *slog.Logger from the given Logging config writing to
// stdout. JSON records carry a "service" attribute.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return NewWriter(cfg, os.Stdout)
}

// NewWriter is New with an explicit destination. Format "auto" selects
// coloured text when w is a terminal and JSON otherwise.
func NewWriter(cfg config.Logging, w io.Writer) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if useText(cfg.Format, w) {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		}).WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	if cfg.Async {
		ah := NewAsyncHandler(handler, 10000, 4)
		return slog.New(contextHandler{inner: ah}), ah
	}
	return slog.New(contextHandler{inner: handler}), nopCloser{}
}

func useText(format string, w io.Writer) bool {
	switch strings.ToLower(format) {
	case "text":
		return true
	case "json":
		return false
	default:
		return isTerminal(w)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
