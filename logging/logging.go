// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/onnwee/live-relay/telemetry"
)

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values fall back to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}

// Init installs a text or JSON handler on stdout as the default logger.
func Init(level, format string) *slog.Logger {
	return InitWriter(os.Stdout, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level, format string) *slog.Logger {
	lvl, known := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(&corrHandler{Handler: handler})
	slog.SetDefault(logger)
	if !known {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return logger
}

// corrHandler stamps the request correlation id onto records logged with a context.
type corrHandler struct {
	slog.Handler
}

func (h *corrHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if id := telemetry.GetCorrelation(ctx); id != "" {
			r.AddAttrs(slog.String("corr", id))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *corrHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &corrHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *corrHandler) WithGroup(name string) slog.Handler {
	return &corrHandler{Handler: h.Handler.WithGroup(name)}
}
