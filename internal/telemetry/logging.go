// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/optad/internal/shared"
)

const redacted = "[REDACTED]"

// NewLogger writes JSON lines to homeDir/logs/system.jsonl and, unless
// quiet, to stdout. The returned Closer closes the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return New(w, level), file, nil
}

// New returns a redacting JSON logger on w.
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(traceHandler{Handler: handler}).With("component", "daemon")
}

// traceHandler stamps trace_id on every record that does not already carry
// one, taking it from the record's context when present.
type traceHandler struct {
	slog.Handler
	hasTrace bool
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	has := h.hasTrace
	for _, a := range attrs {
		if a.Key == "trace_id" {
			has = true
		}
	}
	return traceHandler{Handler: h.Handler.WithAttrs(attrs), hasTrace: has}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{Handler: h.Handler.WithGroup(name), hasTrace: h.hasTrace}
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.hasTrace {
		found := false
		r.Attrs(func(a slog.Attr) bool {
			found = a.Key == "trace_id"
			return !found
		})
		if !found {
			if ctx == nil {
				ctx = context.Background()
			}
			r = r.Clone()
			r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
		}
	}
	return h.Handler.Handle(ctx, r)
}

// FromContext adds the request-scoped ids carried by ctx to logger.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	var args []any
	if traceID := shared.TraceID(ctx); traceID != "-" {
		args = append(args, "trace_id", traceID)
	}
	if id := shared.SessionID(ctx); id != "" {
		args = append(args, "session_id", id)
	}
	if id := shared.TurnID(ctx); id != "" {
		args = append(args, "turn_id", id)
	}
	if id := shared.ConnID(ctx); id != "" {
		args = append(args, "conn_id", id)
	}
	if len(args) == 0 {
		return logger
	}
	return logger.With(args...)
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSensitiveKey(a.Key) || strings.Contains(strings.ToLower(a.Key), "bearer") {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	}
	return a
}

func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return redacted, true
	}
	if out := shared.Redact(v); out != v {
		return out, true
	}
	return v, false
}

// ParseLevel maps a config log level onto slog. Unknown levels mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
