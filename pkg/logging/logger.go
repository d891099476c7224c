// Package logging provides the structured logger used across the relay.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Format selects the log encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Logger is a structured logger for relay components
type Logger struct {
	*slog.Logger
}

// Options configures a Logger.
type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// NewLogger creates a new structured logger
func NewLogger(component string, opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch opts.Format {
	case "", FormatJSON:
		handler = slog.NewJSONHandler(out, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "browserrelay"),
	)
	return &Logger{Logger: logger}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext returns a logger carrying the trace and span ids of ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{
		Logger: l.Logger.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		),
	}
}

// WithComponent returns a logger for a sub-component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", component))}
}

// WithSession returns a logger with session-specific fields
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("session_id", sessionID),
		),
	}
}

// WithConn returns a logger with connection-specific fields
func (l *Logger) WithConn(connID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("conn_id", connID),
		),
	}
}

// SessionState logs a session state transition
func (l *Logger) SessionState(from, to, reason string) {
	l.Info("session state changed",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// MessageDropped logs an inbound message that could not be decoded
func (l *Logger) MessageDropped(reason string, size int) {
	l.Warn("malformed message dropped",
		slog.String("reason", reason),
		slog.Int("payload_size", size),
	)
}

// FrameSent logs a delivered frame
func (l *Logger) FrameSent(seq uint64, size int, latencyMS float64) {
	l.Debug("frame sent",
		slog.Uint64("seq", seq),
		slog.Int("payload_size", size),
		slog.Float64("latency_ms", latencyMS),
	)
}
