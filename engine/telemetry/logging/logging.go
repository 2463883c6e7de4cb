// Package logging wraps slog with trace/span correlation so every log line
// emitted during a run can be joined back to the run's trace without callers
// threading ids through manually.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/tracing"
)

// Logger is the contract the engine and its internal packages log through.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}

// NewCorrelatedLogger wraps base so every *Ctx call injects trace_id/span_id
// from ctx, when present, ahead of the caller-supplied args.
func NewCorrelatedLogger(base *slog.Logger) Logger {
	if base == nil {
		base = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &correlatedLogger{base: base}
}

type correlatedLogger struct {
	base *slog.Logger
}

func (l *correlatedLogger) correlate(ctx context.Context, args []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID == "" {
		return args
	}
	out := make([]any, 0, len(args)+4)
	out = append(out, "trace_id", traceID)
	if spanID != "" {
		out = append(out, "span_id", spanID)
	}
	out = append(out, args...)
	return out
}

func (l *correlatedLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	l.base.Debug(msg, l.correlate(ctx, args)...)
}
func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	l.base.Info(msg, l.correlate(ctx, args)...)
}
func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	l.base.Warn(msg, l.correlate(ctx, args)...)
}
func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	l.base.Error(msg, l.correlate(ctx, args)...)
}
func (l *correlatedLogger) With(args ...any) Logger {
	return &correlatedLogger{base: l.base.With(args...)}
}
