// Package tracing provides a minimal span/trace abstraction so the engine
// can correlate log lines and events across a run without requiring a full
// OpenTelemetry SDK wired in by every caller.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// SpanContext carries the correlation identifiers propagated via context.
type SpanContext struct {
	TraceID string
	SpanID  string
}

// Span is a single traced operation; End must be called exactly once.
type Span interface {
	Context() SpanContext
	SetAttribute(key, value string)
	End()
}

// Tracer starts spans. The adaptive tracer is a no-op until telemetry policy
// enables tracing, at which point a real span-emitting tracer takes over
// without call sites changing.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

type spanCtxKey struct{}

// ExtractIDs reads the trace/span id pair stashed in ctx by Start, returning
// ("", "") if none is present.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc, ok := ctx.Value(spanCtxKey{}).(SpanContext)
	if !ok {
		return "", ""
	}
	return sc.TraceID, sc.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// noopTracer discards everything; used when tracing is disabled.
type noopTracer struct{}

func NewNoopTracer() Tracer { return noopTracer{} }

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) Context() SpanContext      { return SpanContext{} }
func (noopSpan) SetAttribute(string, string) {}
func (noopSpan) End()                        {}

// simpleTracer assigns a fresh trace id per root Start call and propagates it
// to children found via ctx; it does not export anywhere, only correlates.
type simpleTracer struct{}

func NewSimpleTracer() Tracer { return simpleTracer{} }

func (simpleTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	parent, hasParent := ctx.Value(spanCtxKey{}).(SpanContext)
	sc := SpanContext{SpanID: newID(8)}
	if hasParent && parent.TraceID != "" {
		sc.TraceID = parent.TraceID
	} else {
		sc.TraceID = newID(16)
	}
	return context.WithValue(ctx, spanCtxKey{}, sc), &simpleSpan{sc: sc}
}

type simpleSpan struct {
	sc   SpanContext
	attrs map[string]string
}

func (s *simpleSpan) Context() SpanContext { return s.sc }
func (s *simpleSpan) SetAttribute(key, value string) {
	if s.attrs == nil {
		s.attrs = make(map[string]string)
	}
	s.attrs[key] = value
}
func (s *simpleSpan) End() {}

// adaptiveTracer switches between noop and simple behavior based on a live
// enabled flag, so TelemetryPolicy changes take effect without re-wiring
// every call site that already holds a Tracer reference.
type adaptiveTracer struct {
	enabled func() bool
	inner   Tracer
}

// NewAdaptiveTracer returns a Tracer that defers to inner only while enabled
// returns true, otherwise behaving as a no-op.
func NewAdaptiveTracer(enabled func() bool, inner Tracer) Tracer {
	if inner == nil {
		inner = NewSimpleTracer()
	}
	return &adaptiveTracer{enabled: enabled, inner: inner}
}

func (t *adaptiveTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	if t.enabled == nil || !t.enabled() {
		return ctx, noopSpan{}
	}
	return t.inner.Start(ctx, name)
}
