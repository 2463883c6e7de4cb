package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopTracerDiscardsEverything(t *testing.T) {
	tr := NewNoopTracer()
	ctx, span := tr.Start(context.Background(), "op")
	traceID, spanID := ExtractIDs(ctx)
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
	assert.Equal(t, SpanContext{}, span.Context())
	span.End() // must not panic
}

func TestSimpleTracerAssignsFreshTraceIDPerRootStart(t *testing.T) {
	tr := NewSimpleTracer()
	_, span1 := tr.Start(context.Background(), "op1")
	_, span2 := tr.Start(context.Background(), "op2")

	assert.NotEmpty(t, span1.Context().TraceID)
	assert.NotEmpty(t, span2.Context().TraceID)
	assert.NotEqual(t, span1.Context().TraceID, span2.Context().TraceID)
}

func TestSimpleTracerPropagatesTraceIDToChildSpans(t *testing.T) {
	tr := NewSimpleTracer()
	rootCtx, root := tr.Start(context.Background(), "root")

	childCtx, child := tr.Start(rootCtx, "child")

	require.Equal(t, root.Context().TraceID, child.Context().TraceID)
	assert.NotEqual(t, root.Context().SpanID, child.Context().SpanID, "each span gets its own span id")

	traceID, spanID := ExtractIDs(childCtx)
	assert.Equal(t, child.Context().TraceID, traceID)
	assert.Equal(t, child.Context().SpanID, spanID)
}

func TestExtractIDsOnBareContextReturnsEmpty(t *testing.T) {
	traceID, spanID := ExtractIDs(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestAdaptiveTracerDefersToInnerWhenEnabled(t *testing.T) {
	inner := NewSimpleTracer()
	tr := NewAdaptiveTracer(func() bool { return true }, inner)

	ctx, span := tr.Start(context.Background(), "op")
	traceID, _ := ExtractIDs(ctx)
	assert.NotEmpty(t, traceID)
	assert.NotEmpty(t, span.Context().TraceID)
}

func TestAdaptiveTracerActsAsNoopWhenDisabled(t *testing.T) {
	inner := NewSimpleTracer()
	tr := NewAdaptiveTracer(func() bool { return false }, inner)

	ctx, span := tr.Start(context.Background(), "op")
	traceID, spanID := ExtractIDs(ctx)
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
	assert.Equal(t, SpanContext{}, span.Context())
}

func TestAdaptiveTracerDefaultsInnerToSimpleTracerWhenNil(t *testing.T) {
	tr := NewAdaptiveTracer(func() bool { return true }, nil)
	_, span := tr.Start(context.Background(), "op")
	assert.NotEmpty(t, span.Context().TraceID)
}

func TestSpanSetAttributeDoesNotPanicOnFreshSpan(t *testing.T) {
	tr := NewSimpleTracer()
	_, span := tr.Start(context.Background(), "op")
	span.SetAttribute("key", "value")
	span.End()
}
