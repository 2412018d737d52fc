package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordedSpan(t *testing.T, record func(span trace.Span)) sdktrace.ReadOnlySpan {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() {
		require.NoError(t, provider.Shutdown(context.Background()))
	})

	_, span := provider.Tracer("test").Start(context.Background(), "execution.run")
	record(span)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)

	return ended[0]
}

func TestSetError_MarksSpanFailed(t *testing.T) {
	span := recordedSpan(t, func(span trace.Span) {
		SetError(span, errors.New("action act-1 exhausted retries"),
			attribute.String(ExecutionIDKey, "exec-1234"))
	})

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "action act-1 exhausted retries", span.Status().Description)

	require.Len(t, span.Events(), 1)
	event := span.Events()[0]
	assert.Equal(t, "exception", event.Name)
	assert.Contains(t, event.Attributes, attribute.String(ExecutionIDKey, "exec-1234"))
}

func TestSetError_IgnoresNilError(t *testing.T) {
	span := recordedSpan(t, func(span trace.Span) {
		SetError(span, nil)
	})

	assert.Equal(t, codes.Unset, span.Status().Code)
	assert.Empty(t, span.Events())
}
