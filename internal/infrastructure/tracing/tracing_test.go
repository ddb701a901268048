package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_None(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Exporter: "none"}, "fgo-agent-test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInit_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Exporter: "stdout", Writer: &buf}, "fgo-agent-test")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "resolver.classify")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "resolver.classify")
	assert.Contains(t, buf.String(), "fgo-agent-test")
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Exporter: "zipkin"}, "fgo-agent-test")
	assert.Error(t, err)
}
