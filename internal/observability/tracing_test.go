package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "noop", attribute.Int("n", 1))
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsSampled())
	EndSpan(span, errors.New("ignored"))
}

func TestInitStdout(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", Config{Exporter: "stdout"})
	require.NoError(t, err)
	defer func() { _, _ = Init(context.Background(), "test", Config{}) }()

	_, span := StartSpan(context.Background(), "sampled")
	assert.True(t, span.SpanContext().IsValid())
	EndSpan(span, nil)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), "test", Config{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
