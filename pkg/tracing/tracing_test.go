package tracing

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestProviderExportsSpans(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	var buf bytes.Buffer
	p, err := NewProvider(context.Background(), Options{
		ServiceName: "relay-test",
		Version:     "test",
		SampleRatio: 1,
		Output:      &buf,
	})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "relay.Create")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "relay.Create")
	assert.Contains(t, buf.String(), "relay-test")
}

func TestProviderSamplesNothingAtZeroRatio(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	var buf bytes.Buffer
	p, err := NewProvider(context.Background(), Options{Output: &buf})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "dropped")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.NotContains(t, buf.String(), "dropped")
}

func TestShutdownNilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestOpenOutput(t *testing.T) {
	w, closeFn, err := OpenOutput("stdout")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	assert.NoError(t, closeFn())

	w, closeFn, err = OpenOutput("STDERR")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)
	assert.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "spans.json")
	w, closeFn, err = OpenOutput(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("{}\n"))
	require.NoError(t, err)
	require.NoError(t, closeFn())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	_, closeFn, err = OpenOutput(filepath.Join(t.TempDir(), "missing", "spans.json"))
	assert.Error(t, err)
	assert.NotNil(t, closeFn)
}
