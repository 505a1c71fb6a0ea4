package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"AgentFleet/internal/config"
)

func TestSetupDisabledUsesNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok)
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled: true, Exporter: "stdout", ServiceName: "agentfleet-test", SampleRatio: 1,
	}, WithWriter(&buf))
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "fleet.chat", Agent("sales"), Conversation("c1"))
	End(span, errors.New("boom"))
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "fleet.chat")
	assert.Contains(t, out, "agent.name")
	assert.Contains(t, out, "boom")

	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)
}
