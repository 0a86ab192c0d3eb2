package validator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer installs an in-memory exporter as the global tracer
// provider for the duration of the test.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exporter
}

func TestAuthenticateRecordsSpans(t *testing.T) {
	exporter := withTestTracer(t)

	env := newTestEnv(t, "local")
	orch := NewOrchestrator(env.engine, nil, testLogger())

	raw := env.mintToken(t, "apps", "deployer", 10*time.Minute)
	_, err := orch.Authenticate(context.Background(), "apps/deployer", raw)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	names := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		names[s.Name] = s
	}
	require.Contains(t, names, "validator.Authenticate")
	require.Contains(t, names, "validator.Validate")

	validate := names["validator.Validate"]
	var sawCluster, sawUsername bool
	for _, attr := range validate.Attributes {
		switch string(attr.Key) {
		case "cluster":
			sawCluster = true
			assert.Equal(t, "local", attr.Value.AsString())
		case "username":
			sawUsername = true
			assert.Equal(t, "local/apps/deployer", attr.Value.AsString())
		}
	}
	assert.True(t, sawCluster)
	assert.True(t, sawUsername)
}

func TestAuthenticateRecordsSpanError(t *testing.T) {
	exporter := withTestTracer(t)

	env := newTestEnv(t, "local")
	orch := NewOrchestrator(env.engine, nil, testLogger())

	_, err := orch.Authenticate(context.Background(), "apps/deployer", "garbage-token")
	require.Error(t, err)

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name == "validator.Authenticate" {
			found = true
			assert.NotEmpty(t, s.Events, "span should carry the recorded error")
		}
	}
	assert.True(t, found)
}
