package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), "ingestd-test", "v0.0.0", rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "unit", ended[0].Name())

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	require.Equal(t, "ingestd-test", service)
	require.NotNil(t, otel.GetTextMapPropagator())
}
