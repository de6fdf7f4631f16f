package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

func TestMetricsCounters(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	m.RecordMessage("sse", DirectionInbound, "request")
	m.RecordMessage("sse", DirectionInbound, "request")
	m.RecordError("stdio", "serialization")
	m.ConnectionOpened("sse")
	m.ConnectionOpened("sse")
	m.ConnectionClosed("sse")
	m.ConnectionPruned("sse")
	m.SetPending("sse", 3)
	m.ObserveRequest("ping", "ok", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("sse", DirectionInbound, "request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("stdio", "serialization")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections.WithLabelValues("sse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prunedConnections.WithLabelValues("sse")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingRequests.WithLabelValues("sse")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestDuration))
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Namespace: "test"})
	require.NoError(t, err)
	m.RecordMessage("stdio", DirectionOutbound, "notification")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_messages_total{direction="outbound",kind="notification",transport="stdio"} 1`))
}

func TestMetricsSharedRegistry(t *testing.T) {
	first, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	second, err := NewMetrics(MetricsConfig{Registry: first.Registry()})
	require.NoError(t, err)

	second.RecordMessage("sse", DirectionOutbound, "response")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.messagesTotal.WithLabelValues("sse", DirectionOutbound, "response")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMessage("sse", DirectionInbound, "request")
		m.RecordError("sse", "auth")
		m.ConnectionOpened("sse")
		m.SetPending("sse", 1)
		m.ObserveRequest("ping", "ok", time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestTracingRecordsMethodSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracingProvider(context.Background(), TracingConfig{
		ExporterType:  ExporterTypeNoop,
		SpanProcessor: recorder,
	})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.StartMethodSpan(context.Background(), "initialize", trace.SpanKindClient)
	EndSpan(span, mcperrors.HandshakeTimeout(time.Second))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.initialize", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
}

func TestTracingNeverSample(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracingProvider(context.Background(), TracingConfig{
		SpanProcessor: recorder,
		NeverSample:   []string{"ping"},
	})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, ping := tp.StartMethodSpan(context.Background(), "ping", trace.SpanKindClient)
	EndSpan(ping, nil)
	_, call := tp.StartMethodSpan(context.Background(), "tools/list", trace.SpanKindClient)
	EndSpan(call, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.tools/list", spans[0].Name())
}

func TestTracingUnknownExporter(t *testing.T) {
	_, err := NewTracingProvider(context.Background(), TracingConfig{ExporterType: "zipkin"})
	assert.True(t, mcperrors.IsConfig(err))
}

func TestTracingShutdownIdempotent(t *testing.T) {
	tp, err := NewTracingProvider(context.Background(), TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
	assert.NoError(t, tp.Shutdown(context.Background()))
}
