// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for sessions and transports.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

// TracerName is the instrumentation name used for spans
const TracerName = "github.com/mcprotocol/mcprotocol-go"

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string

	ExporterType ExporterType
	Endpoint     string // OTLP endpoint, host:port
	Headers      map[string]string
	Insecure     bool

	SampleRate  float64  // 0.0 to 1.0, default 1.0
	NeverSample []string // Methods never sampled, e.g. "ping"

	BatchTimeout time.Duration

	// SetGlobal installs the provider and a W3C propagator globally
	SetGlobal bool

	// SpanProcessor is registered in addition to the exporter, mainly for tests
	SpanProcessor sdktrace.SpanProcessor
}

// ExporterType defines the type of trace exporter
type ExporterType string

const (
	// ExporterTypeOTLPGRPC exports traces via OTLP over gRPC
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterTypeOTLPHTTP exports traces via OTLP over HTTP
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"

	// ExporterTypeNoop disables trace export
	ExporterTypeNoop ExporterType = "noop"
)

// TracingProvider owns an SDK tracer provider
type TracingProvider struct {
	config         TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	mu             sync.Mutex
	shutdown       bool
}

// NewTracingProvider creates a tracing provider. An unknown exporter type is
// a configuration error.
func NewTracingProvider(ctx context.Context, config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcprotocol"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 5 * time.Second
	}
	if config.ExporterType == "" {
		config.ExporterType = ExporterTypeNoop
	}

	exporter, err := createExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithResource(createResource(config)),
		sdktrace.WithSampler(createSampler(config)),
	}
	if config.SpanProcessor != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(config.SpanProcessor))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	if config.SetGlobal {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	return &TracingProvider{
		config:         config,
		tracerProvider: tp,
		tracer:         tp.Tracer(TracerName),
	}, nil
}

func createResource(config TracingConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	)
}

func createExporter(ctx context.Context, config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case ExporterTypeOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	case ExporterTypeOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	case ExporterTypeNoop:
		return noopExporter{}, nil
	default:
		return nil, mcperrors.ConfigError("exporter_type", fmt.Sprintf("unsupported exporter type %q", config.ExporterType))
	}
}

func createSampler(config TracingConfig) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		base = sdktrace.AlwaysSample()
	case config.SampleRate <= 0.0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	if len(config.NeverSample) > 0 {
		never := make(map[string]struct{}, len(config.NeverSample))
		for _, m := range config.NeverSample {
			never[m] = struct{}{}
		}
		base = &methodSampler{base: base, never: never}
	}
	return sdktrace.ParentBased(base)
}

// Tracer returns the provider's tracer
func (tp *TracingProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartMethodSpan starts a span named after a protocol method
func (tp *TracingProvider) StartMethodSpan(ctx context.Context, method string, kind trace.SpanKind) (context.Context, trace.Span) {
	return StartMethodSpan(ctx, tp.tracer, method, kind)
}

// ForceFlush exports all finished spans
func (tp *TracingProvider) ForceFlush(ctx context.Context) error {
	return tp.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider. Calling it again is a no-op.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.shutdown {
		return nil
	}
	tp.shutdown = true
	return tp.tracerProvider.Shutdown(ctx)
}

// StartMethodSpan starts "mcp.<method>" on tracer with the method attribute
func StartMethodSpan(ctx context.Context, tracer trace.Tracer, method string, kind trace.SpanKind) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attribute.String("mcp.method", method)),
	)
}

// EndSpan records err on span when non-nil and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if mcpErr, ok := mcperrors.AsMCPError(err); ok {
			span.SetAttributes(
				attribute.Int("mcp.error.code", mcpErr.Code()),
				attribute.String("mcp.error.category", string(mcpErr.Category())),
			)
		}
	}
	span.End()
}

// InjectHTTP writes the trace context of ctx into outgoing request headers
func InjectHTTP(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// ExtractHTTP returns ctx extended with the trace context found in headers
func ExtractHTTP(ctx context.Context, header http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

// methodSampler drops spans for configured methods and defers to base
// otherwise
type methodSampler struct {
	base  sdktrace.Sampler
	never map[string]struct{}
}

func (ms *methodSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == "mcp.method" {
			if _, ok := ms.never[attr.Value.AsString()]; ok {
				return sdktrace.SamplingResult{
					Decision:   sdktrace.Drop,
					Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
				}
			}
			break
		}
	}
	return ms.base.ShouldSample(params)
}

func (ms *methodSampler) Description() string {
	return fmt.Sprintf("MethodSampler{base=%s,never=%d}", ms.base.Description(), len(ms.never))
}

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                           { return nil }
