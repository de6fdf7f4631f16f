package transport

import (
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcprotocol/mcprotocol-go/pkg/auth"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
)

type options struct {
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	stdin      io.Reader
	stdout     io.Writer
	httpClient *http.Client
	validator  auth.Validator
	middleware []Middleware
}

// Option configures a transport built by the factory or a constructor
type Option func(*options)

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(observability.TracerName)
	}
	return o
}

// WithLogger sets the diagnostics logger
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records transport metrics. A nil Metrics disables them.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithTracer sets the tracer used for HTTP spans
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithStdio replaces os.Stdin and os.Stdout for the stdio server
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.stdin = in
		o.stdout = out
	}
}

// WithHTTPClient sets the client used by the SSE client
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithValidator replaces the static bearer check of the SSE server
func WithValidator(v auth.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithMiddleware wraps the created transport, first middleware outermost
func WithMiddleware(middleware ...Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, middleware...) }
}

// NewClientTransport creates the client side of cfg
func NewClientTransport(cfg TransportConfig, opts ...Option) (Transport, error) {
	return NewTransport(cfg, RoleClient, opts...)
}

// NewServerTransport creates the server side of cfg
func NewServerTransport(cfg TransportConfig, opts ...Option) (Transport, error) {
	return NewTransport(cfg, RoleServer, opts...)
}

// NewTransport validates cfg and creates the transport for role. Nothing is
// spawned, bound or dialed until Initialize; an invalid config fails with a
// config error.
func NewTransport(cfg TransportConfig, role Role, opts ...Option) (Transport, error) {
	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	settings, err := cfg.Parameters.Settings()
	if err != nil {
		return nil, err
	}

	var t Transport
	switch {
	case cfg.TransportType.Stdio != nil && role == RoleClient:
		t = NewStdioClient(*cfg.TransportType.Stdio, settings, opts...)
	case cfg.TransportType.Stdio != nil:
		t = NewStdioServer(settings, opts...)
	case role == RoleClient:
		t, err = NewSSEClient(*cfg.TransportType.HTTP, settings, opts...)
	default:
		t, err = NewSSEServer(*cfg.TransportType.HTTP, settings, opts...)
	}
	if err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	if len(o.middleware) > 0 {
		t = ChainMiddleware(o.middleware...).Wrap(t)
	}
	return t, nil
}
