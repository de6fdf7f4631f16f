package lifecycle

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
	"github.com/mcprotocol/mcprotocol-go/pkg/transport"
)

// Default timeouts, matching the transport defaults
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 2 * time.Second
)

// Option configures a Session
type Option func(*Session)

// WithImplementation sets the name and version advertised in the handshake
func WithImplementation(name, version string) Option {
	return func(s *Session) {
		s.info = protocol.ImplementationInfo{Name: name, Version: version}
	}
}

// WithClientCapabilities sets the capabilities a client advertises
func WithClientCapabilities(caps protocol.ClientCapabilities) Option {
	return func(s *Session) { s.clientCaps = caps }
}

// WithServerCapabilities sets the capabilities a server advertises
func WithServerCapabilities(caps protocol.ServerCapabilities) Option {
	return func(s *Session) { s.serverCaps = caps }
}

// WithHandshakeTimeout bounds the initialize exchange
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) { s.handshakeTimeout = d }
}

// WithRequestTimeout bounds each call made with Request and Ping
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) { s.requestTimeout = d }
}

// WithShutdownTimeout bounds the shutdown exchange in Close
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Session) { s.shutdownTimeout = d }
}

// WithSettings takes the handshake, request and shutdown timeouts from
// resolved transport settings
func WithSettings(settings transport.Settings) Option {
	return func(s *Session) {
		s.handshakeTimeout = settings.HandshakeTimeout
		s.requestTimeout = settings.RequestTimeout
		s.shutdownTimeout = settings.ShutdownTimeout
	}
}

// WithLogger sets the diagnostics logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTracer sets the tracer for Initialize, Request and Close spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) { s.tracer = tracer }
}
