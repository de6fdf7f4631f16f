package mcp

import (
	"context"

	"github.com/mcprotocol/mcprotocol-go/pkg/lifecycle"
	"github.com/mcprotocol/mcprotocol-go/pkg/transport"
)

// Version represents the current version of the module
const Version = "0.1.0"

// These exports provide direct access to the core components
var (
	// NewClientTransport creates the client side transport for a config
	NewClientTransport = transport.NewClientTransport

	// NewServerTransport creates the server side transport for a config
	NewServerTransport = transport.NewServerTransport

	// NewSession wraps a transport in a lifecycle session
	NewSession = lifecycle.New
)

type config struct {
	transport []transport.Option
	session   []lifecycle.Option
}

// Option configures Open and Connect
type Option func(*config)

// WithTransportOptions passes options to the transport factory
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *config) { c.transport = append(c.transport, opts...) }
}

// WithSessionOptions passes options to the session
func WithSessionOptions(opts ...lifecycle.Option) Option {
	return func(c *config) { c.session = append(c.session, opts...) }
}

// Open builds the transport for cfg and role and wraps it in a Session whose
// timeouts come from the config parameters. Nothing is sent until
// Initialize.
func Open(cfg transport.TransportConfig, role transport.Role, opts ...Option) (*lifecycle.Session, error) {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}

	t, err := transport.NewTransport(cfg, role, c.transport...)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Parameters.Settings()
	if err != nil {
		return nil, err
	}

	sessionOpts := append([]lifecycle.Option{lifecycle.WithSettings(settings)}, c.session...)
	return lifecycle.New(t, role, sessionOpts...), nil
}

// Connect opens a session and runs the handshake
func Connect(ctx context.Context, cfg transport.TransportConfig, role transport.Role, opts ...Option) (*lifecycle.Session, error) {
	session, err := Open(cfg, role, opts...)
	if err != nil {
		return nil, err
	}
	if err := session.Initialize(ctx); err != nil {
		return nil, err
	}
	return session, nil
}
