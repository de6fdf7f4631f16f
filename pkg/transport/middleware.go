package transport

import (
	"context"
	"time"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// Middleware wraps a transport to add behaviour around its operations
type Middleware interface {
	Wrap(transport Transport) Transport
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Transport) Transport

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(t Transport) Transport {
	return f(t)
}

// ChainMiddleware chains middleware so the first one is the outermost
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(transport Transport) Transport {
		for i := len(middleware) - 1; i >= 0; i-- {
			transport = middleware[i].Wrap(transport)
		}
		return transport
	})
}

// middlewareTransport delegates every operation to next
type middlewareTransport struct {
	next Transport
}

func (m *middlewareTransport) Initialize(ctx context.Context) error {
	return m.next.Initialize(ctx)
}

func (m *middlewareTransport) Send(ctx context.Context, msg protocol.Message) error {
	return m.next.Send(ctx, msg)
}

func (m *middlewareTransport) Receive(ctx context.Context) (protocol.Message, error) {
	return m.next.Receive(ctx)
}

func (m *middlewareTransport) Close(ctx context.Context) error {
	return m.next.Close(ctx)
}

// Unwrap returns the wrapped transport
func (m *middlewareTransport) Unwrap() Transport {
	return m.next
}

// Unwrap peels middleware off t until it reaches a transport that does not
// wrap another one.
func Unwrap(t Transport) Transport {
	for {
		w, ok := t.(interface{ Unwrap() Transport })
		if !ok {
			return t
		}
		t = w.Unwrap()
	}
}

// NewObservabilityMiddleware counts messages and errors in metrics and logs
// every message at debug level. name labels the metrics.
func NewObservabilityMiddleware(metrics *observability.Metrics, logger logging.Logger, name string) Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithFields(logging.Component(name))
	return MiddlewareFunc(func(t Transport) Transport {
		return &observabilityTransport{
			middlewareTransport: middlewareTransport{next: t},
			metrics:             metrics,
			logger:              logger,
			name:                name,
		}
	})
}

type observabilityTransport struct {
	middlewareTransport
	metrics *observability.Metrics
	logger  logging.Logger
	name    string
}

func (o *observabilityTransport) Send(ctx context.Context, msg protocol.Message) error {
	start := time.Now()
	err := o.next.Send(ctx, msg)
	fields := append(messageFields(msg), logging.Duration("duration", time.Since(start)))
	if err != nil {
		o.recordError(err)
		o.logger.Debug("Send failed", append(fields, logging.ErrorField(err))...)
		return err
	}
	o.metrics.RecordMessage(o.name, observability.DirectionOutbound, string(msg.Kind()))
	o.logger.Debug("Sent message", fields...)
	return nil
}

func (o *observabilityTransport) Receive(ctx context.Context) (protocol.Message, error) {
	msg, err := o.next.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.recordError(err)
		}
		o.logger.Debug("Receive returned error", logging.ErrorField(err))
		return msg, err
	}
	o.metrics.RecordMessage(o.name, observability.DirectionInbound, string(msg.Kind()))
	o.logger.Debug("Received message", messageFields(msg)...)
	return msg, nil
}

func (o *observabilityTransport) recordError(err error) {
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		o.metrics.RecordError(o.name, string(mcpErr.Category()))
		return
	}
	o.metrics.RecordError(o.name, string(mcperrors.CategoryInternal))
}

func messageFields(msg protocol.Message) []logging.Field {
	fields := []logging.Field{logging.String("kind", string(msg.Kind()))}
	switch m := msg.(type) {
	case *protocol.Request:
		fields = append(fields, logging.Method(m.Method.String()), logging.RequestID(m.ID.String()))
	case *protocol.Response:
		fields = append(fields, logging.RequestID(m.ID.String()), logging.Bool("is_error", m.IsError()))
	case *protocol.Notification:
		fields = append(fields, logging.Method(m.Method.String()))
	}
	return fields
}
