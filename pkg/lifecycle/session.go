// Package lifecycle drives the initialize, ready and shutdown phases of a
// protocol session over any transport.
//
// A Session owns its transport. Initialize performs the handshake for the
// configured role, after which Send, Receive and Request exchange messages.
// Pings and the shutdown and exit messages are handled internally.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
	"github.com/mcprotocol/mcprotocol-go/pkg/transport"
)

const component = "lifecycle"

type item struct {
	msg protocol.Message
	err error
}

// Session is one side of a protocol session
type Session struct {
	transport transport.Transport
	role      Role
	logger    logging.Logger
	tracer    trace.Tracer

	info       protocol.ImplementationInfo
	clientCaps protocol.ClientCapabilities
	serverCaps protocol.ServerCapabilities

	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	shutdownTimeout  time.Duration

	phase  atomic.Int32
	nextID atomic.Int64

	mu         sync.RWMutex
	remoteInfo *protocol.ImplementationInfo

	// requests sent with Send are answered through Receive
	pending  *transport.PendingTable
	surfaced sync.Map
	expired  sync.Map

	inbox        chan item
	initAnswered atomic.Bool
	handshake    chan error
	loopStarted  atomic.Bool
	loopDone     chan struct{}
	loopErr      error
	loopOnce     sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New creates a Session for role over t. Nothing is sent until Initialize.
func New(t transport.Transport, role Role, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:        t,
		role:             role,
		logger:           logging.NewNop(),
		info:             protocol.ImplementationInfo{Name: "mcprotocol-go", Version: "0.1.0"},
		handshakeTimeout: DefaultHandshakeTimeout,
		requestTimeout:   DefaultRequestTimeout,
		shutdownTimeout:  DefaultShutdownTimeout,
		pending:          transport.NewPendingTable(nil),
		inbox:            make(chan item, 64),
		handshake:        make(chan error, 1),
		loopDone:         make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(observability.TracerName)
	}
	s.logger = s.logger.WithFields(logging.Component(component), logging.String("role", string(role)))
	return s
}

// Phase returns the current phase
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Session) transition(from, to Phase) bool {
	if !s.phase.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.logger.Debug("Phase changed", logging.String("from", from.String()), logging.String("to", to.String()))
	return true
}

// markClosed is the only unconditional phase change. Closed is absorbing.
func (s *Session) markClosed() {
	from := Phase(s.phase.Swap(int32(PhaseClosed)))
	if from != PhaseClosed {
		s.logger.Debug("Phase changed", logging.String("from", from.String()), logging.String("to", PhaseClosed.String()))
	}
}

// failIfClosed fails a just registered call when the loop already ended,
// since FailAll may have run before the entry existed
func (s *Session) failIfClosed(id protocol.RequestID) bool {
	if s.Phase() != PhaseClosed {
		return false
	}
	return s.pending.Fail(id, mcperrors.ConnectionClosed(component, "session closed"))
}

// RemoteInfo returns the peer's implementation info once the handshake has
// exchanged it
func (s *Session) RemoteInfo() (protocol.ImplementationInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteInfo == nil {
		return protocol.ImplementationInfo{}, false
	}
	return *s.remoteInfo, true
}

// ServerCapabilities returns the server's capabilities: the negotiated ones
// on a client, the advertised ones on a server
func (s *Session) ServerCapabilities() protocol.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverCaps
}

// ClientCapabilities returns the client's capabilities: the advertised ones
// on a client, the received ones on a server
func (s *Session) ClientCapabilities() protocol.ClientCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps
}

func (s *Session) requireReady(op string) error {
	if p := s.Phase(); p != PhaseReady {
		return mcperrors.InvalidState(op, p.String())
	}
	return nil
}

// Send transmits msg. A Request registers a pending entry and its Response
// is returned later by Receive.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	if err := s.requireReady("send"); err != nil {
		return err
	}

	req, ok := msg.(*protocol.Request)
	if !ok {
		return s.transport.Send(ctx, msg)
	}
	if _, err := s.pending.Register(req.ID, req.Method); err != nil {
		return err
	}
	s.surfaced.Store(req.ID.Key(), req.ID)
	if s.failIfClosed(req.ID) {
		s.surfaced.Delete(req.ID.Key())
		return mcperrors.ConnectionClosed(component, "session closed")
	}
	if err := s.transport.Send(ctx, req); err != nil {
		s.surfaced.Delete(req.ID.Key())
		s.pending.Remove(req.ID)
		return err
	}
	return nil
}

// Receive returns the next message for the application: peer Requests and
// Notifications, Responses to requests sent with Send, and per-message
// errors. It fails with a connection closed error once the session ends.
func (s *Session) Receive(ctx context.Context) (protocol.Message, error) {
	if err := s.requireReady("receive"); err != nil {
		return nil, err
	}

	select {
	case it := <-s.inbox:
		return it.msg, it.err
	case <-s.loopDone:
		select {
		case it := <-s.inbox:
			return it.msg, it.err
		default:
			return nil, s.loopErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends method with params and waits for its Response, bounded by
// the request timeout. An error Response is returned as a Response, not as
// an error.
func (s *Session) Request(ctx context.Context, method protocol.Method, params interface{}) (resp *protocol.Response, err error) {
	if err := s.requireReady("request"); err != nil {
		return nil, err
	}

	ctx, span := observability.StartMethodSpan(ctx, s.tracer, method.String(), trace.SpanKindClient)
	defer func() { observability.EndSpan(span, err) }()

	return s.call(ctx, method, params, s.requestTimeout)
}

// Ping checks that the peer answers. Like every other operation it needs a
// Ready session and it does not change the phase.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.requireReady("ping"); err != nil {
		return err
	}
	resp, err := s.call(ctx, protocol.MethodPing, nil, s.requestTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error.MCPError()
	}
	return nil
}

// call sends a request with a generated id and waits for its Response
func (s *Session) call(ctx context.Context, method protocol.Method, params interface{}, timeout time.Duration) (*protocol.Response, error) {
	id := protocol.NumberID(s.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	call, err := s.pending.Register(id, method)
	if err != nil {
		return nil, err
	}
	if s.failIfClosed(id) {
		return call.Result()
	}
	if err := s.transport.Send(ctx, req); err != nil {
		s.pending.Remove(id)
		return nil, err
	}
	resp, err := s.pending.Wait(ctx, call, timeout)
	if mcperrors.IsTimeout(err) {
		s.expired.Store(id.Key(), struct{}{})
	}
	return resp, err
}

func (s *Session) reply(resp *protocol.Response) {
	if err := s.transport.Send(s.ctx, resp); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("Failed to send response",
			logging.RequestID(resp.ID.String()), logging.ErrorField(err))
	}
}

func (s *Session) replyError(id protocol.RequestID, code protocol.ErrorCode, message string, data interface{}) {
	rerr, err := protocol.NewResponseError(code, message, data)
	if err != nil {
		rerr = &protocol.ResponseError{Code: code, Message: message}
	}
	resp, _ := protocol.NewErrorResponse(id, rerr)
	s.reply(resp)
}

// Close ends the session from any phase. A ready client first runs the
// shutdown exchange; both roles then send exit best effort. The transport is
// always closed and outstanding calls fail with a connection closed error.
func (s *Session) Close(ctx context.Context) (err error) {
	s.closeOnce.Do(func() {
		spanCtx, span := observability.StartMethodSpan(ctx, s.tracer, "close", trace.SpanKindInternal)
		defer func() { observability.EndSpan(span, s.closeErr) }()

		switch {
		case s.role == RoleClient && s.transition(PhaseReady, PhaseShuttingDown):
			s.shutdownExchange(spanCtx)
			s.sendExit(spanCtx)
		case s.role == RoleServer && (s.transition(PhaseReady, PhaseShuttingDown) || s.Phase() == PhaseShuttingDown):
			s.sendExit(spanCtx)
		}

		s.cancel()
		s.closeErr = s.transport.Close(ctx)
		s.finish(mcperrors.ConnectionClosed(component, "session closed"))
		s.markClosed()
		s.logger.Info("Session closed")
	})
	return s.closeErr
}

func (s *Session) shutdownExchange(ctx context.Context) {
	resp, err := s.call(ctx, protocol.MethodShutdown, nil, s.shutdownTimeout)
	switch {
	case err != nil:
		s.logger.Warn("Shutdown request failed", logging.ErrorField(err))
	case resp.Error != nil:
		s.logger.Warn("Shutdown rejected", logging.ErrorField(resp.Error))
	}
}

func (s *Session) sendExit(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, &protocol.Notification{Method: protocol.MethodExit}); err != nil {
		s.logger.Debug("Exit notification not delivered", logging.ErrorField(err))
	}
}

// finish records why the session ended, fails outstanding calls and, when
// the dispatch loop was started, waits for it.
func (s *Session) finish(reason error) {
	s.loopOnce.Do(func() {
		s.loopErr = reason
	})
	s.pending.FailAll(reason)
	if s.loopStarted.Load() {
		<-s.loopDone
	}
}
