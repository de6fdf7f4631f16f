package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// Initialize starts the transport and performs the handshake for the
// session's role. On failure the transport is closed and the session moves
// to Closed.
func (s *Session) Initialize(ctx context.Context) (err error) {
	if !s.transition(PhaseUninitialized, PhaseInitializing) {
		return mcperrors.InvalidState("initialize", s.Phase().String())
	}

	ctx, span := observability.StartMethodSpan(ctx, s.tracer, protocol.MethodInitialize.String(), trace.SpanKindInternal)
	defer func() { observability.EndSpan(span, err) }()

	if err = s.transport.Initialize(ctx); err != nil {
		s.abort(err)
		return err
	}

	s.loopStarted.Store(true)
	go s.dispatch()

	if s.role == RoleClient {
		err = s.clientHandshake(ctx)
	} else {
		err = s.serverHandshake(ctx)
	}
	if err != nil {
		s.logger.Warn("Handshake failed", logging.ErrorField(err))
		s.abort(err)
		return err
	}

	info, _ := s.RemoteInfo()
	s.logger.Info("Session ready",
		logging.String("peer", info.Name),
		logging.String("peer_version", info.Version))
	return nil
}

func (s *Session) abort(reason error) {
	s.cancel()
	if err := s.transport.Close(context.Background()); err != nil {
		s.logger.Debug("Transport close failed", logging.ErrorField(err))
	}
	s.finish(reason)
	s.markClosed()
}

func (s *Session) clientHandshake(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    s.clientCaps,
		ClientInfo:      s.info,
	}
	resp, err := s.call(ctx, protocol.MethodInitialize, params, s.handshakeTimeout)
	if err != nil {
		if mcperrors.IsTimeout(err) {
			return mcperrors.ProtocolError("initialize not answered", mcperrors.HandshakeTimeout(s.handshakeTimeout))
		}
		return mcperrors.ProtocolError("initialize failed", err)
	}
	if resp.Error != nil {
		return mcperrors.ProtocolError("initialize rejected", resp.Error.MCPError())
	}

	var result protocol.InitializeResult
	if err := resp.DecodeResult(&result); err != nil {
		return mcperrors.ProtocolError("invalid initialize result", err)
	}
	if result.ProtocolVersion != protocol.ProtocolVersion {
		return mcperrors.ProtocolError("protocol version mismatch",
			mcperrors.VersionMismatch(protocol.ProtocolVersion, result.ProtocolVersion))
	}

	s.mu.Lock()
	s.serverCaps = result.Capabilities
	s.remoteInfo = &result.ServerInfo
	s.mu.Unlock()

	// Ready before initialized goes out, so requests the server sends in
	// response are not seen in Initializing. The loop may have closed the
	// session already.
	if !s.transition(PhaseInitializing, PhaseReady) {
		return mcperrors.ProtocolError("connection ended during handshake",
			mcperrors.ConnectionClosed(component, "transport closed during handshake"))
	}
	if err := s.transport.Send(ctx, &protocol.Notification{Method: protocol.MethodInitialized}); err != nil {
		return mcperrors.ProtocolError("initialized not delivered", err)
	}
	return nil
}

// serverHandshake waits for the dispatch loop to report the outcome of the
// initialize exchange
func (s *Session) serverHandshake(ctx context.Context) error {
	timer := time.NewTimer(s.handshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-s.handshake:
		return err
	case <-s.loopDone:
		return mcperrors.ProtocolError("connection ended during handshake", s.loopErr)
	case <-timer.C:
		return mcperrors.ProtocolError("initialize not completed", mcperrors.HandshakeTimeout(s.handshakeTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) signalHandshake(err error) {
	select {
	case s.handshake <- err:
	default:
	}
}

// answerInitialize runs on the dispatch loop for the server role
func (s *Session) answerInitialize(req *protocol.Request) {
	if !s.initAnswered.CompareAndSwap(false, true) {
		s.replyError(req.ID, protocol.InvalidRequest, "initialize already received", nil)
		return
	}

	var params protocol.InitializeParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil {
		s.initAnswered.Store(false)
		s.replyError(req.ID, protocol.InvalidParams, "invalid initialize params", nil)
		return
	}

	if params.ProtocolVersion != protocol.ProtocolVersion {
		s.replyError(req.ID, protocol.InvalidRequest, "unsupported protocol version",
			&mcperrors.VersionMismatchData{Supported: protocol.ProtocolVersion, Requested: params.ProtocolVersion})
		s.signalHandshake(mcperrors.ProtocolError("protocol version mismatch",
			mcperrors.VersionMismatch(protocol.ProtocolVersion, params.ProtocolVersion)))
		return
	}

	s.mu.Lock()
	s.clientCaps = params.Capabilities
	s.remoteInfo = &params.ClientInfo
	caps := s.serverCaps
	s.mu.Unlock()

	resp, err := protocol.NewSuccessResponse(req.ID, protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      s.info,
	})
	if err != nil {
		s.signalHandshake(err)
		return
	}
	s.reply(resp)
}

// completeInitialize runs on the dispatch loop when initialized arrives
func (s *Session) completeInitialize() {
	if !s.initAnswered.Load() {
		s.logger.Warn("Initialized notification before initialize")
		return
	}
	if s.transition(PhaseInitializing, PhaseReady) {
		s.signalHandshake(nil)
	}
}
