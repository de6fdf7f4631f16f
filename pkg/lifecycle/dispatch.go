package lifecycle

import (
	"context"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
	"github.com/mcprotocol/mcprotocol-go/pkg/transport"
)

// dispatch is the single reader of the transport. It answers lifecycle
// messages itself and queues everything else for Receive.
func (s *Session) dispatch() {
	defer close(s.loopDone)

	for {
		msg, err := s.transport.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.endLoop(mcperrors.ConnectionClosed(component, "session closed"))
				return
			}
			if mcperrors.IsConnectionClosed(err) {
				s.logger.Info("Transport closed", logging.ErrorField(err))
				s.endLoop(err)
				return
			}
			s.handleError(err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Response:
			s.handleResponse(m)
		case *protocol.Request:
			s.handleRequest(m)
		case *protocol.Notification:
			if m.Method == protocol.MethodExit {
				s.logger.Info("Peer sent exit")
				s.endLoop(mcperrors.ConnectionClosed(component, "peer sent exit"))
				if err := s.transport.Close(context.Background()); err != nil {
					s.logger.Debug("Transport close failed", logging.ErrorField(err))
				}
				return
			}
			s.handleNotification(m)
		}
	}
}

// endLoop records why the loop stopped and moves the session to Closed
func (s *Session) endLoop(reason error) {
	s.loopOnce.Do(func() {
		s.loopErr = reason
	})
	s.markClosed()
	s.pending.FailAll(s.loopErr)
}

func (s *Session) push(it item) {
	select {
	case s.inbox <- it:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleError(err error) {
	if id, ok := transport.TimedOutRequest(err); ok {
		s.pending.Fail(id, err)
		if _, surfaced := s.surfaced.LoadAndDelete(id.Key()); !surfaced {
			return
		}
		s.expired.Store(id.Key(), struct{}{})
	}
	s.push(item{err: err})
}

func (s *Session) handleResponse(resp *protocol.Response) {
	key := resp.ID.Key()
	_, surfaced := s.surfaced.LoadAndDelete(key)
	if s.pending.Resolve(resp) {
		if surfaced {
			s.push(item{msg: resp})
		}
		return
	}
	if _, late := s.expired.LoadAndDelete(key); late {
		s.logger.Debug("Dropping late response", logging.RequestID(resp.ID.String()))
		return
	}

	s.logger.Warn("Response for unknown request", logging.RequestID(resp.ID.String()))
	s.push(item{err: mcperrors.ProtocolError("unexpected response", mcperrors.UnknownResponseID(resp.ID.String()))})
}

func (s *Session) handleRequest(req *protocol.Request) {
	phase := s.Phase()
	switch {
	case phase == PhaseClosed:
		return
	case req.Method == protocol.MethodPing:
		resp, _ := protocol.NewSuccessResponse(req.ID, struct{}{})
		s.reply(resp)
	case s.role == RoleServer && phase == PhaseInitializing:
		if req.Method == protocol.MethodInitialize {
			s.answerInitialize(req)
			return
		}
		s.replyError(req.ID, protocol.ServerNotInitialized, "server not initialized", nil)
	case phase == PhaseShuttingDown:
		s.replyError(req.ID, protocol.InvalidRequest, "session is shutting down", nil)
	case req.Method == protocol.MethodInitialize:
		s.replyError(req.ID, protocol.InvalidRequest, "session already initialized", nil)
	case s.role == RoleServer && req.Method == protocol.MethodShutdown:
		s.transition(PhaseReady, PhaseShuttingDown)
		resp, _ := protocol.NewSuccessResponse(req.ID, nil)
		s.reply(resp)
	default:
		s.push(item{msg: req})
	}
}

func (s *Session) handleNotification(n *protocol.Notification) {
	phase := s.Phase()
	switch {
	case n.Method == protocol.MethodInitialized && s.role == RoleServer:
		if phase == PhaseInitializing {
			s.completeInitialize()
		}
	case phase == PhaseReady || phase == PhaseShuttingDown || s.role == RoleClient:
		s.push(item{msg: n})
	default:
		s.logger.Debug("Dropping notification before initialize", logging.Method(n.Method.String()))
	}
}
