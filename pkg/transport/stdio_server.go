package transport

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// StdioServer serves one peer over the process's own stdin and stdout.
// Diagnostics belong on stderr, which is where the default logger writes.
type StdioServer struct {
	settings Settings
	logger   logging.Logger
	metrics  *observability.Metrics

	reader io.Reader
	writer *lineWriter
	box    *mailbox
	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewStdioServer creates a server on os.Stdin and os.Stdout unless WithStdio
// supplies other streams.
func NewStdioServer(settings Settings, opts ...Option) *StdioServer {
	o := applyOptions(opts)
	in, out := o.stdin, o.stdout
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StdioServer{
		settings: settings,
		logger:   o.logger.WithFields(logging.Component(nameStdioServer)),
		metrics:  o.metrics,
		reader:   in,
		writer:   newLineWriter(out, nameStdioServer),
		box:      newMailbox(settings.OutboundBuffer),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
}

// Initialize starts reading frames from the input stream
func (s *StdioServer) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return mcperrors.InvalidState("initialize", "started")
	}

	s.metrics.ConnectionOpened(nameStdioServer)
	go func() {
		defer close(s.loopDone)
		defer s.metrics.ConnectionClosed(nameStdioServer)
		r := newLineReader(s.reader, s.settings.BufferSize, s.settings.MaxMessageSize)
		_ = readLoop(s.ctx, r, s.box, nameStdioServer, s.logger, s.metrics)
	}()
	return nil
}

// Send writes msg as one line to the output stream
func (s *StdioServer) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writer.writeMessage(msg); err != nil {
		if !mcperrors.IsConnectionClosed(err) {
			s.metrics.RecordError(nameStdioServer, categoryOf(err))
		}
		return err
	}
	s.metrics.RecordMessage(nameStdioServer, observability.DirectionOutbound, string(msg.Kind()))
	return nil
}

// Receive returns the next frame read from the input stream. It returns a
// connection closed error at end of input.
func (s *StdioServer) Receive(ctx context.Context) (protocol.Message, error) {
	if !s.started.Load() {
		return nil, mcperrors.InvalidState("receive", "uninitialized")
	}
	in, err := s.box.receive(ctx)
	if err != nil {
		return nil, err
	}
	return in.msg, in.err
}

// Close stops writing and closes the input stream when it is an io.Closer
func (s *StdioServer) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.writer.close()
		s.box.close(mcperrors.ConnectionClosed(nameStdioServer, "transport closed"))

		if !s.started.Load() {
			return
		}
		if closer, ok := s.reader.(io.Closer); ok {
			_ = closer.Close()
		}

		timer := time.NewTimer(s.settings.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-s.loopDone:
		case <-timer.C:
			// os.Stdin reads do not always unblock on close
			s.logger.Debug("Input reader still blocked after close")
		case <-ctx.Done():
		}
	})
	return nil
}
