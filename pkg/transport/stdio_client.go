package transport

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

const stderrTailLines = 32

// StdioClient spawns a server program and talks to it over its stdin and
// stdout. The child's stderr is relayed to the logger and never parsed.
type StdioClient struct {
	config   StdioTransportType
	settings Settings
	logger   logging.Logger
	metrics  *observability.Metrics

	box    *mailbox
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writer  *lineWriter
	exited  chan struct{}
	exitErr error

	tailMu sync.Mutex
	tail   []string

	closeOnce sync.Once
}

// NewStdioClient creates a client for the given program. Nothing is spawned
// until Initialize.
func NewStdioClient(config StdioTransportType, settings Settings, opts ...Option) *StdioClient {
	o := applyOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &StdioClient{
		config:   config,
		settings: settings,
		logger:   o.logger.WithFields(logging.Component(nameStdioClient)),
		metrics:  o.metrics,
		box:      newMailbox(settings.OutboundBuffer),
		ctx:      ctx,
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
}

// Initialize spawns the server process and starts the stdout and stderr
// pumps.
func (c *StdioClient) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.started.CompareAndSwap(false, true) {
		return mcperrors.InvalidState("initialize", "started")
	}
	select {
	case <-c.ctx.Done():
		return mcperrors.ConnectionClosed(nameStdioClient, "transport closed")
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := exec.Command(c.config.ServerPath, c.config.ServerArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return mcperrors.TransportError(nameStdioClient, "stdin_pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return mcperrors.TransportError(nameStdioClient, "stdout_pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return mcperrors.TransportError(nameStdioClient, "stderr_pipe", err)
	}
	if err := cmd.Start(); err != nil {
		c.box.close(mcperrors.ConnectionClosed(nameStdioClient, "spawn failed"))
		return mcperrors.TransportError(nameStdioClient, "spawn", err).
			WithDetail(c.config.ServerPath)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.writer = newLineWriter(stdin, nameStdioClient)
	c.logger.Info("Started server process",
		logging.String("path", c.config.ServerPath),
		logging.Int("pid", cmd.Process.Pid))
	c.metrics.ConnectionOpened(nameStdioClient)

	var g errgroup.Group
	g.Go(func() error {
		r := newLineReader(stdout, c.settings.BufferSize, c.settings.MaxMessageSize)
		return readLoop(c.ctx, r, c.box, nameStdioClient, c.logger, c.metrics)
	})
	g.Go(func() error {
		c.relayStderr(stderr)
		return nil
	})

	// Wait must follow the pipe readers
	go func() {
		_ = g.Wait()
		err := cmd.Wait()
		c.exitErr = err
		close(c.exited)

		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		c.logger.Info("Server process exited", logging.Int("exit_code", code))
		c.metrics.ConnectionClosed(nameStdioClient)
		c.box.close(mcperrors.ConnectionClosed(nameStdioClient, "server process exited"))
	}()

	return nil
}

func (c *StdioClient) relayStderr(r io.Reader) {
	if !c.settings.CaptureLogs {
		_, _ = io.Copy(io.Discard, r)
		return
	}

	lr := newLineReader(r, c.settings.BufferSize, c.settings.MaxMessageSize)
	logger := c.logger.WithFields(logging.String("stream", "stderr"))
	for {
		line, err := lr.next()
		if errors.Is(err, errLineTooLong) {
			continue
		}
		if err != nil {
			return
		}
		text := string(line)
		logger.Info(text)

		c.tailMu.Lock()
		c.tail = append(c.tail, text)
		if len(c.tail) > stderrTailLines {
			c.tail = c.tail[len(c.tail)-stderrTailLines:]
		}
		c.tailMu.Unlock()
	}
}

// StderrTail returns the most recent stderr lines of the child
func (c *StdioClient) StderrTail() []string {
	c.tailMu.Lock()
	defer c.tailMu.Unlock()
	return append([]string(nil), c.tail...)
}

// Exited is closed once the child has been reaped
func (c *StdioClient) Exited() <-chan struct{} {
	return c.exited
}

// ExitErr reports how the child terminated. It is valid after Exited is
// closed.
func (c *StdioClient) ExitErr() error {
	return c.exitErr
}

// Send writes msg as one line to the child's stdin
func (c *StdioClient) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return mcperrors.InvalidState("send", "uninitialized")
	}
	select {
	case <-c.exited:
		return mcperrors.ConnectionClosed(nameStdioClient, "server process exited")
	default:
	}

	if err := writer.writeMessage(msg); err != nil {
		if mcperrors.IsConnectionClosed(err) {
			return err
		}
		c.metrics.RecordError(nameStdioClient, categoryOf(err))
		return err
	}
	c.metrics.RecordMessage(nameStdioClient, observability.DirectionOutbound, string(msg.Kind()))
	return nil
}

// Receive returns the next message read from the child's stdout
func (c *StdioClient) Receive(ctx context.Context) (protocol.Message, error) {
	if !c.started.Load() {
		return nil, mcperrors.InvalidState("receive", "uninitialized")
	}
	in, err := c.box.receive(ctx)
	if err != nil {
		return nil, err
	}
	return in.msg, in.err
}

// Close closes the child's stdin, waits shutdown_timeout for it to exit,
// then kills it. The child is always reaped.
func (c *StdioClient) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cmd == nil {
			c.box.close(mcperrors.ConnectionClosed(nameStdioClient, "transport closed"))
			return
		}

		c.writer.close()
		_ = c.stdin.Close()

		if !c.waitExit(ctx, c.settings.ShutdownTimeout) {
			c.logger.Warn("Server process did not exit, killing it",
				logging.Duration("timeout", c.settings.ShutdownTimeout))
			_ = c.cmd.Process.Kill()
			// give the reaper a bounded chance after the kill
			c.waitExit(context.Background(), c.settings.ShutdownTimeout)
		}
		c.box.close(mcperrors.ConnectionClosed(nameStdioClient, "transport closed"))
	})
	return nil
}

func (c *StdioClient) waitExit(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func categoryOf(err error) string {
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		return string(mcpErr.Category())
	}
	return string(mcperrors.CategoryInternal)
}
