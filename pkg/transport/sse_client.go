package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcprotocol/mcprotocol-go/pkg/auth"
	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// SSEClient subscribes to a server's event stream and publishes with HTTP
// POST. Responses arriving on the stream are matched to outstanding requests
// through a PendingTable.
type SSEClient struct {
	config     HTTPTransportType
	settings   Settings
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	httpClient *http.Client

	baseURL *url.URL
	pending *PendingTable
	box     *mailbox
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.RWMutex
	messageURL string
	clientID   string

	started   atomic.Bool
	closed    atomic.Bool
	loopDone  chan struct{}
	waiters   sync.WaitGroup
	closeOnce sync.Once
}

// NewSSEClient creates a client for the server at config.BaseURL
func NewSSEClient(config HTTPTransportType, settings Settings, opts ...Option) (*SSEClient, error) {
	u, err := parseBaseURL(config.BaseURL)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	httpClient := o.httpClient
	if httpClient == nil {
		// no client timeout: the event stream stays open
		httpClient = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &SSEClient{
		config:     config,
		settings:   settings,
		logger:     o.logger.WithFields(logging.Component(nameSSEClient)),
		metrics:    o.metrics,
		tracer:     o.tracer,
		httpClient: httpClient,
		baseURL:    u,
		box:        newMailbox(settings.OutboundBuffer),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}
	c.pending = NewPendingTable(func(n int) {
		c.metrics.SetPending(nameSSEClient, n)
	})
	return c, nil
}

func (c *SSEClient) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// ClientID returns the id assigned by the server, or "" before Initialize
func (c *SSEClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Pending exposes the table of outstanding requests
func (c *SSEClient) Pending() *PendingTable {
	return c.pending
}

// Initialize opens the event stream and waits up to connect_timeout for the
// server to announce the publish endpoint.
func (c *SSEClient) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return mcperrors.ConnectionClosed(nameSSEClient, "transport closed")
	}
	if !c.started.CompareAndSwap(false, true) {
		return mcperrors.InvalidState("initialize", "started")
	}

	// cancelling ctx during the handshake tears the stream down
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	eventsURL := c.endpoint(PathEvents)
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, eventsURL, nil)
	if err != nil {
		close(c.loopDone)
		return mcperrors.TransportError(nameSSEClient, "subscribe", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	auth.SetBearer(req.Header, c.config.AuthToken)
	observability.InjectHTTP(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		close(c.loopDone)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return mcperrors.ConnectionFailed(nameSSEClient, eventsURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		close(c.loopDone)
		return c.statusError("subscribe", eventsURL, resp.StatusCode)
	}

	ready := make(chan error, 1)
	go c.readLoop(resp.Body, ready)

	timer := time.NewTimer(c.settings.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			c.cancel()
			<-c.loopDone
			return err
		}
	case <-timer.C:
		c.cancel()
		<-c.loopDone
		return mcperrors.Timeout("connect", c.settings.ConnectTimeout)
	case <-ctx.Done():
		<-c.loopDone
		return ctx.Err()
	}

	c.metrics.ConnectionOpened(nameSSEClient)
	c.logger.Info("Connected", logging.ConnectionID(c.ClientID()))
	return nil
}

func (c *SSEClient) statusError(op, endpoint string, status int) error {
	switch status {
	case http.StatusUnauthorized:
		if c.config.AuthToken == "" {
			return mcperrors.AuthRequired()
		}
		return mcperrors.InvalidToken()
	case http.StatusGone:
		return mcperrors.ConnectionClosed(nameSSEClient, "connection gone")
	}
	return mcperrors.HTTPStatusError(op, endpoint, status)
}

func (c *SSEClient) readLoop(body io.ReadCloser, ready chan<- error) {
	defer close(c.loopDone)
	defer body.Close()

	announced := false
	defer func() {
		if !announced {
			ready <- mcperrors.ConnectionClosed(nameSSEClient, "stream ended before endpoint event")
		}
		c.pending.FailAll(mcperrors.ConnectionClosed(nameSSEClient, "event stream ended"))
		c.box.close(mcperrors.ConnectionClosed(nameSSEClient, "event stream ended"))
	}()

	cfg := &sse.ReadConfig{MaxEventSize: c.settings.MaxMessageSize}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("Event stream failed", logging.ErrorField(err))
			}
			return
		}

		switch ev.Type {
		case eventEndpoint:
			if err := c.setEndpoint(ev.Data); err != nil {
				c.logger.Error("Invalid endpoint event", logging.ErrorField(err))
				if !announced {
					announced = true
					ready <- err
				}
				return
			}
			if !announced {
				announced = true
				ready <- nil
			}
		case eventMessage:
			c.handleMessage(ev.Data)
		case eventHeartbeat:
			c.ackHeartbeat()
		default:
			c.logger.Debug("Ignoring event", logging.String("event", ev.Type))
		}
	}
}

func (c *SSEClient) setEndpoint(data string) error {
	var payload endpointPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Endpoint == "" {
		payload = endpointPayload{Endpoint: strings.TrimSpace(data)}
	}

	u, err := url.Parse(payload.Endpoint)
	if err != nil || payload.Endpoint == "" {
		return mcperrors.ProtocolError("malformed endpoint event", err)
	}
	u = c.baseURL.ResolveReference(u)
	if payload.ClientID == "" {
		payload.ClientID = u.Query().Get(queryClientID)
	}
	if payload.ClientID == "" {
		return mcperrors.ProtocolError("endpoint event carries no client id", nil)
	}

	c.mu.Lock()
	c.messageURL = u.String()
	c.clientID = payload.ClientID
	c.mu.Unlock()
	return nil
}

func (c *SSEClient) handleMessage(data string) {
	msg, err := protocol.Parse([]byte(data))
	if err != nil {
		c.metrics.RecordError(nameSSEClient, string(mcperrors.CategorySerialization))
		c.logger.Warn("Skipping undecodable message", logging.ErrorField(err))
		return
	}
	c.metrics.RecordMessage(nameSSEClient, observability.DirectionInbound, string(msg.Kind()))

	if resp, ok := msg.(*protocol.Response); ok {
		if !c.pending.Resolve(resp) {
			c.logger.Warn("Dropping response with unknown id", logging.RequestID(resp.ID.String()))
		}
		return
	}
	c.box.put(c.ctx, inbound{msg: msg})
}

func (c *SSEClient) ackHeartbeat() {
	ctx, cancel := context.WithTimeout(c.ctx, c.settings.ConnectTimeout)
	defer cancel()

	heartbeatURL := c.endpoint(PathHeartbeat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, heartbeatURL, nil)
	if err != nil {
		return
	}
	c.decorate(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Debug("Heartbeat acknowledgment failed", logging.ErrorField(err))
		}
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		c.logger.Warn("Server no longer knows this connection")
	}
}

func (c *SSEClient) decorate(req *http.Request) {
	auth.SetBearer(req.Header, c.config.AuthToken)
	if id := c.ClientID(); id != "" {
		req.Header.Set(HeaderClientID, id)
	}
}

func (c *SSEClient) post(ctx context.Context, msg protocol.Message) error {
	c.mu.RLock()
	messageURL := c.messageURL
	c.mu.RUnlock()

	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return mcperrors.TransportError(nameSSEClient, "publish", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)
	observability.InjectHTTP(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.closed.Load() {
			return mcperrors.ConnectionClosed(nameSSEClient, "transport closed")
		}
		return mcperrors.ConnectionFailed(nameSSEClient, messageURL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		c.metrics.RecordMessage(nameSSEClient, observability.DirectionOutbound, string(msg.Kind()))
		return nil
	}
	return c.statusError("publish", messageURL, resp.StatusCode)
}

func (c *SSEClient) checkReady() error {
	if c.closed.Load() {
		return mcperrors.ConnectionClosed(nameSSEClient, "transport closed")
	}
	if c.ClientID() == "" {
		return mcperrors.InvalidState("send", "uninitialized")
	}
	select {
	case <-c.loopDone:
		return mcperrors.ConnectionClosed(nameSSEClient, "event stream ended")
	default:
	}
	return nil
}

// Send publishes msg. For a Request the pending entry is registered before
// the POST; its Response, or a timeout after request_timeout, is delivered
// through Receive.
func (c *SSEClient) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.checkReady(); err != nil {
		return err
	}

	req, ok := msg.(*protocol.Request)
	if !ok {
		return c.record(c.post(ctx, msg))
	}

	call, err := c.pending.Register(req.ID, req.Method)
	if err != nil {
		return c.record(err)
	}
	if err := c.post(ctx, req); err != nil {
		c.pending.Remove(req.ID)
		return c.record(err)
	}

	c.waiters.Add(1)
	go func() {
		defer c.waiters.Done()
		resp, err := c.pending.Wait(c.ctx, call, c.settings.RequestTimeout)
		switch {
		case err == nil:
			c.box.put(c.ctx, inbound{msg: resp})
		case mcperrors.IsTimeout(err):
			c.metrics.RecordError(nameSSEClient, string(mcperrors.CategoryTimeout))
			c.box.put(c.ctx, inbound{err: err})
		}
	}()
	return nil
}

// Call publishes req and waits for its Response. The Response is returned
// here and not delivered through Receive.
func (c *SSEClient) Call(ctx context.Context, req *protocol.Request) (resp *protocol.Response, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkReady(); err != nil {
		return nil, err
	}

	ctx, span := observability.StartMethodSpan(ctx, c.tracer, req.Method.String(), trace.SpanKindClient)
	defer func() { observability.EndSpan(span, err) }()

	call, err := c.pending.Register(req.ID, req.Method)
	if err != nil {
		return nil, c.record(err)
	}
	if err := c.post(ctx, req); err != nil {
		c.pending.Remove(req.ID)
		return nil, c.record(err)
	}

	resp, err = c.pending.Wait(ctx, call, c.settings.RequestTimeout)
	c.metrics.ObserveRequest(req.Method.String(), requestStatus(resp, err), time.Since(call.Started))
	return resp, c.record(err)
}

func requestStatus(resp *protocol.Response, err error) string {
	switch {
	case err != nil:
		return "failed"
	case resp.IsError():
		return "error"
	}
	return "ok"
}

func (c *SSEClient) record(err error) error {
	if err != nil && !mcperrors.IsConnectionClosed(err) {
		c.metrics.RecordError(nameSSEClient, categoryOf(err))
	}
	return err
}

// Receive returns the next message from the stream: Responses to requests
// sent with Send, server Requests and Notifications.
func (c *SSEClient) Receive(ctx context.Context) (protocol.Message, error) {
	if !c.started.Load() {
		return nil, mcperrors.InvalidState("receive", "uninitialized")
	}
	in, err := c.box.receive(ctx)
	if err != nil {
		return nil, err
	}
	return in.msg, in.err
}

// Close cancels the stream, fails outstanding requests with a connection
// closed error and waits for background work to stop.
func (c *SSEClient) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		if c.started.Load() {
			timer := time.NewTimer(c.settings.ShutdownTimeout)
			defer timer.Stop()
			select {
			case <-c.loopDone:
			case <-timer.C:
				c.logger.Warn("Event stream reader did not stop in time")
			case <-ctx.Done():
			}
		}

		failed := c.pending.FailAll(mcperrors.ConnectionClosed(nameSSEClient, "transport closed"))
		c.box.close(mcperrors.ConnectionClosed(nameSSEClient, "transport closed"))
		c.waiters.Wait()

		if c.ClientID() != "" {
			c.metrics.ConnectionClosed(nameSSEClient)
		}
		c.logger.Info("Closed", logging.Int("failed_requests", failed))
	})
	return nil
}
