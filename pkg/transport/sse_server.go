package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcprotocol/mcprotocol-go/pkg/auth"
	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// HeaderClientID carries the connection id on publish and heartbeat requests
const HeaderClientID = "X-Client-ID"

const queryClientID = "clientId"

// Route suffixes under the base URL path
const (
	PathEvents    = "/events"
	PathMessages  = "/messages"
	PathHeartbeat = "/heartbeat"
)

// endpointPayload is the data of the initial endpoint event
type endpointPayload struct {
	Endpoint string `json:"endpoint"`
	ClientID string `json:"clientId"`
}

// SSEServer accepts many clients. Each subscribes with GET /events and
// publishes with POST /messages; responses travel back on the subscriber's
// event stream.
type SSEServer struct {
	settings Settings
	logger   logging.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	baseURL  *url.URL
	basePath string
	registry *ConnectionRegistry
	box      *mailbox
	handler  http.Handler

	routesMu sync.Mutex
	routes   map[string]string

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSSEServer creates a server that will listen on config.BaseURL
func NewSSEServer(config HTTPTransportType, settings Settings, opts ...Option) (*SSEServer, error) {
	u, err := parseBaseURL(config.BaseURL)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	ctx, cancel := context.WithCancel(context.Background())
	s := &SSEServer{
		settings: settings,
		logger:   o.logger.WithFields(logging.Component(nameSSEServer)),
		metrics:  o.metrics,
		tracer:   o.tracer,
		baseURL:  u,
		basePath: strings.TrimRight(u.Path, "/"),
		registry: NewConnectionRegistry(settings.OutboundBuffer),
		box:      newMailbox(settings.OutboundBuffer),
		routes:   make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}

	validator := o.validator
	if validator == nil && config.AuthToken != "" {
		validator = auth.StaticToken(config.AuthToken)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+s.basePath+PathEvents, s.handleEvents)
	mux.HandleFunc(http.MethodPost+" "+s.basePath+PathMessages, s.handleMessages)
	mux.HandleFunc(http.MethodPost+" "+s.basePath+PathHeartbeat, s.handleHeartbeat)

	var h http.Handler = mux
	h = auth.Middleware(validator, s.logger)(h)
	h = logging.HTTPMiddleware(s.logger)(h)
	s.handler = h
	return s, nil
}

// Handler returns the routes wrapped in auth and request logging. It can be
// mounted on another server; heartbeats and pruning only run once
// Initialize has been called.
func (s *SSEServer) Handler() http.Handler {
	return s.handler
}

// Registry exposes the connection registry
func (s *SSEServer) Registry() *ConnectionRegistry {
	return s.registry
}

// Initialize binds the listener and starts serving and the heartbeat loop
func (s *SSEServer) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return mcperrors.ConnectionClosed(nameSSEServer, "transport closed")
	}
	if !s.started.CompareAndSwap(false, true) {
		return mcperrors.InvalidState("initialize", "started")
	}

	addr := s.baseURL.Host
	if s.baseURL.Port() == "" {
		port := "80"
		if s.baseURL.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(s.baseURL.Hostname(), port)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.started.Store(false)
		return mcperrors.TransportError(nameSSEServer, "listen", err).WithDetail(addr)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.settings.ConnectTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", logging.ErrorField(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop()
	}()

	s.logger.Info("Listening", logging.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, or "" before Initialize
func (s *SSEServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the base URL clients should connect to
func (s *SSEServer) URL() string {
	addr := s.Addr()
	if addr == "" {
		return s.baseURL.String()
	}
	u := *s.baseURL
	u.Host = addr
	return strings.TrimRight(u.String(), "/")
}

func (s *SSEServer) heartbeatLoop() {
	ticker := time.NewTicker(s.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.heartbeat(now)
		}
	}
}

// heartbeat queues a heartbeat event for every connection and prunes those
// idle for longer than heartbeat_timeout.
func (s *SSEServer) heartbeat(now time.Time) {
	ev := sseEvent{name: eventHeartbeat, data: now.UTC().Format(time.RFC3339Nano)}
	if dropped := s.registry.Broadcast(ev); len(dropped) > 0 {
		s.logger.Debug("Heartbeat skipped for busy connections", logging.Int("count", len(dropped)))
	}

	pruned := s.registry.Prune(now.Add(-s.settings.HeartbeatTimeout))
	for _, id := range pruned {
		s.forgetRoutes(id)
		s.metrics.ConnectionPruned(nameSSEServer)
		s.logger.Info("Pruned stale connection", logging.ConnectionID(id))
	}
}

func (s *SSEServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("Failed to upgrade event stream", logging.ErrorField(err))
		http.Error(w, "event stream unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	state := s.registry.Register(id, r.RemoteAddr)
	logger := s.logger.WithFields(logging.ConnectionID(id))
	s.metrics.ConnectionOpened(nameSSEServer)
	logger.Info("Client subscribed", logging.String("remote_addr", r.RemoteAddr))

	defer func() {
		s.registry.removeState(state)
		s.forgetRoutes(id)
		s.metrics.ConnectionClosed(nameSSEServer)
		logger.Info("Client stream ended")
	}()

	payload, _ := json.Marshal(endpointPayload{Endpoint: s.messagesURL(r, id), ClientID: id})
	if err := writeEvent(sess, sseEvent{name: eventEndpoint, data: string(payload)}); err != nil {
		logger.Warn("Failed to write endpoint event", logging.ErrorField(err))
		return
	}

	for {
		select {
		case ev := <-state.outbound:
			if err := writeEvent(sess, ev); err != nil {
				logger.Warn("Failed to write event", logging.ErrorField(err))
				return
			}
		case <-state.done:
			return
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func writeEvent(sess *sse.Session, ev sseEvent) error {
	msg := &sse.Message{Type: sse.Type(ev.name)}
	msg.AppendData(ev.data)
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

func (s *SSEServer) messagesURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     s.basePath + PathMessages,
		RawQuery: url.Values{queryClientID: []string{id}}.Encode(),
	}
	return u.String()
}

func clientIDFrom(r *http.Request) string {
	if id := r.Header.Get(HeaderClientID); id != "" {
		return id
	}
	return r.URL.Query().Get(queryClientID)
}

func (s *SSEServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}

	id := clientIDFrom(r)
	if id == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}
	if !s.registry.Contains(id) {
		http.Error(w, "connection gone", http.StatusGone)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.settings.MaxMessageSize)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		s.metrics.RecordError(nameSSEServer, string(mcperrors.CategorySerialization))
		s.logger.Warn("Rejected malformed message", logging.ConnectionID(id), logging.ErrorField(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.registry.Touch(id); err != nil {
		http.Error(w, "connection gone", http.StatusGone)
		return
	}

	method := methodOf(msg)
	ctx := observability.ExtractHTTP(r.Context(), r.Header)
	_, span := observability.StartMethodSpan(ctx, s.tracer, method, trace.SpanKindServer)
	defer span.End()

	switch m := msg.(type) {
	case *protocol.Request:
		s.recordRoute(m.ID, id)
	case *protocol.Notification:
		if m.Method == protocol.MethodExit {
			defer s.registry.Remove(id)
		}
	}

	if !s.box.put(r.Context(), inbound{msg: msg, connID: id}) {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	s.metrics.RecordMessage(nameSSEServer, observability.DirectionInbound, string(msg.Kind()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *SSEServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := clientIDFrom(r)
	if id == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}
	if err := s.registry.Touch(id); err != nil {
		http.Error(w, "connection gone", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func methodOf(msg protocol.Message) string {
	switch m := msg.(type) {
	case *protocol.Request:
		return m.Method.String()
	case *protocol.Notification:
		return m.Method.String()
	}
	return "response"
}

func (s *SSEServer) recordRoute(id protocol.RequestID, connID string) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	if prev, ok := s.routes[id.Key()]; ok && prev != connID {
		s.logger.Warn("Request id reused across connections",
			logging.RequestID(id.String()), logging.ConnectionID(connID))
	}
	s.routes[id.Key()] = connID
}

func (s *SSEServer) takeRoute(id protocol.RequestID) (string, bool) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	connID, ok := s.routes[id.Key()]
	if ok {
		delete(s.routes, id.Key())
	}
	return connID, ok
}

func (s *SSEServer) forgetRoutes(connID string) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	for key, c := range s.routes {
		if c == connID {
			delete(s.routes, key)
		}
	}
}

// Send routes a Response to the connection that published its Request and
// broadcasts everything else.
func (s *SSEServer) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return mcperrors.ConnectionClosed(nameSSEServer, "transport closed")
	}

	if resp, ok := msg.(*protocol.Response); ok {
		connID, found := s.takeRoute(resp.ID)
		if !found {
			err := mcperrors.UnknownResponseID(resp.ID.String())
			s.metrics.RecordError(nameSSEServer, categoryOf(err))
			return err
		}
		return s.SendTo(ctx, connID, msg)
	}

	ev, err := messageEvent(msg)
	if err != nil {
		return err
	}
	if dropped := s.registry.Broadcast(ev); len(dropped) > 0 {
		s.logger.Warn("Broadcast dropped for busy connections", logging.Int("count", len(dropped)))
		s.metrics.RecordError(nameSSEServer, string(mcperrors.CategoryTransport))
	}
	s.metrics.RecordMessage(nameSSEServer, observability.DirectionOutbound, string(msg.Kind()))
	return nil
}

// SendTo queues msg for one connection
func (s *SSEServer) SendTo(ctx context.Context, connID string, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return mcperrors.ConnectionClosed(nameSSEServer, "transport closed")
	}
	ev, err := messageEvent(msg)
	if err != nil {
		return err
	}
	if err := s.registry.Deliver(connID, ev); err != nil {
		s.metrics.RecordError(nameSSEServer, categoryOf(err))
		return err
	}
	s.metrics.RecordMessage(nameSSEServer, observability.DirectionOutbound, string(msg.Kind()))
	return nil
}

func messageEvent(msg protocol.Message) (sseEvent, error) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return sseEvent{}, err
	}
	return sseEvent{name: eventMessage, data: string(data)}, nil
}

// Receive returns the next message published by any client
func (s *SSEServer) Receive(ctx context.Context) (protocol.Message, error) {
	_, msg, err := s.ReceiveFrom(ctx)
	return msg, err
}

// ReceiveFrom is Receive that also reports the publishing connection
func (s *SSEServer) ReceiveFrom(ctx context.Context) (string, protocol.Message, error) {
	in, err := s.box.receive(ctx)
	if err != nil {
		return "", nil, err
	}
	return in.connID, in.msg, in.err
}

// Close ends every stream, empties the registry and stops the HTTP server
func (s *SSEServer) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		n := s.registry.CloseAll()
		s.box.close(mcperrors.ConnectionClosed(nameSSEServer, "transport closed"))

		s.mu.Lock()
		srv := s.server
		s.mu.Unlock()

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.settings.ShutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				_ = srv.Close()
				err = mcperrors.TransportError(nameSSEServer, "shutdown", serr)
			}
		}
		s.wg.Wait()
		s.logger.Info("Closed", logging.Int("connections", n))
	})
	return err
}
