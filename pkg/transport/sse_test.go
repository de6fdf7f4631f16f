package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
	"github.com/mcprotocol/mcprotocol-go/pkg/utils"
)

func startSSEServer(t *testing.T, token string, settings Settings) *SSEServer {
	t.Helper()
	server, err := NewSSEServer(HTTPTransportType{BaseURL: "http://127.0.0.1:0", AuthToken: token}, settings)
	require.NoError(t, err)
	require.NoError(t, server.Initialize(context.Background()))
	t.Cleanup(func() { _ = server.Close(context.Background()) })
	return server
}

func connectSSEClient(t *testing.T, server *SSEServer, token string, settings Settings) *SSEClient {
	t.Helper()
	client, err := NewSSEClient(HTTPTransportType{BaseURL: server.URL(), AuthToken: token}, settings)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func receiveFrom(t *testing.T, server *SSEServer) (string, protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connID, msg, err := server.ReceiveFrom(ctx)
	require.NoError(t, err)
	return connID, msg
}

// replyOnce answers the next request the server receives
func replyOnce(server *SSEServer, result interface{}) (*protocol.Request, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, msg, err := server.ReceiveFrom(ctx)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*protocol.Request)
	if !ok {
		return nil, fmt.Errorf("expected a request, got %T", msg)
	}
	resp, err := protocol.NewSuccessResponse(req.ID, result)
	if err != nil {
		return nil, err
	}
	return req, server.Send(ctx, resp)
}

func answer(t *testing.T, server *SSEServer, result interface{}) *protocol.Request {
	t.Helper()
	req, err := replyOnce(server, result)
	require.NoError(t, err)
	return req
}

func TestSSEPingEndToEnd(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	client := connectSSEClient(t, server, "", DefaultSettings())
	assert.NotEmpty(t, client.ClientID())

	ping, err := protocol.NewRequest(protocol.StringID("p-1"), protocol.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), ping))

	req := answer(t, server, struct{}{})
	assert.Equal(t, protocol.MethodPing, req.Method)
	assert.Equal(t, protocol.StringID("p-1"), req.ID)

	msg, err := receive(t, client)
	require.NoError(t, err)
	resp, ok := msg.(*protocol.Response)
	require.True(t, ok)
	assert.Equal(t, protocol.StringID("p-1"), resp.ID)
	assert.JSONEq(t, `{}`, string(resp.Result))
	assert.Zero(t, client.Pending().Len())
}

func TestSSECall(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	client := connectSSEClient(t, server, "", DefaultSettings())

	errs := make(chan error, 1)
	go func() {
		_, err := replyOnce(server, map[string]int{"value": 42})
		errs <- err
	}()

	req, err := protocol.NewRequest(protocol.NumberID(10), protocol.MethodToolsExecute, map[string]string{"name": "add"})
	require.NoError(t, err)
	resp, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":42}`, string(resp.Result))
	require.NoError(t, <-errs)
}

func TestSSEResponsesRouteToPublisher(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	first := connectSSEClient(t, server, "", DefaultSettings())
	second := connectSSEClient(t, server, "", DefaultSettings())
	require.Equal(t, 2, server.Registry().Len())

	ctx := context.Background()
	reqA, _ := protocol.NewRequest(protocol.StringID("a"), protocol.MethodPing, nil)
	reqB, _ := protocol.NewRequest(protocol.StringID("b"), protocol.MethodPing, nil)
	require.NoError(t, first.Send(ctx, reqA))
	require.NoError(t, second.Send(ctx, reqB))

	for i := 0; i < 2; i++ {
		answer(t, server, nil)
	}

	msg, err := receive(t, first)
	require.NoError(t, err)
	assert.Equal(t, protocol.StringID("a"), msg.(*protocol.Response).ID)

	msg, err = receive(t, second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StringID("b"), msg.(*protocol.Response).ID)
}

func TestSSEBroadcastNotification(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	first := connectSSEClient(t, server, "", DefaultSettings())
	second := connectSSEClient(t, server, "", DefaultSettings())

	note, err := protocol.NewNotification(protocol.MethodProgress, map[string]int{"progress": 50})
	require.NoError(t, err)
	require.NoError(t, server.Send(context.Background(), note))

	for _, c := range []*SSEClient{first, second} {
		msg, err := receive(t, c)
		require.NoError(t, err)
		assert.Equal(t, protocol.MethodProgress, msg.(*protocol.Notification).Method)
	}
}

func TestSSEServerSendUnknownRoute(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	resp, err := protocol.NewSuccessResponse(protocol.NumberID(99), nil)
	require.NoError(t, err)

	err = server.Send(context.Background(), resp)
	require.Error(t, err)
	assert.True(t, mcperrors.IsProtocol(err))
}

func TestSSEAuth(t *testing.T) {
	server := startSSEServer(t, "s3cret", DefaultSettings())

	t.Run("RawRequestWithoutToken", func(t *testing.T) {
		resp, err := http.Get(server.URL() + PathEvents)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Zero(t, server.Registry().Len(), "rejected before any registry access")
	})

	t.Run("WrongToken", func(t *testing.T) {
		client, err := NewSSEClient(HTTPTransportType{BaseURL: server.URL(), AuthToken: "wrong"}, DefaultSettings())
		require.NoError(t, err)
		defer client.Close(context.Background())

		err = client.Initialize(context.Background())
		require.Error(t, err)
		assert.True(t, mcperrors.IsAuth(err))
	})

	t.Run("MissingToken", func(t *testing.T) {
		client, err := NewSSEClient(HTTPTransportType{BaseURL: server.URL()}, DefaultSettings())
		require.NoError(t, err)
		defer client.Close(context.Background())

		err = client.Initialize(context.Background())
		require.Error(t, err)
		assert.True(t, mcperrors.IsAuth(err))
	})

	t.Run("ValidToken", func(t *testing.T) {
		client := connectSSEClient(t, server, "s3cret", DefaultSettings())
		note := &protocol.Notification{Method: protocol.MethodInitialized}
		require.NoError(t, client.Send(context.Background(), note))

		_, msg := receiveFrom(t, server)
		assert.Equal(t, protocol.MethodInitialized, msg.(*protocol.Notification).Method)
	})
}

func postMessage(t *testing.T, server *SSEServer, clientID, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, server.URL()+PathMessages, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderClientID, clientID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestSSEPublishStatusCodes(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxMessageSize = 256
	server := startSSEServer(t, "", settings)
	client := connectSSEClient(t, server, "", settings)

	valid := `{"jsonrpc":"2.0","method":"initialized"}`
	assert.Equal(t, http.StatusGone, postMessage(t, server, "no-such-client", valid))
	assert.Equal(t, http.StatusBadRequest, postMessage(t, server, "", valid))
	assert.Equal(t, http.StatusBadRequest, postMessage(t, server, client.ClientID(), "{not json"))
	assert.Equal(t, http.StatusRequestEntityTooLarge,
		postMessage(t, server, client.ClientID(), `{"pad":"`+strings.Repeat("x", 512)+`"}`))
	assert.Equal(t, http.StatusAccepted, postMessage(t, server, client.ClientID(), valid))

	connID, _ := receiveFrom(t, server)
	assert.Equal(t, client.ClientID(), connID)
}

// subscribeRaw opens an event stream that never acknowledges heartbeats and
// returns the announced client id.
func subscribeRaw(t *testing.T, server *SSEServer) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL()+PathEvents, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ids := make(chan string, 1)
	go func() {
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			if ev.Type == eventEndpoint {
				var payload endpointPayload
				_ = json.Unmarshal([]byte(ev.Data), &payload)
				ids <- payload.ClientID
			}
		}
	}()

	select {
	case id := <-ids:
		return id, cancel
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("no endpoint event")
		return "", nil
	}
}

func TestSSEPrunesStaleConnections(t *testing.T) {
	settings := DefaultSettings()
	settings.HeartbeatInterval = 50 * time.Millisecond
	settings.HeartbeatTimeout = 200 * time.Millisecond
	server := startSSEServer(t, "", settings)

	live := connectSSEClient(t, server, "", settings)
	staleID, cancel := subscribeRaw(t, server)
	defer cancel()
	require.Equal(t, 2, server.Registry().Len())

	require.Eventually(t, func() bool {
		return !server.Registry().Contains(staleID)
	}, 5*time.Second, 20*time.Millisecond)

	// acknowledged heartbeats keep the other client registered
	time.Sleep(3 * settings.HeartbeatTimeout)
	assert.True(t, server.Registry().Contains(live.ClientID()))

	assert.Equal(t, http.StatusGone, postMessage(t, server, staleID, `{"jsonrpc":"2.0","method":"initialized"}`))
	err := server.SendTo(context.Background(), staleID, &protocol.Notification{Method: protocol.MethodProgress})
	assert.True(t, mcperrors.IsConnectionClosed(err), "delivery to a pruned id fails cleanly")
}

func TestSSEExitNotificationRemovesConnection(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	client := connectSSEClient(t, server, "", DefaultSettings())

	require.NoError(t, client.Send(context.Background(), &protocol.Notification{Method: protocol.MethodExit}))
	_, msg := receiveFrom(t, server)
	assert.Equal(t, protocol.MethodExit, msg.(*protocol.Notification).Method)

	require.Eventually(t, func() bool { return server.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	_, err := receive(t, client)
	assert.True(t, mcperrors.IsConnectionClosed(err), "stream ends once the server drops the connection")
}

func TestSSEClientRequestTimeout(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	settings := DefaultSettings()
	settings.RequestTimeout = 100 * time.Millisecond
	client := connectSSEClient(t, server, "", settings)

	req, _ := protocol.NewRequest(protocol.StringID("never"), protocol.MethodToolsExecute, nil)
	require.NoError(t, client.Send(context.Background(), req))
	receiveFrom(t, server)

	_, err := receive(t, client)
	require.Error(t, err)
	assert.True(t, mcperrors.IsTimeout(err))
	id, ok := TimedOutRequest(err)
	require.True(t, ok)
	assert.Equal(t, protocol.StringID("never"), id)
	assert.Zero(t, client.Pending().Len())

	// the late answer is dropped, not delivered
	resp, _ := protocol.NewSuccessResponse(req.ID, nil)
	require.NoError(t, server.Send(context.Background(), resp))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = client.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSSEDuplicateRequestID(t *testing.T) {
	server := startSSEServer(t, "", DefaultSettings())
	client := connectSSEClient(t, server, "", DefaultSettings())

	req, _ := protocol.NewRequest(protocol.NumberID(1), protocol.MethodPing, nil)
	require.NoError(t, client.Send(context.Background(), req))
	err := client.Send(context.Background(), req)
	require.Error(t, err)
	assert.True(t, mcperrors.IsProtocol(err))
}

func TestSSEClose(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).SetSettleTimeout(5 * time.Second)
	detector.Start()

	transport := &http.Transport{}
	httpClient := &http.Client{Transport: transport}

	server, err := NewSSEServer(HTTPTransportType{BaseURL: "http://127.0.0.1:0"}, DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, server.Initialize(context.Background()))

	client, err := NewSSEClient(HTTPTransportType{BaseURL: server.URL()}, DefaultSettings(), WithHTTPClient(httpClient))
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))

	req, _ := protocol.NewRequest(protocol.NumberID(5), protocol.MethodPing, nil)
	require.NoError(t, client.Send(context.Background(), req))
	receiveFrom(t, server)

	received := make(chan error, 1)
	go func() {
		_, err := client.Receive(context.Background())
		received <- err
	}()

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Zero(t, client.Pending().Len(), "outstanding requests are failed")

	select {
	case err := <-received:
		assert.True(t, mcperrors.IsConnectionClosed(err))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Receive did not return after Close")
	}
	err = client.Send(context.Background(), &protocol.Notification{Method: protocol.MethodExit})
	assert.True(t, mcperrors.IsConnectionClosed(err))

	require.NoError(t, server.Close(context.Background()))
	require.NoError(t, server.Close(context.Background()))
	assert.Zero(t, server.Registry().Len())
	err = server.Send(context.Background(), &protocol.Notification{Method: protocol.MethodExit})
	assert.True(t, mcperrors.IsConnectionClosed(err))

	transport.CloseIdleConnections()
	detector.Check()
}

func TestSSEServerCloseEndsClientStream(t *testing.T) {
	server, err := NewSSEServer(HTTPTransportType{BaseURL: "http://127.0.0.1:0"}, DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, server.Initialize(context.Background()))
	client := connectSSEClient(t, server, "", DefaultSettings())

	require.NoError(t, server.Close(context.Background()))

	_, err = receive(t, client)
	require.Error(t, err)
	assert.True(t, mcperrors.IsConnectionClosed(err))
}

func TestConnectionRegistryPrune(t *testing.T) {
	registry := NewConnectionRegistry(2)
	now := time.Unix(1000, 0)
	registry.now = func() time.Time { return now }

	registry.Register("old", "127.0.0.1:1")
	now = now.Add(time.Minute)
	fresh := registry.Register("fresh", "127.0.0.1:2")

	pruned := registry.Prune(now.Add(-30 * time.Second))
	assert.Equal(t, []string{"old"}, pruned)
	assert.Equal(t, []string{"fresh"}, registry.IDs())

	err := registry.Deliver("old", sseEvent{name: eventMessage})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeConnectionGone))
	assert.Error(t, registry.Touch("old"))

	require.NoError(t, registry.Deliver("fresh", sseEvent{name: eventMessage}))
	require.NoError(t, registry.Deliver("fresh", sseEvent{name: eventMessage}))
	err = registry.Deliver("fresh", sseEvent{name: eventMessage})
	assert.True(t, mcperrors.IsTransport(err), "full buffer is reported, not blocked on")
	assert.Equal(t, []string{"fresh"}, registry.Broadcast(sseEvent{name: eventHeartbeat}))

	assert.Equal(t, 1, registry.CloseAll())
	select {
	case <-fresh.done:
	default:
		t.Fatal("stream of a removed connection is not signalled")
	}
}
