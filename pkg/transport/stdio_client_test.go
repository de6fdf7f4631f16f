package transport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
	"github.com/mcprotocol/mcprotocol-go/pkg/utils"
)

const helperEnv = "GO_WANT_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is the child spawned by the stdio
// client tests; the mode after "--" selects its behaviour.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	mode := "echo"
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
	}

	fmt.Fprintln(os.Stderr, "helper ready:", mode)
	switch mode {
	case "exit":
		os.Exit(3)
	case "crash":
		// die on the first frame without answering it
		bufio.NewScanner(os.Stdin).Scan()
		os.Exit(3)
	case "garbage":
		fmt.Println("this is not json")
		fmt.Println(`{"jsonrpc":"2.0","method":"$/progress","params":{"done":true}}`)
	case "hang":
		// ignore stdin closing and wait to be killed
		time.Sleep(time.Hour)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg, err := protocol.Parse(scanner.Bytes())
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad frame:", err)
			continue
		}
		req, ok := msg.(*protocol.Request)
		if !ok {
			continue
		}
		resp, _ := protocol.NewSuccessResponse(req.ID, map[string]string{"echo": req.Method.String()})
		data, _ := protocol.Marshal(resp)
		fmt.Println(string(data))
	}
	os.Exit(0)
}

func newHelperClient(t *testing.T, mode string, settings Settings) *StdioClient {
	t.Helper()
	t.Setenv(helperEnv, "1")
	cfg := StdioTransportType{
		ServerPath: os.Args[0],
		ServerArgs: []string{"-test.run=^TestHelperProcess$", "--", mode},
	}
	return NewStdioClient(cfg, settings)
}

func fastSettings() Settings {
	s := DefaultSettings()
	s.ShutdownTimeout = 500 * time.Millisecond
	return s
}

func TestStdioClientRoundTrip(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()

	client := newHelperClient(t, "echo", fastSettings())
	ctx := context.Background()
	require.NoError(t, client.Initialize(ctx))

	for i := int64(1); i <= 3; i++ {
		req, err := protocol.NewRequest(protocol.NumberID(i), protocol.MethodPing, nil)
		require.NoError(t, err)
		require.NoError(t, client.Send(ctx, req))
	}

	// responses come back in request order
	for i := int64(1); i <= 3; i++ {
		msg, err := receive(t, client)
		require.NoError(t, err)
		resp, ok := msg.(*protocol.Response)
		require.True(t, ok)
		assert.Equal(t, protocol.NumberID(i), resp.ID)
		assert.JSONEq(t, `{"echo":"ping"}`, string(resp.Result))
	}

	require.Eventually(t, func() bool {
		tail := client.StderrTail()
		return len(tail) > 0 && strings.HasPrefix(tail[0], "helper ready")
	}, 5*time.Second, 10*time.Millisecond, "stderr is relayed and never parsed as protocol")

	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))

	select {
	case <-client.Exited():
	default:
		t.Fatal("child not reaped after Close")
	}
	assert.NoError(t, client.ExitErr(), "closing stdin lets the child exit cleanly")

	_, err := receive(t, client)
	assert.True(t, mcperrors.IsConnectionClosed(err))
	detector.Check()
}

func TestStdioClientMalformedLine(t *testing.T) {
	client := newHelperClient(t, "garbage", fastSettings())
	require.NoError(t, client.Initialize(context.Background()))
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	_, err := receive(t, client)
	require.Error(t, err)
	assert.True(t, mcperrors.IsSerialization(err))

	msg, err := receive(t, client)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodProgress, msg.(*protocol.Notification).Method)
}

func TestStdioClientSendAfterExit(t *testing.T) {
	client := newHelperClient(t, "exit", fastSettings())
	ctx := context.Background()
	require.NoError(t, client.Initialize(ctx))
	t.Cleanup(func() { _ = client.Close(ctx) })

	select {
	case <-client.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.Error(t, client.ExitErr())

	err := client.Send(ctx, &protocol.Notification{Method: protocol.MethodInitialized})
	require.Error(t, err)
	assert.True(t, mcperrors.IsConnectionClosed(err))

	_, err = receive(t, client)
	assert.True(t, mcperrors.IsConnectionClosed(err))
}

func TestStdioClientChildExitWakesReceive(t *testing.T) {
	client := newHelperClient(t, "crash", fastSettings())
	ctx := context.Background()
	require.NoError(t, client.Initialize(ctx))
	t.Cleanup(func() { _ = client.Close(ctx) })

	blocked := make(chan error, 1)
	go func() {
		_, err := receive(t, client)
		blocked <- err
	}()
	time.Sleep(50 * time.Millisecond)

	req, err := protocol.NewRequest(protocol.NumberID(1), protocol.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, req))

	select {
	case err := <-blocked:
		require.Error(t, err)
		assert.True(t, mcperrors.IsConnectionClosed(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Receive did not return after the child exited")
	}

	select {
	case <-client.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child not reaped")
	}
	assert.Error(t, client.ExitErr())
}

func TestStdioClientKillsUnresponsiveChild(t *testing.T) {
	settings := fastSettings()
	settings.ShutdownTimeout = 200 * time.Millisecond
	client := newHelperClient(t, "hang", settings)
	require.NoError(t, client.Initialize(context.Background()))

	start := time.Now()
	require.NoError(t, client.Close(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second)

	select {
	case <-client.Exited():
	default:
		t.Fatal("killed child was not reaped")
	}
	assert.Error(t, client.ExitErr())
}

func TestStdioClientSpawnFailure(t *testing.T) {
	client := NewStdioClient(StdioTransportType{ServerPath: "/nonexistent/mcp-server"}, DefaultSettings())
	err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, mcperrors.IsTransport(err))
	require.NoError(t, client.Close(context.Background()))
}

func TestStdioClientBeforeInitialize(t *testing.T) {
	client := NewStdioClient(StdioTransportType{ServerPath: os.Args[0]}, DefaultSettings())

	_, err := client.Receive(context.Background())
	assert.True(t, mcperrors.IsInvalidState(err))

	err = client.Send(context.Background(), &protocol.Notification{Method: protocol.MethodInitialized})
	assert.True(t, mcperrors.IsInvalidState(err))
	require.NoError(t, client.Close(context.Background()))
}
