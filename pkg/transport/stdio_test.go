package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
	"github.com/mcprotocol/mcprotocol-go/pkg/utils"
)

type pipeServer struct {
	server *StdioServer
	in     *io.PipeWriter
	out    *bufio.Reader
}

func newPipeServer(t *testing.T, settings Settings) *pipeServer {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	server := NewStdioServer(settings, WithStdio(inR, outW))
	require.NoError(t, server.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = server.Close(context.Background())
		_ = inW.Close()
		_ = outR.Close()
	})
	return &pipeServer{server: server, in: inW, out: bufio.NewReader(outR)}
}

func (p *pipeServer) write(t *testing.T, line string) {
	t.Helper()
	go func() { _, _ = io.WriteString(p.in, line+"\n") }()
}

func receive(t *testing.T, tr Transport) (protocol.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tr.Receive(ctx)
}

func TestLineReader(t *testing.T) {
	input := "first\n" + strings.Repeat("x", 100) + "\nsecond\r\n\nlast"
	r := newLineReader(strings.NewReader(input), 16, 32)

	line, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, "first", string(line))

	_, err = r.next()
	assert.ErrorIs(t, err, errLineTooLong)

	line, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, "second", string(line), "oversized line is skipped entirely")

	line, err = r.next()
	require.NoError(t, err)
	assert.Empty(t, line)

	line, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, "last", string(line), "unterminated final line")

	_, err = r.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineWriterRejectsClosed(t *testing.T) {
	var sb strings.Builder
	w := newLineWriter(&sb, nameStdioServer)

	require.NoError(t, w.writeMessage(&protocol.Notification{Method: protocol.MethodInitialized}))
	assert.Equal(t, `{"jsonrpc":"2.0","method":"initialized"}`+"\n", sb.String())

	w.close()
	err := w.writeMessage(&protocol.Notification{Method: protocol.MethodExit})
	assert.True(t, mcperrors.IsConnectionClosed(err))
}

func TestStdioServerReceive(t *testing.T) {
	p := newPipeServer(t, DefaultSettings())

	p.write(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	msg, err := receive(t, p.server)
	require.NoError(t, err)

	req, ok := msg.(*protocol.Request)
	require.True(t, ok)
	assert.Equal(t, protocol.MethodPing, req.Method)
	assert.Equal(t, protocol.NumberID(1), req.ID)
}

func TestStdioServerMalformedLineContinues(t *testing.T) {
	p := newPipeServer(t, DefaultSettings())

	p.write(t, "this is not json\n"+`{"jsonrpc":"2.0","method":"initialized"}`)

	_, err := receive(t, p.server)
	require.Error(t, err)
	assert.True(t, mcperrors.IsSerialization(err))

	msg, err := receive(t, p.server)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindNotification, msg.Kind())
}

func TestStdioServerOversizedFrame(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxMessageSize = 64
	settings.BufferSize = 16
	p := newPipeServer(t, settings)

	big := fmt.Sprintf(`{"jsonrpc":"2.0","method":"$/progress","params":{"pad":"%s"}}`, strings.Repeat("a", 200))
	p.write(t, big+"\n"+`{"jsonrpc":"2.0","id":"a","method":"ping"}`)

	_, err := receive(t, p.server)
	require.Error(t, err)
	assert.True(t, mcperrors.IsSerialization(err))

	msg, err := receive(t, p.server)
	require.NoError(t, err)
	assert.Equal(t, protocol.StringID("a"), msg.(*protocol.Request).ID)
}

func TestStdioServerSendOrdering(t *testing.T) {
	p := newPipeServer(t, DefaultSettings())
	const n = 50

	lines := make(chan string, n)
	go func() {
		for i := 0; i < n; i++ {
			line, err := p.out.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
		close(lines)
	}()

	ctx := context.Background()
	for i := 0; i < n; i++ {
		note, err := protocol.NewNotification(protocol.MethodProgress, map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, p.server.Send(ctx, note))
	}

	i := 0
	for line := range lines {
		msg, err := protocol.Parse([]byte(line))
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg.(*protocol.Notification).Params))
		i++
	}
	assert.Equal(t, n, i)
}

func TestStdioServerEOF(t *testing.T) {
	p := newPipeServer(t, DefaultSettings())
	require.NoError(t, p.in.Close())

	_, err := receive(t, p.server)
	require.Error(t, err)
	assert.True(t, mcperrors.IsConnectionClosed(err))
}

func TestStdioServerClose(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()

	inR, inW := io.Pipe()
	server := NewStdioServer(DefaultSettings(), WithStdio(inR, io.Discard))
	require.NoError(t, server.Initialize(context.Background()))

	received := make(chan error, 1)
	go func() {
		_, err := server.Receive(context.Background())
		received <- err
	}()

	require.NoError(t, server.Close(context.Background()))
	require.NoError(t, server.Close(context.Background()), "close is idempotent")

	select {
	case err := <-received:
		assert.True(t, mcperrors.IsConnectionClosed(err))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Receive did not return after Close")
	}

	err := server.Send(context.Background(), &protocol.Notification{Method: protocol.MethodExit})
	assert.True(t, mcperrors.IsConnectionClosed(err))

	_ = inW.Close()
	detector.Check()
}

func TestStdioServerReceiveBeforeInitialize(t *testing.T) {
	server := NewStdioServer(DefaultSettings(), WithStdio(strings.NewReader(""), io.Discard))
	_, err := server.Receive(context.Background())
	assert.True(t, mcperrors.IsInvalidState(err))
}
