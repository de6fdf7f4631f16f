// Package transport implements the channels that carry protocol messages.
//
// Every transport satisfies the Transport interface:
//
//	Initialize(ctx) -> Send / Receive ... -> Close(ctx)
//
// # Stdio
//
// StdioClient spawns the server as a child process and exchanges
// newline-delimited JSON envelopes over its stdin and stdout. The child's
// stderr is relayed to the logger and never parsed. StdioServer is the other
// end: it reads its own stdin and writes its own stdout.
//
// # HTTP and Server-Sent Events
//
// SSEServer accepts event-stream subscriptions on GET /events and messages on
// POST /messages. Each subscription is registered in a ConnectionRegistry;
// connections that stop acknowledging heartbeats are pruned. Responses are
// routed back to the connection that published the request, notifications
// are broadcast.
//
// SSEClient subscribes to the event stream, posts its messages and
// correlates responses with outstanding requests through a PendingTable.
//
// # Configuration
//
// NewTransport builds a transport from a TransportConfig, which can be loaded
// from YAML or JSON with LoadConfig or from MCP_* environment variables with
// ConfigFromEnv:
//
//	cfg := transport.StdioConfig("/usr/local/bin/mcp-server", "--verbose")
//	t, err := transport.NewClientTransport(cfg, transport.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer t.Close(ctx)
//
// Invalid configurations fail with a config error before any resource is
// acquired.
package transport
