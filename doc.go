// Package mcp is a Go implementation of the Model Context Protocol message
// layer: JSON-RPC 2.0 framing, the initialize/shutdown lifecycle, and the
// stdio and HTTP/SSE transports.
//
// # Packages
//
//   - pkg/protocol: envelope types, request ids, methods and capabilities
//   - pkg/transport: the Transport contract, stdio and HTTP/SSE transports,
//     configuration loading and the transport factory
//   - pkg/lifecycle: the Session state machine driving the handshake
//   - pkg/errors: categorized MCPError values and the code registry
//   - pkg/logging, pkg/observability, pkg/auth: ambient support
//
// # Connecting a client
//
//	cfg := transport.StdioConfig("/usr/local/bin/my-server", "--quiet")
//	session, err := mcp.Connect(ctx, cfg, transport.RoleClient,
//	    mcp.WithSessionOptions(lifecycle.WithImplementation("my-client", "1.0.0")),
//	)
//	if err != nil {
//	    return err
//	}
//	defer session.Close(ctx)
//
//	resp, err := session.Request(ctx, protocol.MethodToolsList, nil)
//
// # Serving
//
// A server reads configuration the same way and loops on Receive:
//
//	cfg, err := transport.LoadConfig("transport.yaml")
//	session, err := mcp.Connect(ctx, cfg, transport.RoleServer)
//	for {
//	    msg, err := session.Receive(ctx)
//	    if err != nil {
//	        break
//	    }
//	    // answer Requests with session.Send
//	}
//
// Payloads of feature methods such as tools/list are carried as opaque JSON.
package mcp
