package transport

import (
	"context"

	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// Transport moves protocol messages between two peers.
//
// Sends from one goroutine are transmitted in call order. Receive may run
// concurrently with Send, but only one goroutine should call Receive at a
// time. After Close returns nothing more is written and a blocked Receive
// returns a connection closed error.
type Transport interface {
	// Initialize establishes the underlying channel: spawns the child
	// process, binds the listener or opens the event stream.
	Initialize(ctx context.Context) error

	// Send transmits one message.
	Send(ctx context.Context, msg protocol.Message) error

	// Receive blocks until the next inbound message, a per-message error
	// (for example a line that failed to parse) or closure.
	Receive(ctx context.Context) (protocol.Message, error)

	// Close releases all resources. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Role selects which side of a transport is created
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Transport names used in logs, errors and metric labels
const (
	nameStdioClient = "stdio-client"
	nameStdioServer = "stdio-server"
	nameSSEClient   = "sse-client"
	nameSSEServer   = "sse-server"
)
