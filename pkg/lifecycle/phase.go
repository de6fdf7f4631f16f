package lifecycle

import (
	"github.com/mcprotocol/mcprotocol-go/pkg/transport"
)

// Phase is the lifecycle position of a Session
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseShuttingDown
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Role selects which side of the handshake a Session plays
type Role = transport.Role

const (
	RoleClient = transport.RoleClient
	RoleServer = transport.RoleServer
)
