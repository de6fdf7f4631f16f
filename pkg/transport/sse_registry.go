package transport

import (
	"errors"
	"sort"
	"sync"
	"time"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

// Event names on the SSE stream
const (
	eventEndpoint  = "endpoint"
	eventMessage   = "message"
	eventHeartbeat = "heartbeat"
)

type sseEvent struct {
	name string
	data string
}

// ConnectionState is one subscribed SSE client
type ConnectionState struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	outbound     chan sseEvent
	done         chan struct{}
	lastActivity time.Time
}

var errOutboundFull = errors.New("outbound buffer full")

// ConnectionRegistry tracks subscribed clients. Every operation runs under
// one mutex, so delivery to an entry that was just pruned fails cleanly with
// a connection gone error.
type ConnectionRegistry struct {
	mu      sync.Mutex
	conns   map[string]*ConnectionState
	bufSize int
	now     func() time.Time
}

// NewConnectionRegistry creates a registry whose connections buffer up to
// bufSize outbound events each.
func NewConnectionRegistry(bufSize int) *ConnectionRegistry {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &ConnectionRegistry{
		conns:   make(map[string]*ConnectionState),
		bufSize: bufSize,
		now:     time.Now,
	}
}

// Register adds a connection and returns its state
func (r *ConnectionRegistry) Register(id, remoteAddr string) *ConnectionState {
	now := r.now()
	state := &ConnectionState{
		ID:           id,
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		outbound:     make(chan sseEvent, r.bufSize),
		done:         make(chan struct{}),
		lastActivity: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[id]; ok {
		close(old.done)
	}
	r.conns[id] = state
	return state
}

// Remove drops the connection and signals its stream to end. It reports
// whether the connection was present.
func (r *ConnectionRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *ConnectionRegistry) removeLocked(id string) bool {
	state, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)
	close(state.done)
	return true
}

// removeState drops the entry only if it still refers to state
func (r *ConnectionRegistry) removeState(state *ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[state.ID]; ok && cur == state {
		r.removeLocked(state.ID)
	}
}

// Touch records activity for id. It fails with a connection gone error
// when id is not registered.
func (r *ConnectionRegistry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[id]
	if !ok {
		return mcperrors.ConnectionGone(id)
	}
	state.lastActivity = r.now()
	return nil
}

// Contains reports whether id is registered
func (r *ConnectionRegistry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	return ok
}

// Deliver queues an event for one connection without blocking
func (r *ConnectionRegistry) Deliver(id string, ev sseEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[id]
	if !ok {
		return mcperrors.ConnectionGone(id)
	}
	select {
	case state.outbound <- ev:
		return nil
	default:
		return mcperrors.TransportError(nameSSEServer, "deliver", errOutboundFull).
			WithDetail(id)
	}
}

// Broadcast queues an event for every connection and returns the ids whose
// buffers were full.
func (r *ConnectionRegistry) Broadcast(ev sseEvent) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	for id, state := range r.conns {
		select {
		case state.outbound <- ev:
		default:
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Prune removes every connection idle since before cutoff and returns their
// ids.
func (r *ConnectionRegistry) Prune(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []string
	for id, state := range r.conns {
		if state.lastActivity.Before(cutoff) {
			r.removeLocked(id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// LastActivity returns when id was last heard from
func (r *ConnectionRegistry) LastActivity(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[id]
	if !ok {
		return time.Time{}, false
	}
	return state.lastActivity, true
}

// Len returns the number of registered connections
func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IDs returns the registered connection ids in sorted order
func (r *ConnectionRegistry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll removes every connection and returns how many there were
func (r *ConnectionRegistry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.conns)
	for id := range r.conns {
		r.removeLocked(id)
	}
	return n
}
