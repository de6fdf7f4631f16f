package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// RequestTimeoutError fails a pending call whose response did not arrive in
// time. It is a timeout MCPError that keeps the typed request id.
type RequestTimeoutError struct {
	mcperrors.MCPError
	ID protocol.RequestID
}

// NewRequestTimeout creates the error for id expiring after timeout
func NewRequestTimeout(id protocol.RequestID, method protocol.Method, timeout time.Duration) *RequestTimeoutError {
	return &RequestTimeoutError{
		MCPError: mcperrors.ResponseTimeout(id.String(), method.String(), timeout),
		ID:       id,
	}
}

// TimedOutRequest returns the id carried by a RequestTimeoutError in err's
// chain
func TimedOutRequest(err error) (protocol.RequestID, bool) {
	var timeoutErr *RequestTimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.ID, true
	}
	return protocol.RequestID{}, false
}

// PendingCall is an outstanding request awaiting its response
type PendingCall struct {
	ID       protocol.RequestID
	Method   protocol.Method
	Started  time.Time
	done     chan struct{}
	response *protocol.Response
	err      error
}

// Done is closed once the call is resolved, failed or removed
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// Result is valid after Done is closed
func (c *PendingCall) Result() (*protocol.Response, error) {
	return c.response, c.err
}

// PendingTable correlates outbound requests with their responses.
//
// Claiming an entry means deleting it under the mutex; whichever of a
// response, a failure or a removal claims first wins and the others are
// no-ops.
type PendingTable struct {
	mu       sync.Mutex
	calls    map[string]*PendingCall
	onChange func(int)
}

// NewPendingTable creates an empty table. onChange, when non-nil, is called
// with the new size after every change.
func NewPendingTable(onChange func(int)) *PendingTable {
	return &PendingTable{
		calls:    make(map[string]*PendingCall),
		onChange: onChange,
	}
}

// Register adds an entry for id. An id that is already outstanding is a
// protocol error.
func (p *PendingTable) Register(id protocol.RequestID, method protocol.Method) (*PendingCall, error) {
	call := &PendingCall{
		ID:      id,
		Method:  method,
		Started: time.Now(),
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	if _, exists := p.calls[id.Key()]; exists {
		p.mu.Unlock()
		return nil, mcperrors.DuplicateRequestID(id.String())
	}
	p.calls[id.Key()] = call
	n := len(p.calls)
	p.mu.Unlock()

	p.changed(n)
	return call, nil
}

func (p *PendingTable) claim(id protocol.RequestID) *PendingCall {
	p.mu.Lock()
	call, ok := p.calls[id.Key()]
	if ok {
		delete(p.calls, id.Key())
	}
	n := len(p.calls)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.changed(n)
	return call
}

// Resolve completes the entry matching resp.ID. It reports false when no
// such entry is outstanding.
func (p *PendingTable) Resolve(resp *protocol.Response) bool {
	call := p.claim(resp.ID)
	if call == nil {
		return false
	}
	call.response = resp
	close(call.done)
	return true
}

// Fail completes the entry for id with err
func (p *PendingTable) Fail(id protocol.RequestID, err error) bool {
	call := p.claim(id)
	if call == nil {
		return false
	}
	call.err = err
	close(call.done)
	return true
}

// Remove drops the entry for id without a result
func (p *PendingTable) Remove(id protocol.RequestID) bool {
	return p.Fail(id, context.Canceled)
}

// FailAll completes every outstanding entry with err and returns how many
// there were.
func (p *PendingTable) FailAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*PendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.err = err
		close(call.done)
	}
	if len(calls) > 0 {
		p.changed(0)
	}
	return len(calls)
}

// Len returns the number of outstanding entries
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Wait blocks until call completes, timeout elapses or ctx is done. A
// timeout fails the entry with a response timeout error; a cancelled ctx
// removes it.
func (p *PendingTable) Wait(ctx context.Context, call *PendingCall, timeout time.Duration) (*protocol.Response, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-call.done:
	case <-timer:
		p.Fail(call.ID, NewRequestTimeout(call.ID, call.Method, timeout))
		<-call.done
	case <-ctx.Done():
		if p.Fail(call.ID, ctx.Err()) {
			return nil, ctx.Err()
		}
		<-call.done
	}
	return call.Result()
}

func (p *PendingTable) changed(n int) {
	if p.onChange != nil {
		p.onChange(n)
	}
}
