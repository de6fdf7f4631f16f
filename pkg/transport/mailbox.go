package transport

import (
	"context"
	"sync"

	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// inbound is one item handed to Receive: a message or a per-message error
type inbound struct {
	msg    protocol.Message
	err    error
	connID string
}

// mailbox is the inbound queue shared by every transport. The channel is
// never closed; closure is signalled through done so producers racing with
// close never panic.
type mailbox struct {
	ch        chan inbound
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newMailbox(size int) *mailbox {
	if size <= 0 {
		size = 1
	}
	return &mailbox{
		ch:   make(chan inbound, size),
		done: make(chan struct{}),
	}
}

// put blocks until the item is queued, ctx is done or the mailbox is closed.
// It reports whether the item was queued.
func (m *mailbox) put(ctx context.Context, in inbound) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.ch <- in:
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// receive returns the next queued item. Items queued before close are still
// delivered; after that the close error is returned.
func (m *mailbox) receive(ctx context.Context) (inbound, error) {
	select {
	case in := <-m.ch:
		return in, nil
	default:
	}

	select {
	case in := <-m.ch:
		return in, nil
	case <-m.done:
		select {
		case in := <-m.ch:
			return in, nil
		default:
			return inbound{}, m.closeErr
		}
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	}
}

func (m *mailbox) close(err error) {
	m.closeOnce.Do(func() {
		m.closeErr = err
		close(m.done)
	})
}

func (m *mailbox) closed() <-chan struct{} {
	return m.done
}
