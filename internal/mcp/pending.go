// ABOUTME: Correlates JSON-RPC responses with in-flight requests by ID.
// ABOUTME: Shared by the transports that receive responses on a separate stream.

package mcp

import (
	"context"
	"sync"
)

// pendingCalls tracks requests awaiting a response on a shared inbound stream.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]chan *Message
	err   error // set once the stream is gone
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan *Message)}
}

// add registers a waiter for id. Fails if the stream is already closed.
func (p *pendingCalls) add(id string) (chan *Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *Message, 1)
	p.calls[id] = ch
	return ch, nil
}

func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// deliver hands a response to its waiter. Returns false for unknown IDs.
func (p *pendingCalls) deliver(msg *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.calls[msg.idKey()]
	if !ok {
		return false
	}
	delete(p.calls, msg.idKey())
	ch <- msg
	return true
}

// closeAll fails every waiter and rejects new ones with err.
func (p *pendingCalls) closeAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return
	}
	p.err = err
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

func (p *pendingCalls) closedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// wait blocks until the response for ch arrives, the stream closes, or ctx ends.
func (p *pendingCalls) wait(ctx context.Context, id string, ch chan *Message) (*Message, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, p.closedErr()
		}
		return resp, nil
	case <-ctx.Done():
		p.remove(id)
		return nil, ctx.Err()
	}
}
