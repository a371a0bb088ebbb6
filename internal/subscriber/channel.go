package subscriber

import (
	"context"
	"sync"
)

// MemoryChannel is an in-process notification channel. It backs tests and
// single-process deployments where the store and the engine share memory.
type MemoryChannel struct {
	mu     sync.Mutex
	msgs   chan Message
	closed bool
}

func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryChannel{msgs: make(chan Message, buffer)}
}

// Publish enqueues a message. Publishing to a closed channel is a no-op.
func (c *MemoryChannel) Publish(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.msgs <- msg
}

func (c *MemoryChannel) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
	return nil
}
