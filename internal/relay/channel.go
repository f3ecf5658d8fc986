package relay

import (
	"context"
	"fmt"
	"sync"
)

// Channel is the page context's connection to the hub. Call is a request/response round trip;
// Pushes delivers hub-initiated envelopes and is closed when the channel closes.
type Channel interface {
	Call(ctx context.Context, env Envelope) (Reply, error)
	Pushes() <-chan Envelope
	Close() error
}

// LocalChannel connects to a Hub in the same process.
type LocalChannel struct {
	hub    *Hub
	sender Sender

	mu     sync.Mutex
	closed bool
	pushes <-chan Envelope
	stop   func()
}

var _ Channel = (*LocalChannel)(nil)

func NewLocalChannel(hub *Hub, sender Sender) *LocalChannel {
	pushes, stop := hub.Subscribe()
	return &LocalChannel{hub: hub, sender: sender, pushes: pushes, stop: stop}
}

func (c *LocalChannel) Call(ctx context.Context, env Envelope) (Reply, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Reply{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if env.Sender == nil {
		s := c.sender
		env.Sender = &s
	}
	return checkReply(c.hub.Handle(ctx, env))
}

func (c *LocalChannel) Pushes() <-chan Envelope {
	return c.pushes
}

func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stop()
	return nil
}

func checkReply(r Reply) (Reply, error) {
	if !r.OK {
		return r, fmt.Errorf("%w: %s", ErrRejected, r.Error)
	}
	return r, nil
}
