package realtime

import (
	"errors"
	"sync"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/conversation"
)

var (
	errClientClosed = errors.New("realtime: client closed")
	errQueueFull    = errors.New("realtime: send queue full")
)

// Client is one connected websocket. The gateway's writer goroutine is the only reader of Send.
//
// Send is never closed by the server so concurrent fan-out cannot panic. Two shutdown paths exist:
//   - Close stops the connection immediately (eviction, transport failure).
//   - Finish stops accepting envelopes and lets the writer drain what is queued before closing
//     normally, so the last queued event (conversation_closed) still reaches the peer.
type Client struct {
	ConnID  string
	Role    conversation.Role
	ActorID string
	Send    chan v1.Envelope

	done     chan struct{}
	finished chan struct{}

	mu         sync.Mutex
	closed     bool
	finishing  bool
	reason     string
	finishOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID:   connID,
		Send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Enqueue offers env without blocking. It fails with errClientClosed once the client is closed
// or finishing, and with errQueueFull when the queue has no room.
func (c *Client) Enqueue(env v1.Envelope) error {
	if c == nil {
		return errClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.finishing {
		return errClientClosed
	}
	select {
	case c.Send <- env:
		return nil
	default:
		return errQueueFull
	}
}

// Finish stops intake. The writer drains the queue and then closes with reason.
func (c *Client) Finish(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed || c.finishing {
		c.mu.Unlock()
		return
	}
	c.finishing = true
	c.reason = reason
	c.mu.Unlock()
	c.finishOnce.Do(func() { close(c.finished) })
}

// Close signals the client goroutines to stop (idempotent). The first reason wins.
func (c *Client) Close(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	close(c.done)
}

// Done is closed when the client must stop immediately.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Finished is closed when the client should drain and stop.
func (c *Client) Finished() <-chan struct{} { return c.finished }

// Reason reports why the client stopped, if it has.
func (c *Client) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Closed reports whether Close or Finish has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.finishing
}
