package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"helpdesk/cmd/internal/metrics"
)

// Async decouples callers from a slow Publisher: Enqueue never blocks, and a single worker
// publishes events in enqueue order. Events that do not fit in the buffer are dropped and counted.
type Async struct {
	pub     Publisher
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger
	m       *metrics.Metrics

	// mu orders Enqueue against Close; the send happens under the read lock.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the worker. buffer <= 0 defaults to 1024.
func NewAsync(pub Publisher, buffer int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Async {
	if pub == nil {
		pub = Nop{}
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		pub:     pub,
		queue:   make(chan Event, buffer),
		timeout: timeout,
		log:     logger.With("component", "events"),
		m:       m,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Enqueue schedules ev for publishing. It reports false when the event was dropped, either
// because the buffer is full or because Close has been called.
func (a *Async) Enqueue(ev Event) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.m.Published("dropped")
		a.log.Debug("events.drop.closed", "type", ev.Type, "conversation_id", ev.ConversationID)
		return false
	}
	select {
	case a.queue <- ev:
		return true
	default:
		a.m.Published("dropped")
		a.log.Warn("events.drop", "type", ev.Type, "conversation_id", ev.ConversationID)
		return false
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.pub.Publish(ctx, ev)
		cancel()
		if err != nil {
			a.m.Published("error")
			a.log.Warn("events.publish.fail", "type", ev.Type, "conversation_id", ev.ConversationID, "err", err)
			continue
		}
		a.m.Published("ok")
	}
}

// Close stops accepting events, drains the buffer (bounded by ctx) and closes the publisher.
// Events enqueued after Close are dropped.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
	case <-ctx.Done():
	}
	return a.pub.Close()
}
