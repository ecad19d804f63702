// Package queue is the Queue & Claim Coordinator: it lists waiting conversations, arbitrates
// claims among agents and notifies queue watchers when the waiting set changes.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"helpdesk/cmd/internal/conversation"
)

// Coordinator lists the queue, arbitrates claims and fans out queue-changed hints.
//
// Claim arbitration itself is the store's compare-and-set; the Coordinator adds notification.
// Watchers receive coalesced hints (a channel of capacity 1) and re-read the queue on wake-up,
// so a slow watcher never blocks a claim and never misses the latest state.
type Coordinator struct {
	svc *conversation.Service
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string]chan struct{}
}

// NewCoordinator constructs a Coordinator. Pass nil logger for default.
func NewCoordinator(svc *conversation.Service, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		svc:  svc,
		log:  logger.With("component", "queue"),
		subs: make(map[string]chan struct{}),
	}
}

// List returns waiting conversations, oldest first. It is a point-in-time read.
func (c *Coordinator) List(ctx context.Context) ([]conversation.Conversation, error) {
	return c.svc.ListQueue(ctx)
}

// Claim assigns conversationID to agentID. Exactly one concurrent claimer wins; the others get
// conversation.ErrAlreadyClaimed. A re-claim by the owner succeeds without a transition.
func (c *Coordinator) Claim(ctx context.Context, conversationID, agentID string) (conversation.ClaimResult, error) {
	res, err := c.svc.Claim(ctx, conversationID, agentID)
	if err != nil {
		if conversation.IsAlreadyClaimed(err) {
			c.log.Info("queue.claim.lost", "conversation_id", conversationID, "agent_id", agentID)
		}
		return conversation.ClaimResult{}, err
	}
	if res.Transitioned {
		c.Notify()
	}
	return res, nil
}

// Subscribe registers a queue watcher. The returned channel receives a hint whenever the
// waiting set may have changed. The subscription ends when ctx is cancelled.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan struct{}, string) {
	subID := uuid.New().String()
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	c.subs[subID] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a watcher and closes its channel. Idempotent.
func (c *Coordinator) Unsubscribe(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.subs[subID]
	if !ok {
		return
	}
	delete(c.subs, subID)
	close(ch)
}

// Notify wakes every watcher. Pending hints are coalesced.
func (c *Coordinator) Notify() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watchers returns the number of active watchers.
func (c *Coordinator) Watchers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}
