// Package events publishes conversation lifecycle events to downstream consumers
// (analytics, CRM sync, notification fan-out) after the authoritative persist.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeStarted = "conversation.started"
	TypeClaimed = "conversation.claimed"
	TypeClosed  = "conversation.closed"
	TypeExpired = "conversation.expired"
)

// Event is one lifecycle fact. ConversationID is the partitioning key.
type Event struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	ConversationID  string    `json:"conversation_id"`
	OccurredAt      time.Time `json:"occurred_at"`
	CustomerID      string    `json:"customer_id,omitempty"`
	Guest           bool      `json:"guest"`
	AgentID         string    `json:"agent_id,omitempty"`
	ClosedBy        string    `json:"closed_by,omitempty"`
	ResolutionNotes string    `json:"resolution_notes,omitempty"`
}

// New returns an Event with a fresh id.
func New(typ, conversationID string, at time.Time) Event {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		ConversationID: conversationID,
		OccurredAt:     at.UTC(),
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
