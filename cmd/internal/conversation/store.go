package conversation

import (
	"context"
	"time"
)

// Store persists conversations, messages and attachment metadata.
//
// Requirements:
//   - Writes are serialized per conversation (not globally).
//   - AppendMessage allocates Seq = previous Seq + 1 atomically; CreatedAt never goes backwards.
//   - ClaimConversation is a compare-and-set on status waiting -> active.
//   - Nothing transitions out of StatusClosed; appends and claims on a closed conversation fail with ErrInvalidState.
//   - Backend failures are reported as ErrUnavailable.
type Store interface {
	CreateConversation(ctx context.Context, in CreateInput) (Conversation, Message, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	AppendMessage(ctx context.Context, in AppendInput) (Message, error)
	ListMessages(ctx context.Context, in ListInput) ([]Message, error)
	ClaimConversation(ctx context.Context, in ClaimInput) (ClaimResult, error)
	CloseConversation(ctx context.Context, in CloseInput) (Conversation, Message, error)
	SetSnapshot(ctx context.Context, id string, snap ContextSnapshot, now time.Time) (Conversation, error)
	ListWaiting(ctx context.Context, limit int) ([]Conversation, error)
	SaveAttachment(ctx context.Context, a Attachment) error
	GetAttachment(ctx context.Context, id string) (Attachment, error)
	Close() error
}

// CreateInput describes a new conversation plus its opening message.
// Conversation.Status is forced to StatusWaiting; the opening message gets Seq 1.
type CreateInput struct {
	Conversation Conversation
	Opening      Message
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	MessageID      string
	SenderRole     Role
	SenderID       string
	Body           string
	AttachmentID   string
	Now            time.Time
}

// ListInput describes a history page request: messages with Seq > AfterSeq, ascending.
type ListInput struct {
	ConversationID string
	AfterSeq       int64
	Limit          int
}

// ClaimInput describes a claim attempt.
type ClaimInput struct {
	ConversationID string
	AgentID        string
	Now            time.Time
}

// ClaimResult is the claim outcome. Transitioned is false for an idempotent re-claim by the owner.
type ClaimResult struct {
	Conversation Conversation
	Transitioned bool
}

// CloseInput describes a close transition and the system message recording it.
type CloseInput struct {
	ConversationID  string
	ClosedBy        string
	ResolutionNotes string
	MessageID       string
	SystemBody      string
	Now             time.Time
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// nextCreatedAt keeps CreatedAt non-decreasing along Seq when wall clocks step back.
func nextCreatedAt(now, last time.Time) time.Time {
	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if now.Before(last) {
		return last
	}
	return now
}
