package httpapi

import (
	"time"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/conversation"
	"helpdesk/cmd/internal/realtime"
)

type conversationResponse struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	CustomerID      string              `json:"customer_id,omitempty"`
	GuestName       string              `json:"guest_name,omitempty"`
	GuestEmail      string              `json:"guest_email,omitempty"`
	AssignedAgentID string              `json:"assigned_agent_id,omitempty"`
	ResolutionNotes string              `json:"resolution_notes,omitempty"`
	ClosedBy        string              `json:"closed_by,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	LastMessageAt   time.Time           `json:"last_message_at"`
	ClaimedAt       *time.Time          `json:"claimed_at,omitempty"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
	ContextSnapshot *v1.ContextSnapshot `json:"context_snapshot,omitempty"`
}

type startResponse struct {
	Conversation      conversationResponse `json:"conversation"`
	ConversationToken string               `json:"conversation_token,omitempty"`
	Messages          []v1.MessagePayload  `json:"messages"`
}

type conversationDetailResponse struct {
	Conversation   conversationResponse `json:"conversation"`
	Messages       []v1.MessagePayload  `json:"messages"`
	CustomerOnline bool                 `json:"customer_online"`
	AgentOnline    bool                 `json:"agent_online"`
}

type messagesResponse struct {
	Messages []v1.MessagePayload `json:"messages"`
}

type closeRequest struct {
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
}

// toConversationResponse renders c for role. The context snapshot is agent-only.
func toConversationResponse(c conversation.Conversation, role conversation.Role) conversationResponse {
	out := conversationResponse{
		ID:              c.ID,
		Status:          string(c.Status),
		CustomerID:      c.CustomerID,
		GuestName:       c.GuestName,
		GuestEmail:      c.GuestEmail,
		AssignedAgentID: c.AssignedAgentID,
		ResolutionNotes: c.ResolutionNotes,
		ClosedBy:        c.ClosedBy,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		LastMessageAt:   c.LastMessageAt,
		ClaimedAt:       c.ClaimedAt,
		ClosedAt:        c.ClosedAt,
	}
	if role == conversation.RoleAgent {
		out.ContextSnapshot = realtime.ToSnapshotPayload(c.Snapshot)
	}
	return out
}
