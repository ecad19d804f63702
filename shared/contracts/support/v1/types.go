// Package v1 defines the Helpdesk Support Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients (web widget, agent console, smoke tools)
// to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by clients.
const Subprotocol = "helpdesk.support.v1"

// AttachmentPath prefixes attachment download URLs; the attachment id follows it.
const AttachmentPath = "/api/v1/support/attachments/"

// Type constants (wire-stable).
const (
	// TypeStart opens a new conversation on this connection (customer -> server).
	TypeStart = "start"
	// TypeResume re-attaches a customer to an existing conversation (customer -> server).
	TypeResume = "resume"
	// TypeClaim claims a waiting conversation, or re-attaches its owner (agent -> server).
	TypeClaim = "claim"
	// TypeWatchQueue subscribes an agent connection to queue updates (agent -> server).
	TypeWatchQueue = "watch_queue"

	// TypeConnected acknowledges the connect phase (server -> client).
	TypeConnected = "connected"
	// TypeHistory replays the full ordered history once per session (server -> client).
	TypeHistory = "history"
	// TypeMessage delivers one persisted message in order (server -> session).
	TypeMessage = "message"
	// TypeConversationActive tells the customer an agent claimed the conversation (server -> customer).
	TypeConversationActive = "conversation_active"
	// TypeConversationClosed is the last event a session receives for a conversation (server -> sessions).
	TypeConversationClosed = "conversation_closed"
	// TypePresence reports the other role's connectivity (server -> session).
	TypePresence = "presence"
	// TypeQueue carries a point-in-time queue listing (server -> agent watcher).
	TypeQueue = "queue"
	// TypeQueueChanged hints that the queue changed and carries the refreshed listing (server -> agent watcher).
	TypeQueueChanged = "queue_changed"

	// TypeSendMessage requests appending a message (client -> server).
	TypeSendMessage = "send_message"
	// TypeUploadAttachment uploads a small file inline and posts it as a message (client -> server).
	TypeUploadAttachment = "upload_attachment"
	// TypeTyping is an ephemeral typing signal (both directions).
	TypeTyping = "typing"
	// TypeCloseConversation closes the conversation (client -> server).
	TypeCloseConversation = "close_conversation"

	// TypeError is a generic error envelope (server -> initiating client only).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
//
// ReplyTo echoes the ID of the client envelope a server envelope answers,
// so clients correlate responses by explicit request id.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeStart,
		TypeResume,
		TypeClaim,
		TypeWatchQueue,
		TypeConnected,
		TypeHistory,
		TypeMessage,
		TypeConversationActive,
		TypeConversationClosed,
		TypePresence,
		TypeQueue,
		TypeQueueChanged,
		TypeSendMessage,
		TypeUploadAttachment,
		TypeTyping,
		TypeCloseConversation,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsConnectType reports whether typ is one of the connect-phase requests.
func IsConnectType(typ string) bool {
	switch typ {
	case TypeStart, TypeResume, TypeClaim, TypeWatchQueue:
		return true
	default:
		return false
	}
}

// ---- Connect payloads ----

// CartItem is one line of the shopper's cart as supplied by the client.
type CartItem struct {
	ProductID  string   `json:"product_id"`
	Name       string   `json:"name"`
	Price      float64  `json:"price"`
	Quantity   int      `json:"quantity"`
	TotalPrice *float64 `json:"total_price,omitempty"`
	Image      string   `json:"image,omitempty"`
	Model      string   `json:"model,omitempty"`
	Category   string   `json:"category,omitempty"`
}

// WishItem is one wishlist entry as supplied by the client.
type WishItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Image     string  `json:"image,omitempty"`
}

// StartPayload opens a conversation. Guests must provide name and email;
// registered customers are identified by their access token instead.
type StartPayload struct {
	GuestName      string     `json:"guest_name,omitempty"`
	GuestEmail     string     `json:"guest_email,omitempty"`
	InitialMessage string     `json:"initial_message"`
	CartItems      []CartItem `json:"cart_items,omitempty"`
	WishlistItems  []WishItem `json:"wish_list_items,omitempty"`
}

// ResumePayload re-attaches to an existing conversation.
type ResumePayload struct {
	ConversationID    string `json:"conversation_id"`
	ConversationToken string `json:"conversation_token,omitempty"`
}

// ClaimPayload claims (or re-attaches to) a conversation as an agent.
type ClaimPayload struct {
	ConversationID string `json:"conversation_id"`
}

// WatchQueuePayload subscribes to queue updates.
type WatchQueuePayload struct{}

// ConnectedPayload acknowledges the connect phase.
// ConversationToken is only present in the answer to TypeStart for guests.
type ConnectedPayload struct {
	ConversationID    string `json:"conversation_id,omitempty"`
	ConversationToken string `json:"conversation_token,omitempty"`
	Role              string `json:"role"`
	Status            string `json:"status,omitempty"`
	ConnID            string `json:"conn_id"`
}

// ---- Conversation payloads ----

// AttachmentRef is the immutable reference to a stored file.
type AttachmentRef struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePayload is one persisted message.
type MessagePayload struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	SenderRole     string         `json:"sender_role"`
	SenderID       string         `json:"sender_id,omitempty"`
	Body           string         `json:"body,omitempty"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// OrderItem is one display-safe order line.
type OrderItem struct {
	ProductName  string  `json:"product_name"`
	ProductPrice float64 `json:"product_price"`
	Quantity     int     `json:"quantity"`
	Subtotal     float64 `json:"subtotal"`
}

// OrderSummary is a display-safe order without payment data.
type OrderSummary struct {
	ID             string      `json:"id"`
	Status         string      `json:"status"`
	TotalAmount    float64     `json:"total_amount"`
	TaxAmount      float64     `json:"tax_amount"`
	ShippingAmount float64     `json:"shipping_amount"`
	CreatedAt      *time.Time  `json:"created_at,omitempty"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
	Items          []OrderItem `json:"items"`
}

// ContextSnapshot is the agent-only commerce context captured for a conversation.
type ContextSnapshot struct {
	CartItems     []CartItem     `json:"cart_items"`
	OrdersSummary []OrderSummary `json:"orders_summary"`
	WishlistItems []WishItem     `json:"wish_list_items"`
	CapturedAt    time.Time      `json:"captured_at"`
}

// HistoryPayload replays the ordered history. ContextSnapshot is only sent to agents.
type HistoryPayload struct {
	ConversationID  string           `json:"conversation_id"`
	Status          string           `json:"status"`
	Messages        []MessagePayload `json:"messages"`
	ContextSnapshot *ContextSnapshot `json:"context_snapshot,omitempty"`
}

// SendMessagePayload requests appending a message. At least one field must be set.
type SendMessagePayload struct {
	Body          string `json:"body,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

// UploadAttachmentPayload carries a small file inline (base64 in JSON).
type UploadAttachmentPayload struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
	Body     string `json:"body,omitempty"`
}

// TypingPayload is an ephemeral typing indicator. Clients clear it after a few seconds without renewal.
type TypingPayload struct {
	From string `json:"from"`
}

// CloseConversationPayload requests closing the conversation.
type CloseConversationPayload struct {
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
}

// ConversationActivePayload announces a successful claim to the customer.
type ConversationActivePayload struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	ClaimedAt      time.Time `json:"claimed_at"`
}

// ConversationClosedPayload is the terminal event of a conversation.
type ConversationClosedPayload struct {
	ConversationID  string    `json:"conversation_id"`
	ClosedBy        string    `json:"closed_by"`
	ClosedAt        time.Time `json:"closed_at"`
	ResolutionNotes string    `json:"resolution_notes"`
}

// PresencePayload reports the other role's connectivity.
type PresencePayload struct {
	Role   string `json:"role"`
	Online bool   `json:"online"`
}

// QueueEntry summarizes one waiting conversation.
type QueueEntry struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	GuestName      string    `json:"guest_name,omitempty"`
	GuestEmail     string    `json:"guest_email,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastMessageAt  time.Time `json:"last_message_at"`
	CustomerOnline bool      `json:"customer_online"`
}

// QueuePayload is an ordered (oldest first) listing of waiting conversations.
type QueuePayload struct {
	Conversations []QueueEntry `json:"conversations"`
}

// ErrorPayload is a generic error response payload.
//
// ConversationID and ConversationToken are set when a start created the conversation but the
// session could not be attached; the customer resumes with them.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	ConversationID    string `json:"conversation_id,omitempty"`
	ConversationToken string `json:"conversation_token,omitempty"`
}
