package conversation

import "time"

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	default:
		return false
	}
}

// Role identifies the author of a message or the side of a session.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleSystem:
		return true
	default:
		return false
	}
}

// Other returns the opposite participant role (customer <-> agent).
func (r Role) Other() Role {
	switch r {
	case RoleCustomer:
		return RoleAgent
	case RoleAgent:
		return RoleCustomer
	default:
		return ""
	}
}

// MessageStatusDelivered is the only status persisted messages carry today.
const MessageStatusDelivered = "delivered"

// Conversation is the unit of a support interaction between one customer and at most one agent.
//
// Exactly one of CustomerID (registered shopper) or GuestName+GuestEmail is set.
// TokenHash is only set for guest conversations and never leaves the server.
type Conversation struct {
	ID         string
	CustomerID string
	GuestName  string
	GuestEmail string
	TokenHash  string

	Status          Status
	AssignedAgentID string
	Snapshot        *ContextSnapshot
	ResolutionNotes string
	ClosedBy        string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt time.Time
	ClaimedAt     *time.Time
	ClosedAt      *time.Time
}

// IsGuest reports whether the conversation belongs to a guest (token-authorized).
func (c Conversation) IsGuest() bool { return c.CustomerID == "" }

// Message is one persisted, immutable entry of a conversation.
// Seq orders messages inside the conversation; CreatedAt never decreases along Seq.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderRole     Role
	SenderID       string
	Body           string
	Attachment     *Attachment
	Status         string
	CreatedAt      time.Time
}

// Attachment is the metadata of a stored file. The bytes live in the attachment store under StorageKey.
type Attachment struct {
	ID             string
	ConversationID string
	Filename       string
	MimeType       string
	SizeBytes      int64
	StorageKey     string
	Checksum       string
	CreatedAt      time.Time
}

// CartItem is one display-safe cart line.
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

// OrderItem is one display-safe order line.
type OrderItem struct {
	ProductName  string  `json:"product_name"`
	ProductPrice float64 `json:"product_price"`
	Quantity     int     `json:"quantity"`
	Subtotal     float64 `json:"subtotal"`
}

// OrderSummary is a recent order reduced to what an agent may see (no payment data).
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

// WishItem is one display-safe wishlist entry.
type WishItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Image     string  `json:"image,omitempty"`
}

// ContextSnapshot is a point-in-time, read-only summary of the customer's commerce data.
// Once attached to a conversation it is never replaced.
type ContextSnapshot struct {
	CartItems     []CartItem     `json:"cart_items"`
	OrdersSummary []OrderSummary `json:"orders_summary"`
	WishlistItems []WishItem     `json:"wish_list_items"`
	CapturedAt    time.Time      `json:"captured_at"`
}

// Actor is the authenticated caller of a Service operation.
//
// Customers are identified either by ID (registered shopper) or by Token (guest conversation token).
// Agents are identified by ID. System is used by background jobs (queue aging).
type Actor struct {
	Role  Role
	ID    string
	Token string
}
