package realtime

import (
	"encoding/json"
	"time"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/conversation"
)

func newEnvelope(typ, convID string, payload any, now time.Time) v1.Envelope {
	var raw json.RawMessage
	if payload != nil {
		// Payloads are plain structs; marshalling cannot fail.
		raw, _ = json.Marshal(payload)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		ConvID:  convID,
		TS:      now,
		Payload: raw,
	}
}

// ToMessagePayload converts a persisted message to its wire form.
func ToMessagePayload(m conversation.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderRole:     string(m.SenderRole),
		SenderID:       m.SenderID,
		Body:           m.Body,
		Attachment:     ToAttachmentRef(m.Attachment),
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

// ToMessagePayloads converts an ordered history.
func ToMessagePayloads(msgs []conversation.Message) []v1.MessagePayload {
	out := make([]v1.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToMessagePayload(m))
	}
	return out
}

// ToAttachmentRef converts attachment metadata. The URL points at the download route.
func ToAttachmentRef(a *conversation.Attachment) *v1.AttachmentRef {
	if a == nil {
		return nil
	}
	return &v1.AttachmentRef{
		ID:        a.ID,
		Filename:  a.Filename,
		MimeType:  a.MimeType,
		SizeBytes: a.SizeBytes,
		URL:       v1.AttachmentPath + a.ID,
		CreatedAt: a.CreatedAt,
	}
}

// ToSnapshotPayload converts a context snapshot, or returns nil.
func ToSnapshotPayload(s *conversation.ContextSnapshot) *v1.ContextSnapshot {
	if s == nil {
		return nil
	}
	out := &v1.ContextSnapshot{
		CartItems:     make([]v1.CartItem, 0, len(s.CartItems)),
		OrdersSummary: make([]v1.OrderSummary, 0, len(s.OrdersSummary)),
		WishlistItems: make([]v1.WishItem, 0, len(s.WishlistItems)),
		CapturedAt:    s.CapturedAt,
	}
	for _, it := range s.CartItems {
		out.CartItems = append(out.CartItems, v1.CartItem(it))
	}
	for _, it := range s.WishlistItems {
		out.WishlistItems = append(out.WishlistItems, v1.WishItem(it))
	}
	for _, o := range s.OrdersSummary {
		items := make([]v1.OrderItem, 0, len(o.Items))
		for _, it := range o.Items {
			items = append(items, v1.OrderItem(it))
		}
		out.OrdersSummary = append(out.OrdersSummary, v1.OrderSummary{
			ID:             o.ID,
			Status:         o.Status,
			TotalAmount:    o.TotalAmount,
			TaxAmount:      o.TaxAmount,
			ShippingAmount: o.ShippingAmount,
			CreatedAt:      o.CreatedAt,
			DeliveredAt:    o.DeliveredAt,
			Items:          items,
		})
	}
	return out
}

// FromCartItems converts client-supplied cart lines. A nil input stays nil.
func FromCartItems(in []v1.CartItem) []conversation.CartItem {
	if in == nil {
		return nil
	}
	out := make([]conversation.CartItem, 0, len(in))
	for _, it := range in {
		out = append(out, conversation.CartItem(it))
	}
	return out
}

// FromWishItems converts client-supplied wishlist entries. A nil input stays nil.
func FromWishItems(in []v1.WishItem) []conversation.WishItem {
	if in == nil {
		return nil
	}
	out := make([]conversation.WishItem, 0, len(in))
	for _, it := range in {
		out = append(out, conversation.WishItem(it))
	}
	return out
}

// ToQueueEntry converts a waiting conversation.
func ToQueueEntry(c conversation.Conversation, customerOnline bool) v1.QueueEntry {
	return v1.QueueEntry{
		ID:             c.ID,
		CustomerID:     c.CustomerID,
		GuestName:      c.GuestName,
		GuestEmail:     c.GuestEmail,
		CreatedAt:      c.CreatedAt,
		LastMessageAt:  c.LastMessageAt,
		CustomerOnline: customerOnline,
	}
}

func closedPayload(c conversation.Conversation) v1.ConversationClosedPayload {
	p := v1.ConversationClosedPayload{
		ConversationID:  c.ID,
		ClosedBy:        c.ClosedBy,
		ResolutionNotes: c.ResolutionNotes,
	}
	if c.ClosedAt != nil {
		p.ClosedAt = *c.ClosedAt
	}
	return p
}
