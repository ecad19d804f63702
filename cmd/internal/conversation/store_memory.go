package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
// A single mutex serializes all writes, which trivially satisfies per-conversation serialization.
type MemoryStore struct {
	mu          sync.Mutex
	convs       map[string]*memConv
	attachments map[string]Attachment
}

type memConv struct {
	conv Conversation
	seq  int64
	msgs []Message // ordered by Seq
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:       make(map[string]*memConv),
		attachments: make(map[string]Attachment),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateConversation(ctx context.Context, in CreateInput) (Conversation, Message, error) {
	const op = "conversation.CreateConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}
	if in.Conversation.ID == "" || in.Opening.ID == "" {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[in.Conversation.ID]; ok {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "duplicate conversation id")
	}

	c := in.Conversation
	now := c.CreatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c.Status = StatusWaiting
	c.AssignedAgentID = ""
	c.CreatedAt = now
	c.UpdatedAt = now
	c.LastMessageAt = now
	c.Snapshot = cloneSnapshot(c.Snapshot)

	m := in.Opening
	m.ConversationID = c.ID
	m.Seq = 1
	m.Status = MessageStatusDelivered
	m.CreatedAt = now
	m.Attachment = nil

	s.convs[c.ID] = &memConv{conv: c, seq: 1, msgs: []Message{m}}
	return cloneConversation(c), m, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "conversation.GetConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, unavailable(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[id]
	if mc == nil {
		return Conversation{}, opErr(op, ErrNotFound, "conversation not found")
	}
	return cloneConversation(mc.conv), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	const op = "conversation.AppendMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, unavailable(op, err)
	}
	if in.ConversationID == "" || in.MessageID == "" || !in.SenderRole.Valid() {
		return Message{}, opErr(op, ErrValidation, "invalid input")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return Message{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if mc.conv.Status == StatusClosed {
		return Message{}, opErr(op, ErrInvalidState, "conversation is closed")
	}

	var att *Attachment
	if in.AttachmentID != "" {
		a, ok := s.attachments[in.AttachmentID]
		if !ok || a.ConversationID != in.ConversationID {
			return Message{}, opErr(op, ErrValidation, "unknown attachment")
		}
		att = &a
	}

	at := nextCreatedAt(in.Now, mc.conv.LastMessageAt)
	mc.seq++
	m := Message{
		ID:             in.MessageID,
		ConversationID: in.ConversationID,
		Seq:            mc.seq,
		SenderRole:     in.SenderRole,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Attachment:     att,
		Status:         MessageStatusDelivered,
		CreatedAt:      at,
	}
	mc.msgs = append(mc.msgs, m)
	mc.conv.LastMessageAt = at
	mc.conv.UpdatedAt = at
	return m, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, in ListInput) ([]Message, error) {
	const op = "conversation.ListMessages"
	if err := ctx.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	limit := clampListLimit(in.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return nil, opErr(op, ErrNotFound, "conversation not found")
	}

	start := sort.Search(len(mc.msgs), func(i int) bool { return mc.msgs[i].Seq > in.AfterSeq })
	end := min(start+limit, len(mc.msgs))
	if start >= end {
		return nil, nil
	}
	return append([]Message(nil), mc.msgs[start:end]...), nil
}

func (s *MemoryStore) ClaimConversation(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	const op = "conversation.ClaimConversation"
	if err := ctx.Err(); err != nil {
		return ClaimResult{}, unavailable(op, err)
	}
	if in.ConversationID == "" || in.AgentID == "" {
		return ClaimResult{}, opErr(op, ErrValidation, "invalid input")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return ClaimResult{}, opErr(op, ErrNotFound, "conversation not found")
	}

	switch mc.conv.Status {
	case StatusClosed:
		return ClaimResult{}, opErr(op, ErrInvalidState, "conversation is closed")
	case StatusActive:
		if mc.conv.AssignedAgentID == in.AgentID {
			return ClaimResult{Conversation: cloneConversation(mc.conv)}, nil
		}
		return ClaimResult{}, opErr(op, ErrAlreadyClaimed, "")
	}

	now := in.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	mc.conv.Status = StatusActive
	mc.conv.AssignedAgentID = in.AgentID
	mc.conv.ClaimedAt = &now
	mc.conv.UpdatedAt = now
	return ClaimResult{Conversation: cloneConversation(mc.conv), Transitioned: true}, nil
}

func (s *MemoryStore) CloseConversation(ctx context.Context, in CloseInput) (Conversation, Message, error) {
	const op = "conversation.CloseConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}
	if in.ConversationID == "" || in.MessageID == "" {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "invalid input")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return Conversation{}, Message{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if mc.conv.Status == StatusClosed {
		return Conversation{}, Message{}, opErr(op, ErrInvalidState, "conversation already closed")
	}

	at := nextCreatedAt(in.Now, mc.conv.LastMessageAt)
	mc.seq++
	m := Message{
		ID:             in.MessageID,
		ConversationID: in.ConversationID,
		Seq:            mc.seq,
		SenderRole:     RoleSystem,
		Body:           in.SystemBody,
		Status:         MessageStatusDelivered,
		CreatedAt:      at,
	}
	mc.msgs = append(mc.msgs, m)

	mc.conv.Status = StatusClosed
	mc.conv.ClosedBy = in.ClosedBy
	mc.conv.ResolutionNotes = in.ResolutionNotes
	mc.conv.ClosedAt = &at
	mc.conv.LastMessageAt = at
	mc.conv.UpdatedAt = at
	return cloneConversation(mc.conv), m, nil
}

func (s *MemoryStore) SetSnapshot(ctx context.Context, id string, snap ContextSnapshot, now time.Time) (Conversation, error) {
	const op = "conversation.SetSnapshot"
	if err := ctx.Err(); err != nil {
		return Conversation{}, unavailable(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[id]
	if mc == nil {
		return Conversation{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if mc.conv.Snapshot == nil {
		mc.conv.Snapshot = cloneSnapshot(&snap)
		if !now.IsZero() {
			mc.conv.UpdatedAt = now.UTC()
		}
	}
	return cloneConversation(mc.conv), nil
}

func (s *MemoryStore) ListWaiting(ctx context.Context, limit int) ([]Conversation, error) {
	const op = "conversation.ListWaiting"
	if err := ctx.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	limit = clampListLimit(limit)

	s.mu.Lock()
	out := make([]Conversation, 0, 16)
	for _, mc := range s.convs {
		if mc.conv.Status == StatusWaiting {
			out = append(out, cloneConversation(mc.conv))
		}
	}
	s.mu.Unlock()

	sortQueue(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveAttachment(ctx context.Context, a Attachment) error {
	const op = "conversation.SaveAttachment"
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	if a.ID == "" || a.ConversationID == "" {
		return opErr(op, ErrValidation, "invalid attachment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[a.ConversationID]; !ok {
		return opErr(op, ErrNotFound, "conversation not found")
	}
	if _, ok := s.attachments[a.ID]; ok {
		return opErr(op, ErrValidation, "duplicate attachment id")
	}
	s.attachments[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAttachment(ctx context.Context, id string) (Attachment, error) {
	const op = "conversation.GetAttachment"
	if err := ctx.Err(); err != nil {
		return Attachment{}, unavailable(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[id]
	if !ok {
		return Attachment{}, opErr(op, ErrNotFound, "attachment not found")
	}
	return a, nil
}

// sortQueue orders waiting conversations oldest first; id breaks ties.
func sortQueue(cs []Conversation) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func cloneConversation(c Conversation) Conversation {
	c.Snapshot = cloneSnapshot(c.Snapshot)
	if c.ClaimedAt != nil {
		t := *c.ClaimedAt
		c.ClaimedAt = &t
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

func cloneSnapshot(s *ContextSnapshot) *ContextSnapshot {
	if s == nil {
		return nil
	}
	out := ContextSnapshot{
		CartItems:     append([]CartItem(nil), s.CartItems...),
		OrdersSummary: make([]OrderSummary, 0, len(s.OrdersSummary)),
		WishlistItems: append([]WishItem(nil), s.WishlistItems...),
		CapturedAt:    s.CapturedAt,
	}
	for _, o := range s.OrdersSummary {
		o.Items = append([]OrderItem(nil), o.Items...)
		out.OrdersSummary = append(out.OrdersSummary, o)
	}
	return &out
}
