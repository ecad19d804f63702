package conversation

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"helpdesk/cmd/internal/ids"
	"helpdesk/cmd/security/token"
)

const (
	// MaxBodyRunes bounds a single message body.
	MaxBodyRunes = 4000
	// MaxNotesRunes bounds resolution notes.
	MaxNotesRunes = 4000
	maxNameRunes  = 120
	maxEmailBytes = 254

	defaultHistoryPageSize = 200
	defaultQueueLimit      = 100
)

// Access is the kind of access an actor requests on a conversation.
type Access int

const (
	// AccessRead allows viewing a conversation and its history.
	AccessRead Access = iota
	// AccessParticipate allows sending messages, typing and closing.
	AccessParticipate
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// HistoryPageSize is the page size used by ListMessages (default 200).
	HistoryPageSize int
	// QueueLimit bounds ListQueue (default 100).
	QueueLimit int
	// Now overrides the clock (tests).
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service validates input, authorizes actors and drives the lifecycle over a Store.
// It is safe for concurrent use; ordering across concurrent callers is the Store's and the caller's concern.
type Service struct {
	store    Store
	pageSize int
	queueMax int
	now      func() time.Time
	log      *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, cfg ServiceConfig) *Service {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultHistoryPageSize
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = defaultQueueLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:    store,
		pageSize: cfg.HistoryPageSize,
		queueMax: cfg.QueueLimit,
		now:      cfg.Now,
		log:      cfg.Logger.With("component", "conversation"),
	}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Now returns the service clock reading (UTC).
func (s *Service) Now() time.Time { return s.now().UTC() }

// CreateRequest describes a new conversation.
//
// A registered customer is identified by Actor.ID; otherwise GuestName and GuestEmail are required.
type CreateRequest struct {
	Actor          Actor
	GuestName      string
	GuestEmail     string
	InitialMessage string
	Snapshot       *ContextSnapshot
}

// CreateResult is the outcome of Create. Token is the plaintext guest token (empty for registered customers).
type CreateResult struct {
	Conversation Conversation
	Opening      Message
	Token        string
}

// Create opens a conversation in StatusWaiting and persists the opening message.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	const op = "conversation.Create"

	if req.Actor.Role != RoleCustomer {
		return CreateResult{}, opErr(op, ErrUnauthorized, "only customers can start conversations")
	}

	body := strings.TrimSpace(req.InitialMessage)
	if body == "" {
		return CreateResult{}, opErr(op, ErrValidation, "initial_message is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return CreateResult{}, opErr(op, ErrValidation, "initial_message too long")
	}

	now := s.Now()
	conv := Conversation{
		CustomerID: strings.TrimSpace(req.Actor.ID),
		Snapshot:   req.Snapshot,
		CreatedAt:  now,
	}

	var plain string
	if conv.CustomerID == "" {
		name, email, err := normalizeGuest(req.GuestName, req.GuestEmail)
		if err != nil {
			return CreateResult{}, OpError{Op: op, Kind: ErrValidation, Msg: err.Error()}
		}
		conv.GuestName, conv.GuestEmail = name, email

		plain, err = token.NewConversationToken()
		if err != nil {
			return CreateResult{}, OpError{Op: op, Kind: ErrUnavailable, Err: err}
		}
		conv.TokenHash = token.HashConversationTokenHex(plain)
	}

	var err error
	if conv.ID, err = ids.NewULID(now); err != nil {
		return CreateResult{}, OpError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	opening := Message{SenderRole: RoleCustomer, SenderID: conv.CustomerID, Body: body}
	if opening.ID, err = ids.NewULID(now); err != nil {
		return CreateResult{}, OpError{Op: op, Kind: ErrUnavailable, Err: err}
	}

	c, m, err := s.store.CreateConversation(ctx, CreateInput{Conversation: conv, Opening: opening})
	if err != nil {
		return CreateResult{}, err
	}
	s.log.Info("conversation.created", "conversation_id", c.ID, "guest", c.IsGuest())
	return CreateResult{Conversation: c, Opening: m, Token: plain}, nil
}

// Get returns the conversation if actor may read it.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if err := Authorize(c, actor, AccessRead); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// Authorize checks actor against c for the requested access.
//
//   - Customers: registered conversations require Actor.ID == CustomerID; guest conversations
//     require a token matching the stored hash.
//   - Agents: any agent may read; participating requires being the assigned agent.
//   - System: always allowed.
func Authorize(c Conversation, actor Actor, access Access) error {
	const op = "conversation.Authorize"

	switch actor.Role {
	case RoleSystem:
		return nil
	case RoleCustomer:
		if c.IsGuest() {
			if !token.MatchConversationToken(actor.Token, c.TokenHash) {
				return opErr(op, ErrUnauthorized, "invalid conversation token")
			}
			return nil
		}
		if actor.ID == "" || actor.ID != c.CustomerID {
			return opErr(op, ErrUnauthorized, "not the conversation owner")
		}
		return nil
	case RoleAgent:
		if actor.ID == "" {
			return opErr(op, ErrUnauthorized, "missing agent identity")
		}
		if access == AccessRead {
			return nil
		}
		if c.AssignedAgentID == "" {
			return opErr(op, ErrInvalidState, "conversation is not claimed")
		}
		if c.AssignedAgentID != actor.ID {
			return opErr(op, ErrUnauthorized, "conversation is assigned to another agent")
		}
		return nil
	default:
		return opErr(op, ErrUnauthorized, "missing role")
	}
}

// AppendRequest describes a message posted by an actor.
type AppendRequest struct {
	ConversationID string
	Actor          Actor
	Body           string
	AttachmentID   string
}

// AppendMessage validates and persists a message. Closed conversations fail with ErrInvalidState.
func (s *Service) AppendMessage(ctx context.Context, req AppendRequest) (Message, error) {
	const op = "conversation.AppendMessage"

	body := strings.TrimSpace(req.Body)
	attID := strings.TrimSpace(req.AttachmentID)
	if body == "" && attID == "" {
		return Message{}, opErr(op, ErrValidation, "message needs a body or an attachment")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return Message{}, opErr(op, ErrValidation, "message body too long")
	}
	if req.Actor.Role != RoleCustomer && req.Actor.Role != RoleAgent {
		return Message{}, opErr(op, ErrUnauthorized, "only participants can post messages")
	}

	c, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if c.Status == StatusClosed {
		return Message{}, opErr(op, ErrInvalidState, "conversation is closed")
	}
	if err := Authorize(c, req.Actor, AccessParticipate); err != nil {
		return Message{}, err
	}

	now := s.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, OpError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	return s.store.AppendMessage(ctx, AppendInput{
		ConversationID: c.ID,
		MessageID:      id,
		SenderRole:     req.Actor.Role,
		SenderID:       req.Actor.ID,
		Body:           body,
		AttachmentID:   attID,
		Now:            now,
	})
}

// ListMessages lazily yields the full history in ascending Seq order, one page at a time.
// Iteration can be restarted; each range re-reads from the store. A failure is yielded once and ends the sequence.
func (s *Service) ListMessages(ctx context.Context, conversationID string) iter.Seq2[Message, error] {
	return s.ListMessagesAfter(ctx, conversationID, 0)
}

// ListMessagesAfter is ListMessages starting after the given Seq.
func (s *Service) ListMessagesAfter(ctx context.Context, conversationID string, afterSeq int64) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		after := afterSeq
		for {
			page, err := s.store.ListMessages(ctx, ListInput{
				ConversationID: conversationID,
				AfterSeq:       after,
				Limit:          s.pageSize,
			})
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				after = m.Seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// History collects the full ordered history.
func (s *Service) History(ctx context.Context, conversationID string) ([]Message, error) {
	out := make([]Message, 0, 32)
	for m, err := range s.ListMessages(ctx, conversationID) {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Claim runs the waiting -> active compare-and-set for agentID.
// A re-claim by the owning agent succeeds with Transitioned=false.
func (s *Service) Claim(ctx context.Context, conversationID, agentID string) (ClaimResult, error) {
	const op = "conversation.Claim"
	if strings.TrimSpace(agentID) == "" {
		return ClaimResult{}, opErr(op, ErrUnauthorized, "missing agent identity")
	}
	if strings.TrimSpace(conversationID) == "" {
		return ClaimResult{}, opErr(op, ErrValidation, "conversation_id is required")
	}

	res, err := s.store.ClaimConversation(ctx, ClaimInput{
		ConversationID: conversationID,
		AgentID:        agentID,
		Now:            s.Now(),
	})
	if err != nil {
		return ClaimResult{}, err
	}
	if res.Transitioned {
		s.log.Info("conversation.claimed", "conversation_id", conversationID, "agent_id", agentID)
	}
	return res, nil
}

// CloseRequest describes a close issued by an actor.
type CloseRequest struct {
	ConversationID  string
	Actor           Actor
	ResolutionNotes string
}

// Close transitions the conversation to StatusClosed and appends the system message recording it.
func (s *Service) Close(ctx context.Context, req CloseRequest) (Conversation, Message, error) {
	const op = "conversation.Close"

	notes := strings.TrimSpace(req.ResolutionNotes)
	if utf8.RuneCountInString(notes) > MaxNotesRunes {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "resolution_notes too long")
	}

	c, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return Conversation{}, Message{}, err
	}
	if err := Authorize(c, req.Actor, AccessParticipate); err != nil {
		if c.Status == StatusClosed && !errors.Is(err, ErrUnauthorized) {
			return Conversation{}, Message{}, opErr(op, ErrInvalidState, "conversation already closed")
		}
		return Conversation{}, Message{}, err
	}
	if c.Status == StatusClosed {
		return Conversation{}, Message{}, opErr(op, ErrInvalidState, "conversation already closed")
	}

	now := s.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, Message{}, OpError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	closedBy := string(req.Actor.Role)

	out, m, err := s.store.CloseConversation(ctx, CloseInput{
		ConversationID:  c.ID,
		ClosedBy:        closedBy,
		ResolutionNotes: notes,
		MessageID:       id,
		SystemBody:      "Conversation closed by " + closedBy,
		Now:             now,
	})
	if err != nil {
		return Conversation{}, Message{}, err
	}
	s.log.Info("conversation.closed", "conversation_id", c.ID, "closed_by", closedBy)
	return out, m, nil
}

// AttachSnapshot sets the context snapshot unless one is already attached.
func (s *Service) AttachSnapshot(ctx context.Context, conversationID string, snap ContextSnapshot) (Conversation, error) {
	return s.store.SetSnapshot(ctx, conversationID, snap, s.Now())
}

// ListQueue returns waiting conversations, oldest first.
func (s *Service) ListQueue(ctx context.Context) ([]Conversation, error) {
	return s.store.ListWaiting(ctx, s.queueMax)
}

// NewAttachmentID mints an attachment id.
func (s *Service) NewAttachmentID() (string, error) {
	return ids.NewULID(s.Now())
}

// SaveAttachment records attachment metadata for a conversation the actor participates in.
func (s *Service) SaveAttachment(ctx context.Context, actor Actor, a Attachment) (Attachment, error) {
	c, err := s.store.GetConversation(ctx, a.ConversationID)
	if err != nil {
		return Attachment{}, err
	}
	if c.Status == StatusClosed {
		return Attachment{}, opErr("conversation.SaveAttachment", ErrInvalidState, "conversation is closed")
	}
	if err := Authorize(c, actor, AccessParticipate); err != nil {
		return Attachment{}, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.Now()
	}
	if err := s.store.SaveAttachment(ctx, a); err != nil {
		return Attachment{}, err
	}
	return a, nil
}

// GetAttachment returns attachment metadata if actor may read the owning conversation.
func (s *Service) GetAttachment(ctx context.Context, actor Actor, id string) (Attachment, error) {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return Attachment{}, err
	}
	if _, err := s.Get(ctx, a.ConversationID, actor); err != nil {
		return Attachment{}, err
	}
	return a, nil
}

func normalizeGuest(name, email string) (string, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" {
		return "", "", errors.New("guest_name and guest_email are required without an account")
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", "", errors.New("guest_name too long")
	}
	if len(email) > maxEmailBytes {
		return "", "", errors.New("guest_email too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", "", errors.New("guest_email is invalid")
	}
	return name, email, nil
}
