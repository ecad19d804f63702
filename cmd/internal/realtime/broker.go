package realtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/attachment"
	"helpdesk/cmd/internal/conversation"
	"helpdesk/cmd/internal/events"
	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/queue"
	"helpdesk/cmd/internal/snapshot"
)

// ErrNotConnected is returned for events from a connection that no longer owns its session
// (evicted or detached). Sessions of a closed conversation get conversation.ErrInvalidState.
var ErrNotConnected = errors.New("realtime: session not connected")

const maxFilenameRunes = 255

// AttachmentStore is the external file collaborator.
type AttachmentStore interface {
	Put(ctx context.Context, conversationID, attachmentID, mimeType string, r io.Reader) (attachment.Blob, error)
	Delete(key string) error
}

// EventSink accepts lifecycle events without blocking.
type EventSink interface {
	Enqueue(ev events.Event) bool
}

// BrokerConfig wires optional collaborators. Nil fields disable the feature
// (no snapshots, no attachments, no events, in-memory presence).
type BrokerConfig struct {
	Snapshots   *snapshot.Builder
	Attachments AttachmentStore
	Events      EventSink
	Metrics     *metrics.Metrics
	Presence    Presence
	Registry    *Registry
	Logger      *slog.Logger
}

// Broker is the synchronization point between persisted state and live sessions.
//
// Every state change for a conversation (append, claim, close, attach) runs in that
// conversation's lane, persist first, then fan-out. Fan-out never blocks: envelopes go into
// each client's bounded queue, and a client whose queue is full is evicted rather than
// skipped, so no session ever observes a gap in the persisted order.
type Broker struct {
	svc      *conversation.Service
	queue    *queue.Coordinator
	snaps    *snapshot.Builder
	files    AttachmentStore
	events   EventSink
	metrics  *metrics.Metrics
	presence Presence
	registry *Registry
	lanes    *Lanes
	log      *slog.Logger
}

// NewBroker constructs a Broker.
func NewBroker(svc *conversation.Service, coord *queue.Coordinator, cfg BrokerConfig) *Broker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "broker")
	if cfg.Presence == nil {
		cfg.Presence = NewMemoryPresence()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(log)
	}
	return &Broker{
		svc:      svc,
		queue:    coord,
		snaps:    cfg.Snapshots,
		files:    cfg.Attachments,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		presence: cfg.Presence,
		registry: cfg.Registry,
		lanes:    NewLanes(),
		log:      log,
	}
}

// Registry exposes the session registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Service exposes the conversation service.
func (b *Broker) Service() *conversation.Service { return b.svc }

// Queue exposes the queue coordinator.
func (b *Broker) Queue() *queue.Coordinator { return b.queue }

// ---- connect ----

// StartRequest opens a conversation for a customer. Actor.ID is empty for guests.
type StartRequest struct {
	Actor          conversation.Actor
	GuestName      string
	GuestEmail     string
	InitialMessage string
	Cart           []conversation.CartItem
	Wishlist       []conversation.WishItem
}

// Start creates a conversation. When client is non-nil the customer session is attached
// and receives connected (carrying the guest token) and history.
func (b *Broker) Start(ctx context.Context, req StartRequest, client *Client, replyTo string) (conversation.CreateResult, error) {
	guest := strings.TrimSpace(req.Actor.ID) == ""

	var snap *conversation.ContextSnapshot
	if b.snaps != nil && (guest || req.Cart != nil || req.Wishlist != nil) {
		customerID := ""
		if !guest {
			customerID = req.Actor.ID
		}
		s, err := b.snaps.Build(ctx, snapshot.Input{CustomerID: customerID, Cart: req.Cart, Wishlist: req.Wishlist})
		if err != nil {
			// Registered customers get a lazy snapshot on first agent view instead.
			b.log.Warn("broker.snapshot.deferred", "customer_id", customerID, "err", err)
		} else {
			snap = &s
		}
	}

	res, err := b.svc.Create(ctx, conversation.CreateRequest{
		Actor:          req.Actor,
		GuestName:      req.GuestName,
		GuestEmail:     req.GuestEmail,
		InitialMessage: req.InitialMessage,
		Snapshot:       snap,
	})
	if err != nil {
		return conversation.CreateResult{}, err
	}

	b.metrics.Lifecycle("started")
	b.metrics.Message(string(conversation.RoleCustomer))
	b.queue.Notify()
	ev := events.New(events.TypeStarted, res.Conversation.ID, res.Conversation.CreatedAt)
	ev.CustomerID = res.Conversation.CustomerID
	ev.Guest = res.Conversation.IsGuest()
	b.publish(ev)

	if client == nil {
		return res, nil
	}

	actor := req.Actor
	actor.Token = res.Token
	err = b.lanes.Do(ctx, res.Conversation.ID, func() error {
		c, err := b.svc.Get(ctx, res.Conversation.ID, actor)
		if err != nil {
			return err
		}
		_, err = b.attachLocked(ctx, c, actor, client, replyTo, res.Token)
		return err
	})
	if err != nil {
		return res, &StartedError{ConversationID: res.Conversation.ID, Token: res.Token, Err: err}
	}
	return res, nil
}

// StartedError reports a Start that created the conversation but could not attach the session.
// The customer resumes with ConversationID and Token.
type StartedError struct {
	ConversationID string
	Token          string
	Err            error
}

func (e *StartedError) Error() string {
	return "realtime: conversation " + e.ConversationID + " started but not attached: " + e.Err.Error()
}

func (e *StartedError) Unwrap() error { return e.Err }

// ConnectCustomer resumes a customer on an existing conversation: full history replay, then attach.
// Closed conversations are rejected.
func (b *Broker) ConnectCustomer(ctx context.Context, conversationID string, actor conversation.Actor, client *Client, replyTo string) (*Session, error) {
	const op = "realtime.ConnectCustomer"
	if actor.Role != conversation.RoleCustomer {
		return nil, conversation.OpError{Op: op, Kind: conversation.ErrUnauthorized, Msg: "customer role required"}
	}

	var sess *Session
	err := b.lanes.Do(ctx, conversationID, func() error {
		c, err := b.svc.Get(ctx, conversationID, actor)
		if err != nil {
			return err
		}
		if c.Status == conversation.StatusClosed {
			return conversation.OpError{Op: op, Kind: conversation.ErrInvalidState, Msg: "conversation is closed"}
		}
		sess, err = b.attachLocked(ctx, c, actor, client, replyTo, "")
		return err
	})
	return sess, err
}

// ClaimAndConnect claims conversationID for agentID (idempotent for the owner), finalizes the
// context snapshot if missing, and, when client is non-nil, attaches the agent session with
// history and snapshot.
func (b *Broker) ClaimAndConnect(ctx context.Context, conversationID, agentID string, client *Client, replyTo string) (conversation.Conversation, error) {
	const op = "realtime.ClaimAndConnect"

	var res conversation.ClaimResult
	err := b.lanes.Do(ctx, conversationID, func() error {
		var err error
		res, err = b.queue.Claim(ctx, conversationID, agentID)
		if err != nil {
			if conversation.IsAlreadyClaimed(err) {
				b.metrics.Claim("lost")
			}
			return err
		}
		if !res.Transitioned {
			b.metrics.Claim("reclaim")
			return nil
		}
		b.metrics.Claim("won")
		b.metrics.Lifecycle("claimed")

		c := res.Conversation
		claimedAt := time.Now().UTC()
		if c.ClaimedAt != nil {
			claimedAt = *c.ClaimedAt
		}
		env := newEnvelope(v1.TypeConversationActive, c.ID, v1.ConversationActivePayload{
			ConversationID: c.ID,
			AgentID:        agentID,
			ClaimedAt:      claimedAt,
		}, b.svc.Now())
		if s := b.registry.Session(c.ID, conversation.RoleCustomer); s != nil {
			b.deliver(ctx, s, env)
		}

		ev := events.New(events.TypeClaimed, c.ID, claimedAt)
		ev.CustomerID = c.CustomerID
		ev.Guest = c.IsGuest()
		ev.AgentID = agentID
		b.publish(ev)
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}

	conv := res.Conversation
	if conv.Snapshot == nil && !conv.IsGuest() && b.snaps != nil {
		// Built outside the lane: commerce calls must not stall the conversation.
		snap, err := b.snaps.Build(ctx, snapshot.Input{CustomerID: conv.CustomerID})
		if err != nil {
			b.log.Warn("broker.snapshot.fail", "conversation_id", conv.ID, "err", err)
		} else if updated, err := b.svc.AttachSnapshot(ctx, conv.ID, snap); err != nil {
			b.log.Warn("broker.snapshot.attach.fail", "conversation_id", conv.ID, "err", err)
		} else {
			conv = updated
		}
	}

	if client == nil {
		return conv, nil
	}

	actor := conversation.Actor{Role: conversation.RoleAgent, ID: agentID}
	err = b.lanes.Do(ctx, conversationID, func() error {
		c, err := b.svc.Get(ctx, conversationID, actor)
		if err != nil {
			return err
		}
		if c.Status == conversation.StatusClosed {
			return conversation.OpError{Op: op, Kind: conversation.ErrInvalidState, Msg: "conversation is closed"}
		}
		if c.AssignedAgentID != agentID {
			return conversation.OpError{Op: op, Kind: conversation.ErrAlreadyClaimed, Msg: "conversation is assigned to another agent"}
		}
		conv = c
		_, err = b.attachLocked(ctx, c, actor, client, replyTo, "")
		return err
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	return conv, nil
}

// attachLocked replays history and installs the session. Must run inside c's lane so no
// message can be appended between the history read and registration.
func (b *Broker) attachLocked(ctx context.Context, c conversation.Conversation, actor conversation.Actor, client *Client, replyTo, token string) (*Session, error) {
	const op = "realtime.attach"

	history, err := b.svc.History(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	now := b.svc.Now()
	connected := newEnvelope(v1.TypeConnected, c.ID, v1.ConnectedPayload{
		ConversationID:    c.ID,
		ConversationToken: token,
		Role:              string(actor.Role),
		Status:            string(c.Status),
		ConnID:            client.ConnID,
	}, now)
	connected.ReplyTo = replyTo

	hp := v1.HistoryPayload{
		ConversationID: c.ID,
		Status:         string(c.Status),
		Messages:       ToMessagePayloads(history),
	}
	if actor.Role == conversation.RoleAgent {
		hp.ContextSnapshot = ToSnapshotPayload(c.Snapshot)
	}
	hist := newEnvelope(v1.TypeHistory, c.ID, hp, now)
	hist.ReplyTo = replyTo

	if err := client.Enqueue(connected); err != nil {
		return nil, conversation.OpError{Op: op, Kind: conversation.ErrUnavailable, Err: err}
	}
	if err := client.Enqueue(hist); err != nil {
		return nil, conversation.OpError{Op: op, Kind: conversation.ErrUnavailable, Err: err}
	}

	client.Role = actor.Role
	client.ActorID = actor.ID
	sess := &Session{
		ConversationID: c.ID,
		Role:           actor.Role,
		Actor:          actor,
		Client:         client,
		AttachedAt:     now,
	}
	if evicted := b.registry.Register(sess); evicted != nil {
		b.metrics.Evicted("replaced")
		b.metrics.SessionDetached(string(evicted.Role))
	}
	b.metrics.SessionAttached(string(actor.Role))

	if err := b.presence.Attach(ctx, c.ID, actor.Role, client.ConnID); err != nil {
		b.log.Warn("broker.presence.attach.fail", "conversation_id", c.ID, "role", string(actor.Role), "err", err)
	}
	b.notifyPresence(ctx, c.ID, actor.Role, true)

	// Tell the new session the other side is already here.
	if other := b.registry.Session(c.ID, actor.Role.Other()); other != nil {
		b.deliver(ctx, sess, newEnvelope(v1.TypePresence, c.ID, v1.PresencePayload{Role: string(other.Role), Online: true}, now))
	}
	if actor.Role == conversation.RoleCustomer && c.Status == conversation.StatusWaiting {
		b.queue.Notify()
	}

	b.log.Info("session.attached", "conversation_id", c.ID, "role", string(actor.Role), "conn_id", client.ConnID, "replayed", len(history))
	return sess, nil
}

// Detach is called when a connection ends. It is idempotent and never closes the conversation.
func (b *Broker) Detach(ctx context.Context, sess *Session) {
	if sess == nil {
		return
	}
	_ = b.lanes.Do(ctx, sess.ConversationID, func() error {
		removed := b.registry.Unregister(sess.ConnID())
		if removed == nil {
			return nil
		}
		b.metrics.SessionDetached(string(removed.Role))
		if err := b.presence.Detach(ctx, removed.ConversationID, removed.Role, removed.ConnID()); err != nil {
			b.log.Warn("broker.presence.detach.fail", "conversation_id", removed.ConversationID, "err", err)
		}
		b.notifyPresence(ctx, removed.ConversationID, removed.Role, false)
		if removed.Role == conversation.RoleCustomer {
			b.queue.Notify()
		}
		b.log.Info("session.detached", "conversation_id", removed.ConversationID, "role", string(removed.Role), "conn_id", removed.ConnID())
		return nil
	})
}

// Refresh renews the session's presence entry (called on heartbeat).
func (b *Broker) Refresh(ctx context.Context, sess *Session) {
	if sess == nil || !b.registry.IsCurrent(sess) {
		return
	}
	if err := b.presence.Refresh(ctx, sess.ConversationID, sess.Role, sess.ConnID()); err != nil {
		b.log.Warn("broker.presence.refresh.fail", "conversation_id", sess.ConversationID, "err", err)
	}
}

// ---- inbound events ----

// SendMessage persists a message from sess and fans it out to every attached session,
// the sender included (its copy carries replyTo).
func (b *Broker) SendMessage(ctx context.Context, sess *Session, body, attachmentID, replyTo string) (conversation.Message, error) {
	var msg conversation.Message
	err := b.lanes.Do(ctx, sess.ConversationID, func() error {
		if !b.registry.IsCurrent(sess) {
			return b.detachedErr(ctx, sess)
		}
		var err error
		msg, err = b.svc.AppendMessage(ctx, conversation.AppendRequest{
			ConversationID: sess.ConversationID,
			Actor:          sess.Actor,
			Body:           body,
			AttachmentID:   attachmentID,
		})
		if err != nil {
			return err
		}
		b.metrics.Message(string(msg.SenderRole))
		b.fanout(ctx, sess.ConversationID, newEnvelope(v1.TypeMessage, sess.ConversationID, ToMessagePayload(msg), b.svc.Now()), sess.ConnID(), replyTo)
		return nil
	})
	return msg, err
}

// PostMessage appends a message on behalf of actor without a live session (REST).
// Attached sessions still receive the fan-out.
func (b *Broker) PostMessage(ctx context.Context, conversationID string, actor conversation.Actor, body, attachmentID string) (conversation.Message, error) {
	var msg conversation.Message
	err := b.lanes.Do(ctx, conversationID, func() error {
		var err error
		msg, err = b.svc.AppendMessage(ctx, conversation.AppendRequest{
			ConversationID: conversationID,
			Actor:          actor,
			Body:           body,
			AttachmentID:   attachmentID,
		})
		if err != nil {
			return err
		}
		b.metrics.Message(string(msg.SenderRole))
		b.fanout(ctx, conversationID, newEnvelope(v1.TypeMessage, conversationID, ToMessagePayload(msg), b.svc.Now()), "", "")
		return nil
	})
	return msg, err
}

// Typing forwards an ephemeral indicator to the other role's session only. Nothing is persisted.
func (b *Broker) Typing(ctx context.Context, sess *Session) error {
	return b.lanes.Do(ctx, sess.ConversationID, func() error {
		if !b.registry.IsCurrent(sess) {
			return b.detachedErr(ctx, sess)
		}
		other := b.registry.Session(sess.ConversationID, sess.Role.Other())
		if other == nil {
			return nil
		}
		b.deliver(ctx, other, newEnvelope(v1.TypeTyping, sess.ConversationID, v1.TypingPayload{From: string(sess.Role)}, b.svc.Now()))
		return nil
	})
}

// StoreAttachment writes the bytes through the file collaborator and records the metadata.
// The caller must participate in the conversation; closed conversations are rejected before any write.
func (b *Broker) StoreAttachment(ctx context.Context, conversationID string, actor conversation.Actor, filename, mimeType string, r io.Reader) (conversation.Attachment, error) {
	const op = "realtime.StoreAttachment"

	if b.files == nil {
		return conversation.Attachment{}, conversation.OpError{Op: op, Kind: conversation.ErrUnavailable, Msg: "attachments are disabled"}
	}
	name, err := cleanFilename(filename)
	if err != nil {
		return conversation.Attachment{}, conversation.OpError{Op: op, Kind: conversation.ErrValidation, Msg: err.Error()}
	}

	c, err := b.svc.Get(ctx, conversationID, actor)
	if err != nil {
		return conversation.Attachment{}, err
	}
	if c.Status == conversation.StatusClosed {
		return conversation.Attachment{}, conversation.OpError{Op: op, Kind: conversation.ErrInvalidState, Msg: "conversation is closed"}
	}
	if err := conversation.Authorize(c, actor, conversation.AccessParticipate); err != nil {
		return conversation.Attachment{}, err
	}

	id, err := b.svc.NewAttachmentID()
	if err != nil {
		return conversation.Attachment{}, conversation.OpError{Op: op, Kind: conversation.ErrUnavailable, Err: err}
	}
	blob, err := b.files.Put(ctx, c.ID, id, mimeType, r)
	if err != nil {
		return conversation.Attachment{}, err
	}

	a, err := b.svc.SaveAttachment(ctx, actor, conversation.Attachment{
		ID:             id,
		ConversationID: c.ID,
		Filename:       name,
		MimeType:       blob.MimeType,
		SizeBytes:      blob.SizeBytes,
		StorageKey:     blob.Key,
		Checksum:       blob.Checksum,
	})
	if err != nil {
		if derr := b.files.Delete(blob.Key); derr != nil {
			b.log.Warn("broker.attachment.cleanup.fail", "key", blob.Key, "err", derr)
		}
		return conversation.Attachment{}, err
	}
	return a, nil
}

// UploadAttachment stores data and then sends it as a message, like send_message with an attachment.
func (b *Broker) UploadAttachment(ctx context.Context, sess *Session, filename, mimeType string, data []byte, body, replyTo string) (conversation.Message, error) {
	if !b.registry.IsCurrent(sess) {
		return conversation.Message{}, b.detachedErr(ctx, sess)
	}
	a, err := b.StoreAttachment(ctx, sess.ConversationID, sess.Actor, filename, mimeType, bytes.NewReader(data))
	if err != nil {
		return conversation.Message{}, err
	}
	return b.SendMessage(ctx, sess, body, a.ID, replyTo)
}

// detachedErr explains why sess no longer owns its conversation. A closed conversation reports
// ErrInvalidState like any other action on it; an evicted or detached session gets ErrNotConnected.
func (b *Broker) detachedErr(ctx context.Context, sess *Session) error {
	c, err := b.svc.Store().GetConversation(ctx, sess.ConversationID)
	if err == nil && c.Status == conversation.StatusClosed {
		return conversation.OpError{Op: "realtime.session", Kind: conversation.ErrInvalidState, Msg: "conversation is closed"}
	}
	return ErrNotConnected
}

// Close runs the close transition for actor: persist, fan out the system message, fan out
// conversation_closed, then tear down every session. conversation_closed is the last envelope
// any session receives for the conversation.
func (b *Broker) Close(ctx context.Context, conversationID string, actor conversation.Actor, notes, replyTo string) (conversation.Conversation, error) {
	return b.close(ctx, conversationID, actor, notes, replyTo, false)
}

// Expire auto-closes a conversation that is still waiting. Anything else fails with ErrInvalidState.
// It implements queue.Expirer.
func (b *Broker) Expire(ctx context.Context, conversationID, notes string) error {
	_, err := b.close(ctx, conversationID, conversation.Actor{Role: conversation.RoleSystem}, notes, "", true)
	return err
}

func (b *Broker) close(ctx context.Context, conversationID string, actor conversation.Actor, notes, replyTo string, expire bool) (conversation.Conversation, error) {
	const op = "realtime.Close"

	var (
		closed   conversation.Conversation
		wasQueue bool
	)
	err := b.lanes.Do(ctx, conversationID, func() error {
		if expire {
			c, err := b.svc.Get(ctx, conversationID, actor)
			if err != nil {
				return err
			}
			if c.Status != conversation.StatusWaiting {
				return conversation.OpError{Op: op, Kind: conversation.ErrInvalidState, Msg: "conversation is not waiting"}
			}
		}

		c, sys, err := b.svc.Close(ctx, conversation.CloseRequest{
			ConversationID:  conversationID,
			Actor:           actor,
			ResolutionNotes: notes,
		})
		if err != nil {
			return err
		}
		closed = c
		wasQueue = c.AssignedAgentID == ""

		now := b.svc.Now()
		b.fanout(ctx, c.ID, newEnvelope(v1.TypeMessage, c.ID, ToMessagePayload(sys), now), "", "")
		b.fanout(ctx, c.ID, newEnvelope(v1.TypeConversationClosed, c.ID, closedPayload(c), now), connOf(b.registry.Session(c.ID, actor.Role)), replyTo)

		for _, s := range b.registry.DetachConversation(c.ID) {
			s.Client.Finish(reasonClosed)
			b.metrics.SessionDetached(string(s.Role))
		}
		if err := b.presence.Clear(ctx, c.ID); err != nil {
			b.log.Warn("broker.presence.clear.fail", "conversation_id", c.ID, "err", err)
		}
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}

	if wasQueue {
		b.queue.Notify()
	}

	typ, event := events.TypeClosed, "closed"
	if expire {
		typ, event = events.TypeExpired, "expired"
	}
	b.metrics.Lifecycle(event)

	at := b.svc.Now()
	if closed.ClosedAt != nil {
		at = *closed.ClosedAt
	}
	ev := events.New(typ, closed.ID, at)
	ev.CustomerID = closed.CustomerID
	ev.Guest = closed.IsGuest()
	ev.AgentID = closed.AssignedAgentID
	ev.ClosedBy = closed.ClosedBy
	ev.ResolutionNotes = closed.ResolutionNotes
	b.publish(ev)

	return closed, nil
}

// ---- read side ----

// QueueView lists waiting conversations with the customer's presence.
func (b *Broker) QueueView(ctx context.Context) ([]v1.QueueEntry, error) {
	convs, err := b.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]v1.QueueEntry, 0, len(convs))
	for _, c := range convs {
		on, err := b.presence.Online(ctx, c.ID)
		if err != nil {
			b.log.Warn("broker.presence.online.fail", "conversation_id", c.ID, "err", err)
		}
		out = append(out, ToQueueEntry(c, on.Customer))
	}
	return out, nil
}

// Presence reports who is online for conversationID.
func (b *Broker) Presence(ctx context.Context, conversationID string) (Online, error) {
	return b.presence.Online(ctx, conversationID)
}

// ---- fan-out ----

// fanout offers env to every attached session. The session owning senderConn gets replyTo.
// Must run inside the conversation's lane.
func (b *Broker) fanout(ctx context.Context, conversationID string, env v1.Envelope, senderConn, replyTo string) {
	for _, s := range b.registry.SessionsFor(conversationID) {
		e := env
		if senderConn != "" && s.ConnID() == senderConn {
			e.ReplyTo = replyTo
		}
		b.deliver(ctx, s, e)
	}
}

// deliver enqueues env for one session. Overflow evicts the session; a closed client is skipped
// because its connection is already going away.
func (b *Broker) deliver(ctx context.Context, s *Session, env v1.Envelope) {
	err := s.Client.Enqueue(env)
	if err == nil || !errors.Is(err, errQueueFull) {
		return
	}

	b.log.Warn("broker.fanout.evict", "conversation_id", s.ConversationID, "role", string(s.Role), "conn_id", s.ConnID(), "type", env.Type)
	s.Client.Close(reasonOverflow)
	b.metrics.Evicted("overflow")
	if b.registry.Unregister(s.ConnID()) != nil {
		b.metrics.SessionDetached(string(s.Role))
		if err := b.presence.Detach(ctx, s.ConversationID, s.Role, s.ConnID()); err != nil {
			b.log.Warn("broker.presence.detach.fail", "conversation_id", s.ConversationID, "err", err)
		}
	}
}

func (b *Broker) notifyPresence(ctx context.Context, conversationID string, role conversation.Role, online bool) {
	other := b.registry.Session(conversationID, role.Other())
	if other == nil {
		return
	}
	b.deliver(ctx, other, newEnvelope(v1.TypePresence, conversationID, v1.PresencePayload{Role: string(role), Online: online}, b.svc.Now()))
}

func (b *Broker) publish(ev events.Event) {
	if b.events == nil {
		return
	}
	b.events.Enqueue(ev)
}

func connOf(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ConnID()
}

func cleanFilename(name string) (string, error) {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "", errors.New("filename is required")
	}
	if utf8.RuneCountInString(name) > maxFilenameRunes {
		return "", errors.New("filename too long")
	}
	return name, nil
}
