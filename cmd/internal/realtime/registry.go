package realtime

import (
	"log/slog"
	"sync"
	"time"

	"helpdesk/cmd/internal/conversation"
)

// Session binds a live client to a conversation and a role.
type Session struct {
	ConversationID string
	Role           conversation.Role
	Actor          conversation.Actor
	Client         *Client
	AttachedAt     time.Time
}

// ConnID is the owning connection id.
func (s *Session) ConnID() string {
	if s == nil || s.Client == nil {
		return ""
	}
	return s.Client.ConnID
}

// Registry tracks which connection is attached to each (conversation, role).
// At most one session exists per pair; registering a new one evicts the old.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	byConv map[string]map[conversation.Role]*Session
	byConn map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log,
		byConv: make(map[string]map[conversation.Role]*Session),
		byConn: make(map[string]*Session),
	}
}

// Register installs s, returning the evicted session if one existed for the same pair.
// The evicted client is closed before the new session becomes visible.
func (r *Registry) Register(s *Session) (evicted *Session) {
	if s == nil || s.Client == nil || s.ConversationID == "" {
		return nil
	}

	r.mu.Lock()
	roles := r.byConv[s.ConversationID]
	if roles == nil {
		roles = make(map[conversation.Role]*Session, 2)
		r.byConv[s.ConversationID] = roles
	}
	if prev := roles[s.Role]; prev != nil && prev.Client != s.Client {
		evicted = prev
		delete(r.byConn, prev.ConnID())
		prev.Client.Close(reasonEvicted)
	}
	if old := r.byConn[s.ConnID()]; old != nil && old != s {
		r.removeLocked(old)
	}
	roles[s.Role] = s
	r.byConn[s.ConnID()] = s
	r.mu.Unlock()

	if evicted != nil {
		r.log.Info("session.evicted", "conversation_id", s.ConversationID, "role", string(s.Role), "conn_id", evicted.ConnID(), "replaced_by", s.ConnID())
	}
	return evicted
}

// Unregister removes whatever session is bound to connID. It is idempotent and reports
// the removed session, or nil.
func (r *Registry) Unregister(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byConn[connID]
	if s == nil {
		return nil
	}
	r.removeLocked(s)
	return s
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.byConn, s.ConnID())
	roles := r.byConv[s.ConversationID]
	if roles == nil {
		return
	}
	if roles[s.Role] == s {
		delete(roles, s.Role)
	}
	if len(roles) == 0 {
		delete(r.byConv, s.ConversationID)
	}
}

// SessionsFor returns a snapshot of the sessions attached to conversationID (zero, one or two).
func (r *Registry) SessionsFor(conversationID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := r.byConv[conversationID]
	out := make([]*Session, 0, len(roles))
	for _, role := range []conversation.Role{conversation.RoleCustomer, conversation.RoleAgent} {
		if s := roles[role]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Session returns the session attached for role, or nil.
func (r *Registry) Session(conversationID string, role conversation.Role) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConv[conversationID][role]
}

// Lookup returns the session bound to connID, or nil.
func (r *Registry) Lookup(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// IsCurrent reports whether s is still the attached session for its pair.
func (r *Registry) IsCurrent(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConv[s.ConversationID][s.Role] == s
}

// DetachConversation removes every session of conversationID and returns them.
func (r *Registry) DetachConversation(conversationID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles := r.byConv[conversationID]
	out := make([]*Session, 0, len(roles))
	for _, s := range roles {
		delete(r.byConn, s.ConnID())
		out = append(out, s)
	}
	delete(r.byConv, conversationID)
	return out
}

// Len reports the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
