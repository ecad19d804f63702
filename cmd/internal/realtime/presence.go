package realtime

import (
	"context"
	"sync"

	"helpdesk/cmd/internal/conversation"
)

// Presence records which roles are online for a conversation. Entries are keyed by connection id
// so a stale connection can never remove the entry of the one that replaced it.
type Presence interface {
	Attach(ctx context.Context, conversationID string, role conversation.Role, connID string) error
	Detach(ctx context.Context, conversationID string, role conversation.Role, connID string) error
	Refresh(ctx context.Context, conversationID string, role conversation.Role, connID string) error
	Online(ctx context.Context, conversationID string) (Online, error)
	Clear(ctx context.Context, conversationID string) error
}

// Online reports which sides of a conversation are connected.
type Online struct {
	Customer bool
	Agent    bool
}

// Has reports whether role is online.
func (o Online) Has(role conversation.Role) bool {
	switch role {
	case conversation.RoleCustomer:
		return o.Customer
	case conversation.RoleAgent:
		return o.Agent
	default:
		return false
	}
}

func (o *Online) set(role conversation.Role) {
	switch role {
	case conversation.RoleCustomer:
		o.Customer = true
	case conversation.RoleAgent:
		o.Agent = true
	}
}

// MemoryPresence is a single-process Presence.
type MemoryPresence struct {
	mu      sync.Mutex
	entries map[string]map[conversation.Role]string
}

// NewMemoryPresence constructs an empty MemoryPresence.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{entries: make(map[string]map[conversation.Role]string)}
}

func (p *MemoryPresence) Attach(_ context.Context, conversationID string, role conversation.Role, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	roles := p.entries[conversationID]
	if roles == nil {
		roles = make(map[conversation.Role]string, 2)
		p.entries[conversationID] = roles
	}
	roles[role] = connID
	return nil
}

func (p *MemoryPresence) Detach(_ context.Context, conversationID string, role conversation.Role, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	roles := p.entries[conversationID]
	if roles[role] != connID {
		return nil
	}
	delete(roles, role)
	if len(roles) == 0 {
		delete(p.entries, conversationID)
	}
	return nil
}

// Refresh is a no-op in memory; entries never expire.
func (p *MemoryPresence) Refresh(context.Context, string, conversation.Role, string) error { return nil }

func (p *MemoryPresence) Online(_ context.Context, conversationID string) (Online, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out Online
	for role := range p.entries[conversationID] {
		out.set(role)
	}
	return out, nil
}

func (p *MemoryPresence) Clear(_ context.Context, conversationID string) error {
	p.mu.Lock()
	delete(p.entries, conversationID)
	p.mu.Unlock()
	return nil
}
