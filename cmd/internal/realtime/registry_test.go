package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/conversation"
)

func newSession(conv string, role conversation.Role, connID string) *Session {
	return &Session{
		ConversationID: conv,
		Role:           role,
		Actor:          conversation.Actor{Role: role, ID: connID},
		Client:         NewClient(connID, 8),
	}
}

func TestRegistry_RegisterEvictsPrior(t *testing.T) {
	r := NewRegistry(nil)

	first := newSession("conv-1", conversation.RoleCustomer, "c1")
	second := newSession("conv-1", conversation.RoleCustomer, "c2")
	agent := newSession("conv-1", conversation.RoleAgent, "a1")

	assert.Nil(t, r.Register(first))
	assert.Nil(t, r.Register(agent))

	evicted := r.Register(second)
	require.Same(t, first, evicted)

	select {
	case <-first.Client.Done():
	default:
		t.Fatal("evicted client was not closed")
	}
	assert.Equal(t, reasonEvicted, first.Client.Reason())
	assert.False(t, r.IsCurrent(first))
	assert.True(t, r.IsCurrent(second))
	assert.Nil(t, r.Lookup("c1"))

	got := r.SessionsFor("conv-1")
	require.Len(t, got, 2)
	assert.Same(t, second, got[0])
	assert.Same(t, agent, got[1])
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	old := newSession("conv-1", conversation.RoleCustomer, "c1")
	r.Register(old)
	cur := newSession("conv-1", conversation.RoleCustomer, "c2")
	r.Register(cur)

	// The evicted connection going away must not remove its replacement.
	assert.Nil(t, r.Unregister("c1"))
	assert.True(t, r.IsCurrent(cur))

	assert.Same(t, cur, r.Unregister("c2"))
	assert.Nil(t, r.Unregister("c2"))
	assert.Empty(t, r.SessionsFor("conv-1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DetachConversation(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newSession("conv-1", conversation.RoleCustomer, "c1"))
	r.Register(newSession("conv-1", conversation.RoleAgent, "a1"))
	r.Register(newSession("conv-2", conversation.RoleCustomer, "c2"))

	out := r.DetachConversation("conv-1")
	assert.Len(t, out, 2)
	assert.Empty(t, r.SessionsFor("conv-1"))
	assert.Nil(t, r.Lookup("a1"))
	assert.Equal(t, 1, r.Len())
}

func TestClient_EnqueueAndFinish(t *testing.T) {
	c := NewClient("c1", 1)
	env := v1.Envelope{V: v1.Version, Type: v1.TypeTyping}

	require.NoError(t, c.Enqueue(env))
	assert.ErrorIs(t, c.Enqueue(env), errQueueFull)

	c.Finish(reasonClosed)
	assert.ErrorIs(t, c.Enqueue(env), errClientClosed)
	assert.True(t, c.Closed())
	assert.Equal(t, reasonClosed, c.Reason())
	select {
	case <-c.Finished():
	default:
		t.Fatal("finished not signalled")
	}

	c.Close("later")
	assert.Equal(t, reasonClosed, c.Reason())
}

func TestLanes_SerializePerKey(t *testing.T) {
	l := NewLanes()
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), "k", func() error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(100 * time.Microsecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Equal(t, 0, l.Len())
}

func TestLanes_IndependentKeysAndCancel(t *testing.T) {
	l := NewLanes()
	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), "a", func() error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	// Another key is not blocked.
	require.NoError(t, l.Do(context.Background(), "b", func() error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := l.Do(ctx, "a", func() error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)

	close(hold)
}

func TestLanes_CancelledContextNeverRuns(t *testing.T) {
	l := NewLanes()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The lane is free, so only the context check keeps fn from running.
	for i := 0; i < 100; i++ {
		ran := false
		err := l.Do(ctx, "a", func() error { ran = true; return nil })
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, ran, "iteration %d", i)
	}
	assert.Equal(t, 0, l.Len())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Now()
	assert.True(t, rl.Allow(now))
	assert.True(t, rl.Allow(now.Add(10*time.Millisecond)))
	assert.False(t, rl.Allow(now.Add(20*time.Millisecond)))
	assert.True(t, rl.Allow(now.Add(1100*time.Millisecond)))
}

func TestMemoryPresence(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()

	require.NoError(t, p.Attach(ctx, "conv-1", conversation.RoleCustomer, "c1"))
	require.NoError(t, p.Attach(ctx, "conv-1", conversation.RoleCustomer, "c2"))

	// Stale detach is ignored.
	require.NoError(t, p.Detach(ctx, "conv-1", conversation.RoleCustomer, "c1"))
	on, err := p.Online(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, on.Customer)
	assert.False(t, on.Agent)

	require.NoError(t, p.Detach(ctx, "conv-1", conversation.RoleCustomer, "c2"))
	on, _ = p.Online(ctx, "conv-1")
	assert.False(t, on.Has(conversation.RoleCustomer))
}
