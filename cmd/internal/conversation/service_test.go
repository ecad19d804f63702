package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, pageSize int) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), ServiceConfig{HistoryPageSize: pageSize})
}

func startGuest(t *testing.T, svc *Service) CreateResult {
	t.Helper()

	res, err := svc.Create(context.Background(), CreateRequest{
		Actor:          Actor{Role: RoleCustomer},
		GuestName:      "Ada Lovelace",
		GuestEmail:     "Ada@Example.com",
		InitialMessage: "I need help with my order",
		Snapshot: &ContextSnapshot{
			CartItems:  []CartItem{{ProductID: "p-1", Name: "Desk lamp", Price: 39.9, Quantity: 1}},
			CapturedAt: time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	return res
}

func TestService_GuestStartScenario(t *testing.T) {
	svc := newTestService(t, 0)
	res := startGuest(t, svc)

	assert.Equal(t, StatusWaiting, res.Conversation.Status)
	assert.NotEmpty(t, res.Token)
	assert.NotEqual(t, res.Token, res.Conversation.TokenHash)
	assert.Equal(t, "ada@example.com", res.Conversation.GuestEmail)

	hist, err := svc.History(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "I need help with my order", hist[0].Body)

	require.NotNil(t, res.Conversation.Snapshot)
	assert.Len(t, res.Conversation.Snapshot.CartItems, 1)
}

func TestService_CreateValidation(t *testing.T) {
	svc := newTestService(t, 0)

	cases := []struct {
		name string
		req  CreateRequest
		kind error
	}{
		{
			name: "guest without email",
			req:  CreateRequest{Actor: Actor{Role: RoleCustomer}, GuestName: "Ada", InitialMessage: "hi"},
			kind: ErrValidation,
		},
		{
			name: "guest with invalid email",
			req:  CreateRequest{Actor: Actor{Role: RoleCustomer}, GuestName: "Ada", GuestEmail: "nope", InitialMessage: "hi"},
			kind: ErrValidation,
		},
		{
			name: "empty initial message",
			req:  CreateRequest{Actor: Actor{Role: RoleCustomer, ID: "cust-1"}, InitialMessage: "   "},
			kind: ErrValidation,
		},
		{
			name: "agent cannot start",
			req:  CreateRequest{Actor: Actor{Role: RoleAgent, ID: "agent-1"}, InitialMessage: "hi"},
			kind: ErrUnauthorized,
		},
	}

	for _, tc := range cases {
		_, err := svc.Create(context.Background(), tc.req)
		if !errors.Is(err, tc.kind) {
			t.Fatalf("%s: got err=%v want kind=%v", tc.name, err, tc.kind)
		}
	}
}

func TestService_RegisteredCustomerHasNoToken(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{
		Actor:          Actor{Role: RoleCustomer, ID: "cust-7"},
		InitialMessage: "Where is my parcel?",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Token)
	assert.False(t, res.Conversation.IsGuest())
	assert.Nil(t, res.Conversation.Snapshot)

	_, err = svc.Get(ctx, res.Conversation.ID, Actor{Role: RoleCustomer, ID: "cust-7"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, res.Conversation.ID, Actor{Role: RoleCustomer, ID: "cust-8"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_GuestTokenRequired(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	res := startGuest(t, svc)
	id := res.Conversation.ID

	_, err := svc.Get(ctx, id, Actor{Role: RoleCustomer, Token: res.Token})
	require.NoError(t, err)

	_, err = svc.Get(ctx, id, Actor{Role: RoleCustomer, Token: "wrong"})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Get(ctx, id, Actor{Role: RoleCustomer})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Get(ctx, "missing", Actor{Role: RoleCustomer, Token: res.Token})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_AppendAuthorization(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	res := startGuest(t, svc)
	id := res.Conversation.ID
	customer := Actor{Role: RoleCustomer, Token: res.Token}

	_, err := svc.AppendMessage(ctx, AppendRequest{ConversationID: id, Actor: customer})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.AppendMessage(ctx, AppendRequest{ConversationID: id, Actor: Actor{Role: RoleAgent, ID: "agent-a"}, Body: "hello"})
	require.ErrorIs(t, err, ErrInvalidState, "unclaimed conversation")

	_, err = svc.Claim(ctx, id, "agent-a")
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, AppendRequest{ConversationID: id, Actor: Actor{Role: RoleAgent, ID: "agent-b"}, Body: "hello"})
	require.ErrorIs(t, err, ErrUnauthorized)

	m, err := svc.AppendMessage(ctx, AppendRequest{ConversationID: id, Actor: Actor{Role: RoleAgent, ID: "agent-a"}, Body: "  Hello  "})
	require.NoError(t, err)
	assert.Equal(t, "Hello", m.Body)
	assert.Equal(t, RoleAgent, m.SenderRole)
	assert.Equal(t, "agent-a", m.SenderID)
	assert.EqualValues(t, 2, m.Seq)
}

func TestService_ClaimScenario(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	id := startGuest(t, svc).Conversation.ID

	a, err := svc.Claim(ctx, id, "A")
	require.NoError(t, err)
	assert.True(t, a.Transitioned)
	assert.Equal(t, StatusActive, a.Conversation.Status)
	assert.Equal(t, "A", a.Conversation.AssignedAgentID)

	_, err = svc.Claim(ctx, id, "B")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, CodeAlreadyClaimed, Code(err))

	again, err := svc.Claim(ctx, id, "A")
	require.NoError(t, err)
	assert.False(t, again.Transitioned)

	_, err = svc.Claim(ctx, id, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_CloseScenario(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	res := startGuest(t, svc)
	id := res.Conversation.ID
	customer := Actor{Role: RoleCustomer, Token: res.Token}
	agent := Actor{Role: RoleAgent, ID: "agent-a"}

	_, err := svc.Claim(ctx, id, agent.ID)
	require.NoError(t, err)

	_, _, err = svc.Close(ctx, CloseRequest{ConversationID: id, Actor: Actor{Role: RoleAgent, ID: "agent-z"}})
	require.ErrorIs(t, err, ErrUnauthorized)

	c, sys, err := svc.Close(ctx, CloseRequest{ConversationID: id, Actor: agent, ResolutionNotes: "Refund issued"})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, c.Status)
	assert.Equal(t, "Refund issued", c.ResolutionNotes)
	assert.Equal(t, "agent", c.ClosedBy)
	assert.Equal(t, RoleSystem, sys.SenderRole)
	assert.Equal(t, "Conversation closed by agent", sys.Body)

	_, err = svc.AppendMessage(ctx, AppendRequest{ConversationID: id, Actor: customer, Body: "thanks"})
	require.ErrorIs(t, err, ErrInvalidState)

	_, _, err = svc.Close(ctx, CloseRequest{ConversationID: id, Actor: customer})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.Claim(ctx, id, agent.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestService_ListMessagesIsLazyAndRestartable(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()
	res := startGuest(t, svc)
	id := res.Conversation.ID
	customer := Actor{Role: RoleCustomer, Token: res.Token}

	for _, body := range []string{"a", "b", "c", "d"} {
		_, err := svc.AppendMessage(ctx, AppendRequest{ConversationID: id, Actor: customer, Body: body})
		require.NoError(t, err)
	}

	var firstTwo []int64
	for m, err := range svc.ListMessages(ctx, id) {
		require.NoError(t, err)
		firstTwo = append(firstTwo, m.Seq)
		if len(firstTwo) == 2 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2}, firstTwo)

	var all []int64
	for m, err := range svc.ListMessages(ctx, id) {
		require.NoError(t, err)
		all = append(all, m.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all)

	var tail []int64
	for m, err := range svc.ListMessagesAfter(ctx, id, 3) {
		require.NoError(t, err)
		tail = append(tail, m.Seq)
	}
	assert.Equal(t, []int64{4, 5}, tail)

	var gotErr error
	for _, err := range svc.ListMessages(ctx, "missing") {
		gotErr = err
	}
	require.ErrorIs(t, gotErr, ErrNotFound)
}

func TestService_AttachmentsAuthorizeAgainstConversation(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	res := startGuest(t, svc)
	customer := Actor{Role: RoleCustomer, Token: res.Token}

	id, err := svc.NewAttachmentID()
	require.NoError(t, err)
	a, err := svc.SaveAttachment(ctx, customer, Attachment{
		ID:             id,
		ConversationID: res.Conversation.ID,
		Filename:       "photo.png",
		MimeType:       "image/png",
		SizeBytes:      10,
		StorageKey:     "k",
		Checksum:       "c",
	})
	require.NoError(t, err)
	assert.False(t, a.CreatedAt.IsZero())

	_, err = svc.GetAttachment(ctx, customer, id)
	require.NoError(t, err)

	_, err = svc.GetAttachment(ctx, Actor{Role: RoleCustomer, Token: "nope"}, id)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{opErr("x", ErrValidation, ""), CodeValidation},
		{opErr("x", ErrUnauthorized, ""), CodeUnauthorized},
		{opErr("x", ErrNotFound, ""), CodeNotFound},
		{opErr("x", ErrInvalidState, ""), CodeInvalidState},
		{opErr("x", ErrAlreadyClaimed, ""), CodeAlreadyClaimed},
		{unavailable("x", errors.New("conn reset")), CodeUnavailable},
		{errors.New("boom"), CodeUnavailable},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestOpError_UnwrapsCause(t *testing.T) {
	t.Parallel()

	err := unavailable("conversation.AppendMessage", context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "operation timed out, retry", ErrorMessage(err))

	kinded := opErr("conversation.Get", ErrNotFound, "conversation not found")
	assert.Equal(t, kinded, unavailable("outer", kinded))
}
