package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/conversation"
)

type wsFixture struct {
	srv    *httptest.Server
	gw     *WSGateway
	tokens *auth.TokenManager
	broker testBroker
}

func newWSFixture(t *testing.T) wsFixture {
	t.Helper()
	t.Setenv("HELPDESK_WS_ORIGIN_REQUIRED", "false")

	cfg := auth.DefaultConfig()
	cfg.SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := auth.NewTokenManager(cfg)
	require.NoError(t, err)

	tb := newTestBroker(t)
	gw := NewWSGateway(nil, tb.Broker, tokens, nil, 1<<20)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return wsFixture{srv: srv, gw: gw, tokens: tokens, broker: tb}
}

func (f wsFixture) agentToken(t *testing.T, id string) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(auth.Principal{Subject: id, Role: conversation.RoleAgent}, time.Now())
	require.NoError(t, err)
	return tok
}

func dialWS(t *testing.T, baseURL, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseURL)
	require.NoError(t, err)
	u.Scheme = "ws"

	h := http.Header{}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseURL, bearerToken string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseURL, bearerToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, id, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) (v1.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	return env, nil
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env, err := readEnvelopeWS(t, conn)
		require.NoError(t, err)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func TestWSGateway_CustomerAgentFlow(t *testing.T) {
	f := newWSFixture(t)

	cust := mustDial(t, f.srv.URL, "")
	writeEnvelopeWS(t, cust, "s-1", v1.TypeStart, v1.StartPayload{
		GuestName:      "Ada",
		GuestEmail:     "ada@example.com",
		InitialMessage: "I need help with my order",
		CartItems:      []v1.CartItem{{ProductID: "p-1", Name: "Lamp", Price: 40, Quantity: 1}},
	})

	connected := readUntilType(t, cust, v1.TypeConnected)
	assert.Equal(t, "s-1", connected.ReplyTo)
	cp := decode[v1.ConnectedPayload](t, connected)
	require.NotEmpty(t, cp.ConversationToken)
	convID := cp.ConversationID

	hist := decode[v1.HistoryPayload](t, readUntilType(t, cust, v1.TypeHistory))
	require.Len(t, hist.Messages, 1)

	// Queue watchers see the waiting conversation.
	watcher := mustDial(t, f.srv.URL, f.agentToken(t, "agent-w"))
	writeEnvelopeWS(t, watcher, "w-1", v1.TypeWatchQueue, v1.WatchQueuePayload{})
	q := decode[v1.QueuePayload](t, readUntilType(t, watcher, v1.TypeQueue))
	require.Len(t, q.Conversations, 1)
	assert.Equal(t, convID, q.Conversations[0].ID)

	agent := mustDial(t, f.srv.URL, f.agentToken(t, "agent-a"))
	writeEnvelopeWS(t, agent, "c-1", v1.TypeClaim, v1.ClaimPayload{ConversationID: convID})
	readUntilType(t, agent, v1.TypeConnected)
	ah := decode[v1.HistoryPayload](t, readUntilType(t, agent, v1.TypeHistory))
	require.NotNil(t, ah.ContextSnapshot)
	assert.Len(t, ah.ContextSnapshot.CartItems, 1)

	active := decode[v1.ConversationActivePayload](t, readUntilType(t, cust, v1.TypeConversationActive))
	assert.Equal(t, "agent-a", active.AgentID)

	changed := decode[v1.QueuePayload](t, readUntilType(t, watcher, v1.TypeQueueChanged))
	assert.Empty(t, changed.Conversations)

	writeEnvelopeWS(t, agent, "m-1", v1.TypeSendMessage, v1.SendMessagePayload{Body: "Hello"})
	echo := readUntilType(t, agent, v1.TypeMessage)
	assert.Equal(t, "m-1", echo.ReplyTo)
	assert.Equal(t, "Hello", decode[v1.MessagePayload](t, echo).Body)
	assert.Equal(t, "Hello", decode[v1.MessagePayload](t, readUntilType(t, cust, v1.TypeMessage)).Body)

	notes := "Refund issued"
	writeEnvelopeWS(t, agent, "x-1", v1.TypeCloseConversation, v1.CloseConversationPayload{ResolutionNotes: &notes})

	for _, conn := range []*websocket.Conn{cust, agent} {
		sys := decode[v1.MessagePayload](t, readUntilType(t, conn, v1.TypeMessage))
		assert.Equal(t, "system", sys.SenderRole)
		closed := decode[v1.ConversationClosedPayload](t, readUntilType(t, conn, v1.TypeConversationClosed))
		assert.Equal(t, "Refund issued", closed.ResolutionNotes)

		// conversation_closed is the last frame; the server then closes normally.
		_, err := readEnvelopeWS(t, conn)
		require.Error(t, err)
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	}
}

func TestWSGateway_ResumeAndEviction(t *testing.T) {
	f := newWSFixture(t)

	first := mustDial(t, f.srv.URL, "")
	writeEnvelopeWS(t, first, "s-1", v1.TypeStart, v1.StartPayload{
		GuestName: "Ada", GuestEmail: "ada@example.com", InitialMessage: "hello?",
	})
	cp := decode[v1.ConnectedPayload](t, readUntilType(t, first, v1.TypeConnected))
	readUntilType(t, first, v1.TypeHistory)

	bad := mustDial(t, f.srv.URL, "")
	writeEnvelopeWS(t, bad, "r-0", v1.TypeResume, v1.ResumePayload{ConversationID: cp.ConversationID, ConversationToken: "wrong"})
	e := readUntilType(t, bad, v1.TypeError)
	assert.Equal(t, "r-0", e.ReplyTo)
	assert.Equal(t, conversation.CodeUnauthorized, decode[v1.ErrorPayload](t, e).Code)

	second := mustDial(t, f.srv.URL, "")
	writeEnvelopeWS(t, second, "r-1", v1.TypeResume, v1.ResumePayload{ConversationID: cp.ConversationID, ConversationToken: cp.ConversationToken})
	readUntilType(t, second, v1.TypeConnected)
	hist := decode[v1.HistoryPayload](t, readUntilType(t, second, v1.TypeHistory))
	require.Len(t, hist.Messages, 1)

	// The first connection is evicted.
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		_, err = readEnvelopeWS(t, first)
	}
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSGateway_Rejections(t *testing.T) {
	f := newWSFixture(t)

	_, resp, err := dialWS(t, f.srv.URL, "not-a-valid-token")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	guest := mustDial(t, f.srv.URL, "")

	writeEnvelopeWS(t, guest, "c-1", v1.TypeClaim, v1.ClaimPayload{ConversationID: "x"})
	e := decode[v1.ErrorPayload](t, readUntilType(t, guest, v1.TypeError))
	assert.Equal(t, conversation.CodeUnauthorized, e.Code)

	writeEnvelopeWS(t, guest, "m-1", v1.TypeSendMessage, v1.SendMessagePayload{Body: "hi"})
	e = decode[v1.ErrorPayload](t, readUntilType(t, guest, v1.TypeError))
	assert.Equal(t, codeNotConnected, e.Code)

	writeEnvelopeWS(t, guest, "s-1", v1.TypeStart, v1.StartPayload{InitialMessage: "no identity"})
	e = decode[v1.ErrorPayload](t, readUntilType(t, guest, v1.TypeError))
	assert.Equal(t, conversation.CodeValidation, e.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, guest.Write(ctx, websocket.MessageText, []byte("{nope")))
	e = decode[v1.ErrorPayload](t, readUntilType(t, guest, v1.TypeError))
	assert.Equal(t, codeBadJSON, e.Code)

	agent := mustDial(t, f.srv.URL, f.agentToken(t, "agent-a"))
	writeEnvelopeWS(t, agent, "c-2", v1.TypeClaim, v1.ClaimPayload{ConversationID: "01HZZZZZZZZZZZZZZZZZZZZZZZ"})
	e = decode[v1.ErrorPayload](t, readUntilType(t, agent, v1.TypeError))
	assert.Equal(t, conversation.CodeNotFound, e.Code)
}

func TestWSGateway_RejectsWrongSubprotocol(t *testing.T) {
	f := newWSFixture(t)
	u, _ := url.Parse(f.srv.URL)
	u.Scheme = "ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestOriginPolicy(t *testing.T) {
	t.Setenv("HELPDESK_WS_ALLOWED_ORIGINS", "https://shop.example.com, http://localhost:5173")
	g := NewWSGateway(nil, nil, nil, nil, 0)

	assert.Equal(t, []string{"localhost", "shop.example.com"}, g.originPatterns)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Error(t, g.enforceOrigin(r), "origin required by default")

	r.Header.Set("Origin", "https://shop.example.com")
	assert.NoError(t, g.enforceOrigin(r))
	r.Header.Set("Origin", "http://localhost:3000")
	assert.NoError(t, g.enforceOrigin(r))
	r.Header.Set("Origin", "https://evil.example.net")
	assert.Error(t, g.enforceOrigin(r))
}

func TestWSGateway_ShutdownClosesGoingAway(t *testing.T) {
	f := newWSFixture(t)

	cust := mustDial(t, f.srv.URL, "")
	writeEnvelopeWS(t, cust, "s-1", v1.TypeStart, v1.StartPayload{
		GuestName:      "Ada",
		GuestEmail:     "ada@example.com",
		InitialMessage: "Still there?",
	})
	convID := decode[v1.ConnectedPayload](t, readUntilType(t, cust, v1.TypeConnected)).ConversationID
	readUntilType(t, cust, v1.TypeHistory)

	f.gw.Shutdown()
	f.gw.Shutdown()

	for {
		_, err := readEnvelopeWS(t, cust)
		if err != nil {
			assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
			break
		}
	}

	// The conversation survives the connection and stays in the queue.
	entries, err := f.broker.QueueView(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, convID, entries[0].ID)
}

func TestWSConn_ErrorReplyCarriesStartedCredentials(t *testing.T) {
	f := newWSFixture(t)
	c := &wsConn{g: f.gw, client: NewClient("c-1", 8)}

	c.sendDomainError("s-1", &StartedError{
		ConversationID: "conv-1",
		Token:          "tok-1",
		Err:            conversation.OpError{Op: "realtime.attach", Kind: conversation.ErrUnavailable},
	})
	c.sendDomainError("m-1", ErrNotConnected)

	envs := drain(c.client)
	require.Len(t, envs, 2)

	require.Equal(t, v1.TypeError, envs[0].Type)
	assert.Equal(t, "s-1", envs[0].ReplyTo)
	p := decode[v1.ErrorPayload](t, envs[0])
	assert.Equal(t, conversation.CodeUnavailable, p.Code)
	assert.Equal(t, "conv-1", p.ConversationID)
	assert.Equal(t, "tok-1", p.ConversationToken)

	p = decode[v1.ErrorPayload](t, envs[1])
	assert.Equal(t, codeNotConnected, p.Code)
	assert.Empty(t, p.ConversationID)
	assert.Empty(t, p.ConversationToken)
}
