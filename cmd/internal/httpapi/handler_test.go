package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/attachment"
	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/conversation"
	"helpdesk/cmd/internal/queue"
	"helpdesk/cmd/internal/realtime"
	"helpdesk/cmd/internal/snapshot"
)

type apiFixture struct {
	srv    *httptest.Server
	tokens *auth.TokenManager
}

func newAPIFixture(t *testing.T, cfg Config) apiFixture {
	t.Helper()

	svc := conversation.NewService(conversation.NewMemoryStore(), conversation.ServiceConfig{})
	files, err := attachment.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	broker := realtime.NewBroker(svc, queue.NewCoordinator(svc, nil), realtime.BrokerConfig{
		Snapshots:   snapshot.NewBuilder(snapshot.Nop{}),
		Attachments: files,
	})

	acfg := auth.DefaultConfig()
	acfg.SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := auth.NewTokenManager(acfg)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(nil, broker, tokens, files, cfg).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return apiFixture{srv: srv, tokens: tokens}
}

func (f apiFixture) agentToken(t *testing.T, id string) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(auth.Principal{Subject: id, Role: conversation.RoleAgent}, time.Now())
	require.NoError(t, err)
	return tok
}

type reqOpt func(*http.Request)

func bearer(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func guestToken(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set(ConversationTokenHeader, tok) }
}

func (f apiFixture) do(t *testing.T, method, path string, body any, opts ...reqOpt) (int, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodeBody[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func errCode(t *testing.T, b []byte) string {
	t.Helper()
	return decodeBody[errorResponse](t, b).Error.Code
}

func (f apiFixture) startGuest(t *testing.T) startResponse {
	t.Helper()
	status, body := f.do(t, http.MethodPost, Prefix+"/conversations", v1.StartPayload{
		GuestName:      "Ada",
		GuestEmail:     "ada@example.com",
		InitialMessage: "My parcel is late",
		CartItems:      []v1.CartItem{{ProductID: "p-1", Name: "Lamp", Price: 40, Quantity: 1}},
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	return decodeBody[startResponse](t, body)
}

func TestHandler_StartGetAndMessages(t *testing.T) {
	f := newAPIFixture(t, Config{})

	res := f.startGuest(t)
	require.NotEmpty(t, res.ConversationToken)
	assert.Equal(t, "waiting", res.Conversation.Status)
	assert.Nil(t, res.Conversation.ContextSnapshot, "customers never see the snapshot")
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "My parcel is late", res.Messages[0].Body)

	path := Prefix + "/conversations/" + res.Conversation.ID

	status, body := f.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, conversation.CodeUnauthorized, errCode(t, body))

	status, body = f.do(t, http.MethodGet, path, nil, guestToken(res.ConversationToken))
	require.Equal(t, http.StatusOK, status, string(body))
	detail := decodeBody[conversationDetailResponse](t, body)
	assert.Len(t, detail.Messages, 1)
	assert.False(t, detail.CustomerOnline)
	assert.False(t, detail.AgentOnline)

	status, body = f.do(t, http.MethodPost, path+"/messages", v1.SendMessagePayload{Body: "Any news?"}, guestToken(res.ConversationToken))
	require.Equal(t, http.StatusCreated, status, string(body))
	msg := decodeBody[v1.MessagePayload](t, body)
	assert.Equal(t, int64(2), msg.Seq)
	assert.Equal(t, "customer", msg.SenderRole)

	status, body = f.do(t, http.MethodGet, path+"/messages?after_seq=1", nil, guestToken(res.ConversationToken))
	require.Equal(t, http.StatusOK, status)
	page := decodeBody[messagesResponse](t, body)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "Any news?", page.Messages[0].Body)

	status, _ = f.do(t, http.MethodGet, path+"/messages?after_seq=-4", nil, guestToken(res.ConversationToken))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, Prefix+"/conversations/01J0000000000000000000000", nil, guestToken(res.ConversationToken))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, conversation.CodeNotFound, errCode(t, body))
}

func TestHandler_StartValidation(t *testing.T) {
	f := newAPIFixture(t, Config{})

	status, body := f.do(t, http.MethodPost, Prefix+"/conversations", v1.StartPayload{InitialMessage: "hi"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, conversation.CodeValidation, errCode(t, body))

	status, _ = f.do(t, http.MethodPost, Prefix+"/conversations", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, Prefix+"/conversations", v1.StartPayload{InitialMessage: "hi"}, bearer(f.agentToken(t, "agent-a")))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, conversation.CodeUnauthorized, errCode(t, body))

	status, _ = f.do(t, http.MethodPost, Prefix+"/conversations", v1.StartPayload{InitialMessage: "hi"}, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHandler_QueueClaimClose(t *testing.T) {
	f := newAPIFixture(t, Config{})
	res := f.startGuest(t)
	convPath := Prefix + "/conversations/" + res.Conversation.ID
	agentA := f.agentToken(t, "agent-a")

	status, _ := f.do(t, http.MethodGet, Prefix+"/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := f.do(t, http.MethodGet, Prefix+"/queue", nil, bearer(agentA))
	require.Equal(t, http.StatusOK, status)
	q := decodeBody[v1.QueuePayload](t, body)
	require.Len(t, q.Conversations, 1)
	assert.Equal(t, res.Conversation.ID, q.Conversations[0].ID)

	status, _ = f.do(t, http.MethodPost, convPath+"/claim", nil, guestToken(res.ConversationToken))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = f.do(t, http.MethodPost, convPath+"/claim", nil, bearer(agentA))
	require.Equal(t, http.StatusOK, status, string(body))
	claimed := decodeBody[conversationResponse](t, body)
	assert.Equal(t, "active", claimed.Status)
	assert.Equal(t, "agent-a", claimed.AssignedAgentID)
	require.NotNil(t, claimed.ContextSnapshot)
	assert.Len(t, claimed.ContextSnapshot.CartItems, 1)

	status, body = f.do(t, http.MethodPost, convPath+"/claim", nil, bearer(f.agentToken(t, "agent-b")))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, conversation.CodeAlreadyClaimed, errCode(t, body))

	status, body = f.do(t, http.MethodGet, Prefix+"/queue", nil, bearer(agentA))
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeBody[v1.QueuePayload](t, body).Conversations)

	notes := "Parcel re-shipped"
	status, body = f.do(t, http.MethodPost, convPath+"/close", closeRequest{ResolutionNotes: &notes}, bearer(agentA))
	require.Equal(t, http.StatusOK, status, string(body))
	closed := decodeBody[conversationResponse](t, body)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, "agent", closed.ClosedBy)
	assert.Equal(t, notes, closed.ResolutionNotes)

	status, body = f.do(t, http.MethodPost, convPath+"/close", nil, guestToken(res.ConversationToken))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, conversation.CodeInvalidState, errCode(t, body))

	status, _ = f.do(t, http.MethodPost, convPath+"/messages", v1.SendMessagePayload{Body: "late"}, guestToken(res.ConversationToken))
	assert.Equal(t, http.StatusConflict, status)
}

func upload(t *testing.T, f apiFixture, convID, token, filename, contentType string, data []byte) (int, []byte) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	h["Content-Type"] = []string{contentType}
	pw, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+Prefix+"/conversations/"+convID+"/attachments", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(ConversationTokenHeader, token)

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestHandler_AttachmentUploadDownload(t *testing.T) {
	f := newAPIFixture(t, Config{})
	res := f.startGuest(t)

	data := []byte("tracking number: 123-456")
	status, body := upload(t, f, res.Conversation.ID, res.ConversationToken, "receipt.txt", "text/plain", data)
	require.Equal(t, http.StatusCreated, status, string(body))
	ref := decodeBody[v1.AttachmentRef](t, body)
	assert.Equal(t, "receipt.txt", ref.Filename)
	assert.Equal(t, int64(len(data)), ref.SizeBytes)
	assert.Equal(t, v1.AttachmentPath+ref.ID, ref.URL)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+ref.URL, nil)
	require.NoError(t, err)
	req.Header.Set(ConversationTokenHeader, res.ConversationToken)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, got)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "receipt.txt")

	// Another guest cannot read it.
	other := f.startGuest(t)
	status, _ = f.do(t, http.MethodGet, ref.URL, nil, guestToken(other.ConversationToken))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, v1.AttachmentPath+"01J0000000000000000000000", nil, guestToken(res.ConversationToken))
	assert.Equal(t, http.StatusNotFound, status)

	status, body = upload(t, f, res.Conversation.ID, res.ConversationToken, "run.sh", "application/x-sh", []byte("#!/bin/sh"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, conversation.CodeValidation, errCode(t, body))

	status, _ = upload(t, f, res.Conversation.ID, "wrong-token", "receipt.txt", "text/plain", data)
	assert.Equal(t, http.StatusUnauthorized, status)

	// The uploaded attachment can be referenced by a message.
	status, body = f.do(t, http.MethodPost, Prefix+"/conversations/"+res.Conversation.ID+"/messages",
		v1.SendMessagePayload{AttachmentRef: ref.ID}, guestToken(res.ConversationToken))
	require.Equal(t, http.StatusCreated, status, string(body))
	msg := decodeBody[v1.MessagePayload](t, body)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, ref.ID, msg.Attachment.ID)
}

func TestHandler_StartRateLimited(t *testing.T) {
	f := newAPIFixture(t, Config{StartRateEvents: 2, StartRateWindow: time.Hour})

	f.startGuest(t)
	f.startGuest(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+Prefix+"/conversations", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		conversation.CodeValidation:     http.StatusBadRequest,
		conversation.CodeUnauthorized:   http.StatusUnauthorized,
		conversation.CodeNotFound:       http.StatusNotFound,
		conversation.CodeInvalidState:   http.StatusConflict,
		conversation.CodeAlreadyClaimed: http.StatusConflict,
		conversation.CodeUnavailable:    http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), code)
	}
}

func TestIPLimiter(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, time.Minute)
	a, b := net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")

	assert.True(t, l.Allow(a, now))
	assert.False(t, l.Allow(a, now.Add(time.Second)))
	assert.True(t, l.Allow(b, now.Add(time.Second)))
	assert.True(t, l.Allow(a, now.Add(2*time.Minute)))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.7", clientIP(r, false).String())
	assert.Equal(t, "203.0.113.9", clientIP(r, true).String())
}
