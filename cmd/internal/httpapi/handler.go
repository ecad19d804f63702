// Package httpapi exposes the support conversations over REST under /api/v1/support.
//
// Mutations go through the realtime Broker so connected sessions observe them exactly as if
// they had been sent over a WebSocket.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	v1 "helpdesk/shared/contracts/support/v1"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/conversation"
	"helpdesk/cmd/internal/realtime"
)

// Prefix is the mount point of every route.
const Prefix = "/api/v1/support"

// ConversationTokenHeader carries a guest's conversation token.
const ConversationTokenHeader = "X-Conversation-Token"

// multipartOverhead is allowed on top of MaxUploadBytes for headers and boundaries.
const multipartOverhead = 64 << 10

// BlobOpener reads stored attachment bytes.
type BlobOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Handler serves the support REST routes.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	broker   *realtime.Broker
	verifier auth.Verifier
	blobs    BlobOpener
	starts   *ipLimiter
}

// NewHandler constructs a Handler. verifier may be nil (guests only); blobs may be nil, in
// which case downloads answer 503.
func NewHandler(log *slog.Logger, broker *realtime.Broker, verifier auth.Verifier, blobs BlobOpener, cfg Config) *Handler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		log:      log.With("component", "httpapi"),
		cfg:      cfg,
		broker:   broker,
		verifier: verifier,
		blobs:    blobs,
		starts:   newIPLimiter(cfg.StartRateEvents, cfg.StartRateWindow),
	}
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	route := func(pattern string, fn http.HandlerFunc) {
		method, path, _ := strings.Cut(pattern, " ")
		mux.Handle(method+" "+Prefix+path, h.authenticate(fn))
	}
	route("POST /conversations", h.handleStart)
	route("GET /conversations/{id}", h.handleGet)
	route("GET /conversations/{id}/messages", h.handleListMessages)
	route("POST /conversations/{id}/messages", h.handlePostMessage)
	route("POST /conversations/{id}/claim", h.handleClaim)
	route("POST /conversations/{id}/close", h.handleClose)
	route("POST /conversations/{id}/attachments", h.handleUpload)
	route("GET /attachments/{id}", h.handleDownload)
	route("GET /queue", h.handleQueue)
}

// authenticate verifies a presented bearer token and stores the principal in the request context.
// Requests without a token continue as guests.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.BearerToken(r) == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, err := auth.Authenticate(r, h.verifier)
		if err != nil {
			writeError(w, http.StatusUnauthorized, conversation.CodeUnauthorized, "invalid access token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// actor resolves the caller: a verified principal, or a guest holding a conversation token.
func actor(r *http.Request) conversation.Actor {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Actor()
	}
	tok := strings.TrimSpace(r.Header.Get(ConversationTokenHeader))
	if tok == "" {
		tok = strings.TrimSpace(r.URL.Query().Get("conversation_token"))
	}
	return conversation.Actor{Role: conversation.RoleCustomer, Token: tok}
}

func requireAgent(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || !p.IsAgent() {
		writeError(w, http.StatusUnauthorized, conversation.CodeUnauthorized, "agent token required")
		return auth.Principal{}, false
	}
	return p, true
}

// ---- handlers ----

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.Role != conversation.RoleCustomer {
		writeError(w, http.StatusUnauthorized, conversation.CodeUnauthorized, "only customers can start conversations")
		return
	}
	if !h.starts.Allow(clientIP(r, h.cfg.TrustProxy), time.Now()) {
		writeRateLimited(w, h.cfg.StartRateWindow)
		return
	}

	var req v1.StartPayload
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, conversation.CodeValidation, "invalid request body")
		return
	}

	res, err := h.broker.Start(r.Context(), realtime.StartRequest{
		Actor:          conversation.Actor{Role: conversation.RoleCustomer, ID: a.ID},
		GuestName:      req.GuestName,
		GuestEmail:     req.GuestEmail,
		InitialMessage: req.InitialMessage,
		Cart:           realtime.FromCartItems(req.CartItems),
		Wishlist:       realtime.FromWishItems(req.WishlistItems),
	}, nil, "")
	if err != nil {
		h.writeDomainError(w, "httpapi.start", err)
		return
	}

	writeJSON(w, http.StatusCreated, startResponse{
		Conversation:      toConversationResponse(res.Conversation, conversation.RoleCustomer),
		ConversationToken: res.Token,
		Messages:          []v1.MessagePayload{realtime.ToMessagePayload(res.Opening)},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := actor(r)
	svc := h.broker.Service()

	c, err := svc.Get(ctx, r.PathValue("id"), a)
	if err != nil {
		h.writeDomainError(w, "httpapi.get", err)
		return
	}
	msgs, err := svc.History(ctx, c.ID)
	if err != nil {
		h.writeDomainError(w, "httpapi.get", err)
		return
	}
	on, err := h.broker.Presence(ctx, c.ID)
	if err != nil {
		h.log.Warn("httpapi.presence.fail", "conversation_id", c.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, conversationDetailResponse{
		Conversation:   toConversationResponse(c, a.Role),
		Messages:       realtime.ToMessagePayloads(msgs),
		CustomerOnline: on.Customer,
		AgentOnline:    on.Agent,
	})
}

// handleListMessages returns history in Seq order. after_seq resumes after a known message.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svc := h.broker.Service()

	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, conversation.CodeValidation, "after_seq must be a non-negative integer")
			return
		}
		after = n
	}

	c, err := svc.Get(ctx, r.PathValue("id"), actor(r))
	if err != nil {
		h.writeDomainError(w, "httpapi.messages", err)
		return
	}

	out := make([]v1.MessagePayload, 0, 32)
	for m, err := range svc.ListMessagesAfter(ctx, c.ID, after) {
		if err != nil {
			h.writeDomainError(w, "httpapi.messages", err)
			return
		}
		out = append(out, realtime.ToMessagePayload(m))
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: out})
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req v1.SendMessagePayload
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, conversation.CodeValidation, "invalid request body")
		return
	}
	m, err := h.broker.PostMessage(r.Context(), r.PathValue("id"), actor(r), req.Body, req.AttachmentRef)
	if err != nil {
		h.writeDomainError(w, "httpapi.post_message", err)
		return
	}
	writeJSON(w, http.StatusCreated, realtime.ToMessagePayload(m))
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAgent(w, r)
	if !ok {
		return
	}
	c, err := h.broker.ClaimAndConnect(r.Context(), r.PathValue("id"), p.Subject, nil, "")
	if err != nil {
		h.writeDomainError(w, "httpapi.claim", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(c, conversation.RoleAgent))
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, conversation.CodeValidation, "invalid request body")
		return
	}
	notes := ""
	if req.ResolutionNotes != nil {
		notes = *req.ResolutionNotes
	}

	a := actor(r)
	c, err := h.broker.Close(r.Context(), r.PathValue("id"), a, notes, "")
	if err != nil {
		h.writeDomainError(w, "httpapi.close", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(c, a.Role))
}

// handleUpload streams the "file" part of a multipart body into the attachment store.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, conversation.CodeValidation, "multipart/form-data body required")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, conversation.CodeValidation, "missing file part")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, conversation.CodeValidation, "invalid multipart body")
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		a, err := h.broker.StoreAttachment(r.Context(), r.PathValue("id"), actor(r), part.FileName(), part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if err != nil {
			h.writeDomainError(w, "httpapi.upload", err)
			return
		}
		writeJSON(w, http.StatusCreated, realtime.ToAttachmentRef(&a))
		return
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, conversation.CodeUnavailable, "attachments are disabled")
		return
	}
	ctx := r.Context()

	a, err := h.broker.Service().GetAttachment(ctx, actor(r), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "httpapi.download", err)
		return
	}
	rc, err := h.blobs.Open(ctx, a.StorageKey)
	if err != nil {
		h.writeDomainError(w, "httpapi.download", err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Info("httpapi.download.copy.fail", "attachment_id", a.ID, "err", err)
	}
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAgent(w, r); !ok {
		return
	}
	entries, err := h.broker.QueueView(r.Context())
	if err != nil {
		h.writeDomainError(w, "httpapi.queue", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.QueuePayload{Conversations: entries})
}

// ---- errors ----

func statusFor(code string) int {
	switch code {
	case conversation.CodeValidation:
		return http.StatusBadRequest
	case conversation.CodeUnauthorized:
		return http.StatusUnauthorized
	case conversation.CodeNotFound:
		return http.StatusNotFound
	case conversation.CodeInvalidState, conversation.CodeAlreadyClaimed:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		writeError(w, http.StatusRequestEntityTooLarge, conversation.CodeValidation, "request body too large")
		return
	}
	code := conversation.Code(err)
	if code == conversation.CodeUnavailable {
		h.log.Warn(op+".fail", "err", err)
	}
	writeError(w, statusFor(code), code, conversation.ErrorMessage(err))
}
