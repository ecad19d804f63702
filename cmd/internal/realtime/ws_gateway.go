package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "helpdesk/shared/contracts/support/v1"

	"github.com/coder/websocket"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/conversation"
	"helpdesk/cmd/internal/metrics"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultOpTimeout    = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Transport-level error codes. Domain failures use conversation.Code.
const (
	codeBadJSON      = "bad_json"
	codeBadEnvelope  = "bad_envelope"
	codeRateLimited  = "rate_limited"
	codeUnsupported  = "unsupported"
	codeNotConnected = "not_connected"
)

// WSGateway is the WebSocket entrypoint for support conversations.
//
// It enforces origin policy, subprotocol selection, token verification, rate limits and
// heartbeats, and routes validated envelopes to the Broker. The first frame on a connection
// selects its mode: start, resume, claim or watch_queue.
type WSGateway struct {
	log      *slog.Logger
	broker   *Broker
	verifier auth.Verifier
	metrics  *metrics.Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	opTimeout       time.Duration
	sendQueueSize   int
	readLimit       int64

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	stopOnce sync.Once
	stopping chan struct{}
}

// NewWSGateway constructs a gateway with secure defaults, tuned by HELPDESK_WS_* variables.
// verifier may be nil, in which case only guests can connect. attachmentMaxBytes raises the
// frame limit so inline uploads fit; 0 keeps the default limit.
func NewWSGateway(log *slog.Logger, broker *Broker, verifier auth.Verifier, m *metrics.Metrics, attachmentMaxBytes int64) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{
		log:      log.With("component", "ws"),
		broker:   broker,
		verifier: verifier,
		metrics:  m,
		stopping: make(chan struct{}),
	}

	// NOTE: InsecureSkipVerify is a dev-only knob. It disables websocket.Accept's origin check.
	g.devInsecure = envBoolWS("HELPDESK_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HELPDESK_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HELPDESK_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy (same host, or OriginPatterns for cross-origin).
	// The patterns are derived from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HELPDESK_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("HELPDESK_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.opTimeout = envDurationWS("HELPDESK_WS_OP_TIMEOUT", wsDefaultOpTimeout)

	g.sendQueueSize = envIntWS("HELPDESK_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.readLimit = maxFrameBytes
	if attachmentMaxBytes > 0 {
		g.readLimit += (attachmentMaxBytes + 2) / 3 * 4
	}

	g.heartbeatEvery = envDurationWS("HELPDESK_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("HELPDESK_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("HELPDESK_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HELPDESK_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// Shutdown closes every open connection with StatusGoingAway. Sessions detach as usual, so
// presence is cleared and conversations stay resumable on another instance.
func (g *WSGateway) Shutdown() {
	g.stopOnce.Do(func() { close(g.stopping) })
}

// wsConn is the per-connection state shared by the read loop and its goroutines.
type wsConn struct {
	g         *WSGateway
	conn      *websocket.Conn
	client    *Client
	principal *auth.Principal

	sess     atomic.Pointer[Session]
	watching atomic.Bool
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Guests connect without a token. A presented token must verify.
	var principal *auth.Principal
	if auth.BearerToken(r) != "" {
		p, err := auth.Authenticate(r, g.verifier)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		principal = &p
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, reasonBye) }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.readLimit)

	client := NewClient(NewConnID(), g.sendQueueSize)
	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	c := &wsConn{g: g, conn: conn, client: client, principal: principal}
	c.run(r.Context())
}

func (c *wsConn) run(parent context.Context) {
	g := c.g
	client := c.client
	connID := client.ConnID

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close(reason)
			_ = c.conn.Close(code, reason)
			cancel()
		})
	}

	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), g.opTimeout)
		defer dcancel()
		g.broker.Detach(dctx, c.sess.Load())
	}()

	// Eviction and overflow close the client from the broker side.
	go func() {
		select {
		case <-ctx.Done():
		case <-g.stopping:
			shutdown(websocket.StatusGoingAway, reasonShutdown)
		case <-client.Done():
			code := websocket.StatusNormalClosure
			if r := client.Reason(); r == reasonEvicted || r == reasonOverflow {
				code = websocket.StatusPolicyViolation
			}
			shutdown(code, client.Reason())
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		write := func(env v1.Envelope) bool {
			if err := writeEnvelope(ctx, c.conn, env, g.writeTimeout); err != nil {
				g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, reasonWriteFailed)
				return false
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-client.Finished():
				// Drain what was queued before Finish, then close normally.
				for {
					select {
					case env := <-client.Send:
						if !write(env) {
							return
						}
					default:
						shutdown(websocket.StatusNormalClosure, client.Reason())
						return
					}
				}
			case env := <-client.Send:
				if !write(env) {
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := c.conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, reasonHeartbeat)
						return
					}
					continue
				}
				failures = 0
				g.broker.Refresh(ctx, c.sess.Load())
			}
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, c.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				c.sendError("", codeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			c.sendError(env.ID, codeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, reasonRateLimited)
			break readLoop
		}

		if err := env.Validate(); err != nil {
			c.sendError(env.ID, codeBadEnvelope, err.Error())
			continue readLoop
		}

		opCtx, opCancel := context.WithTimeout(ctx, g.opTimeout)
		err = c.dispatch(opCtx, env)
		opCancel()
		if err != nil {
			c.sendDomainError(env.ID, err)
		}
	}

	shutdown(websocket.StatusNormalClosure, reasonBye)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- dispatch ----

func (c *wsConn) dispatch(ctx context.Context, env v1.Envelope) error {
	sess := c.sess.Load()
	connected := sess != nil || c.watching.Load()

	if v1.IsConnectType(env.Type) {
		if connected {
			return protocolError{code: codeUnsupported, msg: "connection already established"}
		}
		return c.connect(ctx, env)
	}
	if sess == nil {
		return protocolError{code: codeNotConnected, msg: "connect first"}
	}

	switch env.Type {
	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := c.g.broker.SendMessage(ctx, sess, p.Body, p.AttachmentRef, env.ID)
		return err

	case v1.TypeUploadAttachment:
		var p v1.UploadAttachmentPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := c.g.broker.UploadAttachment(ctx, sess, p.Filename, p.MimeType, p.Data, p.Body, env.ID)
		return err

	case v1.TypeTyping:
		return c.g.broker.Typing(ctx, sess)

	case v1.TypeCloseConversation:
		var p v1.CloseConversationPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if !c.g.broker.Registry().IsCurrent(sess) {
			return c.g.broker.detachedErr(ctx, sess)
		}
		notes := ""
		if p.ResolutionNotes != nil {
			notes = *p.ResolutionNotes
		}
		_, err := c.g.broker.Close(ctx, sess.ConversationID, sess.Actor, notes, env.ID)
		return err

	default:
		return protocolError{code: codeUnsupported, msg: fmt.Sprintf("unsupported type: %s", env.Type)}
	}
}

func (c *wsConn) connect(ctx context.Context, env v1.Envelope) error {
	b := c.g.broker
	const op = "realtime.connect"

	switch env.Type {
	case v1.TypeStart:
		if c.principal != nil && c.principal.Role != conversation.RoleCustomer {
			return conversation.OpError{Op: op, Kind: conversation.ErrUnauthorized, Msg: "only customers can start conversations"}
		}
		var p v1.StartPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		actor := conversation.Actor{Role: conversation.RoleCustomer}
		if c.principal != nil {
			actor.ID = c.principal.Subject
		}
		res, err := b.Start(ctx, StartRequest{
			Actor:          actor,
			GuestName:      p.GuestName,
			GuestEmail:     p.GuestEmail,
			InitialMessage: p.InitialMessage,
			Cart:           FromCartItems(p.CartItems),
			Wishlist:       FromWishItems(p.WishlistItems),
		}, c.client, env.ID)
		if err != nil {
			return err
		}
		c.bind(res.Conversation.ID)
		return nil

	case v1.TypeResume:
		if c.principal != nil && c.principal.Role != conversation.RoleCustomer {
			return conversation.OpError{Op: op, Kind: conversation.ErrUnauthorized, Msg: "agents resume by claiming"}
		}
		var p v1.ResumePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		actor := conversation.Actor{Role: conversation.RoleCustomer, Token: p.ConversationToken}
		if c.principal != nil {
			actor.ID = c.principal.Subject
		}
		sess, err := b.ConnectCustomer(ctx, strings.TrimSpace(p.ConversationID), actor, c.client, env.ID)
		if err != nil {
			return err
		}
		c.sess.Store(sess)
		return nil

	case v1.TypeClaim:
		if c.principal == nil || !c.principal.IsAgent() {
			return conversation.OpError{Op: op, Kind: conversation.ErrUnauthorized, Msg: "agent token required"}
		}
		var p v1.ClaimPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		conv, err := b.ClaimAndConnect(ctx, strings.TrimSpace(p.ConversationID), c.principal.Subject, c.client, env.ID)
		if err != nil {
			return err
		}
		c.bind(conv.ID)
		return nil

	case v1.TypeWatchQueue:
		if c.principal == nil || !c.principal.IsAgent() {
			return conversation.OpError{Op: op, Kind: conversation.ErrUnauthorized, Msg: "agent token required"}
		}
		// Subscribe before the first listing so no change is missed in between.
		wctx, wcancel := context.WithCancel(context.Background())
		hints, _ := b.Queue().Subscribe(wctx)
		entries, err := b.QueueView(ctx)
		if err != nil {
			wcancel()
			return err
		}
		reply := newEnvelope(v1.TypeQueue, "", v1.QueuePayload{Conversations: entries}, time.Now().UTC())
		reply.ReplyTo = env.ID
		if err := c.client.Enqueue(reply); err != nil {
			wcancel()
			return err
		}
		c.watching.Store(true)
		go c.watchQueue(wctx, wcancel, hints)
		return nil
	}
	return protocolError{code: codeUnsupported, msg: "unknown connect type"}
}

// bind records the session the broker registered for this connection.
func (c *wsConn) bind(conversationID string) {
	if s := c.g.broker.Registry().Lookup(c.client.ConnID); s != nil && s.ConversationID == conversationID {
		c.sess.Store(s)
	}
}

// watchQueue pushes a fresh queue listing whenever the coordinator signals a change.
func (c *wsConn) watchQueue(ctx context.Context, cancel context.CancelFunc, hints <-chan struct{}) {
	defer cancel()
	go func() {
		select {
		case <-c.client.Done():
		case <-c.client.Finished():
		case <-ctx.Done():
		}
		cancel()
	}()

	for range hints {
		opCtx, opCancel := context.WithTimeout(ctx, c.g.opTimeout)
		entries, err := c.g.broker.QueueView(opCtx)
		opCancel()
		if err != nil {
			c.g.log.Warn("ws.queue.fail", "conn_id", c.client.ConnID, "err", err)
			continue
		}
		env := newEnvelope(v1.TypeQueueChanged, "", v1.QueuePayload{Conversations: entries}, time.Now().UTC())
		if err := c.client.Enqueue(env); err != nil {
			if errors.Is(err, errQueueFull) {
				c.g.metrics.Evicted("overflow")
				c.client.Close(reasonOverflow)
			}
			return
		}
	}
}

// ---- errors ----

type protocolError struct {
	code string
	msg  string
}

func (e protocolError) Error() string { return e.code + ": " + e.msg }

func (c *wsConn) sendDomainError(replyTo string, err error) {
	var pe protocolError
	if errors.As(err, &pe) {
		c.sendError(replyTo, pe.code, pe.msg)
		return
	}

	var p v1.ErrorPayload
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, errClientClosed):
		p.Code, p.Message = codeNotConnected, "session is no longer connected"
	default:
		p.Code = conversation.Code(err)
		if p.Code == conversation.CodeUnavailable {
			c.g.log.Warn("ws.op.fail", "conn_id", c.client.ConnID, "err", err)
		}
		p.Message = conversation.ErrorMessage(err)
	}
	var se *StartedError
	if errors.As(err, &se) {
		p.ConversationID = se.ConversationID
		p.ConversationToken = se.Token
	}
	c.sendErrorPayload(replyTo, p)
}

// sendError reports a rejected event to this connection only.
func (c *wsConn) sendError(replyTo, code, msg string) {
	c.sendErrorPayload(replyTo, v1.ErrorPayload{Code: code, Message: msg})
}

func (c *wsConn) sendErrorPayload(replyTo string, p v1.ErrorPayload) {
	c.g.metrics.Rejected(p.Code)
	env := newEnvelope(v1.TypeError, "", p, time.Now().UTC())
	env.ReplyTo = replyTo
	_ = c.client.Enqueue(env)
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return conversation.OpError{Op: "realtime.decode", Kind: conversation.ErrValidation, Msg: "missing payload"}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return conversation.OpError{Op: "realtime.decode", Kind: conversation.ErrValidation, Msg: "invalid payload"}
	}
	return nil
}

// ---- envelope IO ----

// errBadJSON marks a frame that was read but could not be decoded.
var errBadJSON = errors.New("invalid JSON")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated hosts of the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
