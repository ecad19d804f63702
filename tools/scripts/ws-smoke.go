// Package main provides a CI-friendly WebSocket smoke test for the helpdesk realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - guest start -> connected + history
//   - resume with the conversation token on a second connection
//   - customer send -> echoed message with reply_to
//
// With -agent-token it also validates claim, conversation_active, fan-out between customer and
// agent, and close ordering (system message, conversation_closed, normal close).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "helpdesk/shared/contracts/support/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		agentToken = flag.String("agent-token", os.Getenv("HELPDESK_SMOKE_AGENT_TOKEN"), "Bearer token of an agent; enables the claim/close steps")
		text       = flag.String("text", "hello helpdesk 👋", "Message text to send")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	first := mustConnect(root, "customer-1", *wsURL, *origin, "", *timeout)
	convID, convToken := mustStart(root, first, *text, *timeout)
	if *verbose {
		fmt.Printf("started: conv_id=%s\n", convID)
	}

	// Resuming on a new connection replaces the first session.
	cust := mustConnect(root, "customer", *wsURL, *origin, "", *timeout)
	defer closeWS(cust.conn)
	mustResume(root, cust, convID, convToken, 1, *timeout)
	mustAssertClosed(root, first, websocket.StatusPolicyViolation, *timeout)

	seq := mustSendAndAssertEcho(root, cust, "Any news?", *timeout)
	if seq != 2 {
		fatalf("customer message seq: got=%d want=2", seq)
	}

	if strings.TrimSpace(*agentToken) == "" {
		fmt.Printf("OK: conv_id=%s seq=%d (agent steps skipped)\n", convID, seq)
		return
	}

	agent := mustConnect(root, "agent", *wsURL, *origin, *agentToken, *timeout)
	defer closeWS(agent.conn)
	mustClaim(root, agent, convID, *timeout)

	active := cust.mustReadUntilType(root, v1.TypeConversationActive, *timeout, skipPresence)
	var ap v1.ConversationActivePayload
	mustDecode(active, &ap)
	if ap.ConversationID != convID {
		fatalf("conversation_active conv_id mismatch: got=%q want=%q", ap.ConversationID, convID)
	}

	agentSeq := mustSendAndAssertEcho(root, agent, "Hi, I am looking into it.", *timeout)
	fanned := cust.mustReadUntilType(root, v1.TypeMessage, *timeout, skipPresence)
	var mp v1.MessagePayload
	mustDecode(fanned, &mp)
	if mp.Seq != agentSeq || mp.SenderRole != "agent" {
		fatalf("customer did not receive agent message: seq=%d role=%q", mp.Seq, mp.SenderRole)
	}

	notes := "smoke test resolved"
	mustWriteWithTimeout(root, agent.conn, envelope("agent-close", v1.TypeCloseConversation, v1.CloseConversationPayload{ResolutionNotes: &notes}), *timeout)

	for _, c := range []*smokeClient{cust, agent} {
		sys := c.mustReadUntilType(root, v1.TypeMessage, *timeout, skipPresence)
		var sp v1.MessagePayload
		mustDecode(sys, &sp)
		if sp.SenderRole != "system" {
			fatalf("close message sender (%s): got=%q want=system", c.name, sp.SenderRole)
		}
		closed := c.mustReadUntilType(root, v1.TypeConversationClosed, *timeout, skipPresence)
		var cp v1.ConversationClosedPayload
		mustDecode(closed, &cp)
		if cp.ResolutionNotes != notes {
			fatalf("resolution notes (%s): got=%q want=%q", c.name, cp.ResolutionNotes, notes)
		}
		mustAssertClosed(root, c, websocket.StatusNormalClosure, *timeout)
	}

	fmt.Printf("OK: conv_id=%s customer_seq=%d agent_seq=%d agent=%s\n", convID, seq, agentSeq, ap.AgentID)
}

var skipPresence = map[string]struct{}{v1.TypePresence: {}}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, bearer string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearer) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(bearer))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustStart(parent context.Context, c *smokeClient, text string, stepTimeout time.Duration) (convID, convToken string) {
	env := envelope(c.name+"-start", v1.TypeStart, v1.StartPayload{
		GuestName:      "Smoke Test",
		GuestEmail:     "smoke@example.com",
		InitialMessage: text,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	connected := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)
	if connected.ReplyTo != env.ID {
		fatalf("connected reply_to mismatch (%s): got=%q want=%q", c.name, connected.ReplyTo, env.ID)
	}
	var p v1.ConnectedPayload
	mustDecode(connected, &p)
	if strings.TrimSpace(p.ConversationID) == "" || strings.TrimSpace(p.ConversationToken) == "" {
		fatalf("connected missing conversation id or token (%s)", c.name)
	}
	if p.Status != "waiting" {
		fatalf("new conversation status (%s): got=%q want=waiting", c.name, p.Status)
	}

	mustHistoryLen(parent, c, p.ConversationID, 1, stepTimeout)
	return p.ConversationID, p.ConversationToken
}

func mustResume(parent context.Context, c *smokeClient, convID, convToken string, wantMessages int, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-resume", v1.TypeResume, v1.ResumePayload{
		ConversationID:    convID,
		ConversationToken: convToken,
	}), stepTimeout)

	connected := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)
	var p v1.ConnectedPayload
	mustDecode(connected, &p)
	if p.ConversationID != convID {
		fatalf("resume conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	mustHistoryLen(parent, c, convID, wantMessages, stepTimeout)
}

func mustClaim(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-claim", v1.TypeClaim, v1.ClaimPayload{ConversationID: convID}), stepTimeout)

	connected := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)
	var p v1.ConnectedPayload
	mustDecode(connected, &p)
	if p.Role != "agent" || p.Status != "active" {
		fatalf("claim connected (%s): role=%q status=%q", c.name, p.Role, p.Status)
	}

	hist := c.mustReadUntilType(parent, v1.TypeHistory, stepTimeout, skipPresence)
	var hp v1.HistoryPayload
	mustDecode(hist, &hp)
	if hp.ContextSnapshot == nil {
		fatalf("agent history missing context snapshot (%s)", c.name)
	}
}

func mustHistoryLen(parent context.Context, c *smokeClient, convID string, want int, stepTimeout time.Duration) {
	hist := c.mustReadUntilType(parent, v1.TypeHistory, stepTimeout, skipPresence)
	var p v1.HistoryPayload
	mustDecode(hist, &p)
	if p.ConversationID != convID {
		fatalf("history conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if len(p.Messages) != want {
		fatalf("history length (%s): got=%d want=%d", c.name, len(p.Messages), want)
	}
	if p.ContextSnapshot != nil && c.name != "agent" {
		fatalf("customer history must not carry the context snapshot (%s)", c.name)
	}
}

func mustSendAndAssertEcho(parent context.Context, c *smokeClient, body string, stepTimeout time.Duration) int64 {
	env := envelope(fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()), v1.TypeSendMessage, v1.SendMessagePayload{Body: body})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, skipPresence)
	if echo.ReplyTo != env.ID {
		fatalf("echo reply_to mismatch (%s): got=%q want=%q", c.name, echo.ReplyTo, env.ID)
	}
	var p v1.MessagePayload
	mustDecode(echo, &p)
	if p.Body != body {
		fatalf("echo body mismatch (%s): got=%q want=%q", c.name, p.Body, body)
	}
	if p.Seq <= 0 {
		fatalf("echo invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.CreatedAt.IsZero() {
		fatalf("echo created_at missing/zero (%s)", c.name)
	}
	return p.Seq
}

// mustAssertClosed waits for the server to close c with the given status.
// Frames still in flight are ignored.
func mustAssertClosed(parent context.Context, c *smokeClient, want websocket.StatusCode, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for close %v (%s)", want, c.name)
		case err := <-c.errCh:
			if got := websocket.CloseStatus(err); got != want {
				fatalf("close status (%s): got=%v want=%v err=%v", c.name, got, want, err)
			}
			return
		case _, ok := <-c.inbox:
			if !ok {
				// The read loop reports its error before closing the inbox.
				select {
				case err := <-c.errCh:
					if got := websocket.CloseStatus(err); got != want {
						fatalf("close status (%s): got=%v want=%v err=%v", c.name, got, want, err)
					}
				default:
					fatalf("connection closed without status (%s)", c.name)
				}
				return
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustDecode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
