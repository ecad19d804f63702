package conversation

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends and closes lock the conversation row (SELECT ... FOR UPDATE), so seq allocation
//     is gap-free and strictly monotonic per conversation while other conversations proceed in parallel.
//   - Claim is a single conditional UPDATE (status = 'waiting'), the authoritative compare-and-set.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "helpdesk").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("conversation: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("conversation: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "helpdesk",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the support tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(postgresSchemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return unavailable("conversation.Migrate", err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

const pgConvColumns = `id, customer_id, guest_name, guest_email, token_hash, status, assigned_agent_id,
	context_snapshot, resolution_notes, closed_by, created_at, updated_at, last_message_at, claimed_at, closed_at`

func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateInput) (Conversation, Message, error) {
	const op = "conversation.CreateConversation"
	if in.Conversation.ID == "" || in.Opening.ID == "" {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "missing id")
	}

	c := in.Conversation
	now := c.CreatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c.Status = StatusWaiting
	c.AssignedAgentID = ""
	c.CreatedAt, c.UpdatedAt, c.LastMessageAt = now, now, now

	snap, err := marshalSnapshot(c.Snapshot)
	if err != nil {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "invalid context snapshot")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("support_conversations")+` (
		     id, customer_id, guest_name, guest_email, token_hash, status, context_snapshot,
		     message_seq, created_at, updated_at, last_message_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8, $8)`,
		c.ID, c.CustomerID, c.GuestName, c.GuestEmail, c.TokenHash, string(c.Status), snap, now,
	); err != nil {
		if isUniqueViolation(err) {
			return Conversation{}, Message{}, opErr(op, ErrValidation, "duplicate conversation id")
		}
		return Conversation{}, Message{}, unavailable(op, err)
	}

	m := in.Opening
	m.ConversationID = c.ID
	m.Seq = 1
	m.Status = MessageStatusDelivered
	m.CreatedAt = now
	m.Attachment = nil

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("support_messages")+` (
		     id, conversation_id, seq, sender_role, sender_id, body, status, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.Seq, string(m.SenderRole), m.SenderID, m.Body, m.Status, m.CreatedAt,
	); err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}
	return c, m, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "conversation.GetConversation"

	c, err := scanPGConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConvColumns+` FROM `+s.table("support_conversations")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return Conversation{}, unavailable(op, err)
	}
	return c, nil
}

// lockForWrite row-locks the conversation inside tx and returns its write-relevant state.
func (s *PostgresStore) lockForWrite(ctx context.Context, tx pgx.Tx, op, id string) (Status, int64, time.Time, error) {
	var (
		status string
		seq    int64
		last   time.Time
	)
	err := tx.QueryRow(ctx,
		`SELECT status, message_seq, last_message_at
		   FROM `+s.table("support_conversations")+`
		  WHERE id = $1
		  FOR UPDATE`,
		id,
	).Scan(&status, &seq, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, time.Time{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return "", 0, time.Time{}, unavailable(op, err)
	}
	return Status(status), seq, last.UTC(), nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	const op = "conversation.AppendMessage"
	if in.ConversationID == "" || in.MessageID == "" || !in.SenderRole.Valid() {
		return Message{}, opErr(op, ErrValidation, "invalid input")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status, seq, last, err := s.lockForWrite(ctx, tx, op, in.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if status == StatusClosed {
		return Message{}, opErr(op, ErrInvalidState, "conversation is closed")
	}

	var att *Attachment
	var attID *string
	if in.AttachmentID != "" {
		a, err := scanPGAttachment(tx.QueryRow(ctx,
			`SELECT id, conversation_id, filename, mime_type, size_bytes, storage_key, checksum, created_at
			   FROM `+s.table("support_attachments")+` WHERE id = $1`, in.AttachmentID))
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && a.ConversationID != in.ConversationID) {
			return Message{}, opErr(op, ErrValidation, "unknown attachment")
		}
		if err != nil {
			return Message{}, unavailable(op, err)
		}
		att = &a
		attID = &a.ID
	}

	m := Message{
		ID:             in.MessageID,
		ConversationID: in.ConversationID,
		Seq:            seq + 1,
		SenderRole:     in.SenderRole,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Attachment:     att,
		Status:         MessageStatusDelivered,
		CreatedAt:      nextCreatedAt(in.Now, last),
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("support_messages")+` (
		     id, conversation_id, seq, sender_role, sender_id, body, attachment_id, status, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.Seq, string(m.SenderRole), m.SenderID, m.Body, attID, m.Status, m.CreatedAt,
	); err != nil {
		return Message{}, unavailable(op, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table("support_conversations")+`
		    SET message_seq = $2, last_message_at = $3, updated_at = $3
		  WHERE id = $1`,
		m.ConversationID, m.Seq, m.CreatedAt,
	); err != nil {
		return Message{}, unavailable(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, unavailable(op, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, in ListInput) ([]Message, error) {
	const op = "conversation.ListMessages"
	limit := clampListLimit(in.Limit)

	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.seq, m.sender_role, m.sender_id, m.body, m.status, m.created_at,
		        a.id, a.filename, a.mime_type, a.size_bytes, a.storage_key, a.checksum, a.created_at
		   FROM `+s.table("support_messages")+` m
		   LEFT JOIN `+s.table("support_attachments")+` a ON a.id = m.attachment_id
		  WHERE m.conversation_id = $1 AND m.seq > $2
		  ORDER BY m.seq ASC
		  LIMIT $3`,
		in.ConversationID, in.AfterSeq, limit,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m     Message
			role  string
			aID   *string
			aName *string
			aMime *string
			aSize *int64
			aKey  *string
			aSum  *string
			aAt   *time.Time
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Seq, &role, &m.SenderID, &m.Body, &m.Status, &m.CreatedAt,
			&aID, &aName, &aMime, &aSize, &aKey, &aSum, &aAt,
		); err != nil {
			return nil, unavailable(op, err)
		}
		m.SenderRole = Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if aID != nil {
			m.Attachment = &Attachment{
				ID:             *aID,
				ConversationID: m.ConversationID,
				Filename:       deref(aName),
				MimeType:       deref(aMime),
				SizeBytes:      derefInt(aSize),
				StorageKey:     deref(aKey),
				Checksum:       deref(aSum),
			}
			if aAt != nil {
				m.Attachment.CreatedAt = aAt.UTC()
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *PostgresStore) ClaimConversation(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	const op = "conversation.ClaimConversation"
	if in.ConversationID == "" || in.AgentID == "" {
		return ClaimResult{}, opErr(op, ErrValidation, "invalid input")
	}
	now := in.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	c, err := scanPGConversation(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("support_conversations")+`
		    SET status = 'active', assigned_agent_id = $2, claimed_at = $3, updated_at = $3
		  WHERE id = $1 AND status = 'waiting'
		RETURNING `+pgConvColumns,
		in.ConversationID, in.AgentID, now,
	))
	if err == nil {
		return ClaimResult{Conversation: c, Transitioned: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ClaimResult{}, unavailable(op, err)
	}

	// The CAS did not apply: classify by the current row.
	cur, err := s.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return ClaimResult{}, err
	}
	return classifyLostClaim(op, cur, in.AgentID)
}

func (s *PostgresStore) CloseConversation(ctx context.Context, in CloseInput) (Conversation, Message, error) {
	const op = "conversation.CloseConversation"
	if in.ConversationID == "" || in.MessageID == "" {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "invalid input")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status, seq, last, err := s.lockForWrite(ctx, tx, op, in.ConversationID)
	if err != nil {
		return Conversation{}, Message{}, err
	}
	if status == StatusClosed {
		return Conversation{}, Message{}, opErr(op, ErrInvalidState, "conversation already closed")
	}

	m := Message{
		ID:             in.MessageID,
		ConversationID: in.ConversationID,
		Seq:            seq + 1,
		SenderRole:     RoleSystem,
		Body:           in.SystemBody,
		Status:         MessageStatusDelivered,
		CreatedAt:      nextCreatedAt(in.Now, last),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("support_messages")+` (
		     id, conversation_id, seq, sender_role, sender_id, body, status, created_at
		   ) VALUES ($1, $2, $3, $4, '', $5, $6, $7)`,
		m.ID, m.ConversationID, m.Seq, string(m.SenderRole), m.Body, m.Status, m.CreatedAt,
	); err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}

	c, err := scanPGConversation(tx.QueryRow(ctx,
		`UPDATE `+s.table("support_conversations")+`
		    SET status = 'closed', closed_by = $2, resolution_notes = $3, closed_at = $4,
		        message_seq = $5, last_message_at = $4, updated_at = $4
		  WHERE id = $1
		RETURNING `+pgConvColumns,
		in.ConversationID, in.ClosedBy, in.ResolutionNotes, m.CreatedAt, m.Seq,
	))
	if err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}
	return c, m, nil
}

func (s *PostgresStore) SetSnapshot(ctx context.Context, id string, snap ContextSnapshot, now time.Time) (Conversation, error) {
	const op = "conversation.SetSnapshot"
	raw, err := marshalSnapshot(&snap)
	if err != nil {
		return Conversation{}, opErr(op, ErrValidation, "invalid context snapshot")
	}
	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("support_conversations")+`
		    SET context_snapshot = $2, updated_at = $3
		  WHERE id = $1 AND context_snapshot IS NULL`,
		id, raw, now,
	); err != nil {
		return Conversation{}, unavailable(op, err)
	}
	return s.GetConversation(ctx, id)
}

func (s *PostgresStore) ListWaiting(ctx context.Context, limit int) ([]Conversation, error) {
	const op = "conversation.ListWaiting"
	limit = clampListLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgConvColumns+`
		   FROM `+s.table("support_conversations")+`
		  WHERE status = 'waiting'
		  ORDER BY created_at ASC, id ASC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanPGConversation(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *PostgresStore) SaveAttachment(ctx context.Context, a Attachment) error {
	const op = "conversation.SaveAttachment"
	if a.ID == "" || a.ConversationID == "" {
		return opErr(op, ErrValidation, "invalid attachment")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("support_attachments")+` (
		     id, conversation_id, filename, mime_type, size_bytes, storage_key, checksum, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ConversationID, a.Filename, a.MimeType, a.SizeBytes, a.StorageKey, a.Checksum, a.CreatedAt.UTC(),
	)
	switch {
	case err == nil:
		return nil
	case isForeignKeyViolation(err):
		return opErr(op, ErrNotFound, "conversation not found")
	case isUniqueViolation(err):
		return opErr(op, ErrValidation, "duplicate attachment id")
	default:
		return unavailable(op, err)
	}
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (Attachment, error) {
	const op = "conversation.GetAttachment"

	a, err := scanPGAttachment(s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, filename, mime_type, size_bytes, storage_key, checksum, created_at
		   FROM `+s.table("support_attachments")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Attachment{}, opErr(op, ErrNotFound, "attachment not found")
	}
	if err != nil {
		return Attachment{}, unavailable(op, err)
	}
	return a, nil
}

func scanPGConversation(row pgx.Row) (Conversation, error) {
	var (
		c      Conversation
		status string
		snap   []byte
	)
	if err := row.Scan(
		&c.ID, &c.CustomerID, &c.GuestName, &c.GuestEmail, &c.TokenHash, &status, &c.AssignedAgentID,
		&snap, &c.ResolutionNotes, &c.ClosedBy, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt,
		&c.ClaimedAt, &c.ClosedAt,
	); err != nil {
		return Conversation{}, err
	}
	c.Status = Status(status)
	normalizeTimes(&c)

	sn, err := unmarshalSnapshot(snap)
	if err != nil {
		return Conversation{}, err
	}
	c.Snapshot = sn
	return c, nil
}

func scanPGAttachment(row pgx.Row) (Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.ConversationID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.StorageKey, &a.Checksum, &a.CreatedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, err
}

// classifyLostClaim maps the current state of a conversation whose claim CAS did not apply.
func classifyLostClaim(op string, cur Conversation, agentID string) (ClaimResult, error) {
	switch cur.Status {
	case StatusClosed:
		return ClaimResult{}, opErr(op, ErrInvalidState, "conversation is closed")
	case StatusActive:
		if cur.AssignedAgentID == agentID {
			return ClaimResult{Conversation: cur}, nil
		}
		return ClaimResult{}, opErr(op, ErrAlreadyClaimed, "")
	default:
		return ClaimResult{}, OpError{Op: op, Kind: ErrUnavailable, Msg: "claim conflict, retry"}
	}
}

func normalizeTimes(c *Conversation) {
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.LastMessageAt = c.LastMessageAt.UTC()
	if c.ClaimedAt != nil {
		t := c.ClaimedAt.UTC()
		c.ClaimedAt = &t
	}
	if c.ClosedAt != nil {
		t := c.ClosedAt.UTC()
		c.ClosedAt = &t
	}
}

func marshalSnapshot(s *ContextSnapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func unmarshalSnapshot(b []byte) (*ContextSnapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s ContextSnapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
