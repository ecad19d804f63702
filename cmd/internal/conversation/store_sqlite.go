package conversation

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// SQLiteStore is a single-node durable Store backed by SQLite (modernc.org/sqlite, no cgo).
//
// The pool is capped at one connection, so writes are serialized store-wide.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("conversation: empty sqlite path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const sqliteConvColumns = `id, customer_id, guest_name, guest_email, token_hash, status, assigned_agent_id,
	context_snapshot, resolution_notes, closed_by, created_at, updated_at, last_message_at, claimed_at, closed_at`

func (s *SQLiteStore) CreateConversation(ctx context.Context, in CreateInput) (Conversation, Message, error) {
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

	m := in.Opening
	m.ConversationID = c.ID
	m.Seq = 1
	m.Status = MessageStatusDelivered
	m.CreatedAt = now
	m.Attachment = nil

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM support_conversations WHERE id = ?`, c.ID).Scan(&exists)
		if err == nil {
			return opErr(op, ErrValidation, "duplicate conversation id")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO support_conversations (
			     id, customer_id, guest_name, guest_email, token_hash, status, context_snapshot,
			     message_seq, created_at, updated_at, last_message_at
			   ) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			c.ID, c.CustomerID, c.GuestName, c.GuestEmail, c.TokenHash, string(c.Status), nullString(snap),
			fmtTime(now), fmtTime(now), fmtTime(now),
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO support_messages (id, conversation_id, seq, sender_role, sender_id, body, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Seq, string(m.SenderRole), m.SenderID, m.Body, m.Status, fmtTime(m.CreatedAt),
		)
		return err
	})
	if err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}
	return c, m, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "conversation.GetConversation"

	c, err := scanSQLiteConversation(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConvColumns+` FROM support_conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return Conversation{}, unavailable(op, err)
	}
	return c, nil
}

func (s *SQLiteStore) readWriteState(ctx context.Context, tx *sql.Tx, op, id string) (Status, int64, time.Time, error) {
	var (
		status string
		seq    int64
		last   string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, message_seq, last_message_at FROM support_conversations WHERE id = ?`, id,
	).Scan(&status, &seq, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, time.Time{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return "", 0, time.Time{}, err
	}
	t, err := parseTime(last)
	if err != nil {
		return "", 0, time.Time{}, err
	}
	return Status(status), seq, t, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	const op = "conversation.AppendMessage"
	if in.ConversationID == "" || in.MessageID == "" || !in.SenderRole.Valid() {
		return Message{}, opErr(op, ErrValidation, "invalid input")
	}

	var m Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, seq, last, err := s.readWriteState(ctx, tx, op, in.ConversationID)
		if err != nil {
			return err
		}
		if status == StatusClosed {
			return opErr(op, ErrInvalidState, "conversation is closed")
		}

		var att *Attachment
		if in.AttachmentID != "" {
			a, err := scanSQLiteAttachment(tx.QueryRowContext(ctx,
				`SELECT id, conversation_id, filename, mime_type, size_bytes, storage_key, checksum, created_at
				   FROM support_attachments WHERE id = ?`, in.AttachmentID))
			if errors.Is(err, sql.ErrNoRows) || (err == nil && a.ConversationID != in.ConversationID) {
				return opErr(op, ErrValidation, "unknown attachment")
			}
			if err != nil {
				return err
			}
			att = &a
		}

		m = Message{
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

		var attID any
		if att != nil {
			attID = att.ID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO support_messages (
			     id, conversation_id, seq, sender_role, sender_id, body, attachment_id, status, created_at
			   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Seq, string(m.SenderRole), m.SenderID, m.Body, attID, m.Status, fmtTime(m.CreatedAt),
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE support_conversations SET message_seq = ?, last_message_at = ?, updated_at = ? WHERE id = ?`,
			m.Seq, fmtTime(m.CreatedAt), fmtTime(m.CreatedAt), m.ConversationID,
		)
		return err
	})
	if err != nil {
		return Message{}, unavailable(op, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, in ListInput) ([]Message, error) {
	const op = "conversation.ListMessages"
	limit := clampListLimit(in.Limit)

	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.seq, m.sender_role, m.sender_id, m.body, m.status, m.created_at,
		        a.id, a.filename, a.mime_type, a.size_bytes, a.storage_key, a.checksum, a.created_at
		   FROM support_messages m
		   LEFT JOIN support_attachments a ON a.id = m.attachment_id
		  WHERE m.conversation_id = ? AND m.seq > ?
		  ORDER BY m.seq ASC
		  LIMIT ?`,
		in.ConversationID, in.AfterSeq, limit,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			role      string
			createdAt string
			aID       sql.NullString
			aName     sql.NullString
			aMime     sql.NullString
			aSize     sql.NullInt64
			aKey      sql.NullString
			aSum      sql.NullString
			aAt       sql.NullString
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Seq, &role, &m.SenderID, &m.Body, &m.Status, &createdAt,
			&aID, &aName, &aMime, &aSize, &aKey, &aSum, &aAt,
		); err != nil {
			return nil, unavailable(op, err)
		}
		m.SenderRole = Role(role)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, unavailable(op, err)
		}
		if aID.Valid {
			m.Attachment = &Attachment{
				ID:             aID.String,
				ConversationID: m.ConversationID,
				Filename:       aName.String,
				MimeType:       aMime.String,
				SizeBytes:      aSize.Int64,
				StorageKey:     aKey.String,
				Checksum:       aSum.String,
			}
			if aAt.Valid {
				m.Attachment.CreatedAt, _ = parseTime(aAt.String)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *SQLiteStore) ClaimConversation(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	const op = "conversation.ClaimConversation"
	if in.ConversationID == "" || in.AgentID == "" {
		return ClaimResult{}, opErr(op, ErrValidation, "invalid input")
	}
	now := in.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE support_conversations
		    SET status = 'active', assigned_agent_id = ?, claimed_at = ?, updated_at = ?
		  WHERE id = ? AND status = 'waiting'`,
		in.AgentID, fmtTime(now), fmtTime(now), in.ConversationID,
	)
	if err != nil {
		return ClaimResult{}, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ClaimResult{}, unavailable(op, err)
	}

	cur, err := s.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return ClaimResult{}, err
	}
	if n == 1 {
		return ClaimResult{Conversation: cur, Transitioned: true}, nil
	}
	return classifyLostClaim(op, cur, in.AgentID)
}

func (s *SQLiteStore) CloseConversation(ctx context.Context, in CloseInput) (Conversation, Message, error) {
	const op = "conversation.CloseConversation"
	if in.ConversationID == "" || in.MessageID == "" {
		return Conversation{}, Message{}, opErr(op, ErrValidation, "invalid input")
	}

	var m Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, seq, last, err := s.readWriteState(ctx, tx, op, in.ConversationID)
		if err != nil {
			return err
		}
		if status == StatusClosed {
			return opErr(op, ErrInvalidState, "conversation already closed")
		}

		m = Message{
			ID:             in.MessageID,
			ConversationID: in.ConversationID,
			Seq:            seq + 1,
			SenderRole:     RoleSystem,
			Body:           in.SystemBody,
			Status:         MessageStatusDelivered,
			CreatedAt:      nextCreatedAt(in.Now, last),
		}
		at := fmtTime(m.CreatedAt)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO support_messages (id, conversation_id, seq, sender_role, sender_id, body, status, created_at)
			 VALUES (?, ?, ?, ?, '', ?, ?, ?)`,
			m.ID, m.ConversationID, m.Seq, string(m.SenderRole), m.Body, m.Status, at,
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE support_conversations
			    SET status = 'closed', closed_by = ?, resolution_notes = ?, closed_at = ?,
			        message_seq = ?, last_message_at = ?, updated_at = ?
			  WHERE id = ?`,
			in.ClosedBy, in.ResolutionNotes, at, m.Seq, at, at, in.ConversationID,
		)
		return err
	})
	if err != nil {
		return Conversation{}, Message{}, unavailable(op, err)
	}

	c, err := s.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return Conversation{}, Message{}, err
	}
	return c, m, nil
}

func (s *SQLiteStore) SetSnapshot(ctx context.Context, id string, snap ContextSnapshot, now time.Time) (Conversation, error) {
	const op = "conversation.SetSnapshot"
	raw, err := marshalSnapshot(&snap)
	if err != nil {
		return Conversation{}, opErr(op, ErrValidation, "invalid context snapshot")
	}
	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE support_conversations SET context_snapshot = ?, updated_at = ?
		  WHERE id = ? AND context_snapshot IS NULL`,
		string(raw), fmtTime(now), id,
	); err != nil {
		return Conversation{}, unavailable(op, err)
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) ListWaiting(ctx context.Context, limit int) ([]Conversation, error) {
	const op = "conversation.ListWaiting"
	limit = clampListLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteConvColumns+`
		   FROM support_conversations
		  WHERE status = 'waiting'
		  ORDER BY created_at ASC, id ASC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
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

func (s *SQLiteStore) SaveAttachment(ctx context.Context, a Attachment) error {
	const op = "conversation.SaveAttachment"
	if a.ID == "" || a.ConversationID == "" {
		return opErr(op, ErrValidation, "invalid attachment")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM support_conversations WHERE id = ?`, a.ConversationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return opErr(op, ErrNotFound, "conversation not found")
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM support_attachments WHERE id = ?`, a.ID).Scan(&exists)
		if err == nil {
			return opErr(op, ErrValidation, "duplicate attachment id")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO support_attachments (
			     id, conversation_id, filename, mime_type, size_bytes, storage_key, checksum, created_at
			   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ConversationID, a.Filename, a.MimeType, a.SizeBytes, a.StorageKey, a.Checksum, fmtTime(a.CreatedAt),
		)
		return err
	})
	return unavailable(op, err)
}

func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (Attachment, error) {
	const op = "conversation.GetAttachment"

	a, err := scanSQLiteAttachment(s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, filename, mime_type, size_bytes, storage_key, checksum, created_at
		   FROM support_attachments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Attachment{}, opErr(op, ErrNotFound, "attachment not found")
	}
	if err != nil {
		return Attachment{}, unavailable(op, err)
	}
	return a, nil
}

// withTx runs fn in a transaction; fn's error (kinded or not) is returned after rollback.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row sqlRow) (Conversation, error) {
	var (
		c         Conversation
		status    string
		snap      sql.NullString
		claimedAt sql.NullString
		closedAt  sql.NullString
		createdAt string
		updatedAt string
		lastMsgAt string
	)
	if err := row.Scan(
		&c.ID, &c.CustomerID, &c.GuestName, &c.GuestEmail, &c.TokenHash, &status, &c.AssignedAgentID,
		&snap, &c.ResolutionNotes, &c.ClosedBy, &createdAt, &updatedAt, &lastMsgAt, &claimedAt, &closedAt,
	); err != nil {
		return Conversation{}, err
	}
	c.Status = Status(status)

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, err
	}
	if c.LastMessageAt, err = parseTime(lastMsgAt); err != nil {
		return Conversation{}, err
	}
	if c.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return Conversation{}, err
	}
	if c.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return Conversation{}, err
	}
	if snap.Valid {
		if c.Snapshot, err = unmarshalSnapshot([]byte(snap.String)); err != nil {
			return Conversation{}, err
		}
	}
	return c, nil
}

func scanSQLiteAttachment(row sqlRow) (Attachment, error) {
	var (
		a         Attachment
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.ConversationID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.StorageKey, &a.Checksum, &createdAt); err != nil {
		return Attachment{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Attachment{}, err
	}
	a.CreatedAt = t
	return a, nil
}

// fmtTime uses a fixed-width layout so lexical order equals chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
