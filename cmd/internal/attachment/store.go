// Package attachment stores uploaded attachment bytes on local disk.
// Metadata lives in the conversation store; this package only owns the blobs.
package attachment

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"helpdesk/cmd/internal/conversation"
)

const (
	// DefaultMaxBytes caps a single attachment.
	DefaultMaxBytes int64 = 10 << 20
)

// DefaultAllowedTypes lists accepted MIME types. Entries ending in "/" match a whole family.
var DefaultAllowedTypes = []string{"image/", "application/pdf", "text/plain"}

// Blob describes stored bytes.
type Blob struct {
	Key       string
	MimeType  string
	SizeBytes int64
	Checksum  string
}

// LocalStore writes blobs under root as <conversation>/<attachment>.
type LocalStore struct {
	root     string
	maxBytes int64
	allowed  []string
}

// Option configures a LocalStore.
type Option func(*LocalStore)

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(s *LocalStore) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithAllowedTypes overrides DefaultAllowedTypes.
func WithAllowedTypes(types []string) Option {
	return func(s *LocalStore) {
		if len(types) > 0 {
			s.allowed = append([]string(nil), types...)
		}
	}
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string, opts ...Option) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("attachment: root dir is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("attachment: create root: %w", err)
	}
	s := &LocalStore{root: root, maxBytes: DefaultMaxBytes, allowed: DefaultAllowedTypes}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxBytes reports the per-attachment limit.
func (s *LocalStore) MaxBytes() int64 { return s.maxBytes }

// Put streams r to disk. An empty declared type is sniffed from the content.
// Oversized or disallowed content is rejected with a validation error and nothing is kept.
func (s *LocalStore) Put(ctx context.Context, conversationID, attachmentID, mimeType string, r io.Reader) (Blob, error) {
	const op = "attachment.Put"

	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	key, err := blobKey(conversationID, attachmentID)
	if err != nil {
		return Blob{}, err
	}

	br := bufio.NewReaderSize(r, 512)
	if strings.TrimSpace(mimeType) == "" {
		head, _ := br.Peek(512)
		mimeType = http.DetectContentType(head)
	}
	mt, err := normalizeType(mimeType)
	if err != nil || !s.allowedType(mt) {
		return Blob{}, validation(op, "attachment type not allowed")
	}

	dir := filepath.Join(s.root, filepath.Dir(key))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Blob{}, unavailable(op, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return Blob{}, unavailable(op, err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpName)
		}
	}()

	h, _ := blake2b.New256(nil)
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(br, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Blob{}, unavailable(op, err)
	}
	if n == 0 {
		return Blob{}, validation(op, "attachment is empty")
	}
	if n > s.maxBytes {
		return Blob{}, validation(op, fmt.Sprintf("attachment exceeds %d bytes", s.maxBytes))
	}

	if err := os.Rename(tmpName, filepath.Join(s.root, key)); err != nil {
		return Blob{}, unavailable(op, err)
	}
	keep = true

	return Blob{
		Key:       key,
		MimeType:  mt,
		SizeBytes: n,
		Checksum:  "blake2b-256:" + hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Open returns a reader for a stored blob.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	const op = "attachment.Open"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, conversation.OpError{Op: op, Kind: conversation.ErrNotFound, Msg: "attachment not found"}
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return f, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *LocalStore) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable("attachment.Delete", err)
	}
	return nil
}

func (s *LocalStore) allowedType(mt string) bool {
	for _, a := range s.allowed {
		if strings.HasSuffix(a, "/") {
			if strings.HasPrefix(mt, a) {
				return true
			}
			continue
		}
		if mt == a {
			return true
		}
	}
	return false
}

func (s *LocalStore) path(key string) (string, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		return "", validation("attachment.path", "invalid key")
	}
	k, err := blobKey(parts[0], parts[1])
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

func blobKey(conversationID, attachmentID string) (string, error) {
	if !safeSegment(conversationID) || !safeSegment(attachmentID) {
		return "", validation("attachment.key", "invalid id")
	}
	return conversationID + "/" + attachmentID, nil
}

func safeSegment(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func normalizeType(v string) (string, error) {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return "", err
	}
	return strings.ToLower(mt), nil
}

func validation(op, msg string) error {
	return conversation.OpError{Op: op, Kind: conversation.ErrValidation, Msg: msg}
}

func unavailable(op string, err error) error {
	return conversation.OpError{Op: op, Kind: conversation.ErrUnavailable, Err: err}
}
