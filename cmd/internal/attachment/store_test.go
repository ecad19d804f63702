package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/cmd/internal/conversation"
)

func newStore(t *testing.T, opts ...Option) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestPutOpenRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	blob, err := s.Put(ctx, "conv1", "att1", "text/plain; charset=utf-8", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "conv1/att1", blob.Key)
	assert.Equal(t, "text/plain", blob.MimeType)
	assert.EqualValues(t, 5, blob.SizeBytes)
	assert.True(t, strings.HasPrefix(blob.Checksum, "blake2b-256:"))

	rc, err := s.Open(ctx, blob.Key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestPutSniffsType(t *testing.T) {
	s := newStore(t)
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

	blob, err := s.Put(context.Background(), "conv1", "att2", "", bytes.NewReader(png))
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.MimeType)
}

func TestPutRejections(t *testing.T) {
	s := newStore(t, WithMaxBytes(8))
	ctx := context.Background()

	cases := []struct {
		name string
		conv string
		att  string
		mt   string
		body string
	}{
		{"too large", "c", "a1", "text/plain", "123456789"},
		{"empty", "c", "a2", "text/plain", ""},
		{"disallowed type", "c", "a3", "application/x-msdownload", "MZ"},
		{"path traversal", "..", "a4", "text/plain", "x"},
		{"slash in id", "c", "a/b", "text/plain", "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Put(ctx, tc.conv, tc.att, tc.mt, strings.NewReader(tc.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, conversation.ErrValidation), "got %v", err)
		})
	}

	// Nothing is left behind for rejected uploads.
	entries, err := os.ReadDir(filepath.Join(s.root, "c"))
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestOpenMissingAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Open(ctx, "conv1/nope")
	require.True(t, errors.Is(err, conversation.ErrNotFound))

	blob, err := s.Put(ctx, "conv1", "att1", "application/pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(blob.Key))
	require.NoError(t, s.Delete(blob.Key))

	_, err = s.Open(ctx, blob.Key)
	require.True(t, errors.Is(err, conversation.ErrNotFound))

	_, err = s.Open(ctx, "../../etc/passwd")
	require.True(t, errors.Is(err, conversation.ErrValidation))
}
