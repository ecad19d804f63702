package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "HELPDESK_TOKEN_HMAC_KEY"

	// conversationTokenBytes is the entropy of a guest conversation token.
	conversationTokenBytes = 32
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// HMACEnabled reports whether the env key is present (non-empty after trim).
func HMACEnabled() bool {
	return strings.TrimSpace(os.Getenv(HMACEnvKey)) != ""
}

// NewConversationToken returns a fresh URL-safe guest token.
func NewConversationToken() (string, error) {
	b := make([]byte, conversationTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", ErrEntropy
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashConversationTokenHex hashes a guest token for storage.
// Uses HMAC-SHA256 when HELPDESK_TOKEN_HMAC_KEY is set, SHA-256 otherwise.
func HashConversationTokenHex(tok string) string {
	key := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if key == "" {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, []byte(key))
}

// MatchConversationToken reports whether tok hashes to storedHex.
// An empty token or digest never matches.
func MatchConversationToken(tok, storedHex string) bool {
	tok = strings.TrimSpace(tok)
	if tok == "" || storedHex == "" {
		return false
	}
	got := HashConversationTokenHex(tok)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHex)) == 1
}
