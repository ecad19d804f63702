package auth

import (
	"strings"
	"time"
)

// Config controls token verification.
type Config struct {
	// Issuer is the required "iss" claim.
	Issuer string

	// AccessTokenTTL applies to tokens issued by this process.
	AccessTokenTTL time.Duration

	// ClockSkew is tolerated during validation.
	ClockSkew time.Duration

	// PublicKeyHex is the hex Ed25519 public key used for verification.
	PublicKeyHex string

	// SecretKeyHex enables issuing. When set, PublicKeyHex may be empty.
	SecretKeyHex string
}

// DefaultConfig returns development defaults without keys.
func DefaultConfig() Config {
	return Config{
		Issuer:         "helpdesk",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// Enabled reports whether any key is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.PublicKeyHex) != "" || strings.TrimSpace(c.SecretKeyHex) != ""
}
