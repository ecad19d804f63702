package app

import (
	"errors"
	"fmt"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Guest conversation tokens are only ever stored hashed. With RequireTokenHMAC the hash must be
// keyed, so a leaked table cannot be matched against guessed tokens.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.Auth.Enabled() {
		if _, err := auth.NewTokenManager(cfg.authConfig()); err != nil {
			return fmt.Errorf("security policy: auth keys: %w", err)
		}
	}

	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret, measured as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: HELPDESK_REQUIRE_TOKEN_HMAC=true but " + token.HMACEnvKey + " is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: HELPDESK_REQUIRE_TOKEN_HMAC=true but " + token.HMACEnvKey + " is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: HELPDESK_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
