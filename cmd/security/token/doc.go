// Package token provides conversation-token primitives for the support subsystem.
//
// Guests receive an opaque conversation token when they start a conversation and present it
// again to resume. Only a digest of the token is persisted.
//
// Modes:
//   - Default dev mode: SHA-256(token) when no HMAC key is configured.
//   - Production mode: HMAC-SHA256(token, key) when HELPDESK_TOKEN_HMAC_KEY is set.
//
// Digests are 64-char hex strings and are compared in constant time.
package token
