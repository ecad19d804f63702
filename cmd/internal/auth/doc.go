// Package auth verifies the access tokens presented by agents and registered customers.
//
// Tokens are PASETO v4.public. The helpdesk normally holds only the public key of the
// identity service that issues them; a secret key may be configured for development and tooling,
// in which case this package can also issue tokens.
//
// Guests carry no access token. They authenticate per conversation with the conversation token.
package auth
