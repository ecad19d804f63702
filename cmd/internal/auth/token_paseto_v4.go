package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"helpdesk/cmd/internal/conversation"
)

// Verifier checks access tokens.
type Verifier interface {
	Verify(token string) (Principal, error)
}

// TokenManager verifies and, when a secret key is configured, issues access tokens.
type TokenManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	now       func() time.Time

	secret *paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewTokenManager builds a PASETO v4.public manager from cfg.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	m := &TokenManager{
		issuer:    strings.TrimSpace(cfg.Issuer),
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		now:       time.Now,
	}
	if m.issuer == "" {
		return nil, ErrConfig
	}
	if m.ttl <= 0 {
		m.ttl = DefaultConfig().AccessTokenTTL
	}

	switch {
	case strings.TrimSpace(cfg.SecretKeyHex) != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.SecretKeyHex))
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = &secret
		m.public = secret.Public()
	case strings.TrimSpace(cfg.PublicKeyHex) != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}
	return m, nil
}

// PublicKeyHex exports the verification key.
func (m *TokenManager) PublicKeyHex() string { return m.public.ExportHex() }

// Issue signs a token for p.
func (m *TokenManager) Issue(p Principal, now time.Time) (string, time.Time, error) {
	if m.secret == nil {
		return "", time.Time{}, ErrCannotIssue
	}
	if strings.TrimSpace(p.Subject) == "" || !p.Role.Valid() || p.Role == conversation.RoleSystem {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetSubject(p.Subject)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("role", string(p.Role))
	if p.Name != "" {
		_ = tok.Set("name", p.Name)
	}
	if p.Email != "" {
		_ = tok.Set("email", p.Email)
	}

	return tok.V4Sign(*m.secret, nil), exp, nil
}

// Verify validates token at the current time.
func (m *TokenManager) Verify(token string) (Principal, error) {
	return m.VerifyAt(token, m.now())
}

// VerifyAt validates token at now. The system role is never accepted from a token.
func (m *TokenManager) VerifyAt(token string, now time.Time) (Principal, error) {
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Principal{}, ErrInvalidToken
	}
	role, err := parsed.GetString("role")
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	r := conversation.Role(role)
	if r != conversation.RoleCustomer && r != conversation.RoleAgent {
		return Principal{}, ErrInvalidToken
	}

	name, _ := parsed.GetString("name")
	email, _ := parsed.GetString("email")

	return Principal{Subject: sub, Role: r, Name: name, Email: email}, nil
}
