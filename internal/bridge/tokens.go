// Package bridge authenticates and applies the callbacks a remote worker
// makes while it runs a session out of process.
package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope is the only scope a bridge token carries.
const Scope = "bridge"

// DefaultTokenTTL bounds how long a worker may keep reporting.
const DefaultTokenTTL = 24 * time.Hour

// Claims are the claims of a bridge token. The subject is the session id.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Tokens issues and verifies session-scoped HS256 bridge tokens.
type Tokens struct {
	secret    []byte
	ttl       time.Duration
	issuer    string
	clockSkew time.Duration
	now       func() time.Time
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(d time.Duration) TokenOption {
	return func(t *Tokens) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithIssuer sets the iss claim that is stamped and required. An empty
// issuer keeps the default.
func WithIssuer(iss string) TokenOption {
	return func(t *Tokens) {
		if iss != "" {
			t.issuer = iss
		}
	}
}

func NewTokens(secret []byte, opts ...TokenOption) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("bridge: signing secret is empty")
	}
	t := &Tokens{
		secret:    secret,
		ttl:       DefaultTokenTTL,
		issuer:    "opflow",
		clockSkew: 30 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Issue mints a token for sessionID.
func (t *Tokens) Issue(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("bridge: session id is empty")
	}
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Scope: Scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign bridge token: %w", err)
	}
	return signed, nil
}

// Verify checks token's signature, expiry, issuer and scope, and that it
// was issued for sessionID.
func (t *Tokens) Verify(token, sessionID string) error {
	if token == "" {
		return errors.New("token is empty")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(t.clockSkew),
		jwt.WithIssuer(t.issuer),
		jwt.WithSubject(sessionID),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if claims.Scope != Scope {
		return fmt.Errorf("token scope %q is not %q", claims.Scope, Scope)
	}
	return nil
}
