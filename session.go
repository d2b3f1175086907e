package uthhub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// TokenSource supplies the bearer credential for REST calls and the STOMP
// CONNECT frame. It returns ErrNoCredential when no user is signed in.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoCredential
	}
	return string(t), nil
}

// Session is a mutable TokenSource: the token can be set after login and
// cleared on logout while the engine keeps running.
type Session struct {
	mu     sync.RWMutex
	token  string
	claims SessionClaims
}

// SessionClaims are the claims the backend puts in its access tokens.
type SessionClaims struct {
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry in the past.
func (c SessionClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// NewSession creates a session from a token; an empty token means signed out.
func NewSession(token string) *Session {
	s := &Session{}
	if token != "" {
		s.SetToken(token)
	}
	return s
}

// SetToken replaces the current token. Claims are read without verifying the
// signature: the key lives on the server, the client only needs the subject
// and expiry for display and pre-flight checks.
func (s *Session) SetToken(token string) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	claims, _ := ParseClaims(token)

	s.mu.Lock()
	s.token = token
	s.claims = claims
	s.mu.Unlock()
}

// Clear signs the session out.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.claims = SessionClaims{}
	s.mu.Unlock()
}

// Claims returns the parsed claims of the current token.
func (s *Session) Claims() SessionClaims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims
}

func (s *Session) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredential
	}
	if s.claims.Expired(time.Now()) {
		return "", errors.Wrap(ErrNoCredential, "token expired")
	}
	return s.token, nil
}

// ParseClaims extracts subject and lifetime from a JWT without verification.
func ParseClaims(token string) (SessionClaims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return SessionClaims{}, errors.Wrap(err, "parse token")
	}
	c := SessionClaims{Username: rc.Subject}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}
