package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// StaticTokenSource returns a fixed bearer token.
type StaticTokenSource string

// Token implements backend.TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// SignedTokenSource mints short-lived HS256 tokens and reuses each one until
// it is close to expiry.
type SignedTokenSource struct {
	secret  []byte
	subject string
	issuer  string
	role    Role
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewSignedTokenSource constructs a signed token source.
func NewSignedTokenSource(secret []byte, subject, issuer string, role Role, ttl time.Duration) (*SignedTokenSource, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SignedTokenSource{
		secret:  secret,
		subject: subject,
		issuer:  issuer,
		role:    role,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Token returns a cached token or signs a fresh one.
func (s *SignedTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-s.ttl/5)) {
		return s.token, nil
	}
	token, err := SignJWT(s.secret, s.subject, s.role, s.issuer, s.ttl, now)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = now.Add(s.ttl)
	return token, nil
}
