// Package auth supplies the session credential consumed by the mutation
// transport and refreshed by the retry coordinator on session expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential indicates no session credential is available.
	ErrNoCredential = errors.New("auth: no credential available")
	// ErrRefreshFailed indicates the credential could not be refreshed; the
	// caller must treat this as a hard authentication failure.
	ErrRefreshFailed = errors.New("auth: credential refresh failed")
)

// Credential is the opaque session token forwarded with each request.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is known to be expired at now.
// Credentials without a parseable expiry never report expired here; the
// server remains the authority.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialSource provides the current session credential and refreshes it
// when the server signals expiry.
type CredentialSource interface {
	Current(ctx context.Context) (Credential, error)
	Refresh(ctx context.Context) (Credential, error)
}

// RefreshFunc obtains a fresh session token from the identity layer.
type RefreshFunc func(ctx context.Context) (string, error)

// Source is a CredentialSource holding one token and a refresh callback.
// When the token is a JWT, its exp claim is inspected locally (unverified
// parse) so a visibly expired credential is replaced before a doomed
// round trip rather than after one.
type Source struct {
	mu      sync.Mutex
	current Credential
	refresh RefreshFunc
	now     func() time.Time
}

// NewSource constructs a Source seeded with the given token. The token may
// be empty when the caller starts unauthenticated.
func NewSource(token string, refresh RefreshFunc) *Source {
	return &Source{
		current: credentialFromToken(token),
		refresh: refresh,
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Source) WithClock(now func() time.Time) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
	return s
}

// Current returns the active credential, refreshing first when it is
// visibly expired.
func (s *Source) Current(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	cred := s.current
	now := s.now()
	s.mu.Unlock()

	if cred.Token == "" {
		return Credential{}, ErrNoCredential
	}
	if cred.Expired(now) {
		return s.Refresh(ctx)
	}
	return cred, nil
}

// Refresh replaces the credential via the refresh callback. Failures are
// wrapped in ErrRefreshFailed.
func (s *Source) Refresh(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	refresh := s.refresh
	s.mu.Unlock()

	if refresh == nil {
		return Credential{}, ErrRefreshFailed
	}
	token, err := refresh(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrRefreshFailed
	}

	cred := credentialFromToken(token)
	s.mu.Lock()
	s.current = cred
	s.mu.Unlock()
	return cred, nil
}

func credentialFromToken(token string) Credential {
	token = strings.TrimSpace(token)
	cred := Credential{Token: token}
	if token == "" {
		return cred
	}

	// Opaque (non-JWT) tokens pass through without a local expiry.
	if strings.Count(token, ".") != 2 {
		return cred
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return cred
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return cred
	}
	cred.ExpiresAt = expiry.Time
	return cred
}
