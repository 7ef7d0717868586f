// Package app holds the application services and business logic.
package app

import (
	"context"
	"crypto/subtle"

	"secureauth/internal/domain"
)

// AuthService handles signup, login and logout on top of the credential
// store and the session lifecycle.
type AuthService struct {
	creds    *Credentials
	sessions *Sessions
}

// NewAuthService creates a new authentication service.
func NewAuthService(creds *Credentials, sessions *Sessions) *AuthService {
	return &AuthService{
		creds:    creds,
		sessions: sessions,
	}
}

// Sessions exposes the session lifecycle, e.g. for the expiry sweeper.
func (s *AuthService) Sessions() *Sessions {
	return s.sessions
}

// Signup registers a new user.
func (s *AuthService) Signup(ctx context.Context, username, password string) (*domain.User, error) {
	return s.creds.Create(ctx, username, password)
}

// Login authenticates a user and creates a session. A session the caller
// already held is terminated first so a login never reuses an identifier.
func (s *AuthService) Login(ctx context.Context, username, password, previousSessionID string) (*domain.User, *domain.Session, error) {
	user, err := s.creds.Verify(ctx, username, password)
	if err != nil {
		return nil, nil, err
	}

	// A stale entry left behind by a failed delete expires on its own.
	_ = s.sessions.Terminate(ctx, previousSessionID)

	sess, err := s.sessions.Establish(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, sess, nil
}

// LoginWithUser creates a session for a user already authenticated by an
// external identity provider, provisioning the user if needed.
func (s *AuthService) LoginWithUser(ctx context.Context, username string) (*domain.Session, error) {
	user, err := s.creds.Provision(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.sessions.Establish(ctx, user)
}

// Logout invalidates a session.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Terminate(ctx, sessionID)
}

// Resolve returns the live session for the id, or nil.
func (s *AuthService) Resolve(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.sessions.Resolve(ctx, sessionID)
}

// ConstantTimeCompare performs a constant-time comparison of two strings.
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
