package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"secureauth/internal/domain"
)

// DefaultSessionTTL is used when no TTL is configured.
const DefaultSessionTTL = 24 * time.Hour

// ErrDestroyFailed indicates the session store could not delete a session.
var ErrDestroyFailed = errors.New("session destroy failed")

// Sessions manages the session lifecycle: establish, resolve and terminate.
type Sessions struct {
	repo domain.SessionRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewSessions creates a session manager. A zero ttl selects DefaultSessionTTL.
func NewSessions(repo domain.SessionRepository, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{repo: repo, ttl: ttl, now: time.Now}
}

// TTL reports how long a new session stays valid.
func (s *Sessions) TTL() time.Duration {
	return s.ttl
}

// Establish creates a session bound to the user.
func (s *Sessions) Establish(ctx context.Context, user *domain.User) (*domain.Session, error) {
	id, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := s.now().UTC()
	sess := domain.Session{
		ID:        id,
		UserID:    user.ID,
		Username:  user.Username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return &sess, nil
}

// Resolve returns the live session for id, or nil if there is none.
func (s *Sessions) Resolve(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, nil
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.UserID == 0 {
		return nil, nil
	}
	if s.now().After(sess.ExpiresAt) {
		_ = s.repo.Delete(ctx, id)
		return nil, nil
	}
	return sess, nil
}

// Terminate destroys the session. An empty id is a no-op.
func (s *Sessions) Terminate(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrDestroyFailed, err)
	}
	return nil
}

// Sweep deletes expired sessions and reports how many were removed.
func (s *Sessions) Sweep(ctx context.Context) (int, error) {
	return s.repo.DeleteExpired(ctx)
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
