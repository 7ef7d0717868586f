// Package memory implements the volatile in-memory repositories the gateway
// runs on. Nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"secureauth/internal/domain"
)

// DB implements an in-memory user and session store.
type DB struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	usersByID map[int64]*domain.User
	sessions  map[string]domain.Session
	userIDSeq int64
	now       func() time.Time
}

// New creates a new in-memory database.
func New() *DB {
	return &DB{
		users:     make(map[string]*domain.User),
		usersByID: make(map[int64]*domain.User),
		sessions:  make(map[string]domain.Session),
		now:       time.Now,
	}
}

// Ensure interfaces are met.
var _ domain.UserRepository = (*DB)(nil)
var _ domain.SessionRepository = (*SessionRepo)(nil)
var _ domain.TelemetrySink = (*Telemetry)(nil)

// --- UserRepository ---

// GetByUsername retrieves a user by username.
func (db *DB) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// GetByID retrieves a user by ID.
func (db *DB) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.usersByID[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// Create inserts a user if the username is free. The uniqueness check and the
// insert share one critical section, and ids are only consumed on success.
func (db *DB) Create(ctx context.Context, username, passwordHash string) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.users[username]; ok {
		return nil, domain.ErrUserExists
	}

	db.userIDSeq++
	u := &domain.User{
		ID:           db.userIDSeq,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    db.now().UTC(),
	}
	db.users[username] = u
	db.usersByID[u.ID] = u

	cp := *u
	return &cp, nil
}

// Count returns the total number of users.
func (db *DB) Count(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.users), nil
}

// --- SessionRepository ---

// SessionRepo implements session persistence.
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new session repository.
func (db *DB) NewSessionRepo() *SessionRepo {
	return &SessionRepo{db: db}
}

// Create stores a session.
func (r *SessionRepo) Create(ctx context.Context, s domain.Session) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.sessions[s.ID] = s
	return nil
}

// GetByID retrieves a session by id.
func (r *SessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	s, ok := r.db.sessions[id]
	if !ok {
		return nil, nil
	}
	if r.db.now().After(s.ExpiresAt) {
		delete(r.db.sessions, id)
		return nil, nil
	}
	return &s, nil
}

// Delete deletes a session. Deleting an unknown session is not an error.
func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.sessions, id)
	return nil
}

// DeleteExpired deletes all expired sessions.
func (r *SessionRepo) DeleteExpired(ctx context.Context) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	now := r.db.now()
	n := 0
	for k, v := range r.db.sessions {
		if now.After(v.ExpiresAt) {
			delete(r.db.sessions, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored sessions, expired ones included.
func (r *SessionRepo) Len() int {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return len(r.db.sessions)
}

// --- TelemetrySink ---

// Telemetry records emitted events in memory.
type Telemetry struct {
	mu     sync.Mutex
	events []domain.TelemetryEvent
}

// NewTelemetry creates an empty recorder.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// Emit appends the event.
func (t *Telemetry) Emit(ctx context.Context, ev domain.TelemetryEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (t *Telemetry) Events() []domain.TelemetryEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.TelemetryEvent, len(t.events))
	copy(out, t.events)
	return out
}
