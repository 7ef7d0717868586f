package app

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"secureauth/internal/domain"

	"golang.org/x/crypto/bcrypt"
)

const (
	minUsernameLen = 3
	minPasswordLen = 6
)

var (
	// ErrUsernameTooShort indicates a trimmed username under three characters.
	ErrUsernameTooShort = errors.New("username must be at least 3 characters")
	// ErrPasswordTooShort indicates a password under six characters.
	ErrPasswordTooShort = errors.New("password must be at least 6 characters")
	// ErrUsernameTaken indicates that another user already owns the username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidCredentials indicates that the provided username or password was incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound indicates that the user does not exist. It is only ever
	// returned wrapped inside ErrInvalidCredentials.
	ErrUserNotFound = errors.New("user not found")
	// ErrPasswordMismatch indicates a wrong password for an existing user. It
	// is only ever returned wrapped inside ErrInvalidCredentials.
	ErrPasswordMismatch = errors.New("password mismatch")
)

// Credentials is the credential store: it owns user records and their
// password hashes.
type Credentials struct {
	users domain.UserRepository
	cost  int
	// dummyHash is compared against when the username is unknown so both
	// failure paths pay for one bcrypt comparison.
	dummyHash []byte
}

// NewCredentials creates a credential store hashing with the given bcrypt
// cost. A cost of zero selects bcrypt.DefaultCost.
func NewCredentials(users domain.UserRepository, cost int) (*Credentials, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword(passwordKey("not-a-real-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	return &Credentials{users: users, cost: cost, dummyHash: dummy}, nil
}

// passwordKey is the bcrypt input for a password. bcrypt rejects inputs over
// 72 bytes, so every password is reduced to the base64 of its SHA-256 digest
// (44 bytes) first.
func passwordKey(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

// NormalizeUsername trims surrounding whitespace.
func NormalizeUsername(u string) string {
	return strings.TrimSpace(u)
}

// Create validates the input and stores a new user with a bcrypt hash of
// the password.
func (c *Credentials) Create(ctx context.Context, username, password string) (*domain.User, error) {
	username = NormalizeUsername(username)
	if utf8.RuneCountInString(username) < minUsernameLen {
		return nil, ErrUsernameTooShort
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return nil, ErrPasswordTooShort
	}

	// Cheap early rejection; the repository insert below is the
	// authoritative uniqueness check.
	existing, err := c.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword(passwordKey(password), c.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := c.users.Create(ctx, username, string(hash))
	if errors.Is(err, domain.ErrUserExists) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Verify checks a username/password pair. Every failure is reported as
// ErrInvalidCredentials; the wrapped cause tells an unknown user apart from
// a wrong password for callers that log it.
func (c *Credentials) Verify(ctx context.Context, username, password string) (*domain.User, error) {
	username = NormalizeUsername(username)

	user, err := c.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(c.dummyHash, passwordKey(password))
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, ErrUserNotFound)
	}

	if user.PasswordHash == "" {
		// Provisioned through SSO; no password login.
		_ = bcrypt.CompareHashAndPassword(c.dummyHash, passwordKey(password))
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, ErrPasswordMismatch)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), passwordKey(password)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, ErrPasswordMismatch)
	}
	return user, nil
}

// Provision returns the user with the given name, creating it without a
// usable password if it does not exist yet.
func (c *Credentials) Provision(ctx context.Context, username string) (*domain.User, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return nil, ErrUsernameTooShort
	}

	user, err := c.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	user, err = c.users.Create(ctx, username, "")
	if errors.Is(err, domain.ErrUserExists) {
		// Lost a race with a concurrent provision.
		user, err = c.users.GetByUsername(ctx, username)
	}
	if err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
