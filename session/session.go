/*
Package session issues and resolves login sessions.

PURPOSE:
  Replaces a process-wide "current admin" with explicit sessions. A login
  checks a bcrypt credential and returns an opaque bearer token; every
  request resolves its token into a settlement.Actor that is passed to the
  engine explicitly.

STORES:
  MemoryStore  single process, development and tests
  RedisStore   shared across processes, expiry handled by Redis TTL

SEE ALSO:
  - api/server.go: authentication middleware
*/
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/coldstore/settlement"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoSession          = errors.New("session not found or expired")
)

// Session is one authenticated login.
type Session struct {
	ID        string           `json:"id"`
	Token     string           `json:"token"`
	Actor     settlement.Actor `json:"actor"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func (s Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists sessions by token.
type Store interface {
	Save(ctx context.Context, s Session) error
	// Get returns ErrNoSession for unknown or expired tokens.
	Get(ctx context.Context, token string) (Session, error)
	Delete(ctx context.Context, token string) error
}

// Credential is one configured login.
type Credential struct {
	Username     string
	PasswordHash string
	Role         settlement.Role
}

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	store Store
	ttl   time.Duration
	creds map[string]Credential
	now   func() time.Time
}

func NewManager(store Store, ttl time.Duration, creds ...Credential) *Manager {
	m := &Manager{
		store: store,
		ttl:   ttl,
		creds: make(map[string]Credential, len(creds)),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, c := range creds {
		if c.Username != "" {
			m.creds[c.Username] = c
		}
	}
	return m
}

// dummyHash is compared against when the username is unknown so that a
// failed login costs the same either way.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("coldstore"), bcrypt.DefaultCost)

// Login checks the password and stores a new session.
func (m *Manager) Login(ctx context.Context, username, password string) (Session, error) {
	cred, ok := m.creds[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Session{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}
	now := m.now()
	s := Session{
		ID:        uuid.NewString(),
		Token:     token,
		Actor:     settlement.Actor{ID: cred.Username, Name: cred.Username, Role: cred.Role},
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, fmt.Errorf("failed to save session: %w", err)
	}
	return s, nil
}

// Resolve returns the actor for a bearer token.
func (m *Manager) Resolve(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNoSession
	}
	s, err := m.store.Get(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if s.expired(m.now()) {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// Logout deletes the session. Unknown tokens are not an error.
func (m *Manager) Logout(ctx context.Context, token string) error {
	return m.store.Delete(ctx, token)
}

// NewToken returns 32 random bytes, URL-safe base64 encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// =============================================================================
// CONTEXT
// =============================================================================

type contextKey struct{}

// WithActor returns a copy of ctx carrying the authenticated actor.
func WithActor(ctx context.Context, a settlement.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// ActorFrom returns the actor placed in ctx by WithActor.
func ActorFrom(ctx context.Context) (settlement.Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(settlement.Actor)
	return a, ok
}
