// Package session issues bearer tokens and authorizes them against the role
// hierarchy. Sessions live for a fixed TTL from creation, not from last use.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"scriptorium/api/internal/auth"
	"scriptorium/api/internal/rbac"
)

var (
	ErrNoToken          = errors.New("no session token")
	ErrInvalidToken     = errors.New("unknown session token")
	ErrExpired          = errors.New("session expired")
	ErrInsufficientRole = errors.New("insufficient role")
	errNotFound         = errors.New("session not found")
)

type User struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        rbac.Role `json:"role"`
}

type Session struct {
	TokenHash string    `json:"token_hash"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions by token hash.
type Store interface {
	Save(ctx context.Context, s Session, ttl time.Duration) error
	Get(ctx context.Context, tokenHash string) (Session, error)
	Delete(ctx context.Context, tokenHash string) error
	DeleteUser(ctx context.Context, username string) error
	Sweep(ctx context.Context, createdBefore time.Time) (int, error)
}

// Manager is created once per process and handed to the HTTP layer.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// WithClock swaps the time source; tests use it to step across the TTL.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) Create(ctx context.Context, user User) (string, Session, error) {
	token, err := auth.NewToken()
	if err != nil {
		return "", Session{}, err
	}
	s := Session{
		TokenHash: auth.HashToken(token),
		User:      user,
		CreatedAt: m.now(),
	}
	if err := m.store.Save(ctx, s, m.ttl); err != nil {
		return "", Session{}, fmt.Errorf("save session: %w", err)
	}
	return token, s, nil
}

// Authorize resolves token and checks its role against min. Expired sessions
// are evicted on the way out.
func (m *Manager) Authorize(ctx context.Context, token string, min rbac.Role) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrNoToken
	}
	hash := auth.HashToken(token)
	s, err := m.store.Get(ctx, hash)
	if errors.Is(err, errNotFound) {
		return Session{}, ErrInvalidToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	if m.now().Sub(s.CreatedAt) > m.ttl {
		_ = m.store.Delete(ctx, hash)
		return Session{}, ErrExpired
	}
	if !rbac.AtLeast(s.User.Role, min) {
		return s, ErrInsufficientRole
	}
	return s, nil
}

func (m *Manager) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return m.store.Delete(ctx, auth.HashToken(token))
}

// RevokeUser drops every live session of username, used after role changes
// and deletions.
func (m *Manager) RevokeUser(ctx context.Context, username string) error {
	return m.store.DeleteUser(ctx, username)
}

// Sweep evicts sessions that outlived the TTL. Authorize already rejects them,
// this only reclaims memory.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.Sweep(ctx, m.now().Add(-m.ttl))
}

// MemoryStore keeps sessions in process memory; a restart logs everyone out.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Save(_ context.Context, session Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.TokenHash] = session
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tokenHash string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenHash]
	if !ok {
		return Session{}, errNotFound
	}
	return session, nil
}

func (s *MemoryStore) Delete(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, session := range s.sessions {
		if session.User.Username == username {
			delete(s.sessions, hash)
		}
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, createdBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, session := range s.sessions {
		if session.CreatedAt.Before(createdBefore) {
			delete(s.sessions, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
