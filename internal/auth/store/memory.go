package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"printchat/internal/auth/models"
	"printchat/pkg/platform/sentinel"
)

// In-memory stores back unit tests and single-node development. They
// intentionally favor clarity over performance.

type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]models.Session)}
}

func (s *InMemorySessionStore) FindByID(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[sessionID]; ok {
		return &session, nil
	}
	return nil, fmt.Errorf("session %q: %w", sessionID, sentinel.ErrNotFound)
}

func (s *InMemorySessionStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return fmt.Errorf("session %q already exists: %w", session.SessionID, sentinel.ErrConflict)
	}
	s.sessions[session.SessionID] = *session
	return nil
}

func (s *InMemorySessionStore) Touch(_ context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, sentinel.ErrNotFound)
	}
	session.UpdatedAt = now
	session.ExpiresAt = now.Add(models.SessionTTL)
	s.sessions[sessionID] = session
	return nil
}

func (s *InMemorySessionStore) SetEthicsAccepted(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, sentinel.ErrNotFound)
	}
	session.EthicsAcceptedAt = &at
	session.UpdatedAt = at
	s.sessions[sessionID] = session
	return nil
}

func (s *InMemorySessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]models.User // keyed by internal id
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{users: make(map[string]models.User)}
}

func (s *InMemoryUserStore) FindByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[id]; ok {
		return &user, nil
	}
	return nil, fmt.Errorf("user %q: %w", id, sentinel.ErrNotFound)
}

func (s *InMemoryUserStore) FindByExternalID(_ context.Context, externalID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.ExternalID == externalID {
			return &user, nil
		}
	}
	return nil, fmt.Errorf("user with external id %q: %w", externalID, sentinel.ErrNotFound)
}

func (s *InMemoryUserStore) Upsert(_ context.Context, user *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.users {
		if existing.ExternalID == user.ExternalID {
			updated := *user
			updated.ID = id
			updated.CreatedAt = existing.CreatedAt
			updated.Points = existing.Points
			s.users[id] = updated
			return &updated, nil
		}
	}
	created := *user
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	s.users[created.ID] = created
	return &created, nil
}

type InMemoryStateStore struct {
	mu      sync.Mutex
	records map[string]models.StateRecord
}

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{records: make(map[string]models.StateRecord)}
}

func (s *InMemoryStateStore) Create(_ context.Context, record *models.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.State]; ok {
		return fmt.Errorf("state %q already exists: %w", record.State, sentinel.ErrConflict)
	}
	s.records[record.State] = *record
	return nil
}

func (s *InMemoryStateStore) FindAndConsume(_ context.Context, state string) (*models.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[state]
	if !ok {
		return nil, fmt.Errorf("state %q: %w", state, sentinel.ErrNotFound)
	}
	delete(s.records, state)
	// No TTL eviction here, unlike redis, so the expiry check happens on
	// consume. The record is gone either way.
	if record.Expired(time.Now()) {
		return nil, fmt.Errorf("state %q: %w", state, sentinel.ErrExpired)
	}
	return &record, nil
}

type InMemoryTokenCacheStore struct {
	mu      sync.RWMutex
	entries map[string]models.TokenCacheEntry
}

func NewInMemoryTokenCacheStore() *InMemoryTokenCacheStore {
	return &InMemoryTokenCacheStore{entries: make(map[string]models.TokenCacheEntry)}
}

func (s *InMemoryTokenCacheStore) Find(_ context.Context, tokenHash string) (*models.TokenCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.entries[tokenHash]; ok {
		return &entry, nil
	}
	return nil, fmt.Errorf("token cache entry: %w", sentinel.ErrNotFound)
}

func (s *InMemoryTokenCacheStore) Insert(_ context.Context, entry *models.TokenCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.TokenHash] = *entry
	return nil
}
