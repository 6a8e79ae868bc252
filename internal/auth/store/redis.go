package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"printchat/internal/auth/models"
	"printchat/pkg/platform/sentinel"
)

// Redis-backed stores for the TTL-heavy entities: sessions, OIDC state, and
// the bearer-token cache. Users live in Postgres; they have no TTL.
//
// Keys carry a TTL matching the record's own expiry, but that is an
// eviction optimization. Callers still re-check expiry at use time.

const (
	sessionKeyPrefix    = "session:"
	stateKeyPrefix      = "oidcstate:"
	tokenCacheKeyPrefix = "tokencache:"
)

type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) FindByID(ctx context.Context, sessionID string) (*models.Session, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %q: %w", sessionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Create(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session expiry must be in the future")
	}
	// SetNX gives the atomic unique-insert that collision detection needs.
	ok, err := s.client.SetNX(ctx, sessionKeyPrefix+session.SessionID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %q already exists: %w", session.SessionID, sentinel.ErrConflict)
	}
	return nil
}

func (s *RedisSessionStore) Touch(ctx context.Context, sessionID string, now time.Time) error {
	session, err := s.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	session.UpdatedAt = now
	session.ExpiresAt = now.Add(models.SessionTTL)
	return s.write(ctx, session)
}

func (s *RedisSessionStore) SetEthicsAccepted(ctx context.Context, sessionID string, at time.Time) error {
	session, err := s.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	session.EthicsAcceptedAt = &at
	session.UpdatedAt = at
	return s.write(ctx, session)
}

func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) write(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, session.SessionID)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+session.SessionID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis write session: %w", err)
	}
	return nil
}

type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Create(ctx context.Context, record *models.StateRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal state record: %w", err)
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("state expiry must be in the future")
	}
	ok, err := s.client.SetNX(ctx, stateKeyPrefix+record.State, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis create state: %w", err)
	}
	if !ok {
		return fmt.Errorf("state %q already exists: %w", record.State, sentinel.ErrConflict)
	}
	return nil
}

func (s *RedisStateStore) FindAndConsume(ctx context.Context, state string) (*models.StateRecord, error) {
	// GETDEL makes the consume atomic: two racing callbacks can never both
	// see the record.
	val, err := s.client.GetDel(ctx, stateKeyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("state %q: %w", state, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis consume state: %w", err)
	}
	var record models.StateRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, fmt.Errorf("unmarshal state record: %w", err)
	}
	return &record, nil
}

type RedisTokenCacheStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTokenCacheStore(client *redis.Client, ttl time.Duration) *RedisTokenCacheStore {
	return &RedisTokenCacheStore{client: client, ttl: ttl}
}

func (s *RedisTokenCacheStore) Find(ctx context.Context, tokenHash string) (*models.TokenCacheEntry, error) {
	val, err := s.client.Get(ctx, tokenCacheKeyPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("token cache entry: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get token cache entry: %w", err)
	}
	var entry models.TokenCacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal token cache entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisTokenCacheStore) Insert(ctx context.Context, entry *models.TokenCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal token cache entry: %w", err)
	}
	if err := s.client.Set(ctx, tokenCacheKeyPrefix+entry.TokenHash, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis insert token cache entry: %w", err)
	}
	return nil
}
