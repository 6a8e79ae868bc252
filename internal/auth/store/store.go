// Package store defines the credential store: CRUD over sessions, users,
// OIDC state records, and token-cache entries.
//
// Error contract, shared by every implementation:
// - ErrNotFound (sentinel) when the requested entity does not exist
// - ErrConflict (sentinel) when a unique-insert would overwrite
// - wrapped infrastructure errors for store failures; never retried here
//
// TTL semantics: implementations may evict expired records eventually, but
// callers always re-check expiry at use time.
package store

import (
	"context"
	"time"

	"printchat/internal/auth/models"
)

type SessionStore interface {
	FindByID(ctx context.Context, sessionID string) (*models.Session, error)
	// Create inserts a new session and fails with ErrConflict if the id is
	// already taken. Unique-insert is what makes collision detection work.
	Create(ctx context.Context, session *models.Session) error
	// Touch extends UpdatedAt/ExpiresAt, sliding the two-week window.
	Touch(ctx context.Context, sessionID string, now time.Time) error
	// SetEthicsAccepted records disclaimer acceptance on the session.
	SetEthicsAccepted(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
}

type UserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.User, error)
	// Upsert creates or updates the user keyed by ExternalID and returns the
	// stored row. Profile fields are refreshed on every login.
	Upsert(ctx context.Context, user *models.User) (*models.User, error)
}

type StateStore interface {
	Create(ctx context.Context, record *models.StateRecord) error
	// FindAndConsume atomically looks up and deletes the record so a state
	// token can never validate twice, even under concurrent callbacks.
	FindAndConsume(ctx context.Context, state string) (*models.StateRecord, error)
}

type TokenCacheStore interface {
	Find(ctx context.Context, tokenHash string) (*models.TokenCacheEntry, error)
	// Insert never updates in place; refresh is delete+reinsert (or TTL
	// eviction followed by a fresh insert).
	Insert(ctx context.Context, entry *models.TokenCacheEntry) error
}
