// Package state manages the OIDC state parameter: an unpredictable token
// binding a pending login to the session that initiated it and to the
// redirect target to resume afterwards.
//
// Two interchangeable implementations exist. The store-backed manager is the
// default: tokens can be revoked before expiry by deleting the record. The
// signed manager is stateless and suits deployments without a shared store,
// at the cost of no pre-expiry revocation. A deployment picks exactly one;
// they are never mixed.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"printchat/internal/auth/models"
	"printchat/internal/auth/store"
	dErrors "printchat/pkg/domain-errors"
)

// TTL bounds how long a login attempt may stay pending.
const TTL = 10 * time.Minute

// Validated is the outcome of a successful state validation: the session to
// resume and where to send the browser next.
type Validated struct {
	SessionID   string
	RedirectURL string
}

// Manager issues and validates state tokens. Validation is single use or
// time bounded, binds to the originating session, and rejects tampered or
// expired tokens.
type Manager interface {
	// Issue creates a state token for the session and redirect target.
	Issue(ctx context.Context, sessionID, redirectURL string) (string, error)
	// Validate checks the token presented on the callback. presentedSessionID
	// is the session id resolved for the callback request; implementations
	// that embed no server-side record verify the binding against it.
	Validate(ctx context.Context, token, presentedSessionID string) (*Validated, error)
}

// errInvalid is the one message shown for every rejection. Distinguishing
// "never issued" from "expired" from "tampered" would leak oracle bits.
func errInvalid() error {
	return dErrors.New(dErrors.CodeForbidden, "Invalid or expired CSRF token")
}

// StoreManager persists state records and consumes them on first validation.
type StoreManager struct {
	states store.StateStore
	now    func() time.Time
}

func NewStoreManager(states store.StateStore) *StoreManager {
	return &StoreManager{states: states, now: time.Now}
}

func (m *StoreManager) Issue(ctx context.Context, sessionID, redirectURL string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	token := hex.EncodeToString(buf)

	record := &models.StateRecord{
		State:       token,
		SessionID:   sessionID,
		RedirectURL: redirectURL,
		ExpiresAt:   m.now().Add(TTL),
	}
	if err := m.states.Create(ctx, record); err != nil {
		return "", fmt.Errorf("persist state record: %w", err)
	}
	return token, nil
}

func (m *StoreManager) Validate(ctx context.Context, token, _ string) (*Validated, error) {
	// FindAndConsume deletes on first sight, so a replayed token fails the
	// lookup and an expired record is gone after this call either way.
	record, err := m.states.FindAndConsume(ctx, token)
	if err != nil {
		return nil, errInvalid()
	}
	if record.Expired(m.now()) {
		return nil, errInvalid()
	}
	return &Validated{SessionID: record.SessionID, RedirectURL: record.RedirectURL}, nil
}
