// Package models holds the credential entities persisted by the stores:
// browser sessions, user principals, pending OIDC state records, and
// bearer-token cache entries.
package models

import "time"

// SessionTTL is the absolute cookie and record lifetime. The window slides:
// every refresh resets expiry to now + SessionTTL.
const SessionTTL = 14 * 24 * time.Hour

// Session represents a browser session, anonymous or authenticated.
//
// SessionID is the hex SHA-256 of a client-held secret. The plaintext secret
// only ever lives in the cookie; the server stores the hash alone.
type Session struct {
	SessionID string
	// UserID is empty until the session is bound to a login.
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
	// EthicsAcceptedAt records when the caller accepted the disclaimer
	// modal. Nil means the disclaimer wall still applies.
	EthicsAcceptedAt *time.Time
}

// Expired reports whether the session is past its absolute expiry. Callers
// check this at use time; store-level TTL eviction is best effort.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// Role tags form a small closed set checked through User.HasRole, so string
// literals do not scatter across handlers.
type Role string

const (
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User is the principal behind an authenticated identity, created lazily on
// the first OIDC callback for a new upstream identity.
type User struct {
	ID string
	// ExternalID is the upstream identity provider's stable subject id.
	// Unique: exactly one User per upstream identity.
	ExternalID         string
	Username           string
	Name               string
	Email              string
	AvatarURL          string
	Roles              []Role
	Points             int
	SubscriptionStatus string
	// LogoutDisabled is set for trusted-header pseudo-identities, which are
	// established by the fronting proxy rather than a login of ours.
	LogoutDisabled bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasRole is the single capability predicate for role checks.
func (u User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// StateRecord binds a pending login attempt to a session and a redirect
// target. Single use: validation consumes the record.
type StateRecord struct {
	// State is the random token round-tripped through the identity provider.
	State       string
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// Expired reports whether the record is inert regardless of whether a
// cleanup pass has physically removed it.
func (r StateRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// TokenCacheEntry memoizes a successful bearer-token validation so API calls
// within the TTL skip the upstream whoami round trip.
type TokenCacheEntry struct {
	// TokenHash is the hex SHA-256 of the bearer token.
	TokenHash string
	// ExternalUserID is the upstream identity the token was validated for.
	ExternalUserID string
	CreatedAt      time.Time
}
