// Package session resolves inbound requests to a principal and owns the
// session identifier lifecycle: minting, rotation, refresh, and the cookie
// contract.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"printchat/internal/auth/models"
	"printchat/internal/auth/store"
	dErrors "printchat/pkg/domain-errors"
	"printchat/pkg/hashutil"
	"printchat/pkg/platform/sentinel"
)

// APIPrefix marks the paths eligible for bearer-token resolution.
const APIPrefix = "/api/"

// SellerAPIPrefix carries its own JWT authentication; bearer tokens on these
// paths are marketplace JWTs, never whoami tokens.
const SellerAPIPrefix = APIPrefix + "seller/"

// WhoamiProvider validates an opaque bearer token upstream and returns the
// external identity id it belongs to.
type WhoamiProvider interface {
	Whoami(ctx context.Context, token string) (string, error)
}

// Resolution is the outcome of resolving one request.
type Resolution struct {
	// SessionID is the server-side hash; this is what stores key on.
	SessionID string
	// Secret is the client-held value the cookie carries. For trusted-header
	// and bearer identities it equals the hash, mirroring how those carriers
	// never receive a cookie of ours with fresh entropy.
	Secret string
	// User is nil for anonymous sessions.
	User *models.User
	// FromTrustedHeader marks operator-bypass identities: no persisted
	// session backs them and logout is disabled.
	FromTrustedHeader bool
	// FromBearer marks API-token identities; they carry no cookie and the
	// refresh path leaves them alone.
	FromBearer bool
	// EthicsAccepted reports whether the session has recorded acceptance of
	// the welcome disclaimer. Non-browser identities are treated as accepted.
	EthicsAccepted bool
}

// Metrics receives session lifecycle counters. Implementations must be safe
// for concurrent use.
type Metrics interface {
	SessionCreated()
	TokenCacheHit()
	TokenCacheMiss()
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated() {}
func (noopMetrics) TokenCacheHit()  {}
func (noopMetrics) TokenCacheMiss() {}

// Options carries the configuration slice the manager needs.
type Options struct {
	CookieName           string
	AllowInsecureCookies bool
	TrustedHeader        string
	BearerAPIAuth        bool
	TokenCacheTTL        time.Duration
}

// Manager resolves principals and mints session identifiers. Safe for
// concurrent use; all mutable state lives in the stores.
type Manager struct {
	opts       Options
	sessions   store.SessionStore
	users      store.UserStore
	tokenCache store.TokenCacheStore
	whoami     WhoamiProvider
	logger     *slog.Logger
	metrics    Metrics
	now        func() time.Time
	newSecret  func() string
}

func NewManager(
	opts Options,
	sessions store.SessionStore,
	users store.UserStore,
	tokenCache store.TokenCacheStore,
	whoami WhoamiProvider,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		opts:       opts,
		sessions:   sessions,
		users:      users,
		tokenCache: tokenCache,
		whoami:     whoami,
		logger:     logger,
		metrics:    noopMetrics{},
		now:        time.Now,
		newSecret:  uuid.NewString,
	}
}

// SetMetrics replaces the no-op metrics sink.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// Resolve applies the precedence order: trusted header, cookie session,
// bearer token (API paths only), anonymous fallback. The first branch that
// establishes a principal wins; later branches are not evaluated.
func (m *Manager) Resolve(ctx context.Context, r *http.Request) (*Resolution, error) {
	if m.opts.TrustedHeader != "" {
		if value := r.Header.Get(m.opts.TrustedHeader); value != "" {
			return m.resolveTrustedHeader(value), nil
		}
	}

	if cookie, err := r.Cookie(m.opts.CookieName); err == nil && cookie.Value != "" {
		return m.resolveCookie(ctx, cookie.Value)
	}

	if m.opts.BearerAPIAuth && strings.HasPrefix(r.URL.Path, APIPrefix) &&
		!strings.HasPrefix(r.URL.Path, SellerAPIPrefix) {
		if token, ok := bearerToken(r); ok {
			return m.resolveBearer(ctx, token)
		}
	}

	return m.resolveAnonymous(ctx)
}

// resolveTrustedHeader synthesizes a deterministic pseudo-identity from the
// header value. The fronting proxy already authenticated the caller, so no
// store lookup happens and nothing is persisted.
func (m *Manager) resolveTrustedHeader(value string) *Resolution {
	digest := hashutil.Digest(value)
	now := m.now()
	return &Resolution{
		SessionID:         digest,
		Secret:            digest,
		FromTrustedHeader: true,
		EthicsAccepted:    true,
		User: &models.User{
			ID:             digest[:24],
			ExternalID:     value,
			Name:           value,
			Email:          value,
			LogoutDisabled: true,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
}

func (m *Manager) resolveCookie(ctx context.Context, secret string) (*Resolution, error) {
	sessionID := hashutil.Digest(secret)
	res := &Resolution{SessionID: sessionID, Secret: secret}

	session, err := m.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		// Stale cookie: keep the same identifier so the refresh path can
		// recreate the record; the caller is simply not logged in.
		return res, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "session lookup failed", err)
	}
	if session.Expired(m.now()) {
		return res, nil
	}
	res.EthicsAccepted = session.EthicsAcceptedAt != nil
	if session.UserID == "" {
		return res, nil
	}

	user, err := m.users.FindByID(ctx, session.UserID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "user lookup failed", err)
	}
	res.User = user
	return res, nil
}

// resolveBearer hashes the token and consults the cache before paying for an
// upstream whoami round trip.
func (m *Manager) resolveBearer(ctx context.Context, token string) (*Resolution, error) {
	hash := hashutil.Digest(token)
	res := &Resolution{SessionID: hash, Secret: hash, FromBearer: true, EthicsAccepted: true}

	entry, err := m.tokenCache.Find(ctx, hash)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "token cache lookup failed", err)
	}
	if entry != nil && m.now().Sub(entry.CreatedAt) < m.opts.TokenCacheTTL {
		m.metrics.TokenCacheHit()
		user, err := m.users.FindByExternalID(ctx, entry.ExternalUserID)
		if err != nil {
			// A cached token for an unknown user is an integrity problem,
			// not an auth failure.
			return nil, dErrors.Wrap(dErrors.CodeInternal, "User not found", err)
		}
		res.User = user
		return res, nil
	}

	m.metrics.TokenCacheMiss()
	externalID, err := m.whoami.Whoami(ctx, token)
	if err != nil {
		var de *dErrors.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, dErrors.Wrap(dErrors.CodeUnauthorized, "Unauthorized", err)
	}

	user, err := m.users.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "User not found", err)
	}

	// Expired entries are replaced wholesale, never updated in place.
	if err := m.tokenCache.Insert(ctx, &models.TokenCacheEntry{
		TokenHash:      hash,
		ExternalUserID: externalID,
		CreatedAt:      m.now(),
	}); err != nil {
		m.logger.WarnContext(ctx, "failed to populate token cache", "error", err)
	}

	res.User = user
	return res, nil
}

// resolveAnonymous mints a fresh secret. The id space is collision-proof in
// practice; an actual collision signals an entropy failure and must surface
// loudly instead of being retried.
func (m *Manager) resolveAnonymous(ctx context.Context) (*Resolution, error) {
	secret := m.newSecret()
	sessionID := hashutil.Digest(secret)

	now := m.now()
	err := m.sessions.Create(ctx, &models.Session{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(models.SessionTTL),
	})
	if errors.Is(err, sentinel.ErrConflict) {
		return nil, dErrors.New(dErrors.CodeCollision, "Session ID collision")
	}
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "session create failed", err)
	}

	m.metrics.SessionCreated()
	return &Resolution{SessionID: sessionID, Secret: secret}, nil
}

// Refresh slides the session window: the cookie is re-issued with a fresh
// two-week expiry and the record's timestamps are extended. Refreshing the
// same secret any number of times converges on the same session id and
// never duplicates records.
func (m *Manager) Refresh(ctx context.Context, w http.ResponseWriter, res *Resolution) error {
	if res.FromTrustedHeader || res.FromBearer {
		return nil
	}
	m.SetCookie(w, res.Secret)

	err := m.sessions.Touch(ctx, res.SessionID, m.now())
	if errors.Is(err, sentinel.ErrNotFound) {
		// Stale cookie whose record was evicted: recreate it under the same
		// id. A concurrent recreate racing us is benign, both requests hold
		// the same secret.
		now := m.now()
		err = m.sessions.Create(ctx, &models.Session{
			SessionID: res.SessionID,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(models.SessionTTL),
		})
		if errors.Is(err, sentinel.ErrConflict) {
			return nil
		}
	}
	if err != nil {
		return dErrors.Wrap(dErrors.CodeInternal, "session refresh failed", err)
	}
	return nil
}

// Login rotates the session after a successful OIDC callback: the old
// record is discarded and a new secret is minted with the user attached.
// Returns the new resolution so the handler can set the cookie.
func (m *Manager) Login(ctx context.Context, previousSessionID, userID string) (*Resolution, error) {
	if err := m.sessions.Delete(ctx, previousSessionID); err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "session rotation failed", err)
	}

	secret := m.newSecret()
	sessionID := hashutil.Digest(secret)
	now := m.now()
	err := m.sessions.Create(ctx, &models.Session{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(models.SessionTTL),
	})
	if errors.Is(err, sentinel.ErrConflict) {
		return nil, dErrors.New(dErrors.CodeCollision, "Session ID collision")
	}
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "session create failed", err)
	}

	return &Resolution{SessionID: sessionID, Secret: secret}, nil
}

// AcceptEthics records disclaimer acceptance on the session, opening the
// disclaimer wall for subsequent requests.
func (m *Manager) AcceptEthics(ctx context.Context, res *Resolution) error {
	if res.FromTrustedHeader || res.FromBearer {
		return nil
	}
	if err := m.sessions.SetEthicsAccepted(ctx, res.SessionID, m.now()); err != nil {
		return dErrors.Wrap(dErrors.CodeInternal, "recording disclaimer acceptance failed", err)
	}
	return nil
}

// Logout deletes the session record and expires the cookie.
func (m *Manager) Logout(ctx context.Context, w http.ResponseWriter, res *Resolution) error {
	if res.FromTrustedHeader {
		return dErrors.New(dErrors.CodeForbidden, "logout is disabled for proxy-authenticated users")
	}
	if err := m.sessions.Delete(ctx, res.SessionID); err != nil {
		return dErrors.Wrap(dErrors.CodeInternal, "session delete failed", err)
	}
	m.ClearCookie(w)
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, prefix); ok && after != "" {
		return after, true
	}
	return "", false
}
