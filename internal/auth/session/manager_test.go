package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"printchat/internal/auth/models"
	"printchat/internal/auth/store"
	dErrors "printchat/pkg/domain-errors"
	"printchat/pkg/hashutil"
)

// fakeWhoami counts upstream calls so cache behavior is observable.
type fakeWhoami struct {
	externalID string
	err        error
	calls      int
}

func (f *fakeWhoami) Whoami(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.externalID, nil
}

type ManagerSuite struct {
	suite.Suite
	ctx        context.Context
	sessions   *store.InMemorySessionStore
	users      *store.InMemoryUserStore
	tokenCache *store.InMemoryTokenCacheStore
	whoami     *fakeWhoami
	manager    *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.sessions = store.NewInMemorySessionStore()
	s.users = store.NewInMemoryUserStore()
	s.tokenCache = store.NewInMemoryTokenCacheStore()
	s.whoami = &fakeWhoami{externalID: "hf-1"}
	s.manager = NewManager(Options{
		CookieName:    "printchat-session",
		TrustedHeader: "X-Auth-Email",
		BearerAPIAuth: true,
		TokenCacheTTL: 5 * time.Minute,
	}, s.sessions, s.users, s.tokenCache, s.whoami, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *ManagerSuite) request(path string, mutate func(*http.Request)) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if mutate != nil {
		mutate(req)
	}
	return req
}

func (s *ManagerSuite) seedLoggedInSession(secret string) *models.User {
	user, err := s.users.Upsert(s.ctx, &models.User{ExternalID: "hf-1", Name: "Alice"})
	s.Require().NoError(err)
	now := time.Now()
	s.Require().NoError(s.sessions.Create(s.ctx, &models.Session{
		SessionID: hashutil.Digest(secret),
		UserID:    user.ID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(models.SessionTTL),
	}))
	return user
}

func (s *ManagerSuite) TestTrustedHeaderWinsOverCookie() {
	s.seedLoggedInSession("cookie-secret")

	req := s.request("/chat", func(r *http.Request) {
		r.Header.Set("X-Auth-Email", "ops@example.com")
		r.AddCookie(&http.Cookie{Name: "printchat-session", Value: "cookie-secret"})
	})

	res, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.True(res.FromTrustedHeader)
	s.Require().NotNil(res.User)
	s.Equal("ops@example.com", res.User.Email)
	s.True(res.User.LogoutDisabled)
	// The pseudo-identity is derived from the header value, not the cookie.
	s.Equal(hashutil.Digest("ops@example.com"), res.SessionID)
}

func (s *ManagerSuite) TestCookieSessionResolvesUser() {
	user := s.seedLoggedInSession("cookie-secret")

	req := s.request("/chat", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "printchat-session", Value: "cookie-secret"})
	})

	res, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Require().NotNil(res.User)
	s.Equal(user.ID, res.User.ID)
	s.Equal(hashutil.Digest("cookie-secret"), res.SessionID)
	s.Equal("cookie-secret", res.Secret)
}

func (s *ManagerSuite) TestExpiredCookieSessionIsAnonymous() {
	s.seedLoggedInSession("stale-secret")
	s.manager.now = func() time.Time { return time.Now().Add(models.SessionTTL + time.Hour) }

	req := s.request("/chat", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "printchat-session", Value: "stale-secret"})
	})

	res, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Nil(res.User)
	// Identifier continuity is kept so the refresh path can recreate it.
	s.Equal(hashutil.Digest("stale-secret"), res.SessionID)
}

func (s *ManagerSuite) TestBearerTokenPopulatesCache() {
	s.users.Upsert(s.ctx, &models.User{ExternalID: "hf-1", Name: "Alice"})

	req := s.request("/api/models", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer api-token")
	})

	res, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Require().NotNil(res.User)
	s.Equal(1, s.whoami.calls)

	// Second identical request inside the TTL is served from the cache.
	res, err = s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Require().NotNil(res.User)
	s.Equal(1, s.whoami.calls)
}

func (s *ManagerSuite) TestBearerTokenExpiredCacheRevalidates() {
	s.users.Upsert(s.ctx, &models.User{ExternalID: "hf-1", Name: "Alice"})

	req := s.request("/api/models", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer api-token")
	})

	_, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(1, s.whoami.calls)

	s.manager.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	_, err = s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(2, s.whoami.calls)
}

func (s *ManagerSuite) TestBearerTokenRejectedUpstream() {
	s.whoami.err = dErrors.New(dErrors.CodeUnauthorized, "Unauthorized")

	req := s.request("/api/models", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer bad-token")
	})

	_, err := s.manager.Resolve(s.ctx, req)
	s.Require().Error(err)
	s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func (s *ManagerSuite) TestBearerIgnoredOutsideAPIPaths() {
	req := s.request("/chat", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer api-token")
	})

	res, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Nil(res.User)
	s.Equal(0, s.whoami.calls)
}

func (s *ManagerSuite) TestAnonymousFallbackMintsSession() {
	req := s.request("/chat", nil)

	res, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Nil(res.User)
	s.Equal(hashutil.Digest(res.Secret), res.SessionID)

	stored, err := s.sessions.FindByID(s.ctx, res.SessionID)
	s.Require().NoError(err)
	s.Empty(stored.UserID)
}

func (s *ManagerSuite) TestCollisionFailsLoudly() {
	// Force the generated secret to collide with an existing session owned
	// by a different secret holder.
	s.manager.newSecret = func() string { return "fixed-secret" }
	now := time.Now()
	s.Require().NoError(s.sessions.Create(s.ctx, &models.Session{
		SessionID: hashutil.Digest("fixed-secret"),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(models.SessionTTL),
	}))

	_, err := s.manager.Resolve(s.ctx, s.request("/chat", nil))
	s.Require().Error(err)
	s.Equal(dErrors.CodeCollision, dErrors.CodeOf(err))
}

func (s *ManagerSuite) TestRefreshIsIdempotent() {
	req := s.request("/chat", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "printchat-session", Value: "my-secret"})
	})

	var sessionIDs []string
	for i := 0; i < 3; i++ {
		res, err := s.manager.Resolve(s.ctx, req)
		s.Require().NoError(err)
		w := httptest.NewRecorder()
		s.Require().NoError(s.manager.Refresh(s.ctx, w, res))
		sessionIDs = append(sessionIDs, res.SessionID)

		cookies := w.Result().Cookies()
		s.Require().Len(cookies, 1)
		s.Equal("my-secret", cookies[0].Value)
		s.True(cookies[0].HttpOnly)
	}
	s.Equal(sessionIDs[0], sessionIDs[1])
	s.Equal(sessionIDs[1], sessionIDs[2])

	// Exactly one record exists for the secret.
	_, err := s.sessions.FindByID(s.ctx, sessionIDs[0])
	s.Require().NoError(err)
}

func (s *ManagerSuite) TestLoginRotatesSession() {
	user, err := s.users.Upsert(s.ctx, &models.User{ExternalID: "hf-1", Name: "Alice"})
	s.Require().NoError(err)

	anon, err := s.manager.Resolve(s.ctx, s.request("/chat", nil))
	s.Require().NoError(err)

	logged, err := s.manager.Login(s.ctx, anon.SessionID, user.ID)
	s.Require().NoError(err)
	s.NotEqual(anon.SessionID, logged.SessionID)

	// Old record is gone, new one carries the user.
	_, err = s.sessions.FindByID(s.ctx, anon.SessionID)
	s.Require().Error(err)
	stored, err := s.sessions.FindByID(s.ctx, logged.SessionID)
	s.Require().NoError(err)
	s.Equal(user.ID, stored.UserID)
}

func (s *ManagerSuite) TestLogoutDeletesSessionAndClearsCookie() {
	res, err := s.manager.Resolve(s.ctx, s.request("/chat", nil))
	s.Require().NoError(err)

	w := httptest.NewRecorder()
	s.Require().NoError(s.manager.Logout(s.ctx, w, res))

	_, err = s.sessions.FindByID(s.ctx, res.SessionID)
	s.Require().Error(err)
	cookies := w.Result().Cookies()
	s.Require().Len(cookies, 1)
	s.Equal(-1, cookies[0].MaxAge)
}

func (s *ManagerSuite) TestLogoutDisabledForTrustedHeader() {
	req := s.request("/chat", func(r *http.Request) {
		r.Header.Set("X-Auth-Email", "ops@example.com")
	})
	res, err := s.manager.Resolve(s.ctx, req)
	s.Require().NoError(err)

	err = s.manager.Logout(s.ctx, httptest.NewRecorder(), res)
	s.Require().Error(err)
	s.Equal(dErrors.CodeForbidden, dErrors.CodeOf(err))
}
