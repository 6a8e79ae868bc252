package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/oauth2"

	"printchat/internal/audit"
	"printchat/internal/auth/models"
	"printchat/internal/auth/oidc"
	"printchat/internal/auth/session"
	"printchat/internal/auth/state"
	"printchat/internal/auth/store"
	"printchat/internal/auth/token"
	"printchat/internal/platform/config"
	dErrors "printchat/pkg/domain-errors"
	"printchat/pkg/hashutil"
)

type fakeOAuth struct {
	exchangeErr error
	userinfoErr error
	profile     *oidc.UserProfile
}

func (f *fakeOAuth) AuthorizationURL(redirectURI, stateToken string) string {
	return "https://idp.example/authorize?redirect_uri=" + url.QueryEscape(redirectURI) + "&state=" + stateToken
}

func (f *fakeOAuth) Exchange(_ context.Context, _, _, _ string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{AccessToken: "access-token"}, nil
}

func (f *fakeOAuth) FetchUserInfo(_ context.Context, _ *oauth2.Token) (*oidc.UserProfile, error) {
	if f.userinfoErr != nil {
		return nil, f.userinfoErr
	}
	return f.profile, nil
}

type HandlerSuite struct {
	suite.Suite
	ctx      context.Context
	sessions *store.InMemorySessionStore
	users    *store.InMemoryUserStore
	states   *state.StoreManager
	manager  *session.Manager
	oauth    *fakeOAuth
	events   *audit.InMemoryStore
	handler  *Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.sessions = store.NewInMemorySessionStore()
	s.users = store.NewInMemoryUserStore()
	s.states = state.NewStoreManager(store.NewInMemoryStateStore())
	s.manager = session.NewManager(session.Options{
		CookieName: "printchat-session",
	}, s.sessions, s.users, store.NewInMemoryTokenCacheStore(), nil, logger)
	s.oauth = &fakeOAuth{profile: &oidc.UserProfile{
		ExternalID: "hf-1",
		Username:   "alice",
		Name:       "Alice",
		Email:      "alice@example.com",
	}}
	s.events = audit.NewInMemoryStore(64)

	publisher := audit.NewPublisher(logger, 16)
	// Drain synchronously enough for assertions.
	go audit.NewWorker(s.events, publisher, logger).Run(context.Background()) //nolint:errcheck

	s.handler = NewHandler(config.Config{
		PublicOrigin: "https://printchat.example",
		CookieName:   "printchat-session",
	}, s.manager, s.states, s.oauth, s.users, token.NewService("jwt-secret", "printchat"), publisher, logger)
}

// seedResolution creates a persisted anonymous session and returns the
// resolution the gate would have put in context.
func (s *HandlerSuite) seedResolution(secret string) *session.Resolution {
	now := time.Now()
	s.Require().NoError(s.sessions.Create(s.ctx, &models.Session{
		SessionID: hashutil.Digest(secret),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(models.SessionTTL),
	}))
	return &session.Resolution{SessionID: hashutil.Digest(secret), Secret: secret}
}

func (s *HandlerSuite) withResolution(req *http.Request, res *session.Resolution) *http.Request {
	return req.WithContext(session.WithResolution(req.Context(), res))
}

func (s *HandlerSuite) TestLoginInitiateRedirectsToProvider() {
	res := s.seedResolution("anon-secret")
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("redirect=/chat"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = s.withResolution(req, res)

	w := httptest.NewRecorder()
	s.handler.LoginInitiate(w, req)

	s.Equal(http.StatusSeeOther, w.Code)
	location := w.Header().Get("Location")
	s.Contains(location, "https://idp.example/authorize")
	s.Contains(location, url.QueryEscape("https://printchat.example/login/callback"))

	// The cookie carrying the session secret is set so the callback can
	// resume the same session.
	cookies := w.Result().Cookies()
	s.Require().Len(cookies, 1)
	s.Equal("anon-secret", cookies[0].Value)

	// The issued state resumes this session and redirect target.
	stateToken := location[strings.LastIndex(location, "state=")+len("state="):]
	validated, err := s.states.Validate(s.ctx, stateToken, res.SessionID)
	s.Require().NoError(err)
	s.Equal(res.SessionID, validated.SessionID)
	s.Equal("/chat", validated.RedirectURL)
}

func (s *HandlerSuite) TestLoginInitiateRejectsAbsoluteRedirect() {
	res := s.seedResolution("anon-secret")
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("redirect=https://evil.example/"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = s.withResolution(req, res)

	w := httptest.NewRecorder()
	s.handler.LoginInitiate(w, req)

	s.Equal(http.StatusSeeOther, w.Code)
	stateToken := s.lastStateToken(w.Header().Get("Location"))
	validated, err := s.states.Validate(s.ctx, stateToken, res.SessionID)
	s.Require().NoError(err)
	s.Equal("/", validated.RedirectURL)
}

func (s *HandlerSuite) lastStateToken(location string) string {
	return location[strings.LastIndex(location, "state=")+len("state="):]
}

func (s *HandlerSuite) TestCallbackCompletesLogin() {
	res := s.seedResolution("anon-secret")
	stateToken, err := s.states.Issue(s.ctx, res.SessionID, "/chat")
	s.Require().NoError(err)

	req := httptest.NewRequest(http.MethodGet, "/login/callback?code=auth-code&state="+stateToken, nil)
	req = s.withResolution(req, res)
	w := httptest.NewRecorder()
	s.handler.LoginCallback(w, req)

	s.Equal(http.StatusSeeOther, w.Code)
	s.Equal("/chat", w.Header().Get("Location"))

	// User created from the profile.
	user, err := s.users.FindByExternalID(s.ctx, "hf-1")
	s.Require().NoError(err)
	s.Equal("Alice", user.Name)

	// Session rotated: old record gone, cookie carries a fresh secret bound
	// to a record that references the user.
	_, err = s.sessions.FindByID(s.ctx, res.SessionID)
	s.Require().Error(err)
	cookies := w.Result().Cookies()
	s.Require().Len(cookies, 1)
	s.NotEqual("anon-secret", cookies[0].Value)
	rotated, err := s.sessions.FindByID(s.ctx, hashutil.Digest(cookies[0].Value))
	s.Require().NoError(err)
	s.Equal(user.ID, rotated.UserID)
}

func (s *HandlerSuite) TestCallbackRefreshesProfileAndKeepsRoles() {
	seeded, err := s.users.Upsert(s.ctx, &models.User{
		ExternalID: "hf-1",
		Name:       "Old Name",
		Roles:      []models.Role{models.RoleSeller},
	})
	s.Require().NoError(err)

	res := s.seedResolution("anon-secret")
	stateToken, err := s.states.Issue(s.ctx, res.SessionID, "/")
	s.Require().NoError(err)

	req := httptest.NewRequest(http.MethodGet, "/login/callback?code=auth-code&state="+stateToken, nil)
	req = s.withResolution(req, res)
	s.handler.LoginCallback(httptest.NewRecorder(), req)

	user, err := s.users.FindByID(s.ctx, seeded.ID)
	s.Require().NoError(err)
	s.Equal("Alice", user.Name)
	s.True(user.HasRole(models.RoleSeller))
}

func (s *HandlerSuite) TestCallbackRejectsUnknownState() {
	res := s.seedResolution("anon-secret")
	req := httptest.NewRequest(http.MethodGet, "/login/callback?code=auth-code&state=never-issued", nil)
	req.Header.Set("Accept", "application/json")
	req = s.withResolution(req, res)

	w := httptest.NewRecorder()
	s.handler.LoginCallback(w, req)

	s.Equal(http.StatusForbidden, w.Code)
	s.Contains(w.Body.String(), "Invalid or expired CSRF token")
	_, err := s.users.FindByExternalID(s.ctx, "hf-1")
	s.Require().Error(err)
}

func (s *HandlerSuite) TestCallbackStateIsSingleUse() {
	res := s.seedResolution("anon-secret")
	stateToken, err := s.states.Issue(s.ctx, res.SessionID, "/")
	s.Require().NoError(err)

	first := httptest.NewRequest(http.MethodGet, "/login/callback?code=auth-code&state="+stateToken, nil)
	s.handler.LoginCallback(httptest.NewRecorder(), s.withResolution(first, res))

	// The rotation consumed the old session; resume as the rotated session
	// and replay the state.
	res2 := s.seedResolution("second-secret")
	replay := httptest.NewRequest(http.MethodGet, "/login/callback?code=auth-code&state="+stateToken, nil)
	w := httptest.NewRecorder()
	s.handler.LoginCallback(w, s.withResolution(replay, res2))

	s.Equal(http.StatusForbidden, w.Code)
}

func (s *HandlerSuite) TestCallbackExchangeFailure() {
	s.oauth.exchangeErr = dErrors.New(dErrors.CodeUpstream, "authorization code exchange failed")
	res := s.seedResolution("anon-secret")
	stateToken, err := s.states.Issue(s.ctx, res.SessionID, "/")
	s.Require().NoError(err)

	req := httptest.NewRequest(http.MethodGet, "/login/callback?code=bad-code&state="+stateToken, nil)
	w := httptest.NewRecorder()
	s.handler.LoginCallback(w, s.withResolution(req, res))

	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerSuite) TestLogoutDeletesSession() {
	res := s.seedResolution("out-secret")
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	w := httptest.NewRecorder()
	s.handler.Logout(w, s.withResolution(req, res))

	s.Equal(http.StatusSeeOther, w.Code)
	_, err := s.sessions.FindByID(s.ctx, res.SessionID)
	s.Require().Error(err)
	cookies := w.Result().Cookies()
	s.Require().Len(cookies, 1)
	s.Equal(-1, cookies[0].MaxAge)
}

func (s *HandlerSuite) TestAcceptEthicsMarksSession() {
	res := s.seedResolution("modal-secret")
	req := httptest.NewRequest(http.MethodPost, "/settings/ethics", nil)
	w := httptest.NewRecorder()
	s.handler.AcceptEthics(w, s.withResolution(req, res))

	s.Equal(http.StatusNoContent, w.Code)
	stored, err := s.sessions.FindByID(s.ctx, res.SessionID)
	s.Require().NoError(err)
	s.NotNil(stored.EthicsAcceptedAt)
}

func (s *HandlerSuite) TestCurrentUser() {
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	w := httptest.NewRecorder()
	s.handler.CurrentUser(w, s.withResolution(req, &session.Resolution{
		SessionID: "sid",
		User:      &models.User{ID: "u1", Name: "Alice", Points: 3},
	}))

	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"name":"Alice"`)
	s.Contains(w.Body.String(), `"points":3`)
}

func (s *HandlerSuite) TestCurrentUserAnonymous() {
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	w := httptest.NewRecorder()
	s.handler.CurrentUser(w, s.withResolution(req, &session.Resolution{SessionID: "sid"}))

	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerSuite) TestSellerTokenRequiresRole() {
	req := httptest.NewRequest(http.MethodPost, "/api/seller/token", nil)
	w := httptest.NewRecorder()
	s.handler.SellerToken(w, s.withResolution(req, &session.Resolution{
		SessionID: "sid",
		User:      &models.User{ID: "u1", Name: "Alice"},
	}))

	s.Equal(http.StatusForbidden, w.Code)
}

// sellerEndpoint mounts SellerProfile behind the seller-auth middleware the
// way the router does.
func (s *HandlerSuite) sellerEndpoint() http.Handler {
	return s.handler.RequireSeller(http.HandlerFunc(s.handler.SellerProfile))
}

func (s *HandlerSuite) seedSeller() *models.User {
	user, err := s.users.Upsert(s.ctx, &models.User{
		ExternalID: "hf-1",
		Name:       "Alice",
		Roles:      []models.Role{models.RoleSeller},
	})
	s.Require().NoError(err)
	return user
}

func (s *HandlerSuite) TestSellerProfileWithValidToken() {
	user := s.seedSeller()
	tok, err := token.NewService("jwt-secret", "printchat").Generate(user, time.Hour)
	s.Require().NoError(err)

	req := httptest.NewRequest(http.MethodGet, "/api/seller/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	s.sellerEndpoint().ServeHTTP(w, req)

	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"name":"Alice"`)
	s.Contains(w.Body.String(), `"`+user.ID+`"`)
}

func (s *HandlerSuite) TestSellerProfileRejectsForgedToken() {
	user := s.seedSeller()
	forged, err := token.NewService("other-secret", "printchat").Generate(user, time.Hour)
	s.Require().NoError(err)

	req := httptest.NewRequest(http.MethodGet, "/api/seller/profile", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w := httptest.NewRecorder()
	s.sellerEndpoint().ServeHTTP(w, req)

	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerSuite) TestSellerProfileRequiresSellerRole() {
	user, err := s.users.Upsert(s.ctx, &models.User{ExternalID: "hf-2", Name: "Bob"})
	s.Require().NoError(err)
	tok, err := token.NewService("jwt-secret", "printchat").Generate(user, time.Hour)
	s.Require().NoError(err)

	req := httptest.NewRequest(http.MethodGet, "/api/seller/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	s.sellerEndpoint().ServeHTTP(w, req)

	s.Equal(http.StatusForbidden, w.Code)
}

func (s *HandlerSuite) TestSellerProfileRequiresToken() {
	req := httptest.NewRequest(http.MethodGet, "/api/seller/profile", nil)
	w := httptest.NewRecorder()
	s.sellerEndpoint().ServeHTTP(w, req)

	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerSuite) TestSellerTokenMintsValidJWT() {
	req := httptest.NewRequest(http.MethodPost, "/api/seller/token", nil)
	w := httptest.NewRecorder()
	s.handler.SellerToken(w, s.withResolution(req, &session.Resolution{
		SessionID: "sid",
		User: &models.User{
			ID:    "u1",
			Name:  "Alice",
			Roles: []models.Role{models.RoleSeller},
		},
	}))

	s.Equal(http.StatusOK, w.Code)

	var body struct {
		Token string `json:"token"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	claims, err := token.NewService("jwt-secret", "printchat").Validate(body.Token)
	s.Require().NoError(err)
	s.Equal("u1", claims.UserID)
	s.True(claims.HasRole(models.RoleSeller))
}
