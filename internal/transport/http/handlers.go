// Package httpapi is the thin HTTP layer over the auth services: login
// initiation, the OIDC callback, logout, disclaimer acceptance, and the
// seller token endpoint. Gate stages have already run by the time these
// handlers execute.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

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
)

const (
	callbackPath   = "/login/callback"
	sellerTokenTTL = 24 * time.Hour
)

// OIDCClient is the slice of the provider adapter the handlers use.
type OIDCClient interface {
	AuthorizationURL(redirectURI, state string) string
	Exchange(ctx context.Context, redirectURI, code, issuerHint string) (*oauth2.Token, error)
	FetchUserInfo(ctx context.Context, tok *oauth2.Token) (*oidc.UserProfile, error)
}

type Handler struct {
	cfg      config.Config
	sessions *session.Manager
	states   state.Manager
	oauth    OIDCClient
	users    store.UserStore
	tokens   *token.Service
	audits   *audit.Publisher
	logger   *slog.Logger
}

func NewHandler(
	cfg config.Config,
	sessions *session.Manager,
	states state.Manager,
	oauth OIDCClient,
	users store.UserStore,
	tokens *token.Service,
	audits *audit.Publisher,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		states:   states,
		oauth:    oauth,
		users:    users,
		tokens:   tokens,
		audits:   audits,
		logger:   logger,
	}
}

func (h *Handler) redirectURI(r *http.Request) string {
	if h.cfg.PublicOrigin != "" {
		return strings.TrimSuffix(h.cfg.PublicOrigin, "/") + callbackPath
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + callbackPath
}

// LoginInitiate starts the authorization-code flow: issue a state token
// bound to the caller's session and redirect to the provider. The session
// cookie is set here because the login paths skip the regular refresh.
func (h *Handler) LoginInitiate(w http.ResponseWriter, r *http.Request) {
	res, ok := session.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, dErrors.New(dErrors.CodeInternal, "session not resolved"))
		return
	}
	if h.oauth == nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeConfiguration, "Login is not configured"))
		return
	}

	redirect := r.FormValue("redirect")
	// Only same-site targets; an absolute URL here would be an open redirect.
	if redirect == "" || !strings.HasPrefix(redirect, "/") || strings.HasPrefix(redirect, "//") {
		redirect = "/"
	}

	stateToken, err := h.states.Issue(r.Context(), res.SessionID, redirect)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "issuing state token failed", "error", err)
		h.writeError(w, r, dErrors.Wrap(dErrors.CodeInternal, "could not start login", err))
		return
	}

	if !res.FromTrustedHeader && !res.FromBearer {
		h.sessions.SetCookie(w, res.Secret)
	}
	http.Redirect(w, r, h.oauth.AuthorizationURL(h.redirectURI(r), stateToken), http.StatusSeeOther)
}

// LoginCallback resumes the flow: validate state, exchange the code, fetch
// the profile, upsert the user, and rotate the session.
func (h *Handler) LoginCallback(w http.ResponseWriter, r *http.Request) {
	res, ok := session.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, dErrors.New(dErrors.CodeInternal, "session not resolved"))
		return
	}
	if h.oauth == nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeConfiguration, "Login is not configured"))
		return
	}
	query := r.URL.Query()

	validated, err := h.states.Validate(r.Context(), query.Get("state"), res.SessionID)
	if err != nil {
		h.loginFailed(r, res.SessionID, "state validation failed")
		h.writeError(w, r, err)
		return
	}

	tok, err := h.oauth.Exchange(r.Context(), h.redirectURI(r), query.Get("code"), query.Get("iss"))
	if err != nil {
		h.loginFailed(r, res.SessionID, "code exchange failed")
		h.writeError(w, r, err)
		return
	}

	profile, err := h.oauth.FetchUserInfo(r.Context(), tok)
	if err != nil {
		h.loginFailed(r, res.SessionID, "userinfo fetch failed")
		h.writeError(w, r, err)
		return
	}

	user, err := h.upsertProfile(r.Context(), profile)
	if err != nil {
		h.loginFailed(r, res.SessionID, "user upsert failed")
		h.writeError(w, r, err)
		return
	}

	logged, err := h.sessions.Login(r.Context(), validated.SessionID, user.ID)
	if err != nil {
		h.loginFailed(r, res.SessionID, "session rotation failed")
		h.writeError(w, r, err)
		return
	}
	h.sessions.SetCookie(w, logged.Secret)

	h.audits.Emit(audit.Event{
		Action:    audit.ActionLoginSucceeded,
		SessionID: logged.SessionID,
		UserID:    user.ID,
		RemoteIP:  r.RemoteAddr,
	})

	target := validated.RedirectURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// upsertProfile refreshes the stored user from the latest claims, creating
// it on first login. Roles are assigned out of band and survive the refresh.
func (h *Handler) upsertProfile(ctx context.Context, profile *oidc.UserProfile) (*models.User, error) {
	now := time.Now()
	user := &models.User{
		ExternalID: profile.ExternalID,
		Username:   profile.Username,
		Name:       profile.Name,
		Email:      profile.Email,
		AvatarURL:  profile.AvatarURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, err := h.users.FindByExternalID(ctx, profile.ExternalID); err == nil {
		user.Roles = existing.Roles
		user.SubscriptionStatus = existing.SubscriptionStatus
	}
	if profile.EarlyAccess {
		user.SubscriptionStatus = "early-access"
	}

	stored, err := h.users.Upsert(ctx, user)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "user upsert failed", err)
	}
	return stored, nil
}

func (h *Handler) loginFailed(r *http.Request, sessionID, reason string) {
	h.audits.Emit(audit.Event{
		Action:    audit.ActionLoginFailed,
		SessionID: sessionID,
		RemoteIP:  r.RemoteAddr,
		Reason:    reason,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	res, ok := session.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, dErrors.New(dErrors.CodeInternal, "session not resolved"))
		return
	}
	if err := h.sessions.Logout(r.Context(), w, res); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audits.Emit(audit.Event{
		Action:    audit.ActionLogout,
		SessionID: res.SessionID,
		RemoteIP:  r.RemoteAddr,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// AcceptEthics records disclaimer acceptance for the caller's session.
func (h *Handler) AcceptEthics(w http.ResponseWriter, r *http.Request) {
	res, ok := session.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, dErrors.New(dErrors.CodeInternal, "session not resolved"))
		return
	}
	if err := h.sessions.AcceptEthics(r.Context(), res); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CurrentUser returns the resolved principal, or 401 for anonymous callers.
func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	res, ok := session.FromContext(r.Context())
	if !ok || res.User == nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeUnauthorized, "Not logged in"))
		return
	}
	writeJSON(w, http.StatusOK, userPayload(res.User))
}

// SellerToken mints a marketplace API token for users carrying the seller
// role.
func (h *Handler) SellerToken(w http.ResponseWriter, r *http.Request) {
	res, ok := session.FromContext(r.Context())
	if !ok || res.User == nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeUnauthorized, "Not logged in"))
		return
	}
	if !res.User.HasRole(models.RoleSeller) {
		h.writeError(w, r, dErrors.New(dErrors.CodeForbidden, "Seller role required"))
		return
	}
	tok, err := h.tokens.Generate(res.User, sellerTokenTTL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

type sellerClaimsKey struct{}

// RequireSeller authenticates marketplace API requests: a Bearer JWT minted
// by SellerToken, carrying the seller role. Validated claims are placed in
// the request context for the wrapped handlers.
func (h *Handler) RequireSeller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			h.writeError(w, r, dErrors.New(dErrors.CodeUnauthorized, "Seller token required"))
			return
		}
		claims, err := h.tokens.Validate(raw)
		if err != nil {
			h.audits.Emit(audit.Event{
				Action:   audit.ActionBearerRejected,
				RemoteIP: r.RemoteAddr,
				Path:     r.URL.Path,
				Reason:   "seller token validation failed",
			})
			h.writeError(w, r, err)
			return
		}
		if !claims.HasRole(models.RoleSeller) {
			h.writeError(w, r, dErrors.New(dErrors.CodeForbidden, "Seller role required"))
			return
		}
		ctx := context.WithValue(r.Context(), sellerClaimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sellerClaims(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(sellerClaimsKey{}).(*token.Claims)
	return claims, ok
}

// SellerProfile returns the account the presented seller token belongs to.
func (h *Handler) SellerProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := sellerClaims(r.Context())
	if !ok {
		h.writeError(w, r, dErrors.New(dErrors.CodeUnauthorized, "Seller token required"))
		return
	}
	user, err := h.users.FindByID(r.Context(), claims.UserID)
	if err != nil {
		// A valid token for a deleted account is still not a login.
		h.writeError(w, r, dErrors.New(dErrors.CodeUnauthorized, "Unknown seller"))
		return
	}
	writeJSON(w, http.StatusOK, userPayload(user))
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), prefix); ok && after != "" {
		return after, true
	}
	return "", false
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID                 string   `json:"id"`
	Username           string   `json:"username,omitempty"`
	Name               string   `json:"name"`
	Email              string   `json:"email,omitempty"`
	AvatarURL          string   `json:"avatarUrl,omitempty"`
	Roles              []string `json:"roles"`
	Points             int      `json:"points"`
	SubscriptionStatus string   `json:"subscriptionStatus,omitempty"`
	LogoutDisabled     bool     `json:"logoutDisabled,omitempty"`
}

func userPayload(user *models.User) userResponse {
	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = string(r)
	}
	return userResponse{
		ID:                 user.ID,
		Username:           user.Username,
		Name:               user.Name,
		Email:              user.Email,
		AvatarURL:          user.AvatarURL,
		Roles:              roles,
		Points:             user.Points,
		SubscriptionStatus: user.SubscriptionStatus,
		LogoutDisabled:     user.LogoutDisabled,
	}
}
