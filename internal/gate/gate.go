// Package gate is the ordered request pipeline every inbound request passes
// through before reaching a handler: CORS, API exposure, admin secret,
// session resolution, CSRF origin check, login wall, disclaimer wall.
// Stages run strictly in that order and each may short-circuit with a
// response. Stage failures still carry the CORS headers decided up front.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"printchat/internal/audit"
	"printchat/internal/auth/session"
	dErrors "printchat/pkg/domain-errors"
	"printchat/pkg/hashutil"
	"printchat/pkg/requestcontext"
)

// AdminPrefix marks the paths gated by the admin secret.
const AdminPrefix = "/admin/"

// Stage labels for rejection metrics.
const (
	stageCORS       = "cors"
	stageAPIToggle  = "api_toggle"
	stageAdmin      = "admin"
	stageSession    = "session"
	stageCSRF       = "csrf"
	stageLoginWall  = "login_wall"
	stageDisclaimer = "disclaimer"
	stagePanic      = "panic"
)

// refreshExcludedPaths skip the cookie refresh and the login wall. Logout
// must work for an expiring session and login must be reachable while
// logged out.
var refreshExcludedPaths = map[string]struct{}{
	"/login":          {},
	"/login/callback": {},
	"/logout":         {},
}

// nativeFormTypes are the content types a plain HTML form can produce
// without a CORS preflight, which is exactly why they need the origin check.
var nativeFormTypes = []string{
	"multipart/form-data",
	"application/x-www-form-urlencoded",
	"text/plain",
}

// MessageCounter reports how many messages a session has sent, backing the
// free-messages-before-login allowance.
type MessageCounter interface {
	CountForSession(ctx context.Context, sessionID string) (int, error)
}

// Metrics is the subset of gate metrics the pipeline itself records.
type Metrics interface {
	RequestAdmitted()
	RequestRejected(stage string)
	PanicRecovered()
	ObserveResolveDuration(d time.Duration)
}

// Options is the configuration slice the gate needs. Immutable after
// construction.
type Options struct {
	AllowedOrigins      []string
	PublicOrigin        string
	ExposeAPI           bool
	AdminSecret         string
	LoginRequired       bool
	MessagesBeforeLogin int
	DisclaimerEnabled   bool
}

// Gate composes the pipeline. Construct once and mount as middleware.
type Gate struct {
	opts     Options
	sessions *session.Manager
	counter  MessageCounter
	metrics  Metrics
	audits   *audit.Publisher
	logger   *slog.Logger
}

func New(
	opts Options,
	sessions *session.Manager,
	counter MessageCounter,
	metrics Metrics,
	audits *audit.Publisher,
	logger *slog.Logger,
) *Gate {
	return &Gate{
		opts:     opts,
		sessions: sessions,
		counter:  counter,
		metrics:  metrics,
		audits:   audits,
		logger:   logger,
	}
}

// Middleware returns the chi-compatible pipeline wrapper.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		originAllowed := origin != "" && slices.Contains(g.opts.AllowedOrigins, origin)
		if originAllowed {
			// Attached before any stage can fail so rejections carry them too.
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			g.handlePreflight(w, r, originAllowed)
			return
		}

		if strings.HasPrefix(r.URL.Path, session.APIPrefix) && !g.opts.ExposeAPI {
			g.reject(w, r, stageAPIToggle, http.StatusForbidden, "API is not exposed")
			return
		}

		if strings.HasPrefix(r.URL.Path, AdminPrefix) && !g.admitAdmin(w, r) {
			return
		}

		// Resolution always runs, admin paths included: downstream handlers
		// need the session id and user in context.
		start := time.Now()
		res, err := g.sessions.Resolve(r.Context(), r)
		g.metrics.ObserveResolveDuration(time.Since(start))
		if err != nil {
			g.logger.ErrorContext(r.Context(), "session resolution failed",
				"error", err,
				"path", r.URL.Path,
			)
			g.reject(w, r, stageSession, dErrors.ToHTTPStatus(dErrors.CodeOf(err)), dErrors.MessageOf(err))
			return
		}

		ctx := requestcontext.WithSessionID(r.Context(), res.SessionID)
		if res.User != nil {
			ctx = requestcontext.WithUserID(ctx, res.User.ID)
		}
		ctx = session.WithResolution(ctx, res)
		r = r.WithContext(ctx)

		if isMutating(r.Method) {
			if !g.refreshAndCheckCSRF(w, r, res) {
				return
			}
			if !g.admitLoginWall(w, r, res) {
				return
			}
			if !g.admitDisclaimer(w, r, res) {
				return
			}
		}

		g.metrics.RequestAdmitted()
		g.delegate(w, r, next)
	})
}

func (g *Gate) handlePreflight(w http.ResponseWriter, r *http.Request, originAllowed bool) {
	if !originAllowed {
		g.reject(w, r, stageCORS, http.StatusForbidden, "Origin not allowed")
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusNoContent)
}

// admitAdmin enforces the admin secret. A passing request continues through
// session resolution like any other; only the walls skip admin paths, since
// the secret already authenticated the caller.
func (g *Gate) admitAdmin(w http.ResponseWriter, r *http.Request) bool {
	if g.opts.AdminSecret == "" {
		g.reject(w, r, stageAdmin, http.StatusInternalServerError, "Admin API is not configured")
		return false
	}
	token, ok := bearerToken(r)
	if !ok || !hashutil.Equal(token, g.opts.AdminSecret) {
		g.audits.Emit(audit.Event{
			Action:   audit.ActionAdminTokenMismatch,
			RemoteIP: r.RemoteAddr,
			Path:     r.URL.Path,
		})
		g.reject(w, r, stageAdmin, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	return true
}

// refreshAndCheckCSRF slides the session window for mutating requests, then
// rejects native form submissions whose Origin does not match this
// deployment. Fetch/XHR requests with JSON bodies are already covered by the
// browser's CORS preflight and skip the origin check.
func (g *Gate) refreshAndCheckCSRF(w http.ResponseWriter, r *http.Request, res *session.Resolution) bool {
	if _, excluded := refreshExcludedPaths[r.URL.Path]; !excluded {
		if err := g.sessions.Refresh(r.Context(), w, res); err != nil {
			g.logger.ErrorContext(r.Context(), "session refresh failed", "error", err)
			g.reject(w, r, stageSession, http.StatusInternalServerError, "Internal Server Error")
			return false
		}
	}

	if !isNativeFormContentType(r.Header.Get("Content-Type")) {
		return true
	}
	if g.originMatchesDeployment(r) {
		return true
	}
	g.audits.Emit(audit.Event{
		Action:    audit.ActionCSRFRejected,
		SessionID: res.SessionID,
		RemoteIP:  r.RemoteAddr,
		Path:      r.URL.Path,
	})
	g.reject(w, r, stageCSRF, http.StatusForbidden, "Cross-origin form submission rejected: origin mismatch")
	return false
}

func (g *Gate) originMatchesDeployment(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	if g.opts.PublicOrigin != "" {
		if public, err := url.Parse(g.opts.PublicOrigin); err == nil && parsed.Host == public.Host {
			return true
		}
	}
	return false
}

// admitLoginWall returns false after writing a 401 when login is required
// and the caller is anonymous with an exhausted free-messages allowance.
func (g *Gate) admitLoginWall(w http.ResponseWriter, r *http.Request, res *session.Resolution) bool {
	if !g.opts.LoginRequired || res.User != nil {
		return true
	}
	if _, excluded := refreshExcludedPaths[r.URL.Path]; excluded {
		return true
	}
	// Admin callers authenticated with the secret; seller endpoints carry
	// their own JWT and are checked downstream.
	if strings.HasPrefix(r.URL.Path, AdminPrefix) || strings.HasPrefix(r.URL.Path, session.SellerAPIPrefix) {
		return true
	}
	if g.allowanceRemaining(r.Context(), res.SessionID) {
		return true
	}
	g.reject(w, r, stageLoginWall, http.StatusUnauthorized, "You must be logged in to perform this action")
	return false
}

func (g *Gate) allowanceRemaining(ctx context.Context, sessionID string) bool {
	if g.opts.MessagesBeforeLogin <= 0 || g.counter == nil {
		return false
	}
	count, err := g.counter.CountForSession(ctx, sessionID)
	if err != nil {
		// Fail closed: an unknown count must not open the wall.
		g.logger.WarnContext(ctx, "message count lookup failed", "error", err)
		return false
	}
	return count < g.opts.MessagesBeforeLogin
}

// admitDisclaimer enforces the welcome-modal wall for open deployments.
// Settings must stay reachable so the acceptance itself can be recorded.
func (g *Gate) admitDisclaimer(w http.ResponseWriter, r *http.Request, res *session.Resolution) bool {
	if g.opts.LoginRequired || !g.opts.DisclaimerEnabled || res.EthicsAccepted {
		return true
	}
	if _, excluded := refreshExcludedPaths[r.URL.Path]; excluded {
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/settings") {
		return true
	}
	if strings.HasPrefix(r.URL.Path, AdminPrefix) || strings.HasPrefix(r.URL.Path, session.SellerAPIPrefix) {
		return true
	}
	g.reject(w, r, stageDisclaimer, http.StatusMethodNotAllowed, "You need to accept the welcome modal first")
	return false
}

// delegate hands off to the downstream handler, converting any panic into a
// generic 500 with a correlation id. Internals are logged, never returned.
func (g *Gate) delegate(w http.ResponseWriter, r *http.Request, next http.Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			errorID := uuid.NewString()
			g.metrics.PanicRecovered()
			g.logger.ErrorContext(r.Context(), "handler panicked",
				"panic", rec,
				"errorId", errorID,
				"method", r.Method,
				"path", r.URL.Path,
				"sessionId", requestcontext.SessionID(r.Context()),
			)
			errorResponseWithID(w, r, http.StatusInternalServerError, "Internal Server Error", errorID)
		}
	}()
	next.ServeHTTP(w, r)
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, stage string, status int, message string) {
	g.metrics.RequestRejected(stage)
	errorResponse(w, r, status, message)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func isNativeFormContentType(contentType string) bool {
	for _, formType := range nativeFormTypes {
		if strings.HasPrefix(contentType, formType) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), prefix); ok && after != "" {
		return after, true
	}
	return "", false
}

// InMemoryMessageCounter tracks per-session message counts for the
// free-messages allowance. Downstream chat handlers increment it.
type InMemoryMessageCounter struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewInMemoryMessageCounter() *InMemoryMessageCounter {
	return &InMemoryMessageCounter{counts: make(map[string]int)}
}

func (c *InMemoryMessageCounter) CountForSession(_ context.Context, sessionID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[sessionID], nil
}

func (c *InMemoryMessageCounter) Increment(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID]++
	return nil
}
