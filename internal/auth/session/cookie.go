package session

import (
	"net/http"

	"printchat/internal/auth/models"
)

// Cookie contract: httpOnly always; secure and SameSite=None in production
// so the app keeps working when iframed cross-site; the insecure override
// flips to Lax without Secure for local development. Expiry is absolute two
// weeks from issuance and resets on every refresh.

// SetCookie (re-)issues the session cookie carrying the client secret.
func (m *Manager) SetCookie(w http.ResponseWriter, secret string) {
	sameSite := http.SameSiteNoneMode
	if m.opts.AllowInsecureCookies {
		sameSite = http.SameSiteLaxMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    secret,
		Path:     "/",
		HttpOnly: true,
		Secure:   !m.opts.AllowInsecureCookies,
		SameSite: sameSite,
		Expires:  m.now().Add(models.SessionTTL),
	})
}

// ClearCookie removes the session cookie from the client.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	sameSite := http.SameSiteNoneMode
	if m.opts.AllowInsecureCookies {
		sameSite = http.SameSiteLaxMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   !m.opts.AllowInsecureCookies,
		SameSite: sameSite,
		MaxAge:   -1,
	})
}
