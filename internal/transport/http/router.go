package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	dErrors "printchat/pkg/domain-errors"
)

// NewRouter wires the public endpoints behind the gate middleware. The gate
// runs after chi's request-id and real-ip middleware so its logs and audit
// events carry both.
func NewRouter(h *Handler, gate func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(gate)

	r.Get("/healthz", h.Healthz)
	r.Post("/login", h.LoginInitiate)
	r.Get(callbackPath, h.LoginCallback)
	r.Post("/logout", h.Logout)
	r.Post("/settings/ethics", h.AcceptEthics)
	r.Get("/api/user", h.CurrentUser)
	r.Route("/api/seller", func(r chi.Router) {
		r.Post("/token", h.SellerToken)
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSeller)
			r.Get("/profile", h.SellerProfile)
		})
	})

	return r
}

// writeError translates domain errors to the JSON error envelope. Internal
// causes are collapsed to a generic message before they reach the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := dErrors.ToHTTPStatus(dErrors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
		)
	}
	writeJSON(w, status, map[string]string{"error": dErrors.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
