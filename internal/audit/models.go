// Package audit captures the security-relevant decisions the gate makes so
// operators can reconstruct who was admitted, rejected, and why.
package audit

import "time"

// Action tags classify audit events.
const (
	ActionLoginSucceeded     = "login_succeeded"
	ActionLoginFailed        = "login_failed"
	ActionLogout             = "logout"
	ActionAdminTokenMismatch = "admin_token_mismatch"
	ActionCSRFRejected       = "csrf_rejected"
	ActionBearerRejected     = "bearer_rejected"
)

// Event is emitted from the gate and the login handlers. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	RemoteIP  string    `json:"remoteIp,omitempty"`
	Path      string    `json:"path,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
