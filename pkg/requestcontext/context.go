// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware sets them, services and handlers read
// them, and tests can inject them without running the HTTP chain.
package requestcontext

import "context"

// Context key types (unexported for encapsulation).
type (
	sessionIDKey struct{}
	userIDKey    struct{}
	requestIDKey struct{}
)

// SessionID retrieves the resolved session id (the server-side hash, never
// the client secret) from the context.
func SessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithSessionID injects a session id into the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// UserID retrieves the authenticated user id from the context. Empty for
// anonymous sessions.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithUserID injects a user id into the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// RequestID retrieves the request correlation id from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithRequestID injects a request correlation id into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}
