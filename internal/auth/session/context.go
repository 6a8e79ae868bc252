package session

import "context"

type resolutionKey struct{}

// WithResolution stashes the request's resolution for handlers that need
// more than the ids (the cookie secret, trusted-header flag).
func WithResolution(ctx context.Context, res *Resolution) context.Context {
	return context.WithValue(ctx, resolutionKey{}, res)
}

// FromContext retrieves the resolution placed by the gate.
func FromContext(ctx context.Context) (*Resolution, bool) {
	res, ok := ctx.Value(resolutionKey{}).(*Resolution)
	return res, ok
}
