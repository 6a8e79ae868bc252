package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"printchat/pkg/hashutil"
)

// SignedManager encodes everything it needs inside the token itself: the
// expiry and redirect target travel in the payload, and an HMAC over the
// payload concatenated with the issuing session id proves both integrity
// and session binding. Nothing is persisted, so a token cannot be revoked
// before it expires.
type SignedManager struct {
	key []byte
	now func() time.Time
}

func NewSignedManager(signingKey string) *SignedManager {
	return &SignedManager{key: []byte(signingKey), now: time.Now}
}

type signedPayload struct {
	ExpiresAt   int64  `json:"exp"`
	RedirectURL string `json:"redirectUrl"`
}

type signedToken struct {
	Payload   signedPayload `json:"payload"`
	Signature string        `json:"sig"`
}

func (m *SignedManager) Issue(_ context.Context, sessionID, redirectURL string) (string, error) {
	payload := signedPayload{
		ExpiresAt:   m.now().Add(TTL).Unix(),
		RedirectURL: redirectURL,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal state payload: %w", err)
	}

	bundle := signedToken{
		Payload:   payload,
		Signature: hashutil.Sign(append(payloadBytes, sessionID...), m.key),
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (m *SignedManager) Validate(_ context.Context, token, presentedSessionID string) (*Validated, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errInvalid()
	}
	var bundle signedToken
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, errInvalid()
	}

	// Recompute the signature from the presented session id. A token issued
	// for another session, or altered in transit, fails here.
	payloadBytes, err := json.Marshal(bundle.Payload)
	if err != nil {
		return nil, errInvalid()
	}
	if !hashutil.Verify(append(payloadBytes, presentedSessionID...), bundle.Signature, m.key) {
		return nil, errInvalid()
	}
	if time.Unix(bundle.Payload.ExpiresAt, 0).Before(m.now()) {
		return nil, errInvalid()
	}

	return &Validated{
		SessionID:   presentedSessionID,
		RedirectURL: bundle.Payload.RedirectURL,
	}, nil
}
