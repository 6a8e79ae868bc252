package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	dErrors "printchat/pkg/domain-errors"
)

// WhoamiClient validates opaque bearer tokens against the provider's whoami
// endpoint. Results are memoized by the session manager's token cache; this
// client performs the uncached round trip only.
type WhoamiClient struct {
	url        string
	httpClient *http.Client
}

func NewWhoamiClient(url string) *WhoamiClient {
	return &WhoamiClient{
		url:        url,
		httpClient: &http.Client{Timeout: transportTimeout},
	}
}

// Whoami returns the upstream identity id the token belongs to. A non-2xx
// response means the token is invalid; transport failures surface as
// upstream errors so the caller can answer 401 rather than 500.
func (c *WhoamiClient) Whoami(ctx context.Context, token string) (string, error) {
	if c.url == "" {
		return "", dErrors.New(dErrors.CodeConfiguration, "whoami endpoint is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("build whoami request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", dErrors.Wrap(dErrors.CodeUpstream, "whoami request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", dErrors.New(dErrors.CodeUnauthorized, "Unauthorized")
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", dErrors.Wrap(dErrors.CodeUpstream, "malformed whoami response", err)
	}
	if body.ID == "" {
		return "", dErrors.New(dErrors.CodeUpstream, "whoami response missing id")
	}
	return body.ID, nil
}
