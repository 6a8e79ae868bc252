// Package oidc wraps the three interactions this service has with the
// identity provider: building the authorization URL, exchanging the
// callback code for tokens, and fetching userinfo. It also hosts the
// whoami client used by bearer-token API auth.
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"printchat/internal/platform/config"
	dErrors "printchat/pkg/domain-errors"
)

// transportTimeout bounds every provider round trip. The configured clock
// tolerance informs token validation, not transport; this is separate.
const transportTimeout = 15 * time.Second

// UserProfile is the normalized identity returned by the userinfo endpoint.
type UserProfile struct {
	// ExternalID is the provider's stable subject ("sub").
	ExternalID string
	Username   string
	// Name comes from the configured name claim, falling back to "name".
	Name      string
	Email     string
	AvatarURL string
	// EarlyAccess mirrors the provider's subscription flag when present.
	EarlyAccess bool
}

// Client adapts the authorization-code flow against one discovered provider.
// Safe for concurrent use; configuration and discovery are immutable after
// construction.
type Client struct {
	cfg        config.OIDC
	provider   *gooidc.Provider
	httpClient *http.Client
}

// New discovers the provider once at startup. The config has already been
// schema-validated; a discovery failure here is a startup error.
func New(ctx context.Context, cfg config.OIDC) (*Client, error) {
	httpClient := &http.Client{Timeout: transportTimeout}
	ctx = gooidc.ClientContext(ctx, httpClient)

	provider, err := gooidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.ProviderURL, err)
	}

	return &Client{
		cfg:        cfg,
		provider:   provider,
		httpClient: httpClient,
	}, nil
}

func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     c.provider.Endpoint(),
		Scopes:       splitScopes(c.cfg.Scopes),
	}
}

// AuthorizationURL builds the provider redirect for a login attempt. Pure
// URL construction; no state is mutated here.
func (c *Client) AuthorizationURL(redirectURI, state string) string {
	return c.oauthConfig(redirectURI).AuthCodeURL(state)
}

// Exchange trades the callback code for a token set. The optional issuer
// hint from the callback query is checked against the discovered issuer to
// reject mix-up attacks.
func (c *Client) Exchange(ctx context.Context, redirectURI, code, issuerHint string) (*oauth2.Token, error) {
	if issuerHint != "" && issuerHint != c.issuer() {
		return nil, dErrors.New(dErrors.CodeUpstream, "callback issuer does not match configured provider")
	}

	ctx = gooidc.ClientContext(ctx, c.httpClient)
	token, err := c.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeUpstream, "authorization code exchange failed", err)
	}
	return token, nil
}

// FetchUserInfo retrieves and normalizes the userinfo claims for the token.
func (c *Client) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserProfile, error) {
	ctx = gooidc.ClientContext(ctx, c.httpClient)
	info, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeUpstream, "userinfo request failed", err)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, dErrors.Wrap(dErrors.CodeUpstream, "malformed userinfo response", err)
	}

	profile := &UserProfile{
		ExternalID:  info.Subject,
		Username:    stringClaim(claims, "preferred_username"),
		Email:       stringClaim(claims, "email"),
		AvatarURL:   stringClaim(claims, "picture"),
		EarlyAccess: boolClaim(claims, "isPro"),
	}
	if profile.Name = stringClaim(claims, c.cfg.NameClaim); profile.Name == "" {
		profile.Name = stringClaim(claims, "name")
	}
	if profile.ExternalID == "" {
		return nil, dErrors.New(dErrors.CodeUpstream, "userinfo response missing subject")
	}
	return profile, nil
}

func (c *Client) issuer() string {
	var claims struct {
		Issuer string `json:"issuer"`
	}
	if err := c.provider.Claims(&claims); err != nil {
		return ""
	}
	return claims.Issuer
}

func stringClaim(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func boolClaim(claims map[string]any, key string) bool {
	v, ok := claims[key].(bool)
	return ok && v
}

func splitScopes(scopes string) []string {
	return strings.Fields(scopes)
}
