// Package config builds the single process-wide configuration struct from
// the environment and validates it once at startup. Anything that violates a
// startup invariant is a fatal error here, never a silent default at request
// time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Reserved claim keys that the configurable name claim must not shadow.
var reservedNameClaims = []string{"preferred_username", "email", "picture", "sub"}

// StateMode selects the CSRF/OIDC state implementation.
type StateMode string

const (
	// StateModeStore persists random state tokens server-side; supports
	// pre-expiry revocation, needs the state store.
	StateModeStore StateMode = "store"
	// StateModeSigned uses self-contained HMAC-signed tokens; stateless,
	// but cannot be revoked before expiry.
	StateModeSigned StateMode = "signed"
)

// OIDC holds identity-provider settings for the login flow.
type OIDC struct {
	ClientID       string
	ClientSecret   string
	ProviderURL    string
	Scopes         string
	NameClaim      string
	ClockTolerance time.Duration
	// WhoamiURL is the token-introspection endpoint used for bearer API
	// auth (the provider's whoami equivalent).
	WhoamiURL string
}

// LoginRequired reports whether an identity provider is configured, which is
// what turns the login wall on.
func (o OIDC) LoginRequired() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

// Config is immutable after Load; everything downstream receives it by value
// or reads fields that never change.
type Config struct {
	Addr        string
	MetricsAddr string
	LogLevel    string
	// PublicOrigin is the externally visible origin, used by the CSRF
	// origin check alongside the request's own host.
	PublicOrigin string

	OIDC OIDC

	CookieName string
	// AllowInsecureCookies switches the cookie contract to local-development
	// mode: SameSite=Lax and Secure off.
	AllowInsecureCookies bool

	AdminSecret    string
	AllowedOrigins []string
	ExposeAPI      bool
	// TrustedHeader names the operator-trusted identity header set by a
	// fronting proxy. Empty disables the bypass.
	TrustedHeader string
	// BearerAPIAuth enables bearer-token resolution on API paths.
	BearerAPIAuth       bool
	MessagesBeforeLogin int
	DisclaimerEnabled   bool

	StateMode       StateMode
	StateSigningKey string
	JWTSecret       string

	TokenCacheTTL time.Duration

	RedisURL    string
	PostgresDSN string

	KafkaBrokers []string
	AuditTopic   string
}

// Load reads the environment into a Config and validates it. It is the only
// place defaults are applied.
func Load() (Config, error) {
	cfg := Config{
		Addr:                 envOr("ADDR", ":8080"),
		MetricsAddr:          envOr("METRICS_ADDR", ":9090"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		PublicOrigin:         os.Getenv("PUBLIC_ORIGIN"),
		CookieName:           envOr("COOKIE_NAME", "printchat-session"),
		AllowInsecureCookies: envBool("ALLOW_INSECURE_COOKIES"),
		AdminSecret:          os.Getenv("ADMIN_API_SECRET"),
		AllowedOrigins:       splitNonEmpty(os.Getenv("ALLOWED_ORIGINS")),
		ExposeAPI:            envBool("EXPOSE_API"),
		TrustedHeader:        os.Getenv("TRUSTED_EMAIL_HEADER"),
		BearerAPIAuth:        envBool("USE_API_TOKEN_AUTH"),
		MessagesBeforeLogin:  envInt("MESSAGES_BEFORE_LOGIN", 0),
		DisclaimerEnabled:    os.Getenv("APP_DISCLAIMER") == "1",
		StateMode:            StateMode(envOr("OIDC_STATE_MODE", string(StateModeStore))),
		StateSigningKey:      os.Getenv("OIDC_STATE_SIGNING_KEY"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		TokenCacheTTL:        envDuration("TOKEN_CACHE_TTL", 5*time.Minute),
		RedisURL:             os.Getenv("REDIS_URL"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		KafkaBrokers:         splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
		AuditTopic:           envOr("AUDIT_TOPIC", "printchat.auth.audit"),
		OIDC: OIDC{
			ClientID:       os.Getenv("OPENID_CLIENT_ID"),
			ClientSecret:   os.Getenv("OPENID_CLIENT_SECRET"),
			ProviderURL:    os.Getenv("OPENID_PROVIDER_URL"),
			Scopes:         envOr("OPENID_SCOPES", "openid profile"),
			NameClaim:      envOr("OPENID_NAME_CLAIM", "name"),
			ClockTolerance: envDuration("OPENID_TOLERANCE", 0),
			WhoamiURL:      os.Getenv("OPENID_WHOAMI_URL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. A violation here is process
// fatal; per-request misconfiguration (for example an unset admin secret on
// an admin route) is handled at request time instead.
func (c Config) Validate() error {
	for _, reserved := range reservedNameClaims {
		if c.OIDC.NameClaim == reserved {
			return fmt.Errorf("config: OPENID_NAME_CLAIM cannot be the reserved claim %q", reserved)
		}
	}
	if c.OIDC.LoginRequired() && c.OIDC.ProviderURL == "" {
		return fmt.Errorf("config: OPENID_PROVIDER_URL is required when client credentials are set")
	}
	switch c.StateMode {
	case StateModeStore:
	case StateModeSigned:
		if c.StateSigningKey == "" {
			return fmt.Errorf("config: OIDC_STATE_SIGNING_KEY is required in signed state mode")
		}
	default:
		return fmt.Errorf("config: unknown OIDC_STATE_MODE %q", c.StateMode)
	}
	if c.TokenCacheTTL <= 0 {
		return fmt.Errorf("config: TOKEN_CACHE_TTL must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	return os.Getenv(key) == "true"
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
