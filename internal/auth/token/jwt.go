// Package token issues and validates the JWTs used by seller API clients.
// Browser traffic uses cookie sessions; these tokens exist so marketplace
// integrations can call seller endpoints without a browser.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"printchat/internal/auth/models"
	dErrors "printchat/pkg/domain-errors"
)

// Claims are the JWT claims carried by seller access tokens.
type Claims struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Service handles JWT creation and validation with a shared HS256 secret.
type Service struct {
	signingKey []byte
	issuer     string
}

func NewService(secret, issuer string) *Service {
	return &Service{signingKey: []byte(secret), issuer: issuer}
}

// Configured reports whether a signing secret is present. An unconfigured
// service refuses all seller-token traffic with a configuration error.
func (s *Service) Configured() bool {
	return len(s.signingKey) > 0
}

// Generate mints a seller token for the user.
func (s *Service) Generate(user *models.User, expiresIn time.Duration) (string, error) {
	if !s.Configured() {
		return "", dErrors.New(dErrors.CodeConfiguration, "JWT secret is not configured")
	}
	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = string(r)
	}
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: user.ID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return newToken.SignedString(s.signingKey)
}

// Validate parses the token, enforcing the HMAC signing method.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	if !s.Configured() {
		return nil, dErrors.New(dErrors.CodeConfiguration, "JWT secret is not configured")
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// HasRole checks a role tag on the validated claims.
func (c *Claims) HasRole(role models.Role) bool {
	for _, r := range c.Roles {
		if r == string(role) {
			return true
		}
	}
	return false
}
