package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rideflow/realtime-gateway/config"
)

// Claims is the JWT claim set issued by the platform's auth service.
type Claims struct {
	UserType string `json:"userType,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator checks handshake tokens. The gateway never issues tokens;
// it only verifies them and extracts the expiry that bounds the connection.
type TokenValidator struct {
	cfg *config.AuthConfig
}

// NewTokenValidator creates a validator for the configured signing secret.
func NewTokenValidator(cfg *config.AuthConfig) *TokenValidator {
	return &TokenValidator{cfg: cfg}
}

// Validate parses and verifies a token, returning its claims.
func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("could not cast claims")
	}
	return claims, nil
}

// Expiry returns the token's expiry, or a far-future instant when the token
// carries none.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return time.Now().Add(24 * time.Hour)
}

// TokenRefresher is the boundary to the external auth service's refresh
// endpoint. The gateway forwards token_refresh requests through it opaquely.
type TokenRefresher interface {
	Refresh(ctx context.Context, userID, token string) (newToken string, expiry time.Time, err error)
}
