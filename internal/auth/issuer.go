package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of the self-contained credential kind.
type Claims struct {
	UserID      int64    `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints the HMAC token form. The server itself never hands these
// out over HTTP; the issuer exists for the test suite and operator smoke
// tooling, and shares its signing configuration with the Verifier.
type TokenIssuer struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewTokenIssuer(secret string, tokenDuration time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secretKey:     []byte(secret),
		tokenDuration: tokenDuration,
	}
}

// Generate creates a signed token for the identity with the issuer's default lifetime.
func (ti *TokenIssuer) Generate(identity Identity) (string, error) {
	return ti.GenerateWithTTL(identity, ti.tokenDuration)
}

// GenerateWithTTL creates a signed token with an explicit lifetime.
func (ti *TokenIssuer) GenerateWithTTL(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      identity.UserID,
		Role:        string(identity.Role),
		Permissions: identity.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "pulse",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secretKey)
}
