// ABOUTME: Agent bearer tokens: HS256 JWTs naming the agent in "sub"
// ABOUTME: Issued at login and checked on every /ws/agent handshake

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// tokenIssuer is written to and required in the "iss" claim, so tokens
// minted by another service sharing the secret are refused.
const tokenIssuer = "desk-gateway"

// TokenVerifier resolves a bearer token to the agent username it was
// issued for.
type TokenVerifier interface {
	Verify(tokenString string) (username string, err error)
}

// JWTVerifier issues and checks agent tokens with a shared HMAC secret.
// The same secret must be configured on every gateway instance that
// accepts the token.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify returns the agent username from a token's "sub" claim. The token
// must be HS256, carry our issuer and an unexpired "exp". An expired token
// yields ErrExpiredToken rather than ErrInvalidToken.
// Whether the agent account still exists is checked by the caller.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate issues a token for the agent username valid for expiresIn.
// Each token carries a fresh "jti".
func (v *JWTVerifier) Generate(username string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   username,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token for %s: %w", username, err)
	}
	return token, nil
}
