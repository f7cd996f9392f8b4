// ABOUTME: JWT credentials for warm agent connections, HS256 with a shared secret.
// ABOUTME: The "sub" claim names the computer the agent presents itself as.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier checks an agent credential and resolves the computer it
// belongs to.
type TokenVerifier interface {
	Verify(tokenString string) (computerID string, err error)
}

// JWTVerifier issues and verifies HS256 agent tokens. Verification pins the
// algorithm, so alg-substitution tokens never reach signature checking.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier around the shared signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates tokenString and returns the computer id from
// its subject.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.signingKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

func (v *JWTVerifier) signingKey(*jwt.Token) (any, error) {
	return v.secret, nil
}

// Generate mints a token for computerID that expires after expiresIn.
func (v *JWTVerifier) Generate(computerID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   computerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
