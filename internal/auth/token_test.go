// ABOUTME: Tests for JWT token verification.
// ABOUTME: Covers round-trip, expiry, wrong secret, and missing claims.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("comp-1", time.Hour)
	require.NoError(t, err)

	computerID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "comp-1", computerID)
}

func TestExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("comp-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestWrongSecret(t *testing.T) {
	issuer := NewJWTVerifier([]byte("secret-a"))
	verifier := NewJWTVerifier([]byte("secret-b"))

	token, err := issuer.Generate("comp-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGarbageToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	_, err := v.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMissingSubClaim(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	v := NewJWTVerifier(secret)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestRejectsUnexpectedSigningMethod(t *testing.T) {
	// "none" algorithm tokens must never verify.
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "comp-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v := NewJWTVerifier([]byte("test-secret"))
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsOtherHMACVariants(t *testing.T) {
	secret := []byte("test-secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "comp-1"}).
		SignedString(secret)
	require.NoError(t, err)

	// The verifier pins HS256; a correctly signed HS512 token is still invalid.
	v := NewJWTVerifier(secret)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
