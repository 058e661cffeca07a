package api

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key ed25519.PrivateKey, subject string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, JWT{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestParseAndValidateJWT(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	bidderID := uuid.New()

	t.Run("valid token", func(t *testing.T) {
		tokenString := signToken(t, privateKey, bidderID.String(), time.Now().Add(time.Hour))
		claims, err := ParseAndValidateJWT(tokenString, publicKey)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Username)
		assert.Equal(t, bidderID.String(), claims.Subject)
	})

	t.Run("expired token", func(t *testing.T) {
		tokenString := signToken(t, privateKey, bidderID.String(), time.Now().Add(-time.Hour))
		_, err := ParseAndValidateJWT(tokenString, publicKey)
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		otherPublicKey, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)

		tokenString := signToken(t, privateKey, bidderID.String(), time.Now().Add(time.Hour))
		_, err = ParseAndValidateJWT(tokenString, otherPublicKey)
		assert.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := ParseAndValidateJWT("not.a.token", publicKey)
		assert.Error(t, err)
	})
}

func TestJWTAuthenticator(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	authenticator := jwtAuthenticator{publicKey: publicKey}

	t.Run("subject becomes bidder id", func(t *testing.T) {
		bidderID := uuid.New()
		tokenString := signToken(t, privateKey, bidderID.String(), time.Now().Add(time.Hour))

		parsed, err := authenticator.Authenticate(tokenString)
		require.NoError(t, err)
		assert.Equal(t, bidderID, parsed)
	})

	t.Run("non-uuid subject", func(t *testing.T) {
		tokenString := signToken(t, privateKey, "alice", time.Now().Add(time.Hour))
		_, err := authenticator.Authenticate(tokenString)
		assert.Error(t, err)
	})
}
