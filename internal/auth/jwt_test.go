package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "test-secret-at-least-32-bytes-long"})

	expiresAt := time.Now().Add(time.Hour)
	token, err := m.GenerateToken("session-123", expiresAt)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "session-123", claims.SessionID)
	assert.Equal(t, "logship-core", claims.Issuer)
}

func TestJWTManager_DefaultsApplied(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "test-secret-at-least-32-bytes-long"})
	assert.Equal(t, 24*time.Hour, m.GetTokenDuration())
	assert.Equal(t, "logship-core", m.config.Issuer)
}

func TestJWTManager_CustomIssuerAndDuration(t *testing.T) {
	m := NewJWTManager(&JWTConfig{
		SecretKey:     "test-secret-at-least-32-bytes-long",
		Issuer:        "custom-issuer",
		TokenDuration: 2 * time.Hour,
	})
	assert.Equal(t, 2*time.Hour, m.GetTokenDuration())
	assert.Equal(t, "custom-issuer", m.config.Issuer)
}

func TestJWTManager_RejectsExpiredToken(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "test-secret-at-least-32-bytes-long"})

	token, err := m.GenerateToken("session-123", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTManager_RejectsTamperedSignature(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "test-secret-at-least-32-bytes-long"})
	other := NewJWTManager(&JWTConfig{SecretKey: "a-totally-different-secret-value"})

	token, err := m.GenerateToken("session-123", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTManager_RejectsMalformedToken(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "test-secret-at-least-32-bytes-long"})
	_, err := m.ValidateToken("not.a.token")
	assert.Error(t, err)
}
