// Package auth implements credential verification, session issuance, and
// the thin JWT envelope that carries a session id between the client and
// the server.
//
// The token itself carries no authority: a valid signature only proves
// the envelope wasn't tampered with. The Session row in Postgres (see
// internal/db/sessions.go) is the actual source of truth — a token whose
// session was deleted (logout, password change, admin revoke) is
// rejected even though its signature and exp claim still check out. This
// is stronger than trusting claims baked into the token itself, at the
// cost of a lookup per request, which SessionCache exists to absorb.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig holds JWT envelope configuration.
type JWTConfig struct {
	// SecretKey is the HMAC signing key. Must be at least 32 bytes,
	// loaded from the environment — never hardcoded.
	SecretKey string

	// Issuer identifies the token issuer.
	Issuer string

	// TokenDuration bounds the envelope's exp claim. The underlying
	// Session row carries its own, independently enforced, expiry.
	TokenDuration time.Duration
}

// Claims is the entire JWT payload: a session id and nothing else. Role,
// quota, and handle are looked up from the Session/Principal rows on
// every request rather than trusted from the token, so a claim here
// cannot outlive or outrank the session it points to.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates envelope tokens.
type JWTManager struct {
	config *JWTConfig
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(config *JWTConfig) *JWTManager {
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "logship-core"
	}
	return &JWTManager{config: config}
}

// GenerateToken signs an envelope around an existing session id. Callers
// create the Session row first (db.SessionDB.CreateSession) and pass its
// id here; the token's exp mirrors the session's expiry.
func (m *JWTManager) GenerateToken(sessionID string, sessionExpiresAt time.Time) (string, error) {
	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    m.config.Issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sessionExpiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken verifies the envelope's signature, algorithm, and
// expiration, and returns the session id it carries. It does NOT check
// whether the session still exists — callers must follow up with a
// Session row lookup (see middleware.RequireAuth) before trusting the
// request as authenticated.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Reject "none" and asymmetric-algorithm substitution attacks:
		// only ever accept the HMAC method we signed with.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.SecretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// GetTokenDuration returns the configured token duration.
func (m *JWTManager) GetTokenDuration() time.Duration {
	return m.config.TokenDuration
}
