// Package auth is the identity gate: it issues and verifies the signed
// session credential that every other component trusts. No component accepts
// a client-declared user id; they receive the id returned by Verify.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pigeon/chat-app/internal/apperr"
)

// SessionTTL is the lifetime of an issued session token.
const SessionTTL = 7 * 24 * time.Hour

const issuer = "pigeon"

// Gate signs and verifies HS256 session tokens.
type Gate struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewGate creates a Gate. A non-positive ttl falls back to SessionTTL.
func NewGate(secret string, ttl time.Duration) (*Gate, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return &Gate{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token whose subject is userID.
func (g *Gate) Issue(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", apperr.Validation("user id is required")
	}
	now := g.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and expiry of token and returns its user id.
// Every failure is an apperr Auth error.
func (g *Gate) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.Auth("missing session token")
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.Auth("session token expired")
		}
		return "", apperr.Auth("invalid session token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", apperr.Auth("invalid session token")
	}
	return claims.Subject, nil
}
