// Package auth signs and verifies the bearer tokens that identify the acting
// user. Accounts live elsewhere; a token only carries a user id.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kass/go-geo-points/pkg/models"
)

// Claims is the payload of a token.
type Claims struct {
	UserID    int64 `json:"uid"`
	IssuedAt  int64 `json:"iat"`
	ExpiresAt int64 `json:"exp"`
}

type contextKey string

const claimsKey contextKey = "authClaims"

// TokenManager issues HMAC-SHA256 signed tokens of the form
// base64url(payload) "." base64url(signature).
type TokenManager struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenManager requires a non-empty secret.
func NewTokenManager(secret string, lifetime time.Duration) (*TokenManager, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("token secret must be configured")
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(trimmed), lifetime: lifetime, now: time.Now}, nil
}

// Issue creates a token for the user.
func (m *TokenManager) Issue(userID int64) (string, Claims, error) {
	if userID <= 0 {
		return "", Claims{}, fmt.Errorf("user id must be positive, got %d", userID)
	}
	now := m.now()
	claims := Claims{
		UserID:    userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(m.lifetime).Unix(),
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + m.signature(payload), claims, nil
}

// Verify checks the signature and expiry of a token. Every failure wraps
// models.ErrUnauthenticated.
func (m *TokenManager) Verify(token string) (Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || strings.Contains(sig, ".") {
		return Claims{}, fmt.Errorf("token structure is invalid: %w", models.ErrUnauthenticated)
	}

	provided, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Claims{}, fmt.Errorf("token signature is not base64: %w", models.ErrUnauthenticated)
	}
	expected, _ := base64.RawURLEncoding.DecodeString(m.signature(payload))
	if !hmac.Equal(provided, expected) {
		return Claims{}, fmt.Errorf("token signature mismatch: %w", models.ErrUnauthenticated)
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, fmt.Errorf("token payload is not base64: %w", models.ErrUnauthenticated)
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, fmt.Errorf("token payload is malformed: %w", models.ErrUnauthenticated)
	}
	if claims.UserID <= 0 {
		return Claims{}, fmt.Errorf("token carries no user: %w", models.ErrUnauthenticated)
	}
	if claims.ExpiresAt <= m.now().Unix() {
		return Claims{}, fmt.Errorf("token expired: %w", models.ErrUnauthenticated)
	}
	return claims, nil
}

// FromRequest verifies the bearer token of a request.
func (m *TokenManager) FromRequest(r *http.Request) (Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return Claims{}, fmt.Errorf("missing bearer token: %w", models.ErrUnauthenticated)
	}
	return m.Verify(token)
}

func (m *TokenManager) signature(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}

// WithClaims returns a context carrying the claims.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext retrieves the claims of the authenticated request, if any.
func FromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(Claims)
	return claims, ok
}

// UserID returns the acting user id or models.ErrUnauthenticated.
func UserID(ctx context.Context) (int64, error) {
	claims, ok := FromContext(ctx)
	if !ok {
		return 0, models.ErrUnauthenticated
	}
	return claims.UserID, nil
}
