package auth

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-points/pkg/models"
)

func TestIssueAndVerify(t *testing.T) {
	m, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)

	token, claims, err := m.Issue(42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, claims.IssuedAt+3600, claims.ExpiresAt)

	got, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, claims, got)
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	_, err := NewTokenManager("   ", time.Hour)
	assert.Error(t, err)
}

func TestIssueRejectsNonPositiveUser(t *testing.T) {
	m, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)
	_, _, err = m.Issue(0)
	assert.Error(t, err)
}

func TestVerifyRejects(t *testing.T) {
	m, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenManager("another", time.Hour)
	require.NoError(t, err)

	valid, _, err := m.Issue(7)
	require.NoError(t, err)
	forged, _, err := other.Issue(7)
	require.NoError(t, err)

	expiring, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := expiring.Issue(7)
	require.NoError(t, err)

	payload, sig, _ := strings.Cut(valid, ".")
	tampered := payload[:len(payload)-2] + "xx." + sig

	testCases := map[string]string{
		"empty":           "",
		"no separator":    "abc",
		"too many parts":  valid + ".extra",
		"wrong secret":    forged,
		"expired":         expired,
		"tampered":        tampered,
		"bad signature":   payload + ".!!!",
		"garbage payload": "bm90IGpzb24." + m.signature("bm90IGpzb24"),
	}
	for name, token := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Verify(token)
			assert.ErrorIs(t, err, models.ErrUnauthenticated)
		})
	}
}

func TestFromRequest(t *testing.T) {
	m, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)
	token, _, err := m.Issue(9)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/points", nil)
	_, err = m.FromRequest(r)
	assert.ErrorIs(t, err, models.ErrUnauthenticated)

	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	_, err = m.FromRequest(r)
	assert.ErrorIs(t, err, models.ErrUnauthenticated)

	r.Header.Set("Authorization", "bearer "+token)
	claims, err := m.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, int64(9), claims.UserID)
}

func TestContextHelpers(t *testing.T) {
	_, err := UserID(context.Background())
	assert.ErrorIs(t, err, models.ErrUnauthenticated)

	ctx := WithClaims(context.Background(), Claims{UserID: 5})
	id, err := UserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)

	claims, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(5), claims.UserID)
}
