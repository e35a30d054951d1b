package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(Config{
		AccessSecret:  "access-secret",
		AccessExpiry:  15 * time.Minute,
		RefreshSecret: "refresh-secret",
		RefreshExpiry: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return iss
}

func TestNewIssuer_RejectsBadConfig(t *testing.T) {
	_, err := NewIssuer(Config{AccessSecret: "a", RefreshSecret: "", AccessExpiry: time.Minute, RefreshExpiry: time.Hour})
	assert.Error(t, err)

	_, err = NewIssuer(Config{AccessSecret: "same", RefreshSecret: "same", AccessExpiry: time.Minute, RefreshExpiry: time.Hour})
	assert.Error(t, err)

	_, err = NewIssuer(Config{AccessSecret: "a", RefreshSecret: "b", AccessExpiry: 0, RefreshExpiry: time.Hour})
	assert.Error(t, err)
}

func TestAccessToken_CarriesIdentityClaims(t *testing.T) {
	iss := newTestIssuer(t)

	raw, err := iss.IssueAccessToken(Identity{
		ID:     "acc-1",
		Role:   "trainer",
		Claims: map[string]string{"email": "a@x.com", "subjectname": "math", "sub": "spoofed"},
	})
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return iss.AccessSecret(), nil })
	require.NoError(t, err)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "acc-1", claims["sub"])
	assert.Equal(t, "trainer", claims["role"])
	assert.Equal(t, "a@x.com", claims["email"])
	assert.Equal(t, "math", claims["subjectname"])

	sub, role, err := AccessSubject(parsed)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", sub)
	assert.Equal(t, "trainer", role)
}

func TestAccessToken_NotAcceptedAsRefresh(t *testing.T) {
	iss := newTestIssuer(t)

	raw, err := iss.IssueAccessToken(Identity{ID: "acc-1", Role: "student"})
	require.NoError(t, err)

	_, err = iss.ParseRefreshToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_RoundTrip(t *testing.T) {
	iss := newTestIssuer(t)

	raw, err := iss.IssueRefreshToken("acc-9")
	require.NoError(t, err)

	id, err := iss.ParseRefreshToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "acc-9", id)
}

func TestRefreshToken_Expired(t *testing.T) {
	iss := newTestIssuer(t)
	issuedAt := time.Now().Add(-8 * 24 * time.Hour)
	iss.now = func() time.Time { return issuedAt }

	raw, err := iss.IssueRefreshToken("acc-9")
	require.NoError(t, err)

	iss.now = time.Now
	_, err = iss.ParseRefreshToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_Garbage(t *testing.T) {
	iss := newTestIssuer(t)
	_, err := iss.ParseRefreshToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRotate_PersistsBeforeReturning(t *testing.T) {
	iss := newTestIssuer(t)

	var stored string
	pair, err := iss.Rotate(context.Background(), Identity{ID: "acc-1", Role: "admin"}, func(_ context.Context, rt string) error {
		stored = rt
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Equal(t, stored, pair.RefreshToken)
}

func TestRotate_ProducesDistinctTokens(t *testing.T) {
	iss := newTestIssuer(t)
	noop := func(context.Context, string) error { return nil }

	first, err := iss.Rotate(context.Background(), Identity{ID: "acc-1", Role: "admin"}, noop)
	require.NoError(t, err)
	second, err := iss.Rotate(context.Background(), Identity{ID: "acc-1", Role: "admin"}, noop)
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestRotate_PersistFailureWithholdsTokens(t *testing.T) {
	iss := newTestIssuer(t)

	pair, err := iss.Rotate(context.Background(), Identity{ID: "acc-1"}, func(context.Context, string) error {
		return errors.New("db down")
	})
	assert.Error(t, err)
	assert.Nil(t, pair)
}

func TestAccessSubject_RejectsMissingSubject(t *testing.T) {
	_, _, err := AccessSubject(&jwt.Token{Valid: true, Claims: jwt.MapClaims{"role": "student"}})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = AccessSubject(nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
