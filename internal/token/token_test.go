package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mint(t *testing.T, claims Claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func TestParse(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	raw := mint(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "service-account-admin-ui",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		RealmAccess: Access{Roles: []string{"offline_access", "admin"}},
		ResourceAccess: map[string]Access{
			"realm-management": {Roles: []string{"manage-users", "view-realm"}},
		},
	})

	tok, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, raw, tok.String())
	assert.Equal(t, int64(1_900_000_000), tok.Expiry())
	assert.True(t, exp.Equal(tok.ExpiresAt()))
	assert.Equal(t, "HS256", tok.Header()["alg"])
	assert.NotEmpty(t, tok.Signature())
	assert.Equal(t, "service-account-admin-ui", tok.Claims().Subject)

	assert.True(t, tok.HasRealmRole("admin"))
	assert.False(t, tok.HasRealmRole("manage-users"))
	assert.True(t, tok.HasApplicationRole("realm-management", "manage-users"))
	assert.False(t, tok.HasApplicationRole("realm-management", "admin"))
	assert.False(t, tok.HasApplicationRole("account", "view-realm"))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "not a jwt", raw: "s.opaque-token"},
		{name: "bad payload", raw: "eyJhbGciOiJIUzI1NiJ9.!!!.sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestToken_Expiry(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	tests := []struct {
		name          string
		exp           *jwt.NumericDate
		wantExpired   bool
		wantRemaining time.Duration
	}{
		{name: "valid", exp: jwt.NewNumericDate(now.Add(90 * time.Second)), wantRemaining: 90 * time.Second},
		{name: "expires now", exp: jwt.NewNumericDate(now), wantExpired: true},
		{name: "expired", exp: jwt.NewNumericDate(now.Add(-time.Minute)), wantExpired: true, wantRemaining: -time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := Parse(mint(t, Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: tt.exp}}))
			require.NoError(t, err)
			assert.Equal(t, tt.wantExpired, tok.IsExpired(now))
			assert.Equal(t, tt.wantRemaining, tok.TimeUntilExpiry(now))
		})
	}
}

func TestToken_NoExpiry(t *testing.T) {
	tok, err := Parse(mint(t, Claims{Type: "Offline"}))
	require.NoError(t, err)

	assert.Zero(t, tok.Expiry())
	assert.True(t, tok.ExpiresAt().IsZero())
	assert.False(t, tok.IsExpired(time.Now().Add(100*365*24*time.Hour)))
}

func TestToken_ExtendsBeyond(t *testing.T) {
	base := time.Unix(1_800_000_000, 0)
	at := func(d time.Duration) *Token {
		tok, err := Parse(mint(t, Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(base.Add(d))}}))
		require.NoError(t, err)
		return tok
	}
	noExp, err := Parse(mint(t, Claims{}))
	require.NoError(t, err)

	assert.True(t, at(time.Hour).ExtendsBeyond(at(0)))
	assert.False(t, at(0).ExtendsBeyond(at(0)))
	assert.False(t, at(0).ExtendsBeyond(at(time.Hour)))
	assert.False(t, noExp.ExtendsBeyond(at(0)))
	assert.False(t, at(0).ExtendsBeyond(nil))
}
