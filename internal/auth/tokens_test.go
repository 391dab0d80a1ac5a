package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate.org/internal/auth"
)

func TestNewTokenServiceRejectsBadSecrets(t *testing.T) {
	cases := map[string][2]string{
		"empty":     {"", testRefreshSecret},
		"short":     {"short", testRefreshSecret},
		"identical": {testAccessSecret, testAccessSecret},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := auth.NewTokenService(c[0], c[1])
			require.Error(t, err)
		})
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	tokens, err := auth.NewTokenService(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)

	user := auth.User{ID: "u-1", Email: "a@example.com", TenantID: "t-1", Tier: auth.TierAdmin}
	pair, err := tokens.Issue(user)
	require.NoError(t, err)

	claims, err := tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.PrincipalID)
	assert.Equal(t, user.Email, claims.Email)
	assert.Equal(t, user.TenantID, claims.TenantID)
	assert.Equal(t, auth.TierAdmin, claims.Tier)
	assert.NotEmpty(t, claims.ID)

	refresh, err := tokens.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, refresh.PrincipalID)
	assert.NotEqual(t, claims.ID, refresh.ID)
}

func TestAccessAndRefreshAreNotInterchangeable(t *testing.T) {
	tokens, err := auth.NewTokenService(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)
	pair, err := tokens.Issue(auth.User{ID: "u-1", Tier: auth.TierRoot})
	require.NoError(t, err)

	_, err = tokens.VerifyAccess(pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidAccessToken)
	_, err = tokens.VerifyRefresh(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestVerifyDistinguishesExpiredFromInvalid(t *testing.T) {
	clock := newFakeClock()
	tokens, err := auth.NewTokenService(testAccessSecret, testRefreshSecret,
		auth.WithTokenClock(clock.Now),
		auth.WithAccessTTL(time.Minute),
		auth.WithRefreshTTL(time.Hour),
	)
	require.NoError(t, err)
	pair, err := tokens.Issue(auth.User{ID: "u-1", Tier: auth.TierUser, TenantID: "t"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = tokens.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrAccessTokenExpired)
	assert.Equal(t, "ACCESS_TOKEN_EXPIRED", auth.CodeOf(err))

	_, err = tokens.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = tokens.VerifyRefresh(pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrRefreshTokenExpired)

	tampered := pair.AccessToken[:strings.LastIndex(pair.AccessToken, ".")+1] + "AAAA"
	_, err = tokens.VerifyAccess(tampered)
	require.ErrorIs(t, err, auth.ErrInvalidAccessToken)

	_, err = tokens.VerifyAccess("not-a-jwt")
	require.ErrorIs(t, err, auth.ErrInvalidAccessToken)
}

func TestTokensFromOtherSecretsAreInvalid(t *testing.T) {
	a, err := auth.NewTokenService(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)
	b, err := auth.NewTokenService(testAccessSecret+"-other", testRefreshSecret+"-other")
	require.NoError(t, err)

	pair, err := a.Issue(auth.User{ID: "u-1", Tier: auth.TierRoot})
	require.NoError(t, err)
	_, err = b.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidAccessToken)
}
