package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/store/memory"
)

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice@example.com", auth.TierUser)

	res, err := f.svc.Login(context.Background(), "  ALICE@example.com ", testPassword)
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)
	assert.False(t, res.FirstLogin)

	claims, err := f.svc.Tokens().VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.PrincipalID)
	assert.Equal(t, f.tenant.ID, claims.TenantID)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)

	_, errWrong := f.svc.Login(context.Background(), "alice@example.com", "wrong-password")
	_, errGhost := f.svc.Login(context.Background(), "ghost@example.com", "wrong-password")
	require.ErrorIs(t, errWrong, auth.ErrInvalidCredentials)
	require.ErrorIs(t, errGhost, auth.ErrInvalidCredentials)
	assert.Equal(t, errWrong.Error(), errGhost.Error())
}

func TestLoginBlocksSixthAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, "alice@example.com", "wrong-password")
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	var be *auth.BlockedError
	require.True(t, errors.As(err, &be), "expected blocked, got %v", err)
	assert.True(t, strings.HasPrefix(auth.CodeOf(err), "ACCOUNT_BLOCKED_"))

	f.clock.Advance(16 * time.Minute)
	_, err = f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)
}

func TestLoginConcurrentFailuresBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Login(ctx, "alice@example.com", "wrong-password")
		}()
	}
	wg.Wait()

	_, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	var be *auth.BlockedError
	require.True(t, errors.As(err, &be), "expected blocked, got %v", err)
}

func TestLoginSuccessResetsThrottle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)

	for i := 0; i < 4; i++ {
		_, _ = f.svc.Login(ctx, "alice@example.com", "wrong-password")
	}
	_, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = f.svc.Login(ctx, "alice@example.com", "wrong-password")
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	_, err = f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)
}

func TestLoginRejectsInactiveUserAndTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "off@example.com", auth.TierUser, func(u *auth.User) { u.Active = false })
	_, err := f.svc.Login(ctx, "off@example.com", testPassword)
	require.ErrorIs(t, err, auth.ErrUserInactive)

	closed := f.store.PutTenant(auth.Tenant{ID: "tenant-closed", Active: false})
	f.addUser(t, "bob@example.com", auth.TierUser, func(u *auth.User) { u.TenantID = closed.ID })
	_, err = f.svc.Login(ctx, "bob@example.com", testPassword)
	require.ErrorIs(t, err, auth.ErrUserInactive)
}

func TestLoginTreatsDeletedUserAsMissing(t *testing.T) {
	f := newFixture(t)
	gone := time.Now()
	f.addUser(t, "gone@example.com", auth.TierUser, func(u *auth.User) { u.DeletedAt = &gone })

	_, err := f.svc.Login(context.Background(), "gone@example.com", testPassword)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLoginReplacesPreviousSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)

	first, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, first.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestRefreshRotatesToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "alice@example.com", auth.TierAdmin)

	res, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	pair, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	claims, err := f.svc.Tokens().VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.PrincipalID)

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshConcurrentReuseHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Refresh(ctx, res.Tokens.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
	}
	assert.Equal(t, 1, wins)
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	user.Active = false
	_, err = f.store.PutUser(user)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrUserInactive)
}

func TestRefreshWithAccessTokenIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestLogoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	n, err := f.svc.Logout(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.svc.Logout(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestAuthenticateAndMe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	p, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.ID)
	assert.Equal(t, auth.TierUser, p.Tier)

	view, err := f.svc.Me(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", view.Email)

	_, err = f.svc.Authenticate(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidAccessToken)

	_, err = f.svc.Me(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestForgotPasswordNeverRevealsExistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "off@example.com", auth.TierUser, func(u *auth.User) { u.Active = false })

	ghost, err := f.svc.ForgotPassword(ctx, "ghost@example.com")
	require.NoError(t, err)
	inactive, err := f.svc.ForgotPassword(ctx, "off@example.com")
	require.NoError(t, err)

	assert.Equal(t, ghost.Message, inactive.Message)
	assert.Empty(t, ghost.Token)
	assert.Empty(t, inactive.Token)

	f.svc.Wait()
	assert.Empty(t, f.notifier.messages())
}

func TestForgotPasswordIssuesAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "alice@example.com", auth.TierUser)

	res, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.ForgotPasswordMessage, res.Message)
	require.NotEmpty(t, res.Token)
	require.Len(t, res.Code, 6)

	f.svc.Wait()
	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, user.ID, msgs[0].UserID)
	assert.Equal(t, res.Token, msgs[0].Token)
	assert.Equal(t, auth.PurposeReset, msgs[0].Purpose)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), msgs[0].ExpiresAt)
}

func TestForgotPasswordSurvivesNotifierFailure(t *testing.T) {
	var calls atomic.Int32
	failing := auth.NotifierFunc(func(context.Context, auth.RecoveryMessage) error {
		calls.Add(1)
		return errors.New("smtp down")
	})
	f := newFixture(t, auth.WithNotifier(failing))
	f.addUser(t, "alice@example.com", auth.TierUser)

	res, err := f.svc.ForgotPassword(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)
	f.svc.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestForgotPasswordPadsEveryPath(t *testing.T) {
	ctx := context.Background()
	const floor = 60 * time.Millisecond
	f := newFixture(t, auth.WithForgotPasswordFloor(floor))
	f.addUser(t, "alice@example.com", auth.TierUser)
	f.addUser(t, "off@example.com", auth.TierUser, func(u *auth.User) { u.Active = false })

	for _, email := range []string{"alice@example.com", "ghost@example.com", "off@example.com"} {
		start := time.Now()
		res, err := f.svc.ForgotPassword(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, auth.ForgotPasswordMessage, res.Message)
		assert.GreaterOrEqual(t, time.Since(start), floor, email)
	}
}

func TestForgotPasswordPaddingStopsOnCancel(t *testing.T) {
	f := newFixture(t, auth.WithForgotPasswordFloor(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := f.svc.ForgotPassword(ctx, "ghost@example.com")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestForgotPasswordFloorMustNotBeNegative(t *testing.T) {
	tokens, err := auth.NewTokenService(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)
	_, err = auth.NewService(memory.New(), tokens, auth.WithForgotPasswordFloor(-time.Second))
	require.Error(t, err)
}

func TestForgotPasswordReplacesPriorToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)

	first, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	second, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.ResetPassword(ctx, first.Token, "new-password-1"), auth.ErrInvalidOrExpiredToken)
	require.NoError(t, f.svc.ResetPassword(ctx, second.Token, "new-password-1"))
}

func TestResetPasswordConsumesTokenOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	login, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)

	res, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, f.svc.ResetPassword(ctx, res.Token, "brand-new-secret"))
	err = f.svc.ResetPassword(ctx, res.Token, "another-secret")
	require.ErrorIs(t, err, auth.ErrInvalidOrExpiredToken)
	assert.Equal(t, "INVALID_OR_EXPIRED_TOKEN", auth.CodeOf(err))

	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	_, err = f.svc.Login(ctx, "alice@example.com", testPassword)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "alice@example.com", "brand-new-secret")
	require.NoError(t, err)
}

func TestResetPasswordConcurrentRedemptionHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.ResetPassword(ctx, res.Token, "brand-new-secret")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredToken)
	}
	assert.Equal(t, 1, wins)
}

func TestResetPasswordRejectsExpiredAndWeak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.ResetPassword(ctx, res.Token, "short"), auth.ErrWeakPassword)

	f.clock.Advance(15 * time.Minute)
	require.ErrorIs(t, f.svc.ResetPassword(ctx, res.Token, "long-enough-pass"), auth.ErrInvalidOrExpiredToken)
	require.ErrorIs(t, f.svc.ResetPassword(ctx, "garbage", "long-enough-pass"), auth.ErrInvalidOrExpiredToken)
}

func TestResetPasswordWithCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	wrong := "000000"
	if res.Code == wrong {
		wrong = "111111"
	}
	require.ErrorIs(t, f.svc.ResetPasswordWithCode(ctx, "alice@example.com", wrong, "long-enough-pass"), auth.ErrInvalidOrExpiredToken)
	require.NoError(t, f.svc.ResetPasswordWithCode(ctx, "ALICE@example.com", res.Code, "long-enough-pass"))
	require.ErrorIs(t, f.svc.ResetPasswordWithCode(ctx, "alice@example.com", res.Code, "long-enough-pass"), auth.ErrInvalidOrExpiredToken)
}

func TestResetPasswordWithCodeIsThrottled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	wrong := "000000"
	if res.Code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, f.svc.ResetPasswordWithCode(ctx, "alice@example.com", wrong, "long-enough-pass"), auth.ErrInvalidOrExpiredToken)
	}
	err = f.svc.ResetPasswordWithCode(ctx, "alice@example.com", res.Code, "long-enough-pass")
	var be *auth.BlockedError
	require.True(t, errors.As(err, &be), "expected blocked, got %v", err)

	// Login throttle is keyed separately.
	_, err = f.svc.Login(ctx, "alice@example.com", testPassword)
	require.NoError(t, err)
}

func TestFirstLoginActivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := f.addUser(t, "admin@example.com", auth.TierAdmin)
	fresh := f.addUser(t, "fresh@example.com", auth.TierUser, func(u *auth.User) { u.FirstLogin = true })

	issued, err := f.svc.IssueActivation(ctx, auth.PrincipalOf(admin), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.PurposeActivation, issued.Purpose)

	res, err := f.svc.FirstLogin(ctx, issued.Token, "chosen-password")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, res.User.ID)
	assert.False(t, res.User.FirstLogin)
	_, err = f.svc.Tokens().VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.FirstLogin(ctx, issued.Token, "chosen-password")
	require.ErrorIs(t, err, auth.ErrInvalidOrExpiredToken)

	_, err = f.svc.IssueActivation(ctx, auth.PrincipalOf(admin), fresh.ID)
	require.ErrorIs(t, err, auth.ErrUserAlreadyActivated)

	f.svc.Wait()
	require.Len(t, f.notifier.messages(), 1)
}

func TestFirstLoginRejectsActivatedUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice@example.com", auth.TierUser)
	res, err := f.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	_, err = f.svc.FirstLogin(ctx, res.Token, "chosen-password")
	require.ErrorIs(t, err, auth.ErrUserAlreadyActivated)
	assert.Equal(t, "USER_ALREADY_ACTIVATED", auth.CodeOf(err))
}

func TestResetPathsRefuseActivationArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := f.addUser(t, "admin@example.com", auth.TierAdmin)
	fresh := f.addUser(t, "fresh@example.com", auth.TierUser, func(u *auth.User) { u.FirstLogin = true })

	issued, err := f.svc.IssueActivation(ctx, auth.PrincipalOf(admin), fresh.ID)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.ResetPassword(ctx, issued.Token, "long-enough-pass"), auth.ErrInvalidOrExpiredToken)
	for i := 0; i < 6; i++ {
		err = f.svc.ResetPasswordWithCode(ctx, "fresh@example.com", issued.Code, "long-enough-pass")
		require.ErrorIs(t, err, auth.ErrInvalidOrExpiredToken)
	}

	res, err := f.svc.FirstLogin(ctx, issued.Token, "chosen-password")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, res.User.ID)
}

func TestIssueActivationRequiresManager(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "user@example.com", auth.TierUser)
	fresh := f.addUser(t, "fresh@example.com", auth.TierUser, func(u *auth.User) { u.FirstLogin = true })

	_, err := f.svc.IssueActivation(ctx, auth.PrincipalOf(user), fresh.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)
}
