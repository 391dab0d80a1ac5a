package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/obs"
)

const (
	defaultRecoveryTTL = 15 * time.Minute
	recoveryTokenBytes = 32
	recoveryCodeDigits = 6

	// ForgotPasswordMessage is returned for every forgot-password request.
	ForgotPasswordMessage = "If the account exists, recovery instructions have been sent."
)

// IssuedRecovery is a freshly minted recovery artifact in plaintext.
type IssuedRecovery struct {
	Token     string
	Code      string
	Purpose   RecoveryPurpose
	ExpiresAt time.Time
}

// ForgotResult is the outcome of ForgotPassword. Token and Code are empty when
// nothing was issued; callers facing end users echo Message only.
type ForgotResult struct {
	Message string
	Token   string
	Code    string
}

// ForgotPassword starts a password reset for email. The message is identical
// whether or not the account exists, and so is the response time once a
// floor is configured.
func (s *Service) ForgotPassword(ctx context.Context, email string) (ForgotResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.ForgotPassword")
	defer span.End()
	defer s.padResponse(ctx, time.Now())

	res := ForgotResult{Message: ForgotPasswordMessage}
	user, err := s.store.Users().FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return res, nil
		}
		recordSpanError(span, err)
		return ForgotResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.Deleted() || !user.Active {
		return res, nil
	}
	issued, err := s.issueRecovery(ctx, user, PurposeReset)
	if err != nil {
		recordSpanError(span, err)
		return ForgotResult{}, err
	}
	res.Token, res.Code = issued.Token, issued.Code
	return res, nil
}

// padResponse blocks until the forgot-password floor has elapsed since start.
// It reads the wall clock, not the service clock.
func (s *Service) padResponse(ctx context.Context, start time.Time) {
	wait := s.forgotFloor - time.Since(start)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// IssueActivation mints an activation artifact for a provisioned principal that
// has not completed first login yet.
func (s *Service) IssueActivation(ctx context.Context, actor Principal, userID string) (IssuedRecovery, error) {
	ctx, span := s.tracer.Start(ctx, "auth.IssueActivation")
	defer span.End()

	user, err := s.findLiveUser(ctx, userID)
	if err != nil {
		return IssuedRecovery{}, err
	}
	if d := s.evaluator.CanManageUser(actor, user); !d.Allowed {
		_ = audit.LogEvent(ctx, "authz.manage_denied", map[string]any{
			"principal_id": actor.ID,
			"target_id":    user.ID,
			"reason":       d.Reason,
		})
		return IssuedRecovery{}, ErrForbidden
	}
	if !user.FirstLogin {
		return IssuedRecovery{}, ErrUserAlreadyActivated
	}
	issued, err := s.issueRecovery(ctx, user, PurposeActivation)
	if err != nil {
		recordSpanError(span, err)
	}
	return issued, err
}

// ResetPassword consumes a reset token and sets a new password. All sessions
// of the principal are revoked.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, span := s.tracer.Start(ctx, "auth.ResetPassword")
	defer span.End()

	if err := CheckPasswordPolicy(newPassword); err != nil {
		return err
	}
	rec, err := s.lookupRecovery(ctx, token)
	if err != nil {
		return err
	}
	// Activation artifacts are redeemed through FirstLogin only.
	if rec.Purpose != PurposeReset {
		return ErrInvalidOrExpiredToken
	}
	user, err := s.recoveryUser(ctx, rec)
	if err != nil {
		return err
	}
	if err := s.completeReset(ctx, rec, user, newPassword); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// ResetPasswordWithCode is ResetPassword keyed by email and the numeric code.
// Wrong codes count against the reset:<email> throttle key. A correct code of
// an activation artifact is refused without counting.
func (s *Service) ResetPasswordWithCode(ctx context.Context, email, code, newPassword string) error {
	ctx, span := s.tracer.Start(ctx, "auth.ResetPasswordWithCode")
	defer span.End()

	if err := CheckPasswordPolicy(newPassword); err != nil {
		return err
	}
	email = normalizeEmail(email)
	key := "reset:" + email
	if err := s.throttle.Check(ctx, key); err != nil {
		return err
	}

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		recordSpanError(span, err)
		return fmt.Errorf("lookup user: %w", err)
	}
	if err != nil || user.Deleted() {
		return s.failRecovery(ctx, key)
	}
	rec, err := s.store.RecoveryTokens().FindByUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.failRecovery(ctx, key)
		}
		return fmt.Errorf("lookup recovery token: %w", err)
	}
	if rec.Expired(s.now()) || !sameDigest(rec.CodeHash, digest(strings.TrimSpace(code))) {
		return s.failRecovery(ctx, key)
	}
	if rec.Purpose != PurposeReset {
		return ErrInvalidOrExpiredToken
	}
	if !user.Active {
		return ErrUserInactive
	}
	if err := s.completeReset(ctx, rec, user, newPassword); err != nil {
		recordSpanError(span, err)
		return err
	}
	return s.throttle.Succeed(ctx, key)
}

// FirstLogin activates a provisioned principal with its chosen password and
// opens its first session.
func (s *Service) FirstLogin(ctx context.Context, token, newPassword string) (LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.FirstLogin")
	defer span.End()

	if err := CheckPasswordPolicy(newPassword); err != nil {
		return LoginResult{}, err
	}
	rec, err := s.lookupRecovery(ctx, token)
	if err != nil {
		return LoginResult{}, err
	}
	user, err := s.recoveryUser(ctx, rec)
	if err != nil {
		return LoginResult{}, err
	}
	if !user.FirstLogin {
		return LoginResult{}, ErrUserAlreadyActivated
	}
	if err := s.claimRecovery(ctx, rec); err != nil {
		return LoginResult{}, err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.store.Users().Activate(ctx, user.ID, hash); err != nil {
		recordSpanError(span, err)
		return LoginResult{}, fmt.Errorf("activate user: %w", err)
	}
	user.PasswordHash = hash
	user.FirstLogin = false

	pair, err := s.startSession(ctx, user)
	if err != nil {
		recordSpanError(span, err)
		return LoginResult{}, err
	}
	_ = audit.LogEvent(ctx, "auth.activated", map[string]any{"user_id": user.ID})
	return LoginResult{User: user.SafeView(), Tokens: pair, FirstLogin: false}, nil
}

func (s *Service) issueRecovery(ctx context.Context, user User, purpose RecoveryPurpose) (IssuedRecovery, error) {
	token, err := randomToken(recoveryTokenBytes)
	if err != nil {
		return IssuedRecovery{}, err
	}
	code, err := randomCode(recoveryCodeDigits)
	if err != nil {
		return IssuedRecovery{}, err
	}
	now := s.now().UTC()
	rec := RecoveryToken{
		ID:        ids.NewAt(now),
		UserID:    user.ID,
		TokenHash: digest(token),
		CodeHash:  digest(code),
		Purpose:   purpose,
		ExpiresAt: now.Add(s.recoveryTTL),
		CreatedAt: now,
	}
	if _, err := s.store.RecoveryTokens().DeleteByUser(ctx, user.ID); err != nil {
		return IssuedRecovery{}, fmt.Errorf("drop prior recovery tokens: %w", err)
	}
	if err := s.store.RecoveryTokens().Create(ctx, rec); err != nil {
		return IssuedRecovery{}, fmt.Errorf("store recovery token: %w", err)
	}
	obs.RecoveryIssuedTotal.WithLabelValues(string(purpose)).Inc()
	trace.SpanFromContext(ctx).SetAttributes(purposeAttr(purpose))
	_ = audit.LogEvent(ctx, "auth.recovery_issued", map[string]any{
		"user_id": user.ID,
		"purpose": string(purpose),
	})

	msg := RecoveryMessage{
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Purpose:   purpose,
		Token:     token,
		Code:      code,
		ExpiresAt: rec.ExpiresAt,
	}
	s.dispatch(ctx, "recovery_notify", user.ID, func(ctx context.Context) error {
		return s.notifier.SendRecovery(ctx, msg)
	})
	return IssuedRecovery{Token: token, Code: code, Purpose: purpose, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *Service) lookupRecovery(ctx context.Context, token string) (RecoveryToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return RecoveryToken{}, ErrInvalidOrExpiredToken
	}
	rec, err := s.store.RecoveryTokens().FindByHash(ctx, digest(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RecoveryToken{}, ErrInvalidOrExpiredToken
		}
		return RecoveryToken{}, fmt.Errorf("lookup recovery token: %w", err)
	}
	if rec.Expired(s.now()) {
		if _, err := s.store.RecoveryTokens().Delete(ctx, rec.ID); err != nil {
			s.logger.Warn("drop expired recovery token", zap.Error(err))
		}
		return RecoveryToken{}, ErrInvalidOrExpiredToken
	}
	return rec, nil
}

func (s *Service) recoveryUser(ctx context.Context, rec RecoveryToken) (User, error) {
	user, err := s.store.Users().Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidOrExpiredToken
		}
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.Deleted() {
		return User{}, ErrInvalidOrExpiredToken
	}
	if !user.Active {
		return User{}, ErrUserInactive
	}
	return user, nil
}

// claimRecovery deletes the record; losing a concurrent race means the token
// was already consumed.
func (s *Service) claimRecovery(ctx context.Context, rec RecoveryToken) error {
	n, err := s.store.RecoveryTokens().Delete(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("consume recovery token: %w", err)
	}
	if n != 1 {
		return ErrInvalidOrExpiredToken
	}
	return nil
}

func (s *Service) completeReset(ctx context.Context, rec RecoveryToken, user User, newPassword string) error {
	if err := s.claimRecovery(ctx, rec); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users().UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := s.store.RefreshTokens().DeleteByUser(ctx, user.ID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	_ = audit.LogEvent(ctx, "auth.password_reset", map[string]any{"user_id": user.ID})
	return nil
}

func (s *Service) failRecovery(ctx context.Context, key string) error {
	if err := s.recordFailure(ctx, key); err != nil {
		return err
	}
	return ErrInvalidOrExpiredToken
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// digest is the hex SHA-256 under which bearer secrets are stored.
func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func sameDigest(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func purposeAttr(p RecoveryPurpose) attribute.KeyValue {
	return attribute.String("recovery.purpose", string(p))
}
