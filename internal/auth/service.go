package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/obs"
)

const (
	tracerName        = "tenantgate.org/internal/auth"
	sideEffectTimeout = 10 * time.Second
)

// Service orchestrates login, session renewal, logout and credential recovery.
type Service struct {
	store       Store
	tokens      *TokenService
	throttle    *Throttle
	evaluator   *Evaluator
	notifier    Notifier
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	recoveryTTL time.Duration
	forgotFloor time.Duration

	effects sync.WaitGroup
}

// LoginResult is returned by Login and FirstLogin.
type LoginResult struct {
	User       UserView  `json:"user"`
	Tokens     TokenPair `json:"tokens"`
	FirstLogin bool      `json:"firstLogin"`
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithNotifier sets the recovery message sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithThrottle replaces the default in-memory throttle.
func WithThrottle(t *Throttle) ServiceOption {
	return func(s *Service) error {
		if t != nil {
			s.throttle = t
		}
		return nil
	}
}

// WithEvaluator sets the evaluator used for management checks.
func WithEvaluator(e *Evaluator) ServiceOption {
	return func(s *Service) error {
		if e != nil {
			s.evaluator = e
		}
		return nil
	}
}

// WithLogger sets the logger for side effect outcomes.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests). It also drives the throttle.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRecoveryTTL configures how long recovery artifacts stay valid.
func WithRecoveryTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.recoveryTTL = ttl
		}
		return nil
	}
}

// WithForgotPasswordFloor sets the minimum wall time ForgotPassword takes on
// every path, hiding whether a recovery artifact was issued.
func WithForgotPasswordFloor(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("auth: forgot password floor must not be negative")
		}
		s.forgotFloor = d
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil {
		return nil, errors.New("auth: store and token service are required")
	}
	svc := &Service{
		store:       store,
		tokens:      tokens,
		notifier:    noopNotifier{},
		logger:      obs.Logger(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		recoveryTTL: defaultRecoveryTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.throttle == nil {
		svc.throttle = NewThrottle(nil, ThrottleConfig{})
	}
	svc.throttle.SetClock(svc.now)
	if svc.evaluator == nil {
		svc.evaluator = NewEvaluator(store.Grants())
	}
	return svc, nil
}

// Tokens exposes the token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Login authenticates email/password and opens a new session, replacing any
// previous one.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer span.End()

	res, err := s.login(ctx, email, password)
	obs.LoginTotal.WithLabelValues(resultLabel(err)).Inc()
	recordSpanError(span, err)
	if err != nil && IsExpected(err) {
		_ = audit.LogEvent(ctx, "auth.login_failed", map[string]any{"code": resultLabel(err)})
	}
	return res, err
}

func (s *Service) login(ctx context.Context, email, password string) (LoginResult, error) {
	key := normalizeEmail(email)
	if key == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := s.throttle.Check(ctx, key); err != nil {
		return LoginResult{}, err
	}

	user, err := s.store.Users().FindByEmail(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if err != nil || user.Deleted() {
		burnPasswordCompare(password)
		return LoginResult{}, s.failLogin(ctx, key)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return LoginResult{}, s.failLogin(ctx, key)
	}
	if err := s.ensureActive(ctx, user); err != nil {
		return LoginResult{}, err
	}
	if err := s.throttle.Succeed(ctx, key); err != nil {
		return LoginResult{}, fmt.Errorf("reset throttle: %w", err)
	}

	pair, err := s.startSession(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	_ = audit.LogEvent(audit.WithActor(ctx, user.ID), "auth.login", map[string]any{"tier": string(user.Tier)})
	return LoginResult{User: user.SafeView(), Tokens: pair, FirstLogin: user.FirstLogin}, nil
}

func (s *Service) failLogin(ctx context.Context, key string) error {
	if err := s.recordFailure(ctx, key); err != nil {
		return err
	}
	return ErrInvalidCredentials
}

func (s *Service) recordFailure(ctx context.Context, key string) error {
	blocked, err := s.throttle.Fail(ctx, key)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if blocked {
		obs.ThrottleBlockedTotal.Inc()
		_ = audit.LogEvent(ctx, "auth.identity_blocked", map[string]any{
			"key":   key,
			"until": s.now().Add(s.throttle.Config().BlockDuration).UTC(),
		})
	}
	return nil
}

// Refresh exchanges a live refresh token for a new pair. The presented token is
// consumed.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	defer span.End()

	pair, err := s.refresh(ctx, refreshToken)
	obs.RefreshTotal.WithLabelValues(resultLabel(err)).Inc()
	recordSpanError(span, err)
	return pair, err
}

func (s *Service) refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	oldHash := digest(strings.TrimSpace(refreshToken))
	rec, err := s.store.RefreshTokens().FindByHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, fmt.Errorf("lookup refresh token: %w", err)
	}
	if rec.UserID != claims.PrincipalID || !rec.Live(s.now()) {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	user, err := s.store.Users().Find(ctx, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.Deleted() {
		return TokenPair{}, ErrInvalidRefreshToken
	}
	if err := s.ensureActive(ctx, user); err != nil {
		return TokenPair{}, err
	}

	pair, next, err := s.mint(user)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens().Rotate(ctx, oldHash, next); err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return pair, nil
}

// Logout revokes every session of userID and reports how many were removed.
func (s *Service) Logout(ctx context.Context, userID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	n, err := s.store.RefreshTokens().DeleteByUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	_ = audit.LogEvent(ctx, "auth.logout", map[string]any{"sessions": n})
	return n, nil
}

// Authenticate resolves an access token into the current principal.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.store.Users().Find(ctx, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidAccessToken
		}
		return Principal{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.Deleted() {
		return Principal{}, ErrInvalidAccessToken
	}
	if !user.Active {
		return Principal{}, ErrUserInactive
	}
	return PrincipalOf(user), nil
}

// Me returns the client-safe view of userID.
func (s *Service) Me(ctx context.Context, userID string) (UserView, error) {
	user, err := s.findLiveUser(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	return user.SafeView(), nil
}

// Wait blocks until in-flight side effects have finished.
func (s *Service) Wait() {
	s.effects.Wait()
}

func (s *Service) findLiveUser(ctx context.Context, userID string) (User, error) {
	user, err := s.store.Users().Find(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.Deleted() {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *Service) ensureActive(ctx context.Context, user User) error {
	if !user.Active {
		return ErrUserInactive
	}
	if user.TenantID == "" {
		return nil
	}
	tenant, err := s.store.Tenants().Find(ctx, user.TenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserInactive
		}
		return fmt.Errorf("lookup tenant: %w", err)
	}
	if !tenant.Usable() {
		return ErrUserInactive
	}
	return nil
}

func (s *Service) mint(user User) (TokenPair, RefreshToken, error) {
	pair, err := s.tokens.Issue(user)
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}
	rec := RefreshToken{
		ID:        ids.NewAt(s.now()),
		UserID:    user.ID,
		TokenHash: digest(pair.RefreshToken),
		IssuedAt:  s.now().UTC(),
		ExpiresAt: pair.RefreshExpiresAt,
	}
	return pair, rec, nil
}

func (s *Service) startSession(ctx context.Context, user User) (TokenPair, error) {
	pair, rec, err := s.mint(user)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens().Replace(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// dispatch runs fn in the background. Its outcome is logged and never reaches
// the caller.
func (s *Service) dispatch(ctx context.Context, name, userID string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	s.effects.Add(1)
	go func() {
		defer s.effects.Done()
		ctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
		defer cancel()

		start := time.Now()
		err := fn(ctx)
		s.settle(SideEffect{Name: name, UserID: userID, Err: err, Duration: time.Since(start)})
	}()
}

func (s *Service) settle(eff SideEffect) {
	if eff.OK() {
		s.logger.Debug("side effect done",
			zap.String("effect", eff.Name),
			zap.String("user_id", eff.UserID),
			zap.Duration("duration", eff.Duration))
		return
	}
	obs.SideEffectFailuresTotal.WithLabelValues(eff.Name).Inc()
	s.logger.Warn("side effect failed",
		zap.String("effect", eff.Name),
		zap.String("user_id", eff.UserID),
		zap.Duration("duration", eff.Duration),
		zap.Error(eff.Err))
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return "ACCOUNT_BLOCKED"
	}
	return CodeOf(err)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if !IsExpected(err) {
		span.SetStatus(codes.Error, err.Error())
	}
}
