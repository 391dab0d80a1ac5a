package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const serviceName = "tenantgate"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the backing services. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	perms      *auth.PermissionService
	readyProbe readinessChecker
	logger     *zap.Logger

	build          obs.BuildInfo
	allowedOrigins []string
	maxBodyBytes   int64
	ratePerSec     float64
	rateBurst      int
	limiter        *ipLimiter
}

// Option configures the API.
type Option func(*API)

// WithBuildInfo sets what /healthz and /v1/info report about the binary.
func WithBuildInfo(b obs.BuildInfo) Option { return func(a *API) { a.build = b } }

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAllowedOrigins lists browser origins accepted by CORS in addition to
// localhost.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.allowedOrigins = append(a.allowedOrigins, origins...) }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithRateLimit sets the per-IP token bucket for credential endpoints.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

func New(svc *auth.Service, perms *auth.PermissionService, rp readinessChecker, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		perms:        perms,
		readyProbe:   rp,
		logger:       obs.Logger(),
		build:        obs.BuildInfo{Version: "dev"},
		maxBodyBytes: 1 << 20,
		ratePerSec:   1,
		rateBurst:    10,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.limiter = newIPLimiter(a.ratePerSec, a.rateBurst)
	a.routes()
	return a
}

func (a *API) routes() {
	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// credentials
	a.mux.Handle("POST /login", a.limiter.Middleware(http.HandlerFunc(a.handleLogin)))
	a.mux.HandleFunc("POST /refresh-token", a.handleRefresh)
	a.mux.Handle("POST /logout", a.requireAuth(a.handleLogout))
	a.mux.Handle("POST /forgot-password", a.limiter.Middleware(http.HandlerFunc(a.handleForgotPassword)))
	a.mux.HandleFunc("POST /reset-password", a.handleResetPassword)
	a.mux.HandleFunc("POST /first-login", a.handleFirstLogin)
	a.mux.Handle("GET /me", a.requireAuth(a.handleMe))

	// authorization
	a.mux.Handle("GET /permissions/check", a.requireAuth(a.handleCheckPermission))
	a.mux.Handle("GET /permissions", a.requireAuth(a.handleListPermissions))
	a.mux.Handle("POST /permissions", a.requireAuth(a.handleRegisterPermission))
	a.mux.Handle("GET /users/{id}/permissions", a.requireAuth(a.handleUserGrants))
	a.mux.Handle("PUT /users/{id}/permissions/{permissionId}", a.requireAuth(a.handleGrant))
	a.mux.Handle("DELETE /users/{id}/permissions/{permissionId}", a.requireAuth(a.handleRevoke))
	a.mux.Handle("POST /users/{id}/activation", a.requireAuth(a.handleIssueActivation))
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.allowedOrigins...)
	h = SecurityHeaders(h)
	h = Logging(a.logger)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.build.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      serviceName,
		"time":      time.Now().UTC().Format(time.RFC3339),
		"version":   a.build.Version,
		"commit":    a.build.Commit,
		"goVersion": a.build.GoVersion,
	})
}

// --- helpers ---

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// respondError maps a service error onto the wire. Unexpected errors are
// logged in full and surface as an opaque 500.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *auth.BlockedError
	if errors.As(err, &blocked) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(blocked.Remaining.Seconds()))))
		writeError(w, r, http.StatusTooManyRequests, blocked.Code(), "account temporarily blocked")
		return
	}
	code := auth.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, status, auth.CodeInternal, "internal error")
		return
	}
	writeError(w, r, status, code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case auth.CodeInvalidCredentials, auth.CodeUserInactive,
		auth.CodeAccessTokenExpired, auth.CodeRefreshTokenExpired,
		auth.CodeInvalidAccessToken, auth.CodeInvalidRefreshToken:
		return http.StatusUnauthorized
	case auth.CodeInvalidOrExpiredToken, auth.CodeUserAlreadyActivated,
		auth.CodeWeakPassword, auth.CodeInvalidInput:
		return http.StatusBadRequest
	case auth.CodeForbidden:
		return http.StatusForbidden
	case auth.CodeNotFound, auth.CodeUserNotFound:
		return http.StatusNotFound
	case auth.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, msg)
}
