package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/store/memory"
)

const (
	testAccessSecret  = "access-secret-for-http-tests-0123456789"
	testRefreshSecret = "refresh-secret-for-http-tests-012345678"
	testPassword      = "correct-horse-battery"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []auth.RecoveryMessage
}

func (n *captureNotifier) SendRecovery(_ context.Context, msg auth.RecoveryMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *captureNotifier) last(t *testing.T) auth.RecoveryMessage {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.msgs)
	return n.msgs[len(n.msgs)-1]
}

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	store    *memory.Store
	svc      *auth.Service
	perms    *auth.PermissionService
	notifier *captureNotifier
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := memory.New()
	store.PutTenant(auth.Tenant{ID: "tenant-a", Name: "Tenant A", Active: true})
	store.PutTenant(auth.Tenant{ID: "tenant-b", Name: "Tenant B", Active: true})

	tokens, err := auth.NewTokenService(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)
	notifier := &captureNotifier{}
	svc, err := auth.NewService(store, tokens, auth.WithNotifier(notifier))
	require.NoError(t, err)
	perms := auth.NewPermissionService(store, nil)

	base := []Option{WithRateLimit(100, 100), WithBuildInfo(obs.BuildInfo{Version: "test", Commit: "abc123"})}
	api := New(svc, perms, ReadyProbe{}, append(base, opts...)...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Wait()
	})
	return &testEnv{t: t, srv: srv, store: store, svc: svc, perms: perms, notifier: notifier}
}

func (e *testEnv) addUser(email string, tier auth.Tier, tenant string, mutate ...func(*auth.User)) auth.User {
	e.t.Helper()
	hash, err := auth.HashPassword(testPassword)
	require.NoError(e.t, err)
	u := auth.User{Email: email, PasswordHash: hash, Tier: tier, TenantID: tenant, Active: true}
	for _, fn := range mutate {
		fn(&u)
	}
	u, err = e.store.PutUser(u)
	require.NoError(e.t, err)
	return u
}

func (e *testEnv) do(method, path string, body any, token string) (*http.Response, map[string]any) {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(e.t, err)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(payload))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) doList(method, path, token string) (*http.Response, []map[string]any) {
	e.t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(e.t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var out []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) login(email string) string {
	e.t.Helper()
	resp, body := e.do(http.MethodPost, "/login", map[string]string{"email": email, "password": testPassword}, "")
	require.Equal(e.t, http.StatusOK, resp.StatusCode, "login body: %v", body)
	return body["accessToken"].(string)
}

func TestLoginAndMe(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice@example.com", auth.TierUser, "tenant-a")

	resp, body := env.do(http.MethodPost, "/login", map[string]string{"email": "Alice@Example.com", "password": testPassword}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["accessToken"])
	assert.NotEmpty(t, body["refreshToken"])
	assert.Equal(t, false, body["firstLogin"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.NotContains(t, user, "passwordHash")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, me := env.do(http.MethodGet, "/me", nil, body["accessToken"].(string))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tenant-a", me["tenantId"])
}

func TestLoginFailureShapes(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice@example.com", auth.TierUser, "tenant-a")

	resp, body := env.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "wrong-password"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])
	assert.NotEmpty(t, body["request_id"])

	resp, body = env.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["code"])

	resp, _ = env.do(http.MethodPost, "/login", map[string]any{"email": "a", "password": "b", "extra": 1}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginBlockedReturns429(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice@example.com", auth.TierUser, "tenant-a")

	for i := 0; i < 5; i++ {
		resp, _ := env.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "nope-nope"}, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, body := env.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": testPassword}, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "ACCOUNT_BLOCKED_15_MINUTES", body["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRefreshAndLogout(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice@example.com", auth.TierUser, "tenant-a")
	_, login := env.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": testPassword}, "")

	resp, pair := env.do(http.MethodPost, "/refresh-token", map[string]string{"refreshToken": login["refreshToken"].(string)}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, pair["accessToken"])

	resp, body := env.do(http.MethodPost, "/refresh-token", map[string]string{"refreshToken": login["accessToken"].(string)}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", body["code"])

	access := pair["accessToken"].(string)
	for i := 0; i < 2; i++ {
		resp, _ = env.do(http.MethodPost, "/logout", nil, access)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ = env.do(http.MethodPost, "/refresh-token", map[string]string{"refreshToken": pair["refreshToken"].(string)}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(http.MethodGet, "/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_ACCESS_TOKEN", body["code"])
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp, body = env.do(http.MethodGet, "/me", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_ACCESS_TOKEN", body["code"])
}

func TestForgotAndResetPassword(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice@example.com", auth.TierUser, "tenant-a")

	resp, ghost := env.do(http.MethodPost, "/forgot-password", map[string]string{"email": "ghost@example.com"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, known := env.do(http.MethodPost, "/forgot-password", map[string]string{"email": "alice@example.com"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ghost, known)
	assert.Equal(t, auth.ForgotPasswordMessage, known["message"])

	env.svc.Wait()
	msg := env.notifier.last(t)

	resp, body := env.do(http.MethodPost, "/reset-password", map[string]string{"token": msg.Token, "newPassword": "brand-new-password"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)

	resp, body = env.do(http.MethodPost, "/reset-password", map[string]string{"token": msg.Token, "newPassword": "another-password"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_OR_EXPIRED_TOKEN", body["code"])

	resp, _ = env.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "brand-new-password"}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResetPasswordWithCodeAndWeakPassword(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice@example.com", auth.TierUser, "tenant-a")
	env.do(http.MethodPost, "/forgot-password", map[string]string{"email": "alice@example.com"}, "")
	env.svc.Wait()
	msg := env.notifier.last(t)

	resp, body := env.do(http.MethodPost, "/reset-password", map[string]string{"email": "alice@example.com", "code": msg.Code, "newPassword": "short"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "WEAK_PASSWORD", body["code"])

	resp, _ = env.do(http.MethodPost, "/reset-password", map[string]string{"email": "alice@example.com", "code": msg.Code, "newPassword": "long-enough-now"}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(http.MethodPost, "/reset-password", map[string]string{"newPassword": "long-enough-now"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["code"])
}

func TestActivationAndFirstLogin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("admin@example.com", auth.TierAdmin, "tenant-a")
	newbie := env.addUser("new@example.com", auth.TierUser, "tenant-a", func(u *auth.User) { u.FirstLogin = true })
	foreign := env.addUser("other@example.com", auth.TierUser, "tenant-b", func(u *auth.User) { u.FirstLogin = true })
	admin := env.login("admin@example.com")

	resp, body := env.do(http.MethodPost, "/users/"+foreign.ID+"/activation", nil, admin)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])

	resp, body = env.do(http.MethodPost, "/users/"+newbie.ID+"/activation", nil, admin)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "%v", body)
	assert.Equal(t, "activation", body["purpose"])
	assert.NotContains(t, body, "token")
	env.svc.Wait()
	msg := env.notifier.last(t)

	resp, body = env.do(http.MethodPost, "/first-login", map[string]string{"token": msg.Token, "newPassword": "my-first-password"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	assert.NotEmpty(t, body["accessToken"])
	assert.Equal(t, false, body["user"].(map[string]any)["firstLogin"])

	resp, body = env.do(http.MethodPost, "/users/"+newbie.ID+"/activation", nil, admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "USER_ALREADY_ACTIVATED", body["code"])
}

func TestPermissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("root@example.com", auth.TierRoot, "")
	env.addUser("admin@example.com", auth.TierAdmin, "tenant-a")
	u1 := env.addUser("u1@example.com", auth.TierUser, "tenant-a")
	outsider := env.addUser("u2@example.com", auth.TierUser, "tenant-b")

	root := env.login("root@example.com")
	admin := env.login("admin@example.com")
	user := env.login("u1@example.com")

	resp, _ := env.do(http.MethodPost, "/permissions", map[string]string{"functionName": "sensors", "level": "read", "applicationId": "console"}, admin)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, perm := env.do(http.MethodPost, "/permissions", map[string]string{"functionName": "Sensors", "level": "READ", "applicationId": "console"}, root)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	permID := perm["id"].(string)
	assert.Equal(t, "sensors", perm["functionName"])

	resp, list := env.doList(http.MethodGet, "/permissions?applicationId=console", user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list, 1)

	check := func(level string) bool {
		q := url.Values{"function": {"sensors"}, "level": {level}}
		resp, body := env.do(http.MethodGet, "/permissions/check?"+q.Encode(), nil, user)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return body["allowed"].(bool)
	}
	assert.False(t, check("read"))

	resp, grant := env.do(http.MethodPut, "/users/"+u1.ID+"/permissions/"+permID, nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", grant)
	assert.Equal(t, true, grant["granted"])
	assert.True(t, check("read"))
	assert.False(t, check("write"))

	resp, grants := env.doList(http.MethodGet, "/users/"+u1.ID+"/permissions", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, grants, 1)
	assert.Equal(t, "sensors", grants[0]["functionName"])

	resp, grant = env.do(http.MethodDelete, "/users/"+u1.ID+"/permissions/"+permID, nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, grant["granted"])
	assert.False(t, check("read"))

	resp, body := env.do(http.MethodPut, "/users/"+outsider.ID+"/permissions/"+permID, nil, admin)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])

	resp, body = env.do(http.MethodPut, "/users/"+u1.ID+"/permissions/missing", nil, admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = env.do(http.MethodPut, "/users/"+u1.ID+"/permissions/"+permID, nil, user)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", body["version"])

	resp, body = env.do(http.MethodGet, "/v1/info", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc123", body["commit"])

	resp, body = env.do(http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	resp, _ = env.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyProbeChecksBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	probe := ReadyProbe{DB: db, Redis: rdb}
	mock.ExpectPing()
	require.NoError(t, probe.Check(context.Background()))

	mr.Close()
	mock.ExpectPing()
	err = probe.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]int{
		auth.CodeInvalidCredentials:    http.StatusUnauthorized,
		auth.CodeUserInactive:          http.StatusUnauthorized,
		auth.CodeAccessTokenExpired:    http.StatusUnauthorized,
		auth.CodeInvalidOrExpiredToken: http.StatusBadRequest,
		auth.CodeUserAlreadyActivated:  http.StatusBadRequest,
		auth.CodeForbidden:             http.StatusForbidden,
		auth.CodeUserNotFound:          http.StatusNotFound,
		auth.CodeConflict:              http.StatusConflict,
		auth.CodeInternal:              http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), code)
	}
}
