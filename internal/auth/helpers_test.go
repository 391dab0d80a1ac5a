package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/store/memory"
)

const (
	testAccessSecret  = "access-secret-for-tests-0123456789abcdef"
	testRefreshSecret = "refresh-secret-for-tests-0123456789abcdef"
	testPassword      = "correct-horse-battery"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []auth.RecoveryMessage
}

func (n *recordingNotifier) SendRecovery(_ context.Context, msg auth.RecoveryMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) messages() []auth.RecoveryMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]auth.RecoveryMessage(nil), n.msgs...)
}

type fixture struct {
	store    *memory.Store
	svc      *auth.Service
	clock    *fakeClock
	notifier *recordingNotifier
	tenant   auth.Tenant
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	store := memory.New()
	tokens, err := auth.NewTokenService(testAccessSecret, testRefreshSecret, auth.WithTokenClock(clock.Now))
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	base := []auth.ServiceOption{auth.WithClock(clock.Now), auth.WithNotifier(notifier)}
	svc, err := auth.NewService(store, tokens, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(svc.Wait)

	tenant := store.PutTenant(auth.Tenant{ID: "tenant-a", Name: "Tenant A", Active: true})
	return &fixture{store: store, svc: svc, clock: clock, notifier: notifier, tenant: tenant}
}

func (f *fixture) addUser(t *testing.T, email string, tier auth.Tier, mutate ...func(*auth.User)) auth.User {
	t.Helper()
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	u := auth.User{
		Email:        email,
		Name:         "Test " + email,
		PasswordHash: hash,
		Tier:         tier,
		Active:       true,
	}
	if tier != auth.TierRoot {
		u.TenantID = f.tenant.ID
	}
	for _, fn := range mutate {
		fn(&u)
	}
	u, err = f.store.PutUser(u)
	require.NoError(t, err)
	return u
}
