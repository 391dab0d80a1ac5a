package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxAttempts   = 5
	defaultBlockDuration = 15 * time.Minute
	defaultAttemptWindow = 15 * time.Minute
)

// AttemptStore persists throttle counters keyed by normalized identity.
// Increment must be atomic per key.
type AttemptStore interface {
	Get(ctx context.Context, key string) (Attempt, bool, error)
	// Increment bumps the failure counter, restarting it when the previous
	// failure is older than window, and returns the updated record.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Attempt, error)
	Block(ctx context.Context, key string, until time.Time) error
	Clear(ctx context.Context, key string) error
}

// ThrottleConfig tunes lockout behavior.
type ThrottleConfig struct {
	MaxAttempts   int
	BlockDuration time.Duration
	Window        time.Duration
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = defaultBlockDuration
	}
	if c.Window <= 0 {
		c.Window = defaultAttemptWindow
	}
	return c
}

// Throttle tracks consecutive authentication failures per identity and locks
// the identity out once the threshold is reached.
type Throttle struct {
	store AttemptStore
	cfg   ThrottleConfig
	now   func() time.Time
}

// NewThrottle builds a throttle over store. A nil store selects MemoryAttempts.
func NewThrottle(store AttemptStore, cfg ThrottleConfig) *Throttle {
	if store == nil {
		store = NewMemoryAttempts()
	}
	return &Throttle{store: store, cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock overrides the time source.
func (t *Throttle) SetClock(fn func() time.Time) {
	if fn != nil {
		t.now = fn
	}
}

// Config returns the effective configuration.
func (t *Throttle) Config() ThrottleConfig { return t.cfg }

// Check returns *BlockedError while key is locked out. An elapsed block clears
// the record so counting restarts from zero.
func (t *Throttle) Check(ctx context.Context, key string) error {
	key = throttleKey(key)
	rec, ok, err := t.store.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	now := t.now()
	if rec.Blocked(now) {
		return &BlockedError{Remaining: rec.BlockedUntil.Sub(now)}
	}
	if !rec.BlockedUntil.IsZero() {
		return t.store.Clear(ctx, key)
	}
	return nil
}

// Fail records a failed attempt and blocks the key once the threshold is reached.
// It reports whether this failure triggered the block.
func (t *Throttle) Fail(ctx context.Context, key string) (bool, error) {
	key = throttleKey(key)
	now := t.now()
	rec, err := t.store.Increment(ctx, key, now, t.cfg.Window)
	if err != nil {
		return false, err
	}
	if rec.Count < t.cfg.MaxAttempts {
		return false, nil
	}
	if err := t.store.Block(ctx, key, now.Add(t.cfg.BlockDuration)); err != nil {
		return false, err
	}
	return true, nil
}

// Succeed drops any record for key.
func (t *Throttle) Succeed(ctx context.Context, key string) error {
	return t.store.Clear(ctx, throttleKey(key))
}

func throttleKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// MemoryAttempts is a process-local AttemptStore. Lockout state is not shared
// between instances.
type MemoryAttempts struct {
	mu      sync.Mutex
	records map[string]Attempt
}

// NewMemoryAttempts returns an empty store.
func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{records: make(map[string]Attempt)}
}

func (m *MemoryAttempts) Get(_ context.Context, key string) (Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *MemoryAttempts) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if window > 0 && !rec.LastAttempt.IsZero() && now.Sub(rec.LastAttempt) > window && !rec.Blocked(now) {
		rec = Attempt{}
	}
	rec.Count++
	rec.LastAttempt = now
	m.records[key] = rec
	return rec, nil
}

func (m *MemoryAttempts) Block(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	rec.BlockedUntil = until
	m.records[key] = rec
	return nil
}

func (m *MemoryAttempts) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
