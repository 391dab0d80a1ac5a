// Package redisattempts shares throttle counters between instances through Redis.
package redisattempts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tenantgate.org/internal/auth"
)

// ErrUnavailable indicates the Redis backend could not be reached.
var ErrUnavailable = errors.New("attempt store unavailable")

const defaultPrefix = "tg:attempt:"

var _ auth.AttemptStore = (*Store)(nil)

// incrementScript restarts a stale counter, bumps it and refreshes the TTL in
// one round trip.
var incrementScript = redis.NewScript(`
local last = tonumber(redis.call('HGET', KEYS[1], 'last') or '0')
local blocked = tonumber(redis.call('HGET', KEYS[1], 'blocked_until') or '0')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if window > 0 and last > 0 and now - last > window and blocked <= now then
  redis.call('DEL', KEYS[1])
  blocked = 0
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'last', ARGV[1])
if blocked <= now then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {count, blocked}
`)

// Store keeps one hash per identity key.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures Store.
type Option func(*Store)

// WithPrefix namespaces keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL bounds how long an idle counter survives in Redis.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix, ttl: time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) (auth.Attempt, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return auth.Attempt{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vals) == 0 {
		return auth.Attempt{}, false, nil
	}
	rec := auth.Attempt{
		Count:        atoi(vals["count"]),
		LastAttempt:  fromMillis(vals["last"]),
		BlockedUntil: fromMillis(vals["blocked_until"]),
	}
	return rec, true, nil
}

func (s *Store) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (auth.Attempt, error) {
	ttl := s.ttl
	if window > ttl {
		ttl = window
	}
	res, err := incrementScript.Run(ctx, s.rdb, []string{s.key(key)},
		now.UnixMilli(), window.Milliseconds(), ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return auth.Attempt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return auth.Attempt{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, res)
	}
	rec := auth.Attempt{Count: int(res[0]), LastAttempt: now}
	if res[1] > 0 {
		rec.BlockedUntil = time.UnixMilli(res[1])
	}
	return rec, nil
}

func (s *Store) Block(ctx context.Context, key string, until time.Time) error {
	k := s.key(key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "blocked_until", until.UnixMilli())
		pipe.PExpireAt(ctx, k, until)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
