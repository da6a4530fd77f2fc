// Package ratelimit bounds how many tasks a user may admit per minute.
//
// Two backends: an in-process token bucket per user, and a fixed one-minute
// window counted in Redis so that several coordinator processes share the
// same budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

var log = slog.Default()

// windowTTL outlives the one-minute window it is set on.
const windowTTL = 2 * time.Minute

// Result describes one admission check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Limit      int
}

// Limiter decides whether a user may admit another task.
type Limiter interface {
	Allow(ctx context.Context, userID string) (Result, error)
}

// Config selects the backend. PerMinute <= 0 disables limiting.
type Config struct {
	Backend   string `yaml:"backend"` // memory | redis
	PerMinute int    `yaml:"per_minute"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Password  string `yaml:"redis_password"`
}

// New builds the configured limiter.
func New(cfg Config) (Limiter, error) {
	if cfg.PerMinute <= 0 {
		return Unlimited{}, nil
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(cfg.PerMinute), nil
	case "redis":
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
		})
		return NewRedis(client, cfg.PerMinute), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", cfg.Backend)
	}
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Result, error) {
	return Result{Allowed: true, Remaining: -1, Limit: -1}, nil
}

// ============================================================================
// Memory token bucket
// ============================================================================

// Memory refills each user's bucket to the limit once a minute.
type Memory struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset map[string]time.Time
	limit     int
	now       func() time.Time
}

// NewMemory creates an in-process limiter.
func NewMemory(perMinute int) *Memory {
	return &Memory{
		tokens:    make(map[string]int),
		lastReset: make(map[string]time.Time),
		limit:     perMinute,
		now:       time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, userID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	last, ok := m.lastReset[userID]
	if !ok || now.Sub(last) >= time.Minute {
		m.tokens[userID] = m.limit
		m.lastReset[userID] = now
		last = now
	}

	res := Result{Limit: m.limit, RetryAfter: last.Add(time.Minute).Sub(now)}
	if m.tokens[userID] > 0 {
		m.tokens[userID]--
		res.Allowed = true
	}
	res.Remaining = m.tokens[userID]
	if res.Allowed {
		res.RetryAfter = 0
	}
	return res, nil
}

// ============================================================================
// Redis fixed window
// ============================================================================

// Redis counts admissions per user in the current wall-clock minute.
type Redis struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

// NewRedis creates a shared limiter over client.
func NewRedis(client *redis.Client, perMinute int) *Redis {
	return &Redis{client: client, limit: perMinute, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, userID string) (Result, error) {
	now := r.now().UTC()
	window := now.Truncate(time.Minute)
	key := fmt.Sprintf("flowqueue:rl:%s:%s", userID, window.Format("200601021504"))

	// Every hit re-arms the expiry, so one failed EXPIRE cannot leave the
	// window key behind for good.
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	expire := pipe.Expire(ctx, key, windowTTL)
	_, _ = pipe.Exec(ctx)

	count, err := incr.Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if err := expire.Err(); err != nil {
		log.Warn("Failed to set rate limit window expiry", "key", key, "error", err)
	}

	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   count <= int64(r.limit),
		Remaining: remaining,
		Limit:     r.limit,
	}
	if !res.Allowed {
		res.RetryAfter = window.Add(time.Minute).Sub(now)
	}
	return res, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
