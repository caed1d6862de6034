// Package ratelimit enforces one action per user per window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/ocrpipe/internal/common"
)

const (
	ActionUpload   = "upload"
	ActionDownload = "download"
)

// ErrLimited is returned when a user repeats an action inside the window.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter gates user actions. Allow checks, Record stamps; callers record only after the action succeeded.
type Limiter interface {
	Allow(ctx context.Context, userID uuid.UUID, action string) (bool, error)
	Record(ctx context.Context, userID uuid.UUID, action string) error
}

// Check returns ErrLimited when l denies the action.
func Check(ctx context.Context, l Limiter, userID uuid.UUID, action string) error {
	ok, err := l.Allow(ctx, userID, action)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLimited
	}
	return nil
}

// New picks the backend named in cfg.
func New(ctx context.Context, cfg common.RateLimitConfig, logger *slog.Logger) (Limiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(cfg.Window), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return NewRedisLimiter(client, cfg.Window, logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

func key(userID uuid.UUID, action string) string {
	return userID.String() + ":" + action
}

// MemoryLimiter keeps the last action time per user and action. Last write wins.
type MemoryLimiter struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{window: window, now: time.Now, last: make(map[string]time.Time)}
}

func (m *MemoryLimiter) Allow(_ context.Context, userID uuid.UUID, action string) (bool, error) {
	if m.window <= 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[key(userID, action)]
	if !ok {
		return true, nil
	}
	return m.now().Sub(last) >= m.window, nil
}

func (m *MemoryLimiter) Record(_ context.Context, userID uuid.UUID, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[key(userID, action)] = m.now()
	return nil
}

// RedisLimiter stores one expiring key per user and action.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	logger *slog.Logger
}

func NewRedisLimiter(client *redis.Client, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, window: window, logger: logger}
}

func redisKey(userID uuid.UUID, action string) string {
	return "ratelimit:" + key(userID, action)
}

func (r *RedisLimiter) Allow(ctx context.Context, userID uuid.UUID, action string) (bool, error) {
	if r.window <= 0 {
		return true, nil
	}
	n, err := r.client.Exists(ctx, redisKey(userID, action)).Result()
	if err != nil {
		r.logger.Error("ratelimit.redis.exists_failed", "user_id", userID, "action", action, "error", err)
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return n == 0, nil
}

func (r *RedisLimiter) Record(ctx context.Context, userID uuid.UUID, action string) error {
	if r.window <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, redisKey(userID, action), time.Now().UTC().Format(time.RFC3339Nano), r.window).Err(); err != nil {
		r.logger.Error("ratelimit.redis.set_failed", "user_id", userID, "action", action, "error", err)
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
