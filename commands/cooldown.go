package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Cooldowns gates repeated use of a key.
type Cooldowns interface {
	// Acquire reports whether key is free and, if so, blocks it for d.
	Acquire(ctx context.Context, key string, d time.Duration) (bool, error)
}

// CooldownKey scopes a cooldown to one tenant's command.
func CooldownKey(tenantID int64, token string) string {
	return "cooldown:" + strconv.FormatInt(tenantID, 10) + ":" + token
}

// MemoryCooldowns tracks cooldowns in process.
type MemoryCooldowns struct {
	clock clockwork.Clock

	mu    sync.Mutex
	until map[string]time.Time
}

// NewMemoryCooldowns returns an empty in-process tracker.
func NewMemoryCooldowns(clock clockwork.Clock) *MemoryCooldowns {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCooldowns{clock: clock, until: make(map[string]time.Time)}
}

// Acquire implements Cooldowns.
func (m *MemoryCooldowns) Acquire(_ context.Context, key string, d time.Duration) (bool, error) {
	if d <= 0 {
		return true, nil
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.until[key]; ok && now.Before(t) {
		return false, nil
	}
	m.until[key] = now.Add(d)
	if len(m.until) > 4096 {
		for k, t := range m.until {
			if !now.Before(t) {
				delete(m.until, k)
			}
		}
	}
	return true, nil
}

// RedisCooldowns shares cooldowns across instances with SET NX PX. When Redis
// is unreachable it degrades to the in-process fallback.
type RedisCooldowns struct {
	rdb      *redis.Client
	fallback *MemoryCooldowns
}

// NewRedisCooldowns wraps rdb.
func NewRedisCooldowns(rdb *redis.Client, clock clockwork.Clock) *RedisCooldowns {
	return &RedisCooldowns{rdb: rdb, fallback: NewMemoryCooldowns(clock)}
}

// Acquire implements Cooldowns.
func (r *RedisCooldowns) Acquire(ctx context.Context, key string, d time.Duration) (bool, error) {
	if d <= 0 {
		return true, nil
	}
	set, err := r.rdb.SetNX(ctx, "chatwarden:"+key, "1", d).Result()
	if err != nil {
		slog.Warn("redis cooldown unavailable, using local tracking", slog.String("key", key), slog.Any("err", err))
		return r.fallback.Acquire(ctx, key, d)
	}
	return set, nil
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
