package agents

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"warm-transfer-platform/pkg/utils"
)

// CapacityGuard enforces a per-agent concurrent call cap across instances.
// Acquire returns false when the agent is at its limit.
type CapacityGuard interface {
	Acquire(ctx context.Context, agentID string, limit int) (bool, error)
	Release(ctx context.Context, agentID string) error
}

// NoopGuard admits everything. Used when the database is the only writer.
type NoopGuard struct{}

func (NoopGuard) Acquire(ctx context.Context, agentID string, limit int) (bool, error) {
	return true, nil
}

func (NoopGuard) Release(ctx context.Context, agentID string) error { return nil }

// RedisGuard counts call slots in Redis so multiple API instances agree on
// an agent's load. The slot key carries a TTL so a crashed instance cannot
// pin an agent at capacity forever.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, agentID string, limit int) (bool, error) {
	return utils.AcquireCallSlot(ctx, g.rdb, agentID, limit, g.ttl)
}

func (g *RedisGuard) Release(ctx context.Context, agentID string) error {
	return utils.ReleaseCallSlot(ctx, g.rdb, agentID)
}
