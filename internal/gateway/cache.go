package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps short-lived participant snapshots in Redis so presence
// checks and polling dashboards do not hammer the media provider. Staleness of
// a few seconds is acceptable for these reads; anything that mutates state goes
// straight to the provider.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSnapshotCache(rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

func snapshotKey(roomID string) string {
	return "rooms:participants:" + roomID
}

// Participants returns the cached snapshot for the room, or fetches and caches
// a fresh one. A nil cache (or Redis failure on read) degrades to a direct fetch.
func (c *SnapshotCache) Participants(ctx context.Context, p Provider, roomID string) ([]Participant, error) {
	if c == nil || c.rdb == nil {
		return p.ListParticipants(ctx, roomID)
	}

	raw, err := c.rdb.Get(ctx, snapshotKey(roomID)).Bytes()
	if err == nil {
		var parts []Participant
		if jsonErr := json.Unmarshal(raw, &parts); jsonErr == nil {
			return parts, nil
		}
		// fall through on corrupt entries
	} else if !errors.Is(err, redis.Nil) {
		// Redis trouble must not take down presence checks.
		return p.ListParticipants(ctx, roomID)
	}

	parts, err := p.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if raw, jsonErr := json.Marshal(parts); jsonErr == nil {
		// best-effort write
		_ = c.rdb.Set(ctx, snapshotKey(roomID), raw, c.ttl).Err()
	}
	return parts, nil
}

// Invalidate drops the cached snapshot after a mutation (remove, mute, close).
func (c *SnapshotCache) Invalidate(ctx context.Context, roomID string) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, snapshotKey(roomID)).Err()
}
