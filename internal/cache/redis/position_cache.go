package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// positionsKey is the single Redis hash holding all tracked positions, one
// JSON-encoded field per "protocol:account" key.
const positionsKey = "positions"

// PositionCache implements domain.PositionCache using a Redis hash. The
// tracker mirrors every applied mutation here so a restarted process can warm
// its in-memory map without replaying the ledger.
type PositionCache struct {
	rdb *redis.Client
}

// NewPositionCache creates a PositionCache backed by the given Client.
func NewPositionCache(c *Client) *PositionCache {
	return &PositionCache{rdb: c.Underlying()}
}

// Set stores or overwrites one position.
func (pc *PositionCache) Set(ctx context.Context, pos domain.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: marshal position %s: %w", pos.Key(), err)
	}
	if err := pc.rdb.HSet(ctx, positionsKey, pos.Key().String(), data).Err(); err != nil {
		return fmt.Errorf("redis: set position %s: %w", pos.Key(), err)
	}
	return nil
}

// Get retrieves one position. It returns domain.ErrNotFound when the field
// does not exist.
func (pc *PositionCache) Get(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	data, err := pc.rdb.HGet(ctx, positionsKey, key.String()).Bytes()
	if err == redis.Nil {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: get position %s: %w", key, err)
	}
	var pos domain.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("redis: unmarshal position %s: %w", key, err)
	}
	return pos, nil
}

// Delete removes one position. Deleting a missing position is not an error.
func (pc *PositionCache) Delete(ctx context.Context, key domain.PositionKey) error {
	if err := pc.rdb.HDel(ctx, positionsKey, key.String()).Err(); err != nil {
		return fmt.Errorf("redis: delete position %s: %w", key, err)
	}
	return nil
}

// All returns every cached position. Fields that fail to decode are skipped
// so one corrupt entry cannot block a warm restart.
func (pc *PositionCache) All(ctx context.Context) ([]domain.Position, error) {
	vals, err := pc.rdb.HGetAll(ctx, positionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list positions: %w", err)
	}
	positions := make([]domain.Position, 0, len(vals))
	for _, raw := range vals {
		var pos domain.Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionCache = (*PositionCache)(nil)
