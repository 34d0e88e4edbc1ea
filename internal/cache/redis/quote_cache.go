package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// QuoteCache implements domain.QuoteCache using one Redis string per
// (asset, source) pair with a freshness TTL, so stale quotes expire on their
// own instead of being served after an outage.
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache backed by the given Client. Entries
// expire after ttl; a non-positive ttl disables expiry.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(asset, source string) string {
	return "quote:" + asset + ":" + source
}

// Set stores the latest quote for its (asset, source) pair.
func (qc *QuoteCache) Set(ctx context.Context, q domain.PriceQuote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s/%s: %w", q.Asset, q.Source, err)
	}
	if err := qc.rdb.Set(ctx, quoteKey(q.Asset, q.Source), data, qc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s/%s: %w", q.Asset, q.Source, err)
	}
	return nil
}

// Get retrieves the latest quote for an (asset, source) pair. It returns
// domain.ErrNotFound when the key is missing or expired.
func (qc *QuoteCache) Get(ctx context.Context, asset, source string) (domain.PriceQuote, error) {
	data, err := qc.rdb.Get(ctx, quoteKey(asset, source)).Bytes()
	if err == redis.Nil {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s/%s: %w", asset, source, err)
	}
	var q domain.PriceQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: unmarshal quote %s/%s: %w", asset, source, err)
	}
	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
