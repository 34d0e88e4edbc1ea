package domain

import (
	"context"
	"time"
)

// PositionCache is the warm-restart mirror of the tracker's in-memory
// position map. The tracker is the only writer; on cache-service
// unavailability it degrades to in-process state only.
type PositionCache interface {
	Set(ctx context.Context, pos Position) error
	Get(ctx context.Context, key PositionKey) (Position, error)
	Delete(ctx context.Context, key PositionKey) error
	All(ctx context.Context) ([]Position, error)
}

// QuoteCache stores the latest price quote per (asset, source) with a
// freshness TTL.
type QuoteCache interface {
	Set(ctx context.Context, q PriceQuote) error
	Get(ctx context.Context, asset, source string) (PriceQuote, error)
}

// StreamMessage is a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus publishes decision events (admissions, transitions, divergences,
// execution outcomes) for observability collaborators: ephemeral pub/sub for
// live consumers and durable ordered streams for replay.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter enforces a per-key request budget over a sliding window.
type RateLimiter interface {
	// Allow reports whether one more request for key fits under limit within
	// the window, counting the request when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter uploads a serialized archive object to cold storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver moves aged audit records to cold storage.
type Archiver interface {
	Archive(ctx context.Context, before time.Time) (int, error)
}
