package kv

import (
	"context"
	"time"
)

// Member is a sorted-set entry: an opaque value ranked by score.
// History sets rank serialized readings by source-timestamp epoch.
type Member struct {
	Score float64
	Value []byte
}

// Store is the key/value surface the engine relies on: TTL'd keys for
// latest-value caches, sorted sets for time-indexed history, lists for
// bounded recents, and publish for the external event mirror.
type Store interface {
	// Get returns the value and whether the key exists. A miss is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with a TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// ZAdd inserts a member into a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member []byte) error

	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error)

	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZRevLatest returns up to n members with the highest scores, descending.
	ZRevLatest(ctx context.Context, key string, n int64) ([]Member, error)

	// LPush prepends a value to a list.
	LPush(ctx context.Context, key string, value []byte) error

	// LTrim bounds a list to the given range.
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns list entries in the given range.
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Publish mirrors a payload to external subscribers. Best-effort.
	Publish(ctx context.Context, channel string, payload []byte) error

	Close() error
}
