package store

import (
	"context"

	"cosmossdk.io/errors"
)

// Store errors
var (
	ErrNotFound    = errors.Register("store", 1, "key not found")
	ErrWrongType   = errors.Register("store", 2, "operation against key holding wrong kind of value")
	ErrConflict    = errors.Register("store", 3, "key modified concurrently")
	ErrUnavailable = errors.Register("store", 4, "store unavailable")
	ErrClosed      = errors.Register("store", 5, "store closed")
)

// ZEntry is a sorted set member together with its score.
type ZEntry struct {
	Member string
	Score  float64
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// UpdateFunc receives the current fields of a hash and returns the fields to
// write back. Returning a nil map writes nothing. Returning an error aborts
// the update and nothing is written. The function must be side-effect free:
// it can run more than once when the backend detects a concurrent writer.
type UpdateFunc func(fields map[string]string) (map[string]string, error)

// Store is the persistence and messaging surface of the system. Two
// implementations exist: Memory for tests and single-process runs, Redis for
// shared deployments. Keys are flat strings namespaced with ':'.
type Store interface {
	// Sorted sets. Members with equal scores order lexicographically, which
	// callers rely on for FIFO tie-breaking.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]ZEntry, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Hashes.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Update applies fn to the named hash as one atomic read-modify-write.
	// A missing key presents as an empty field map. Lost races surface as
	// ErrConflict and the caller decides whether to retry.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Lists. LPush prepends, so index 0 is always the newest value.
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Strings and counters.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Incr(ctx context.Context, key string) (int64, error)

	// Keyspace.
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pub/sub. Subscribe returns a channel that is closed when ctx ends.
	// Patterns use '*' globbing ("orderbook:*").
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error)

	Ping(ctx context.Context) error
	Close() error
}
