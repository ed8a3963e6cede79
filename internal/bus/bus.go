package bus

import (
	"context"
	"strings"
	"time"
)

// Scored is one member of an ordered set together with its sequence score.
type Scored struct {
	Score   int64
	Payload []byte
}

// Bus is the sole coordination medium between components: durable FIFO
// queues, short-lived key/value slots, and seq-scored ordered sets. All
// methods are safe for concurrent use.
type Bus interface {
	// Push appends payload to the tail of a FIFO queue.
	Push(ctx context.Context, key string, payload []byte) error
	// Pop blocks up to timeout for the oldest queue item. The second return
	// is false when the wait timed out with nothing available.
	Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error)
	// Items returns the queue contents oldest first, without consuming.
	Items(ctx context.Context, key string) ([][]byte, error)
	// Remove deletes the first queue item equal to payload.
	Remove(ctx context.Context, key string, payload []byte) (bool, error)

	// Set writes a key/value slot. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get reads a slot; false when absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes a slot.
	Delete(ctx context.Context, key string) error

	// OrderedAdd inserts payload into an ordered set at score.
	OrderedAdd(ctx context.Context, key string, score int64, payload []byte) error
	// OrderedSince returns members with score > after, ascending.
	OrderedSince(ctx context.Context, key string, after int64) ([]Scored, error)
	// OrderedMax returns the highest score in the set; false when empty.
	OrderedMax(ctx context.Context, key string) (int64, bool, error)

	// Expire sets a TTL on any key (queue, slot or ordered set).
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// New creates a Redis-backed bus when a URL is configured, otherwise an
// in-process bus suitable for single-node and test use.
func New(ctx context.Context, redisURL string) (Bus, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryBus(), nil
	}
	return NewRedisBus(ctx, redisURL)
}
