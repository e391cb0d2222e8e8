package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vestige-memory/vestige/internal/jsonx"
)

// IngestBuffer is the per-user append-only list new messages land on
// before the batch processor drains them. A Redis list rather than a
// NATS stream, matching how the dead-letter path requeues retried
// messages onto the same key (see bufferKey).
type IngestBuffer struct {
	rdb *redis.Client
}

// NewIngestBuffer wraps an existing Redis client.
func NewIngestBuffer(rdb *redis.Client) *IngestBuffer {
	return &IngestBuffer{rdb: rdb}
}

// Push appends a raw message to user's buffer.
func (b *IngestBuffer) Push(ctx context.Context, user string, msg RawMessage) error {
	payload, err := jsonx.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal buffered message: %w", err)
	}
	if err := b.rdb.RPush(ctx, bufferKey(user), payload).Err(); err != nil {
		return fmt.Errorf("push buffered message: %w", err)
	}
	return nil
}

// Len reports how many messages are currently buffered for user.
func (b *IngestBuffer) Len(ctx context.Context, user string) (int64, error) {
	n, err := b.rdb.LLen(ctx, bufferKey(user)).Result()
	if err != nil {
		return 0, fmt.Errorf("buffer length: %w", err)
	}
	return n, nil
}

// PopBatch atomically pops up to n messages from the head of user's
// buffer, oldest first.
func (b *IngestBuffer) PopBatch(ctx context.Context, user string, n int) ([]RawMessage, error) {
	vals, err := b.rdb.LPopCount(ctx, bufferKey(user), n).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop buffer batch: %w", err)
	}
	out := make([]RawMessage, 0, len(vals))
	for _, v := range vals {
		var m RawMessage
		if err := jsonx.UnmarshalFromString(v, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
