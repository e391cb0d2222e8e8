package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func emotionKey(user string) string { return fmt.Sprintf("emotion:%s", user) }

// EmotionQueue is the per-user list of raw emotion-classifier labels
// awaiting tally by the mood-checkpoint job.
type EmotionQueue struct {
	rdb *redis.Client
}

// NewEmotionQueue wraps an existing Redis client.
func NewEmotionQueue(rdb *redis.Client) *EmotionQueue {
	return &EmotionQueue{rdb: rdb}
}

// Push records one classified emotion label for user.
func (q *EmotionQueue) Push(ctx context.Context, user, label string) error {
	if err := q.rdb.RPush(ctx, emotionKey(user), label).Err(); err != nil {
		return fmt.Errorf("push emotion label: %w", err)
	}
	return nil
}

// Len reports how many labels are queued for user.
func (q *EmotionQueue) Len(ctx context.Context, user string) (int64, error) {
	n, err := q.rdb.LLen(ctx, emotionKey(user)).Result()
	if err != nil {
		return 0, fmt.Errorf("emotion queue length: %w", err)
	}
	return n, nil
}

// PopBatch atomically pops up to n labels, oldest first.
func (q *EmotionQueue) PopBatch(ctx context.Context, user string, n int) ([]string, error) {
	vals, err := q.rdb.LPopCount(ctx, emotionKey(user), n).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop emotion batch: %w", err)
	}
	return vals, nil
}
