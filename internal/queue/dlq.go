package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vestige-memory/vestige/internal/jsonx"
)

// TransientErrorMarkers is the substring allowlist DLQReplayJob uses to
// decide whether a failed batch is worth retrying automatically, exactly
// mirroring original_source/jobs/dlq.py's TRANSIENT_ERRORS list.
var TransientErrorMarkers = []string{
	"connection refused",
	"connectionerror",
	"timeouterror",
	"busyloadingerror",
	"service unavailable",
	"socket.timeout",
}

// IsTransient reports whether errMsg matches one of the known-transient
// failure markers (case-insensitive substring match).
func IsTransient(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, marker := range TransientErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// DLQEntry is one parked or retryable failure record.
type DLQEntry struct {
	Error    string          `json:"error"`
	Messages []RawMessage    `json:"messages"`
	ParkedAt *int64          `json:"parked_at,omitempty"`
}

// RawMessage is the minimal shape a DLQ entry carries for replay: enough
// to push back onto the ingestion buffer untouched.
type RawMessage struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

// DLQ is the Redis-backed dead-letter queue: dlq:{user} holds entries
// awaiting replay triage, dlq:parked:{user} holds entries given up on.
// Grounded on original_source/jobs/dlq.py's list-based queue/park keys
// (LPUSH/LPOP/RPUSH), adapted to Go with go-redis.
type DLQ struct {
	rdb *redis.Client
}

// NewDLQ wraps an existing Redis client.
func NewDLQ(rdb *redis.Client) *DLQ {
	return &DLQ{rdb: rdb}
}

func dlqKey(user string) string    { return fmt.Sprintf("dlq:%s", user) }
func parkKey(user string) string   { return fmt.Sprintf("dlq:parked:%s", user) }
func bufferKey(user string) string { return fmt.Sprintf("buffer:%s", user) }

// Push records a failed batch for later triage.
func (d *DLQ) Push(ctx context.Context, user string, entry DLQEntry) error {
	payload, err := jsonx.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if err := d.rdb.RPush(ctx, dlqKey(user), payload).Err(); err != nil {
		return fmt.Errorf("push dlq entry: %w", err)
	}
	return nil
}

// Len reports how many entries are queued for triage.
func (d *DLQ) Len(ctx context.Context, user string) (int64, error) {
	n, err := d.rdb.LLen(ctx, dlqKey(user)).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq length: %w", err)
	}
	return n, nil
}

// ReplayBatch pops up to batchSize entries and, for each, either requeues
// its messages onto the ingestion buffer (transient error) or parks the
// whole entry (fatal error, or a JSON parse failure). Returns
// (processed, retried, parked).
func (d *DLQ) ReplayBatch(ctx context.Context, user string, batchSize int) (processed, retried, parked int, err error) {
	queueLen, err := d.Len(ctx, user)
	if err != nil {
		return 0, 0, 0, err
	}
	if queueLen == 0 {
		return 0, 0, 0, nil
	}

	n := int(queueLen)
	if n > batchSize {
		n = batchSize
	}

	for i := 0; i < n; i++ {
		raw, err := d.rdb.LPop(ctx, dlqKey(user)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return processed, retried, parked, fmt.Errorf("pop dlq entry: %w", err)
		}
		processed++

		var entry DLQEntry
		if err := jsonx.UnmarshalFromString(raw, &entry); err != nil {
			// corrupted JSON always parked, never retried
			if pushErr := d.rdb.RPush(ctx, parkKey(user), raw).Err(); pushErr != nil {
				return processed, retried, parked, fmt.Errorf("park corrupted entry: %w", pushErr)
			}
			parked++
			continue
		}

		if IsTransient(entry.Error) {
			for _, msg := range entry.Messages {
				payload, err := jsonx.Marshal(msg)
				if err != nil {
					continue
				}
				if err := d.rdb.RPush(ctx, bufferKey(user), payload).Err(); err != nil {
					return processed, retried, parked, fmt.Errorf("requeue message: %w", err)
				}
			}
			retried++
			continue
		}

		now := time.Now().Unix()
		entry.ParkedAt = &now
		payload, err := jsonx.Marshal(entry)
		if err != nil {
			return processed, retried, parked, fmt.Errorf("marshal parked entry: %w", err)
		}
		if err := d.rdb.RPush(ctx, parkKey(user), payload).Err(); err != nil {
			return processed, retried, parked, fmt.Errorf("park fatal entry: %w", err)
		}
		parked++
	}

	return processed, retried, parked, nil
}
