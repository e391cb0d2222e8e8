package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State wraps the Redis keys the scheduler and its jobs share: per-job
// pending flags, the user-visible maintenance notice, and the
// profile-refinement completion gate MergeDetection waits on. Grounded on
// original_source/jobs/base.py's JobNotifier (a TTL'd Redis key carrying a
// user-visible maintenance message so a crash can't strand the warning)
// and original_source/jobs/scheduler.py's pending:{user}:{job} convention.
type State struct {
	rdb *redis.Client
}

// NewState wraps an existing Redis client.
func NewState(rdb *redis.Client) *State {
	return &State{rdb: rdb}
}

func pendingKey(user, job string) string     { return fmt.Sprintf("pending:%s:%s", user, job) }
func noticeKey(user string) string           { return fmt.Sprintf("notice:%s", user) }
func profileCompleteKey(user string) string  { return fmt.Sprintf("profile_complete:%s", user) }

// SetPending marks job as having deferred work to run at next startup.
func (s *State) SetPending(ctx context.Context, user, job string) error {
	if err := s.rdb.Set(ctx, pendingKey(user, job), "1", 0).Err(); err != nil {
		return fmt.Errorf("set pending flag: %w", err)
	}
	return nil
}

// IsPending reports whether job has a deferred-work flag set.
func (s *State) IsPending(ctx context.Context, user, job string) (bool, error) {
	n, err := s.rdb.Exists(ctx, pendingKey(user, job)).Result()
	if err != nil {
		return false, fmt.Errorf("check pending flag: %w", err)
	}
	return n > 0, nil
}

// ClearPending removes job's deferred-work flag.
func (s *State) ClearPending(ctx context.Context, user, job string) error {
	if err := s.rdb.Del(ctx, pendingKey(user, job)).Err(); err != nil {
		return fmt.Errorf("clear pending flag: %w", err)
	}
	return nil
}

// Notify publishes a short-TTL, user-visible maintenance message (e.g.
// "consolidating memory, responses may be delayed"). Runner.Run prefixes
// its responses with whatever notice its caller passes in; the
// cmd/vestige console passes an empty one and does not read this key, so
// its answers carry no prefix.
func (s *State) Notify(ctx context.Context, user, message string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, noticeKey(user), message, ttl).Err(); err != nil {
		return fmt.Errorf("set maintenance notice: %w", err)
	}
	return nil
}

// ClearNotice removes the maintenance notice early, once the job that set
// it finishes before the TTL expires.
func (s *State) ClearNotice(ctx context.Context, user string) error {
	if err := s.rdb.Del(ctx, noticeKey(user)).Err(); err != nil {
		return fmt.Errorf("clear maintenance notice: %w", err)
	}
	return nil
}

// Notice returns the current maintenance notice, if any.
func (s *State) Notice(ctx context.Context, user string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, noticeKey(user)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get maintenance notice: %w", err)
	}
	return val, true, nil
}

// SetProfileComplete marks that ProfileRefinement has completed at least
// once, with a short TTL so the gate re-arms itself rather than latching
// open forever. MergeDetection's ShouldRun reads this.
func (s *State) SetProfileComplete(ctx context.Context, user string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, profileCompleteKey(user), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set profile-complete flag: %w", err)
	}
	return nil
}

// ProfileComplete reports whether ProfileRefinement has completed
// recently enough for the flag to still be live.
func (s *State) ProfileComplete(ctx context.Context, user string) (bool, error) {
	n, err := s.rdb.Exists(ctx, profileCompleteKey(user)).Result()
	if err != nil {
		return false, fmt.Errorf("check profile-complete flag: %w", err)
	}
	return n > 0, nil
}

func activityKey(user string) string { return fmt.Sprintf("activity:%s", user) }

// ActivityTracker records the most recent user-activity timestamp in
// Redis so idle-time calculations survive process restarts, rather than
// resetting to "just started" every time the process is recycled.
type ActivityTracker struct {
	rdb  *redis.Client
	user string
}

// NewActivityTracker wraps an existing Redis client for one user.
func NewActivityTracker(rdb *redis.Client, user string) *ActivityTracker {
	return &ActivityTracker{rdb: rdb, user: user}
}

// Touch records "now" as the most recent activity timestamp. Called by
// the ingestion path on every accepted user message.
func (a *ActivityTracker) Touch(ctx context.Context) error {
	if err := a.rdb.Set(ctx, activityKey(a.user), time.Now().UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// IdleSeconds returns the number of seconds since the last recorded
// activity. If no activity has ever been recorded, it reports 0 (treats a
// cold start as "active," matching the conservative default of not firing
// idle-triggered jobs prematurely).
func (a *ActivityTracker) IdleSeconds(ctx context.Context) (float64, error) {
	val, err := a.rdb.Get(ctx, activityKey(a.user)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read activity timestamp: %w", err)
	}
	last := time.UnixMilli(val)
	return time.Since(last).Seconds(), nil
}
