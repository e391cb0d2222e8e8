package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vestige-memory/vestige/internal/batch"
	"github.com/vestige-memory/vestige/internal/entity"
	"github.com/vestige-memory/vestige/internal/jsonx"
	"github.com/vestige-memory/vestige/internal/llm"
	"github.com/vestige-memory/vestige/internal/queue"
)

// ProfileDirtyTrigger is the dirty-set size that fires a refinement pass
// outright.
const ProfileDirtyTrigger = 5

// ProfileIdleTrigger is how long the system must be idle, with at least
// one dirty entity, to fire a pass even below ProfileDirtyTrigger.
const ProfileIdleTrigger = 5 * time.Minute

// UserIdleTrigger is how long the system must be idle before the user's
// own entity gets a refresh pass, using UserProfileWindow.
const UserIdleTrigger = 10 * time.Minute

// DefaultProfileWindow and UserProfileWindow bound how many recent
// messages a refinement pass considers: 75 for dirty entities, 45 for the
// user's own entity.
const (
	DefaultProfileWindow = 75
	UserProfileWindow    = 45
)

// ProfileCompleteTTL is how long the profile_complete gate stays set
// after a successful run, read by MergeDetectionJob.ShouldRun.
const ProfileCompleteTTL = 10 * time.Minute

// MaxConcurrentProfileRefinements bounds the per-tick fan-out.
const MaxConcurrentProfileRefinements = 5

func dirtyKey(user string) string { return fmt.Sprintf("dirty:%s", user) }

// DirtySet is the Redis set of entity ids touched since their last
// profile refresh, fed by the batch processor and drained by
// ProfileRefinementJob.
type DirtySet struct {
	rdb  *redis.Client
	user string
}

// NewDirtySet wraps an existing Redis client for one user.
func NewDirtySet(rdb *redis.Client, user string) *DirtySet {
	return &DirtySet{rdb: rdb, user: user}
}

// Add marks entityID as needing a profile refresh.
func (d *DirtySet) Add(ctx context.Context, entityID int64) error {
	if err := d.rdb.SAdd(ctx, dirtyKey(d.user), entityID).Err(); err != nil {
		return fmt.Errorf("add dirty entity: %w", err)
	}
	return nil
}

// Len reports how many entities are currently marked dirty.
func (d *DirtySet) Len(ctx context.Context) (int64, error) {
	n, err := d.rdb.SCard(ctx, dirtyKey(d.user)).Result()
	if err != nil {
		return 0, fmt.Errorf("dirty set size: %w", err)
	}
	return n, nil
}

// PopAll atomically empties the dirty set and returns its members as
// entity ids.
func (d *DirtySet) PopAll(ctx context.Context) ([]int64, error) {
	n, err := d.Len(ctx)
	if err != nil || n == 0 {
		return nil, err
	}
	vals, err := d.rdb.SPopN(ctx, dirtyKey(d.user), n).Result()
	if err != nil {
		return nil, fmt.Errorf("pop dirty set: %w", err)
	}
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		var id int64
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// ProfileRefinementJob runs concurrent per-entity summary refreshes for
// everything in the dirty set, plus an occasional refresh of the user's
// own entity (over UserProfileWindow) during long idle stretches. It mirrors
// batch.Processor.updateProfile's reasoning-then-publish shape so both
// paths flow through the same graphbuilder consumer rather than writing
// the graph directly. Grounded on original_source/jobs/profile.py.
type ProfileRefinementJob struct {
	user         string
	userEntityID int64

	dirty    *DirtySet
	resolver *entity.Resolver
	llmSvc   llm.Service
	embedder entity.Embedder
	recent   *batch.RecentMessages
	q        *queue.Queue
	state    *State
	sem      *semaphore.Weighted

	dirtyTrigger int
	idleTrigger  time.Duration
	userTrigger  time.Duration

	mu             sync.Mutex
	lastUserRefine time.Time

	logger *zap.Logger
}

// NewProfileRefinementJob constructs the job for one user. tuning
// supplies the dirty/idle trigger thresholds; a zero-value Tuning{} falls
// back to ProfileDirtyTrigger/ProfileIdleTrigger/UserIdleTrigger.
func NewProfileRefinementJob(
	user string,
	userEntityID int64,
	dirty *DirtySet,
	resolver *entity.Resolver,
	llmSvc llm.Service,
	embedder entity.Embedder,
	recent *batch.RecentMessages,
	q *queue.Queue,
	state *State,
	tuning Tuning,
	logger *zap.Logger,
) *ProfileRefinementJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	dirtyTrigger, idleTrigger, userTrigger := tuning.ProfileDirtyTrigger, tuning.ProfileIdleTrigger, tuning.UserIdleTrigger
	if dirtyTrigger == 0 {
		dirtyTrigger = ProfileDirtyTrigger
	}
	if idleTrigger == 0 {
		idleTrigger = ProfileIdleTrigger
	}
	if userTrigger == 0 {
		userTrigger = UserIdleTrigger
	}
	return &ProfileRefinementJob{
		user: user, userEntityID: userEntityID,
		dirty: dirty, resolver: resolver,
		llmSvc: llmSvc, embedder: embedder, recent: recent, q: q, state: state,
		dirtyTrigger: dirtyTrigger, idleTrigger: idleTrigger, userTrigger: userTrigger,
		sem:    semaphore.NewWeighted(MaxConcurrentProfileRefinements),
		logger: logger,
	}
}

func (j *ProfileRefinementJob) Name() string { return "profile_refinement" }

// ShouldRun fires when the dirty set is large enough outright, or
// non-empty and the system has been idle long enough, or the user
// entity itself is due for its wider idle refresh.
func (j *ProfileRefinementJob) ShouldRun(ctx context.Context, jc Context) bool {
	n, err := j.dirty.Len(ctx)
	if err != nil {
		j.logger.Warn("dirty set length check failed", zap.Error(err))
		return false
	}
	if n >= int64(j.dirtyTrigger) {
		return true
	}
	if n > 0 && jc.IdleSeconds >= j.idleTrigger.Seconds() {
		return true
	}
	return jc.IdleSeconds >= j.userTrigger.Seconds() && j.shouldRefineUser()
}

// Execute posts a maintenance notice for the duration of the pass, drains
// the dirty set, refreshing each entity concurrently (bounded by the
// semaphore), then — if the system has been idle long enough and the user
// hasn't been refined this window — refines the user entity over
// UserProfileWindow. A successful pass sets the profile_complete gate
// MergeDetectionJob waits on.
func (j *ProfileRefinementJob) Execute(ctx context.Context, jc Context) Result {
	if err := j.state.Notify(ctx, j.user, "refreshing memory profiles, responses may be delayed", 10*time.Minute); err != nil {
		j.logger.Warn("failed to set profile-refinement notice", zap.Error(err))
	}
	defer func() {
		if err := j.state.ClearNotice(ctx, j.user); err != nil {
			j.logger.Warn("failed to clear profile-refinement notice", zap.Error(err))
		}
	}()

	ids, err := j.dirty.PopAll(ctx)
	if err != nil {
		return Result{Success: false, Summary: err.Error()}
	}

	refreshed, failed := j.refreshEntities(ctx, ids)

	userRefreshed := false
	if jc.IdleSeconds >= j.userTrigger.Seconds() && j.shouldRefineUser() {
		if err := j.refreshOne(ctx, j.userEntityID, UserProfileWindow); err != nil {
			j.logger.Warn("user profile refresh failed", zap.Error(err))
		} else {
			userRefreshed = true
			j.markUserRefined()
		}
	}

	if err := j.state.SetProfileComplete(ctx, j.user, ProfileCompleteTTL); err != nil {
		j.logger.Warn("failed to set profile-complete flag", zap.Error(err))
	}

	summary := fmt.Sprintf("profile refinement: %d refreshed, %d failed, user_refreshed=%v", refreshed, failed, userRefreshed)
	return Result{Success: true, Summary: summary}
}

// refreshEntities fans out refreshOne over ids, bounded by j.sem, and
// tallies outcomes.
func (j *ProfileRefinementJob) refreshEntities(ctx context.Context, ids []int64) (refreshed, failed int) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		if err := j.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer j.sem.Release(1)
			err := j.refreshOne(ctx, id, DefaultProfileWindow)
			mu.Lock()
			if err != nil {
				j.logger.Warn("entity profile refresh failed", zap.Int64("entity_id", id), zap.Error(err))
				failed++
			} else {
				refreshed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return refreshed, failed
}

// refreshOne reasons a fresh summary for entityID from its recent
// mentions and, if it changed, embeds it and publishes a profile-stream
// record for graphbuilder to apply.
func (j *ProfileRefinementJob) refreshOne(ctx context.Context, entityID int64, windowSize int) error {
	profile, ok := j.resolver.Profile(entityID)
	if !ok {
		return fmt.Errorf("entity %d not found in resolver", entityID)
	}

	aliases := j.resolver.MentionsForID(entityID)
	window := j.recent.Window(windowSize)
	observations := batch.FilterMentioning(window, aliases)
	if len(observations) == 0 {
		return nil
	}

	var maxMsgID int64
	for _, m := range observations {
		if m.ID > maxMsgID {
			maxMsgID = m.ID
		}
	}

	prompt := batch.BuildProfileUpdatePrompt(profile.Summary, aliases, observations, time.Now())
	newSummary, err := j.llmSvc.CallReasoning(ctx, batch.ProfileUpdateSystem, prompt)
	if err != nil {
		return fmt.Errorf("profile reasoning call: %w", err)
	}
	if newSummary == "" || newSummary == profile.Summary {
		return nil
	}

	embedding, err := j.embedder.Embed(ctx, newSummary)
	if err != nil {
		return fmt.Errorf("embed refreshed summary: %w", err)
	}

	record := queue.ProfileRecord{
		EntityID:          entityID,
		Summary:           newSummary,
		Embedding:         embedding,
		LastProfiledMsgID: maxMsgID,
	}
	payload, err := jsonx.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal profile record: %w", err)
	}
	return j.q.Publish(ctx, queue.ProfileSubject(j.user), payload)
}

// OnShutdown leaves any remaining dirty entities for the next session's
// startup tick; the dirty set itself persists in Redis so nothing is
// lost.
func (j *ProfileRefinementJob) OnShutdown(ctx context.Context, jc Context) {}

func (j *ProfileRefinementJob) shouldRefineUser() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Since(j.lastUserRefine) >= j.userTrigger
}

func (j *ProfileRefinementJob) markUserRefined() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastUserRefine = time.Now()
}
