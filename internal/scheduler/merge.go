package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/entity"
	"github.com/vestige-memory/vestige/internal/llm"
)

// MergeAutoThreshold is the reasoning-model score at or above which a
// candidate pair is merged automatically.
const MergeAutoThreshold = 0.93

// MergeReviewThreshold is the similarity floor fed to
// entity.Resolver.DetectMergeCandidates and the reasoning score below
// which a candidate is discarded outright; scores in
// [MergeReviewThreshold, MergeAutoThreshold) are queued for human review.
const MergeReviewThreshold = 0.65

const mergeJudgeSystem = `You judge whether two entity profiles describe the same real-world entity. ` +
	`Respond with a single floating point number between 0 and 1: 1 meaning certainly the same entity, ` +
	`0 meaning certainly different. Output only the number.`

const mergeSummarySystem = `You merge two entity summaries describing the same entity into one coherent summary. ` +
	`Preserve every distinct fact from both; drop redundancy. Output only the merged summary.`

// MergeStore is the slice of graph.Store MergeDetectionJob writes
// through.
type MergeStore interface {
	entity.RelationshipChecker
	MergeEntities(ctx context.Context, primaryID, secondaryID int64, mergedSummary string) error
}

// MaintenanceLocker lets MergeDetectionJob exclude the BatchProcessor
// from touching entities mid-merge, mirroring batch.Processor's exported
// LockForMaintenance/UnlockForMaintenance pair.
type MaintenanceLocker interface {
	LockForMaintenance()
	UnlockForMaintenance()
}

func mergeReviewKey(user string) string { return fmt.Sprintf("merge:review:%s", user) }

// MergeDetectionJob enumerates merge candidates from the resolver, asks
// the reasoning model to judge each pair, auto-merges high-confidence
// pairs, and queues the rest for human review. Grounded on
// original_source/jobs/merge.py and spec.md §4.5's auto-merge/review-floor
// split.
type MergeDetectionJob struct {
	user string

	resolver *entity.Resolver
	store    MergeStore
	llmSvc   llm.Service
	locker   MaintenanceLocker
	state    *State
	rdb      *redis.Client

	autoThreshold   float64
	reviewThreshold float64

	mu     sync.Mutex
	hasRun bool
	logger *zap.Logger
}

// NewMergeDetectionJob constructs the job for one user. tuning supplies
// the auto-merge/review-floor thresholds; a zero-value Tuning{} falls
// back to MergeAutoThreshold/MergeReviewThreshold.
func NewMergeDetectionJob(
	user string,
	resolver *entity.Resolver,
	store MergeStore,
	llmSvc llm.Service,
	locker MaintenanceLocker,
	state *State,
	rdb *redis.Client,
	tuning Tuning,
	logger *zap.Logger,
) *MergeDetectionJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	auto, review := tuning.MergeAutoThreshold, tuning.MergeReviewThreshold
	if auto == 0 {
		auto = MergeAutoThreshold
	}
	if review == 0 {
		review = MergeReviewThreshold
	}
	return &MergeDetectionJob{
		user: user, resolver: resolver, store: store, llmSvc: llmSvc,
		locker: locker, state: state, rdb: rdb,
		autoThreshold: auto, reviewThreshold: review, logger: logger,
	}
}

func (j *MergeDetectionJob) Name() string { return "merge_detection" }

// ShouldRun fires at most once per process lifetime, and only once
// ProfileRefinement has completed at least once (the profile_complete
// gate), since merge judgments lean on fresh entity summaries.
func (j *MergeDetectionJob) ShouldRun(ctx context.Context, jc Context) bool {
	j.mu.Lock()
	ran := j.hasRun
	j.mu.Unlock()
	if ran {
		return false
	}
	complete, err := j.state.ProfileComplete(ctx, j.user)
	if err != nil {
		j.logger.Warn("profile-complete check failed", zap.Error(err))
		return false
	}
	return complete
}

// Execute locks out the batch processor, posts a maintenance notice,
// judges every candidate pair, merges or queues each, and clears the
// notice before returning.
func (j *MergeDetectionJob) Execute(ctx context.Context, jc Context) Result {
	j.mu.Lock()
	j.hasRun = true
	j.mu.Unlock()

	j.locker.LockForMaintenance()
	defer j.locker.UnlockForMaintenance()

	if err := j.state.Notify(ctx, j.user, "consolidating memory, responses may be delayed", 10*time.Minute); err != nil {
		j.logger.Warn("failed to set consolidation notice", zap.Error(err))
	}
	defer func() {
		if err := j.state.ClearNotice(ctx, j.user); err != nil {
			j.logger.Warn("failed to clear consolidation notice", zap.Error(err))
		}
	}()

	candidates, err := j.resolver.DetectMergeCandidates(ctx, j.store, j.reviewThreshold)
	if err != nil {
		return Result{Success: false, Summary: fmt.Sprintf("detect merge candidates: %v", err)}
	}

	merged, queued, discarded := 0, 0, 0
	mergedIDs := make(map[int64]bool)
	for _, c := range candidates {
		if mergedIDs[c.PrimaryID] || mergedIDs[c.SecondaryID] {
			continue
		}

		score, err := j.judge(ctx, c)
		if err != nil {
			j.logger.Warn("merge judgment failed", zap.Int64("primary", c.PrimaryID), zap.Int64("secondary", c.SecondaryID), zap.Error(err))
			continue
		}

		switch {
		case score >= j.autoThreshold:
			if err := j.applyMerge(ctx, c); err != nil {
				j.logger.Warn("merge apply failed", zap.Int64("primary", c.PrimaryID), zap.Int64("secondary", c.SecondaryID), zap.Error(err))
				continue
			}
			mergedIDs[c.SecondaryID] = true
			merged++
		case score >= j.reviewThreshold:
			if err := j.queueForReview(ctx, c, score); err != nil {
				j.logger.Warn("queue for review failed", zap.Error(err))
				continue
			}
			queued++
		default:
			discarded++
		}
	}

	summary := fmt.Sprintf("merge detection: %d merged, %d queued for review, %d discarded", merged, queued, discarded)
	j.logger.Info(summary)
	return Result{Success: true, Summary: summary}
}

// judge asks the reasoning model for a single confidence score on
// whether c's two profiles describe the same entity.
func (j *MergeDetectionJob) judge(ctx context.Context, c entity.MergeCandidate) (float64, error) {
	prompt := fmt.Sprintf(
		"Entity A: %s (aliases: %v)\nSummary A: %s\n\nEntity B: %s (aliases: %v)\nSummary B: %s",
		c.ProfileA.CanonicalName, c.ProfileA.Aliases, c.ProfileA.Summary,
		c.ProfileB.CanonicalName, c.ProfileB.Aliases, c.ProfileB.Summary,
	)
	raw, err := j.llmSvc.CallReasoning(ctx, mergeJudgeSystem, prompt)
	if err != nil {
		return 0, fmt.Errorf("merge judge call: %w", err)
	}
	score, err := strconv.ParseFloat(trimToFloat(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse merge judge score %q: %w", raw, err)
	}
	return score, nil
}

// applyMerge synthesizes a merged summary, commits the graph-level
// merge, and updates the resolver's in-memory state to match.
func (j *MergeDetectionJob) applyMerge(ctx context.Context, c entity.MergeCandidate) error {
	summaryPrompt := fmt.Sprintf("Summary A: %s\n\nSummary B: %s", c.ProfileA.Summary, c.ProfileB.Summary)
	mergedSummary, err := j.llmSvc.CallReasoning(ctx, mergeSummarySystem, summaryPrompt)
	if err != nil || mergedSummary == "" {
		mergedSummary = c.ProfileA.Summary
	}

	if err := j.store.MergeEntities(ctx, c.PrimaryID, c.SecondaryID, mergedSummary); err != nil {
		return fmt.Errorf("merge entities %d<-%d: %w", c.PrimaryID, c.SecondaryID, err)
	}
	j.resolver.ApplyMerge(c.PrimaryID, c.SecondaryID)
	return nil
}

// queueForReview pushes a human-reviewable merge suggestion onto a
// per-user Redis list, left for an operator surface outside this
// package's scope.
func (j *MergeDetectionJob) queueForReview(ctx context.Context, c entity.MergeCandidate, score float64) error {
	entry := fmt.Sprintf("%d:%d:%.3f:%s<->%s", c.PrimaryID, c.SecondaryID, score, c.ProfileA.CanonicalName, c.ProfileB.CanonicalName)
	if err := j.rdb.RPush(ctx, mergeReviewKey(j.user), entry).Err(); err != nil {
		return fmt.Errorf("push merge review entry: %w", err)
	}
	return nil
}

// OnShutdown sets a pending flag so a restarted process knows merge
// detection never got to run this session.
func (j *MergeDetectionJob) OnShutdown(ctx context.Context, jc Context) {
	j.mu.Lock()
	ran := j.hasRun
	j.mu.Unlock()
	if ran {
		return
	}
	if err := j.state.SetPending(ctx, j.user, j.Name()); err != nil {
		j.logger.Warn("failed to set merge-detection pending flag", zap.Error(err))
	}
}

// trimToFloat strips everything from raw but a leading numeric token,
// tolerating models that wrap the score in a sentence.
func trimToFloat(raw string) string {
	start, end := -1, -1
	for i, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			if start == -1 {
				start = i
			}
			end = i + 1
		} else if start != -1 {
			break
		}
	}
	if start == -1 {
		return raw
	}
	return raw[start:end]
}
