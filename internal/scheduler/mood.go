package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/model"
	"github.com/vestige-memory/vestige/internal/queue"
)

// MoodBatchSize is how many emotion labels one checkpoint tallies.
const MoodBatchSize = 5

// MoodTrigger is the minimum queue depth that fires a checkpoint outside
// of shutdown (which always flushes regardless of depth).
const MoodTrigger = 5

// MoodStore is the slice of graph.Store MoodCheckpointJob writes through.
type MoodStore interface {
	WriteDailyMood(ctx context.Context, userEntityID int64, mood model.DailyMood) error
}

// MoodCheckpointJob tallies queued emotion-classifier labels into a daily
// primary/secondary summary, linked to the user entity. Grounded on
// original_source/jobs/mood.py's Counter-based tally.
type MoodCheckpointJob struct {
	user         string
	userEntityID int64
	emotions     *queue.EmotionQueue
	store        MoodStore

	logger *zap.Logger
}

// NewMoodCheckpointJob constructs the job for one user.
func NewMoodCheckpointJob(user string, userEntityID int64, emotions *queue.EmotionQueue, store MoodStore, logger *zap.Logger) *MoodCheckpointJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MoodCheckpointJob{user: user, userEntityID: userEntityID, emotions: emotions, store: store, logger: logger}
}

func (j *MoodCheckpointJob) Name() string { return "mood_checkpoint" }

// ShouldRun fires once the emotion queue holds at least MoodTrigger labels.
func (j *MoodCheckpointJob) ShouldRun(ctx context.Context, jc Context) bool {
	n, err := j.emotions.Len(ctx, j.user)
	if err != nil {
		j.logger.Warn("emotion queue length check failed", zap.Error(err))
		return false
	}
	return n >= MoodTrigger
}

// Execute pops up to MoodBatchSize labels and writes one DailyMood
// checkpoint tallying them.
func (j *MoodCheckpointJob) Execute(ctx context.Context, jc Context) Result {
	return j.checkpoint(ctx, MoodBatchSize)
}

// checkpoint pops up to n labels (n may exceed MoodBatchSize on a
// shutdown flush) and tallies them into one DailyMood record.
func (j *MoodCheckpointJob) checkpoint(ctx context.Context, n int) Result {
	labels, err := j.emotions.PopBatch(ctx, j.user, n)
	if err != nil {
		return Result{Success: false, Summary: err.Error()}
	}
	if len(labels) == 0 {
		return Result{Success: true, Summary: "mood checkpoint: nothing queued"}
	}

	primary, primaryCount, secondary, secondaryCount := tallyTop2(labels)
	mood := model.DailyMood{
		Date:           time.Now().Format("2006-01-02"),
		Primary:        primary,
		PrimaryCount:   primaryCount,
		Secondary:      secondary,
		SecondaryCount: secondaryCount,
		MessageCount:   len(labels),
	}

	if err := j.store.WriteDailyMood(ctx, j.userEntityID, mood); err != nil {
		return Result{Success: false, Summary: err.Error()}
	}

	summary := fmt.Sprintf("mood checkpoint: %s/%s over %d labels", primary, secondary, len(labels))
	j.logger.Info(summary)
	return Result{Success: true, Summary: summary}
}

// OnShutdown flushes whatever remains in the emotion queue regardless of
// MoodTrigger, so a shutdown never silently drops a partial day's tally.
func (j *MoodCheckpointJob) OnShutdown(ctx context.Context, jc Context) {
	n, err := j.emotions.Len(ctx, j.user)
	if err != nil || n == 0 {
		return
	}
	if res := j.checkpoint(ctx, int(n)); !res.Success {
		j.logger.Warn("shutdown mood flush failed", zap.String("summary", res.Summary))
	}
}

// tallyTop2 counts label occurrences and returns the two most common
// (primary, then secondary), falling back to "neutral" when there's no
// second distinct label.
func tallyTop2(labels []string) (primary string, primaryCount int, secondary string, secondaryCount int) {
	counts := make(map[string]int, len(labels))
	for _, l := range labels {
		counts[l]++
	}

	type kv struct {
		label string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for l, c := range counts {
		ranked = append(ranked, kv{l, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].label < ranked[j].label
	})

	primary, secondary = "neutral", "neutral"
	if len(ranked) > 0 {
		primary, primaryCount = ranked[0].label, ranked[0].count
	}
	if len(ranked) > 1 {
		secondary, secondaryCount = ranked[1].label, ranked[1].count
	}
	return
}
