package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/queue"
)

// DLQReplayInterval is the minimum spacing between replay runs.
const DLQReplayInterval = 5 * time.Minute

// DLQReplayBatchSize bounds how many entries one run drains.
const DLQReplayBatchSize = 50

// DLQReplayJob periodically drains the dead-letter queue, requeuing
// transient failures onto the ingestion buffer and parking fatal ones for
// manual review. Grounded on original_source/jobs/dlq.py.
type DLQReplayJob struct {
	user string
	dlq  *queue.DLQ

	logger *zap.Logger
}

// NewDLQReplayJob constructs the job for one user.
func NewDLQReplayJob(user string, dlq *queue.DLQ, logger *zap.Logger) *DLQReplayJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQReplayJob{user: user, dlq: dlq, logger: logger}
}

func (j *DLQReplayJob) Name() string { return "dlq_replay" }

// ShouldRun fires at most every DLQReplayInterval.
func (j *DLQReplayJob) ShouldRun(ctx context.Context, jc Context) bool {
	if jc.LastRun.IsZero() {
		return true
	}
	return time.Since(jc.LastRun) >= DLQReplayInterval
}

// Execute drains up to DLQReplayBatchSize entries, classifying each
// failure as transient (requeued) or fatal (parked); corrupted JSON is
// always parked, handled inside DLQ.ReplayBatch.
func (j *DLQReplayJob) Execute(ctx context.Context, jc Context) Result {
	processed, retried, parked, err := j.dlq.ReplayBatch(ctx, j.user, DLQReplayBatchSize)
	if err != nil {
		return Result{Success: false, Summary: err.Error()}
	}
	summary := fmt.Sprintf("dlq replay: %d processed, %d retried, %d parked", processed, retried, parked)
	j.logger.Info(summary)
	return Result{Success: true, Summary: summary}
}

// OnShutdown has no deferred work to flag: any undrained DLQ entries
// simply wait for the next process's first tick.
func (j *DLQReplayJob) OnShutdown(ctx context.Context, jc Context) {}
