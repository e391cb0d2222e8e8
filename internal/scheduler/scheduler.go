// Package scheduler implements the cooperative job supervisor: a single
// loop that checks each registered job's idle/volume trigger on a fixed
// interval and invokes it, tracking pending work across restarts via
// Redis-backed flags. Grounded on original_source/jobs/scheduler.py's
// should_run/execute/on_shutdown protocol and its pending:{user}:{job}
// Redis key convention.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultCheckInterval is how often the scheduler evaluates every
// registered job's ShouldRun.
const DefaultCheckInterval = 60 * time.Second

// Context is the per-tick snapshot a job's ShouldRun/Execute reason over:
// idle time since the last user activity, and this job's own last-run
// timestamp. Grounded on original_source/jobs/base.py's JobContext.
type Context struct {
	User        string
	IdleSeconds float64
	LastRun     time.Time
}

// Result is a job's outcome, surfaced uniformly so the scheduler never
// has to interpret job-specific errors. Grounded on
// original_source/jobs/base.py's JobResult.
type Result struct {
	Success           bool
	Summary           string
	RescheduleSeconds *int
}

// Job is one background workload the scheduler supervises. Implementations
// must be safe to call ShouldRun/Execute/OnShutdown sequentially from the
// scheduler's single monitor goroutine; they do not need their own
// internal locking against the scheduler itself (though they may hold
// other locks, e.g. the batch mutex, during Execute).
type Job interface {
	Name() string
	ShouldRun(ctx context.Context, jc Context) bool
	Execute(ctx context.Context, jc Context) Result
	OnShutdown(ctx context.Context, jc Context)
}

// Scheduler is the single cooperative loop driving every registered Job.
type Scheduler struct {
	user          string
	activity      *ActivityTracker
	checkInterval time.Duration
	state         *State

	mu      sync.Mutex
	jobs    []Job
	lastRun map[string]time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	logger *zap.Logger
}

// New constructs a Scheduler for one user. checkInterval defaults to
// DefaultCheckInterval when zero.
func New(user string, state *State, activity *ActivityTracker, checkInterval time.Duration, logger *zap.Logger) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		user:          user,
		activity:      activity,
		checkInterval: checkInterval,
		state:         state,
		lastRun:       make(map[string]time.Time),
		logger:        logger,
	}
}

// Register adds a job in the order jobs should be checked each tick and
// shut down at the end of the process's life. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start runs any per-job pending work left over from a prior session, then
// launches the monitor loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	s.runPending(runCtx)

	go func() {
		defer close(s.done)
		s.monitor(runCtx)
	}()
}

// runPending checks every job's pending:{user}:{job} flag and, if set,
// executes it immediately before the first regular tick.
func (s *Scheduler) runPending(ctx context.Context) {
	for _, j := range s.jobs {
		pending, err := s.state.IsPending(ctx, s.user, j.Name())
		if err != nil {
			s.logger.Warn("pending flag check failed", zap.String("job", j.Name()), zap.Error(err))
			continue
		}
		if !pending {
			continue
		}
		jc := s.buildContext(ctx, j.Name())
		s.logger.Info("running deferred job from prior session", zap.String("job", j.Name()))
		res := j.Execute(ctx, jc)
		s.recordRun(j.Name(), res)
		if err := s.state.ClearPending(ctx, s.user, j.Name()); err != nil {
			s.logger.Warn("failed to clear pending flag", zap.String("job", j.Name()), zap.Error(err))
		}
	}
}

func (s *Scheduler) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, j := range s.jobs {
		jc := s.buildContext(ctx, j.Name())
		if !j.ShouldRun(ctx, jc) {
			continue
		}
		res := j.Execute(ctx, jc)
		s.recordRun(j.Name(), res)
		if res.Success {
			s.logger.Info("job executed", zap.String("job", j.Name()), zap.String("summary", res.Summary))
		} else {
			s.logger.Warn("job failed, continuing", zap.String("job", j.Name()), zap.String("summary", res.Summary))
		}
	}
}

func (s *Scheduler) buildContext(ctx context.Context, jobName string) Context {
	idle, err := s.activity.IdleSeconds(ctx)
	if err != nil {
		s.logger.Warn("idle time lookup failed, assuming zero", zap.Error(err))
		idle = 0
	}
	s.mu.Lock()
	last := s.lastRun[jobName]
	s.mu.Unlock()
	return Context{User: s.user, IdleSeconds: idle, LastRun: last}
}

func (s *Scheduler) recordRun(jobName string, _ Result) {
	s.mu.Lock()
	s.lastRun[jobName] = time.Now()
	s.mu.Unlock()
}

// Shutdown flips the running flag, cancels the monitor, waits for the
// monitor goroutine to exit, then calls every job's OnShutdown in
// registration order.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	for _, j := range s.jobs {
		jc := s.buildContext(ctx, j.Name())
		j.OnShutdown(ctx, jc)
	}
}

// Running reports whether the monitor loop is currently active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}
