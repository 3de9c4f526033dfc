package producer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// Runner produces jobs for one job type.
type Runner interface {
	Produce(ctx context.Context, jobType ingest.JobType, priority int) (Result, error)
}

// Schedule is the cron entry of one job type.
type Schedule struct {
	JobType  ingest.JobType
	Spec     string
	Priority int
}

// Scheduler runs producers on cron schedules. At most one run per job type is
// in progress at a time; a tick that fires while the previous run is still
// going is skipped.
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	entries    map[ingest.JobType]cron.EntryID
	runOnStart bool
	logger     *zap.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler registers one cron entry per schedule. It fails on an invalid
// cron spec or an unknown job type.
func NewScheduler(runner Runner, schedules []Schedule, runOnStart bool, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:     runner,
		entries:    make(map[ingest.JobType]cron.EntryID, len(schedules)),
		runOnStart: runOnStart,
		logger:     logger,
		ctx:        context.Background(),
	}
	for _, sched := range schedules {
		if !sched.JobType.Valid() {
			return nil, &ingest.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", sched.JobType)}
		}
		id, err := s.cron.AddFunc(sched.Spec, func() { s.run(sched) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", sched.JobType, sched.Spec, err)
		}
		s.entries[sched.JobType] = id
	}
	return s, nil
}

// JobTypes lists the scheduled job types.
func (s *Scheduler) JobTypes() []ingest.JobType {
	out := make([]ingest.JobType, 0, len(s.entries))
	for jt := range s.entries {
		out = append(out, jt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// in-progress runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("producer scheduler started", zap.Int("schedules", len(s.entries)))
	if s.runOnStart {
		for _, jt := range s.JobTypes() {
			go s.Trigger(jt)
		}
	}
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("producer scheduler stopped")
	return nil
}

// Trigger runs the scheduled job for jobType now, subject to the same
// skip-if-running guard as cron ticks. It reports false for unscheduled types.
func (s *Scheduler) Trigger(jobType ingest.JobType) bool {
	id, ok := s.entries[jobType]
	if !ok {
		return false
	}
	s.cron.Entry(id).WrappedJob.Run()
	return true
}

func (s *Scheduler) run(sched Schedule) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.Produce(ctx, sched.JobType, sched.Priority); err != nil {
		s.logger.Warn("scheduled producer run failed",
			zap.String("job_type", string(sched.JobType)),
			zap.Error(err),
		)
	}
}

// cronLogger routes robfig/cron logs through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
