package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
)

// Job is one scheduled unit of work, usually a full extraction run.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a cron schedule. A tick that fires while the
// previous run is still going is skipped rather than queued.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	job      Job
	running  atomic.Bool
	skipped  atomic.Int64
	logger   *zap.Logger
}

// NewScheduler parses spec (standard five-field cron or a descriptor such
// as "@every 15m") and binds it to job.
func NewScheduler(spec string, job Job, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, errors.New("schedule is required")
	}
	if job == nil {
		return nil, errors.New("scheduled job is required")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return &Scheduler{
		spec:     spec,
		schedule: schedule,
		job:      job,
		logger:   logging.OrNop(logger).Named("scheduler"),
	}, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for an
// in-flight job to finish. The job receives ctx, so cancellation reaches
// it at its next window boundary.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{s.logger.Sugar()}))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))

	c.Start()
	s.logger.Info("Scheduler started", zap.String("schedule", s.spec))

	<-ctx.Done()
	s.logger.Info("Scheduler stopping; waiting for in-flight run")
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped", zap.Int64("skipped", s.Skipped()))
	return nil
}

// tick runs the job unless a previous run is still in progress. It
// reports whether the job ran.
func (s *Scheduler) tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		s.logger.Warn("Previous run still in progress; skipping scheduled run", zap.Int64("skipped", n))
		return false
	}
	defer s.running.Store(false)

	s.logger.Info("Scheduled run starting")
	if err := s.job(ctx); err != nil {
		s.logger.Error("Scheduled run failed", zap.String("error", logging.SanitizeError(err)))
		return true
	}
	s.logger.Info("Scheduled run finished")
	return true
}

// Skipped returns how many ticks were skipped because a run overlapped.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
