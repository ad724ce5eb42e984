package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of periodic maintenance work
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

// Name returns the job name
func (j JobFunc) Name() string { return j.JobName }

// Run calls Fn
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Scheduler runs registered jobs on cron schedules until its context is cancelled.
// A job that is still running when its next tick arrives skips that tick.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu  sync.RWMutex
	ctx context.Context
}

// NewScheduler creates a new scheduler
func NewScheduler(logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cronLog := cronLogger{logger: logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add registers job under a standard cron spec ("0 3 * * *", "@hourly", "@every 10m")
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddJob(spec, s.wrap(job)); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name(), err)
	}
	s.logger.Info().Str("job", job.Name()).Str("spec", spec).Msg("Scheduled job")
	return nil
}

// Every registers job to run once per interval. Intervals are rounded up to whole seconds.
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("interval for job %s must be positive, got %s", job.Name(), interval)
	}
	s.cron.Schedule(cron.Every(interval), s.wrap(job))
	s.logger.Info().Str("job", job.Name()).Dur("interval", interval).Msg("Scheduled job")
	return nil
}

// Start starts the scheduler and blocks until ctx is done and running jobs have returned
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("Starting scheduler...")
	s.cron.Start()
	s.logger.Info().Msg("Scheduler started and running")

	// Wait for context cancellation
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return ctx.Err()
}

// wrap turns a Job into a cron job that logs its outcome
func (s *Scheduler) wrap(job Job) cron.Job {
	return cron.FuncJob(func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()

		startTime := time.Now()
		logger := s.logger.With().Str("job", job.Name()).Logger()

		if err := job.Run(ctx); err != nil {
			logger.Error().
				Err(err).
				Dur("duration", time.Since(startTime)).
				Msg("Scheduled job failed")
			return
		}

		logger.Debug().
			Dur("duration", time.Since(startTime)).
			Msg("Scheduled job completed")
	})
}

// cronLogger routes cron's internal logging to zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
