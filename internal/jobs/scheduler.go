// Package jobs runs periodic maintenance on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) error
}

// Scheduler executes registered jobs. A tick is skipped while the previous
// run of the same job is still in progress.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []Job
	locks  map[string]*sync.Mutex
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Jobs must be registered before Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		locks:  make(map[string]*sync.Mutex),
		logger: logger.With("component", "jobs"),
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.locks[j.Name()]; exists {
		return fmt.Errorf("jobs: duplicate job name %q", j.Name())
	}
	s.locks[j.Name()] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start validates every schedule and starts the cron loop. Five-field
// expressions and descriptors such as @every 10m are accepted.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithParser(parser))
	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.Schedule(), s.tick(runCtx, j)); err != nil {
			cancel()
			return fmt.Errorf("jobs: invalid schedule for %q: %w", j.Name(), err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) tick(ctx context.Context, job Job) func() {
	lock := s.locks[job.Name()]
	return func() {
		if !lock.TryLock() {
			s.logger.Warn("job still running, skipping tick", "job", job.Name())
			return
		}
		defer lock.Unlock()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("job panic", "job", job.Name(), "panic", rec)
			}
		}()

		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed", "job", job.Name(), "error", err)
			return
		}
		s.logger.Debug("job completed", "job", job.Name())
	}
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}
