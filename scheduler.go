package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	JobSweepUserTokens      = "user-tokens.sweep"
	JobPurgeUnactivatedUser = "users.purge-unactivated"
)

// Job is a periodic maintenance task. Run returns how many rows it touched.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Scheduler runs jobs on their own tickers until the context passed to
// Start ends. A failed run is logged and counted, the schedule goes on.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]Job
	logger  Logger
	metrics *Metrics
	wg      sync.WaitGroup
}

func NewScheduler(logger Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		jobs:    map[string]Job{},
		logger:  normalizeLogger(logger),
		metrics: metrics,
	}
}

// Register adds or replaces a job. Jobs registered after Start are only
// reachable through RunNow.
func (s *Scheduler) Register(job Job) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	return s
}

// Jobs returns the registered job names, sorted
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one goroutine per job with a positive interval
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		if job.Interval <= 0 {
			s.logger.Warn("scheduler skipping job without interval", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until every job loop has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	s.logger.Info("scheduler started job", "job", job.Name, "interval", job.Interval.String())
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped job", "job", job.Name)
			return
		case <-ticker.C:
			_, _ = s.run(ctx, job)
		}
	}
}

// RunNow executes the named job synchronously
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, ErrJobNotFound.Clone().WithMetadata(map[string]any{"job": name})
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (affected int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = goerrors.New("scheduled job panicked", goerrors.CategoryInternal).
				WithMetadata(map[string]any{"job": job.Name, "panic": r})
		}

		outcome := "success"
		if err != nil {
			outcome = "failure"
			s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		} else {
			s.logger.Debug("scheduled job finished", "job", job.Name, "affected", affected)
		}
		s.metrics.SweepRun(job.Name, outcome, affected)
	}()

	return job.Run(ctx)
}

// MaintenanceJobs returns the token sweep and the purge of accounts that were
// never activated within cfg's retention window.
func MaintenanceJobs(repo RepositoryManager, tokens *UserTokenService, cfg Config, activity ActivitySink, logger Logger) []Job {
	logger = normalizeLogger(logger)
	activity = normalizeActivitySink(activity)

	return []Job{
		{
			Name:     JobSweepUserTokens,
			Interval: time.Hour,
			Run:      tokens.SweepExpired,
		},
		{
			Name:     JobPurgeUnactivatedUser,
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) (int64, error) {
				cutoff := utcNow().Add(-cfg.GetUnactivatedRetention())
				n, err := repo.Users().DeleteStaleUnactivated(ctx, cutoff)
				if err != nil {
					return 0, err
				}
				if n > 0 {
					recordActivity(ctx, activity, logger, ActivityEvent{
						EventType: ActivityEventUsersPurged,
						Actor:     ActorFromContext(ctx),
						Metadata:  map[string]any{"count": n, "created_before": cutoff},
					})
				}
				return n, nil
			},
		},
	}
}
