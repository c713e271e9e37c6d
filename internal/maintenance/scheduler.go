// Package maintenance runs the broker's periodic sweeps on cron schedules.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/spacebroker/internal/config"
	"github.com/haasonsaas/spacebroker/internal/observability"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Job names.
const (
	JobEvictRecords      = "evict-records"
	JobSweepPollJobs     = "sweep-poll-jobs"
	JobPruneUploadTokens = "prune-upload-tokens"
	JobPruneRateLimit    = "prune-ratelimit"
	JobPruneUsage        = "prune-usage"
)

// Job is a named sweep. Run returns how many entries it removed.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs jobs on their cron specs. Runs of the same job never
// overlap.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]Job
	logger  *slog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewScheduler validates every spec and registers the jobs. Jobs with an
// empty spec are disabled.
func NewScheduler(jobs []Job, logger *slog.Logger, metrics *observability.Metrics) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:    make(map[string]Job, len(jobs)),
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, job := range jobs {
		job := job
		spec := strings.TrimSpace(job.Spec)
		if spec == "" || job.Run == nil {
			continue
		}
		if _, dup := s.jobs[job.Name]; dup {
			cancel()
			return nil, fmt.Errorf("maintenance: duplicate job %q", job.Name)
		}
		job.Spec = spec
		if _, err := s.cron.AddFunc(spec, func() { _ = s.run(s.ctx, job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("maintenance: job %s: invalid schedule %q: %w", job.Name, spec, err)
		}
		s.jobs[job.Name] = job
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns the names of enabled jobs.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// RunNow runs a job synchronously outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("maintenance: unknown job %q", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	start := time.Now()
	n, err := job.Run(ctx)
	s.metrics.MaintenanceRun(job.Name, err)
	if err != nil {
		s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
		return err
	}
	s.logger.Debug("maintenance job finished", "job", job.Name, "removed", n, "duration", time.Since(start))
	return nil
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}

// Targets are the components the standard jobs sweep. Nil targets disable
// their job.
type Targets struct {
	Records interface{ Sweep() int }
	Polls   interface {
		SweepStale(maxAge time.Duration) int
	}
	Tokens  interface{ Prune() int }
	Windows interface{ Prune() int }
	Usage   interface {
		Prune(ctx context.Context) (int, error)
	}

	// PollMaxAge bounds how long a finished polling job is kept.
	PollMaxAge time.Duration
}

// StandardJobs builds the broker's sweep jobs from configuration.
func StandardJobs(cfg config.MaintenanceConfig, t Targets) []Job {
	var jobs []Job
	if t.Records != nil {
		jobs = append(jobs, Job{Name: JobEvictRecords, Spec: cfg.EvictRecords, Run: func(context.Context) (int, error) {
			return t.Records.Sweep(), nil
		}})
	}
	if t.Polls != nil {
		jobs = append(jobs, Job{Name: JobSweepPollJobs, Spec: cfg.SweepPollJobs, Run: func(context.Context) (int, error) {
			return t.Polls.SweepStale(t.PollMaxAge), nil
		}})
	}
	if t.Tokens != nil {
		jobs = append(jobs, Job{Name: JobPruneUploadTokens, Spec: cfg.PruneUploadTokens, Run: func(context.Context) (int, error) {
			return t.Tokens.Prune(), nil
		}})
	}
	if t.Windows != nil {
		jobs = append(jobs, Job{Name: JobPruneRateLimit, Spec: cfg.PruneRateLimit, Run: func(context.Context) (int, error) {
			return t.Windows.Prune(), nil
		}})
	}
	if t.Usage != nil {
		jobs = append(jobs, Job{Name: JobPruneUsage, Spec: cfg.PruneUsage, Run: t.Usage.Prune})
	}
	return jobs
}
