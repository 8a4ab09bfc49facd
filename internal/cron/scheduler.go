// Package cron runs the maintenance jobs (retention, attachment cleanup,
// backups) on 5-field cron schedules. Last run times live in kv_store so a
// restart does not refire a job that already ran in the current window.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/threadclaw/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one scheduled maintenance action. An empty Spec disables it.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type scheduled struct {
	job   Job
	sched cronlib.Schedule
}

// Scheduler ticks at a fixed interval and fires every job whose next
// run after its recorded last run is due.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []scheduled

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: cfg.Store, logger: logger, interval: interval, now: now}
}

// Add registers a job. Jobs with an empty spec are skipped silently.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		return nil
	}
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cron job requires a name and a run func")
	}
	sched, err := cronParser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("cron job %s: parse %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.job.Name == job.Name {
			return fmt.Errorf("cron job %s already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, scheduled{job: job, sched: sched})
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.job.Name)
	}
	return names
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", s.Jobs())
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job once and returns the names that ran.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.mu.Lock()
	jobs := append([]scheduled(nil), s.jobs...)
	s.mu.Unlock()

	now := s.now().UTC()
	var fired []string
	for _, j := range jobs {
		if ctx.Err() != nil {
			return fired
		}
		due, err := s.due(ctx, j, now)
		if err != nil {
			s.logger.Error("cron: read last run failed", "job", j.job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, j.job, now)
		fired = append(fired, j.job.Name)
	}
	return fired
}

// due reports whether the job's next run after its last run has passed.
// A job that never ran is anchored one interval back so the first tick
// only fires when a scheduled time falls inside that window.
func (s *Scheduler) due(ctx context.Context, j scheduled, now time.Time) (bool, error) {
	raw, err := s.store.KVGet(ctx, LastRunKey(j.job.Name))
	if err != nil {
		return false, err
	}
	last := now.Add(-s.interval)
	if raw != "" {
		parsed, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			s.logger.Warn("cron: bad last run value, resetting", "job", j.job.Name, "value", raw)
		} else {
			last = parsed
		}
	}
	return !j.sched.Next(last).After(now), nil
}

func (s *Scheduler) fire(ctx context.Context, job Job, now time.Time) {
	// Record first so a crashing job does not refire on every tick.
	if err := s.store.KVSet(ctx, LastRunKey(job.Name), now.Format(time.RFC3339)); err != nil {
		s.logger.Error("cron: record last run failed", "job", job.Name, "error", err)
		return
	}
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("cron: job ran", "job", job.Name, "duration", time.Since(start))
}

func LastRunKey(name string) string {
	return "cron:" + name + ":last_run"
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
