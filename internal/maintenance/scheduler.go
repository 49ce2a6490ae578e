// Package maintenance runs periodic cache upkeep: the optional expiry sweep
// and the L2 health probe that lets a bypassed tier recover.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Target is the cache being maintained
type Target interface {
	CleanupExpired(ctx context.Context) int
	CheckHealth(ctx context.Context) error
}

// Config configures the maintenance schedules. Schedules use standard cron
// syntax or descriptors such as "@every 5m"; an empty schedule disables the job.
type Config struct {
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	HealthSchedule  string        `yaml:"health_schedule"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default schedules
func DefaultConfig() Config {
	return Config{
		CleanupSchedule: "@every 5m",
		HealthSchedule:  "@every 30s",
		Timeout:         30 * time.Second,
	}
}

// Stats reports what the scheduler has done so far
type Stats struct {
	CleanupRuns    uint64    `json:"cleanup_runs"`
	EntriesRemoved uint64    `json:"entries_removed"`
	HealthChecks   uint64    `json:"health_checks"`
	HealthFailures uint64    `json:"health_failures"`
	NextCleanup    time.Time `json:"next_cleanup,omitempty"`
	NextHealth     time.Time `json:"next_health,omitempty"`
}

// Scheduler runs maintenance jobs against a cache on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	target  Target
	timeout time.Duration
	logger  *zap.Logger

	cleanupID cron.EntryID
	healthID  cron.EntryID

	mu      sync.Mutex
	running bool

	cleanupRuns    atomic.Uint64
	entriesRemoved atomic.Uint64
	healthChecks   atomic.Uint64
	healthFailures atomic.Uint64
}

// NewScheduler validates the schedules and registers the jobs. Jobs do not run
// until Start is called.
func NewScheduler(target Target, config Config, logger *zap.Logger) (*Scheduler, error) {
	if target == nil {
		return nil, fmt.Errorf("maintenance target is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		target:  target,
		timeout: config.Timeout,
		logger:  logger,
	}

	var err error
	if config.CleanupSchedule != "" {
		s.cleanupID, err = s.cron.AddFunc(config.CleanupSchedule, func() { s.RunCleanup(context.Background()) })
		if err != nil {
			return nil, fmt.Errorf("invalid cleanup schedule %q: %w", config.CleanupSchedule, err)
		}
	}
	if config.HealthSchedule != "" {
		s.healthID, err = s.cron.AddFunc(config.HealthSchedule, func() { _ = s.RunHealthCheck(context.Background()) })
		if err != nil {
			return nil, fmt.Errorf("invalid health schedule %q: %w", config.HealthSchedule, err)
		}
	}
	return s, nil
}

// Start starts the scheduler in the background. It is a no-op when running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunCleanup sweeps expired entries now and returns the number removed
func (s *Scheduler) RunCleanup(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	removed := s.target.CleanupExpired(ctx)
	s.cleanupRuns.Add(1)
	s.entriesRemoved.Add(uint64(removed))
	s.logger.Debug("expiry sweep finished",
		zap.Int("removed", removed), zap.Duration("duration", time.Since(start)))
	return removed
}

// RunHealthCheck probes the cache tiers now
func (s *Scheduler) RunHealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.healthChecks.Add(1)
	if err := s.target.CheckHealth(ctx); err != nil {
		s.healthFailures.Add(1)
		s.logger.Warn("cache health probe failed", zap.Error(err))
		return err
	}
	return nil
}

// Stats returns run counters and the next scheduled times
func (s *Scheduler) Stats() Stats {
	st := Stats{
		CleanupRuns:    s.cleanupRuns.Load(),
		EntriesRemoved: s.entriesRemoved.Load(),
		HealthChecks:   s.healthChecks.Load(),
		HealthFailures: s.healthFailures.Load(),
	}
	if s.cleanupID != 0 {
		st.NextCleanup = s.cron.Entry(s.cleanupID).Next
	}
	if s.healthID != 0 {
		st.NextHealth = s.cron.Entry(s.healthID).Next
	}
	return st
}

// cronLogger routes cron's logging to zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
