package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes stored exports older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionScheduler deletes expired exports on a schedule
type RetentionScheduler struct {
	pruner        Pruner
	retentionDays int
	schedule      string // Cron schedule (e.g., "0 3 * * *" = 3am daily)
	now           func() time.Time
	cron          *cron.Cron
	running       bool
	lastRun       time.Time
	lastDeleted   int
	mu            sync.Mutex
	logger        zerolog.Logger
}

// RetentionSchedulerConfig holds configuration for the retention scheduler
type RetentionSchedulerConfig struct {
	Pruner        Pruner
	RetentionDays int    // Exports older than this many days are deleted
	Schedule      string // Cron schedule string (e.g., "0 3 * * *")
	Logger        zerolog.Logger
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(cfg *RetentionSchedulerConfig) (*RetentionScheduler, error) {
	if cfg.Pruner == nil {
		return nil, errors.New("retention scheduler requires a pruner")
	}
	if cfg.RetentionDays <= 0 {
		return nil, errors.New("retention days must be positive")
	}

	// Default schedule: daily at 3am
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	if _, err := parser().Parse(schedule); err != nil {
		return nil, err
	}

	s := &RetentionScheduler{
		pruner:        cfg.Pruner,
		retentionDays: cfg.RetentionDays,
		schedule:      schedule,
		now:           time.Now,
		logger:        cfg.Logger.With().Str("component", "retention-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", schedule).
		Int("retention_days", cfg.RetentionDays).
		Msg("Export retention scheduler initialized")

	return s, nil
}

// Start starts the retention scheduler
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Retention scheduler already running")
		return nil
	}

	s.cron = cron.New(cron.WithParser(parser()), cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc(s.schedule, s.runRetention); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.getNextRun()).
		Msg("Retention scheduler started")

	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return
	}
	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Info().Msg("Retention scheduler stopped")
}

func (s *RetentionScheduler) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if _, err := s.TriggerNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled retention failed")
	}
}

// Cutoff is the start of the oldest day whose exports are kept.
func (s *RetentionScheduler) Cutoff() time.Time {
	today := s.now().UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -s.retentionDays)
}

// TriggerNow prunes expired exports immediately.
func (s *RetentionScheduler) TriggerNow(ctx context.Context) (int, error) {
	startTime := time.Now()
	cutoff := s.Cutoff()

	deleted, err := s.pruner.Prune(ctx, cutoff)

	s.mu.Lock()
	s.lastRun = startTime
	s.lastDeleted = deleted
	s.mu.Unlock()

	if err != nil {
		return deleted, err
	}

	s.logger.Info().
		Int("deleted", deleted).
		Time("cutoff", cutoff).
		Dur("duration", time.Since(startTime)).
		Msg("Export retention completed")

	return deleted, nil
}

func (s *RetentionScheduler) getNextRun() time.Time {
	schedule, err := parser().Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(s.now().UTC())
}

// Status returns scheduler status
func (s *RetentionScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":        s.running,
		"schedule":       s.schedule,
		"retention_days": s.retentionDays,
	}
	if s.running {
		status["next_run"] = s.getNextRun().Format(time.RFC3339)
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.Format(time.RFC3339)
		status["last_deleted"] = s.lastDeleted
	}
	return status
}

// IsRunning returns whether the scheduler is running
func (s *RetentionScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetSchedule returns the cron schedule string
func (s *RetentionScheduler) GetSchedule() string {
	return s.schedule
}
