// Package sweeper runs the periodic maintenance passes: expiring leftover
// grant credits, releasing holds on abandoned quotes, and purging old
// idempotency keys.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/credits"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/jobs"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/system"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
)

// Config controls the sweep schedules. Zero values fall back to defaults.
type Config struct {
	// ExpirySchedule runs the grant expiry sweep. Default every minute.
	ExpirySchedule string
	// QuoteSchedule runs the expired quote reaper. Default every minute.
	QuoteSchedule string
	// PurgeSchedule runs the idempotency key purge. Default hourly.
	PurgeSchedule string
	// KeyRetention is how long idempotency keys are kept. Default 30 days.
	KeyRetention time.Duration
	// BatchLimit caps rows touched per pass. Default 500.
	BatchLimit int
}

func (c Config) withDefaults() Config {
	if c.ExpirySchedule == "" {
		c.ExpirySchedule = "@every 1m"
	}
	if c.QuoteSchedule == "" {
		c.QuoteSchedule = "@every 1m"
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = "@hourly"
	}
	if c.KeyRetention <= 0 {
		c.KeyRetention = 30 * 24 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	return c
}

// Sweeper schedules the maintenance passes on a cron runner.
type Sweeper struct {
	credits *credits.Service
	jobs    *jobs.Service
	cfg     Config
	cron    *cron.Cron
	log     *logging.Logger
}

var _ system.Service = (*Sweeper)(nil)

// New constructs a sweeper.
func New(creditSvc *credits.Service, jobSvc *jobs.Service, cfg Config, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.NewDefault("sweeper")
	}
	return &Sweeper{
		credits: creditSvc,
		jobs:    jobSvc,
		cfg:     cfg.withDefaults(),
		log:     log,
	}
}

func (s *Sweeper) Name() string { return "sweeper" }

// Start registers the sweep jobs and begins the schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	runner := cron.New()

	if _, err := runner.AddFunc(s.cfg.ExpirySchedule, func() { s.sweepExpiredGrants(ctx) }); err != nil {
		return err
	}
	if _, err := runner.AddFunc(s.cfg.QuoteSchedule, func() { s.reapExpiredQuotes(ctx) }); err != nil {
		return err
	}
	if _, err := runner.AddFunc(s.cfg.PurgeSchedule, func() { s.purgeIdempotencyKeys(ctx) }); err != nil {
		return err
	}

	runner.Start()
	s.cron = runner
	s.log.WithField("expiry_schedule", s.cfg.ExpirySchedule).
		WithField("quote_schedule", s.cfg.QuoteSchedule).
		Info("sweeper started")
	return nil
}

// Stop halts the schedule and waits for in-flight passes.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.cron = nil
	return nil
}

func (s *Sweeper) sweepExpiredGrants(ctx context.Context) {
	if _, err := s.credits.ExpireDue(ctx, s.cfg.BatchLimit); err != nil {
		s.log.WithError(err).Error("grant expiry sweep failed")
	}
}

func (s *Sweeper) reapExpiredQuotes(ctx context.Context) {
	if _, err := s.jobs.ReapExpiredQuotes(ctx, s.cfg.BatchLimit); err != nil {
		s.log.WithError(err).Error("quote reap failed")
	}
}

func (s *Sweeper) purgeIdempotencyKeys(ctx context.Context) {
	olderThan := time.Now().UTC().Add(-s.cfg.KeyRetention)
	n, err := s.credits.PurgeIdempotencyKeys(ctx, olderThan)
	if err != nil {
		s.log.WithError(err).Error("idempotency key purge failed")
		return
	}
	if n > 0 {
		s.log.WithField("purged", n).Info("idempotency keys purged")
	}
}
