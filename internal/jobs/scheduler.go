// Package jobs runs periodic housekeeping for the integration service.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultEventRetention = 180 * 24 * time.Hour

	jobTimeout = 5 * time.Minute
)

// NoncePurger deletes replay ledger entries that can no longer be replayed.
type NoncePurger interface {
	Purge(ctx context.Context) (int64, error)
}

// EventPruner deletes connection events older than a cutoff.
type EventPruner interface {
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdleCleaner drops idle per-client state.
type IdleCleaner interface {
	CleanupIdle() int
}

// Scheduler manages background jobs
type Scheduler struct {
	cron      *cron.Cron
	nonces    NoncePurger
	events    EventPruner
	limiter   IdleCleaner
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewScheduler creates a new job scheduler. Any dependency may be nil, in
// which case its job is not registered.
func NewScheduler(nonces NoncePurger, events EventPruner, limiter IdleCleaner, retention time.Duration, logger *zap.Logger) *Scheduler {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &Scheduler{
		cron:      cron.New(),
		nonces:    nonces,
		events:    events,
		limiter:   limiter,
		retention: retention,
		logger:    logger.With(zap.String("component", "scheduler")),
		now:       time.Now,
	}
}

// Start registers the jobs and starts the scheduler
func (s *Scheduler) Start() error {
	if s.nonces != nil {
		if _, err := s.cron.AddFunc("*/10 * * * *", s.purgeNonces); err != nil {
			return err
		}
	}

	// Prune old connection events daily at 3:14 AM
	if s.events != nil {
		if _, err := s.cron.AddFunc("14 3 * * *", s.pruneEvents); err != nil {
			return err
		}
	}

	if s.limiter != nil {
		if _, err := s.cron.AddFunc("@every 5m", s.cleanupLimiters); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("Job scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Job scheduler stopped")
}

func (s *Scheduler) purgeNonces() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := s.nonces.Purge(ctx)
	if err != nil {
		s.logger.Error("Failed to purge state nonces", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("Purged expired state nonces", zap.Int64("removed", removed))
	}
}

func (s *Scheduler) pruneEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	removed, err := s.events.PruneEvents(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune connection events", zap.Error(err))
		return
	}
	s.logger.Info("Pruned connection events",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff),
	)
}

func (s *Scheduler) cleanupLimiters() {
	if removed := s.limiter.CleanupIdle(); removed > 0 {
		s.logger.Debug("Dropped idle rate limiters", zap.Int("removed", removed))
	}
}
