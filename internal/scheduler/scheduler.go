// Package scheduler runs caredesk's periodic background jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StatsRefresher reloads the dashboard stats
type StatsRefresher interface {
	RefreshStats(ctx context.Context) error
}

// Scheduler manages cron jobs for the client
type Scheduler struct {
	cron      *cron.Cron
	refresher StatsRefresher
	interval  time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewScheduler creates a scheduler that refreshes stats every interval.
func NewScheduler(refresher StatsRefresher, interval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Scheduler{
		// an overrunning refresh is skipped rather than stacked
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		refresher: refresher,
		interval:  interval,
		timeout:   interval,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
	if err := s.scheduleStatsRefresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Debug().Dur("interval", s.interval).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries reports the number of scheduled jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) scheduleStatsRefresh() error {
	schedule := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(schedule, s.refreshStats)
	if err != nil {
		return fmt.Errorf("failed to schedule stats refresh: %w", err)
	}
	return nil
}

func (s *Scheduler) refreshStats() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.refresher.RefreshStats(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to fetch stats")
	}
}
