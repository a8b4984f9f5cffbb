// Package retention runs the daily event cleanup at a fixed local-time
// trigger (HH:MM). The loop sleeps until the next trigger with a cancellable
// timer, so shutdown is observed within one interval.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner deletes events older than the retention window and reports how
// many rows went away.
type Cleaner interface {
	CleanupEvents(ctx context.Context, retentionDays int, vacuum bool) (int64, error)
}

// Scheduler triggers a Cleaner once per day at a configured wall-clock time.
type Scheduler struct {
	cleaner Cleaner
	logger  *slog.Logger

	retentionDays int
	hour, minute  int
	vacuum        bool

	now func() time.Time // test seam
}

func NewScheduler(cleaner Cleaner, logger *slog.Logger, retentionDays, hour, minute int, vacuum bool) *Scheduler {
	return &Scheduler{
		cleaner:       cleaner,
		logger:        logger,
		retentionDays: retentionDays,
		hour:          hour,
		minute:        minute,
		vacuum:        vacuum,
		now:           time.Now,
	}
}

// Run blocks until ctx is cancelled, firing a cleanup at each daily trigger.
// Cleanup failures are logged and the loop continues to the next day.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := NextRun(s.now().UTC(), s.hour, s.minute)
		wait := next.Sub(s.now().UTC())
		s.logger.Info("retention: next cleanup scheduled",
			slog.Time("at", next),
			slog.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := s.now()
	deleted, err := s.cleaner.CleanupEvents(ctx, s.retentionDays, s.vacuum)
	if err != nil {
		s.logger.Warn("retention: cleanup failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("retention: cleanup complete",
		slog.Int64("deleted", deleted),
		slog.Int("retention_days", s.retentionDays),
		slog.Duration("took", s.now().Sub(start)))
}

// NextRun returns the next occurrence of hour:minute strictly after now.
// If today's trigger has already passed (or is exactly now), it lands on
// tomorrow.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
