package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/timevision/hub/internal/retry"
)

// Scheduler settles the previous month once the configured day of the
// month arrives. It checks hourly; re-checks are harmless because a month
// already on file is skipped.
type Scheduler struct {
	engine        *Engine
	settlementDay int
	interval      time.Duration
	logger        *slog.Logger

	stop    chan struct{}
	running atomic.Bool

	now func() time.Time
}

// NewScheduler creates a settlement scheduler. settlementDay is the day of
// the month (1-28) on which the previous month gets settled.
func NewScheduler(engine *Engine, settlementDay int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:        engine,
		settlementDay: settlementDay,
		interval:      time.Hour,
		logger:        logger,
		stop:          make(chan struct{}),
		now:           time.Now,
	}
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the scheduler loop until the context is cancelled or Stop is
// called. One check runs immediately on startup so a restart on or after
// the settlement day does not push the run a month out.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("settlement scheduler started", "settlement_day", s.settlementDay)

	s.safeCheck(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeCheck(ctx)
		}
	}
}

// Stop signals the scheduler loop to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in settlement scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.check(ctx)
}

// check settles the previous month when today is on or past the settlement
// day and that month has no summary yet. Transient store failures are
// retried with backoff before giving up until the next tick.
func (s *Scheduler) check(ctx context.Context) {
	now := s.now().UTC()
	if now.Day() < s.settlementDay {
		return
	}

	month := prevMonth(now)
	err := retry.Do(ctx, 3, 2*time.Second, func() error {
		_, err := s.engine.Settle(ctx, month, false)
		if errors.Is(err, ErrAlreadySettled) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		s.logger.Info("scheduled settlement completed", "month", month)
	case errors.Is(err, ErrAlreadySettled):
		// Normal on every tick after the first successful run.
	default:
		s.logger.Error("scheduled settlement failed", "month", month, "error", err)
	}
}

// SetClock overrides the scheduler's clock. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// SetInterval overrides the check interval. Test hook.
func (s *Scheduler) SetInterval(d time.Duration) { s.interval = d }
