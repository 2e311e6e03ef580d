// Package watchdog reaps live sessions whose clients stopped sending
// heartbeats. A crashed app or dropped connection never calls stop, so
// without the watchdog the session would accrue viewing time until its
// Redis TTL fired.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/timevision/hub/internal/metrics"
	"github.com/timevision/hub/internal/session"
)

const scanBatchSize = 100

// SessionReaper is the slice of the tracker the watchdog needs.
type SessionReaper interface {
	GetActiveSession(ctx context.Context, userID int64) (*session.Session, error)
	Stop(ctx context.Context, userID int64, sessionID string, reason session.EndReason) (*session.StopResult, error)
	DeleteStaleSession(ctx context.Context, userID int64) error
}

// LiveScanner pages through the user ids that currently hold a live session.
type LiveScanner interface {
	ScanUserIDs(ctx context.Context, cursor uint64, count int64) ([]int64, uint64, error)
}

// Watchdog periodically sweeps live sessions and force-stops any whose
// last heartbeat is older than the timeout.
type Watchdog struct {
	reaper   SessionReaper
	scanner  LiveScanner
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool

	now func() time.Time
}

// New creates a watchdog. Timeout is how stale a heartbeat may be before
// the session is reaped; interval is how often the sweep runs.
func New(reaper SessionReaper, scanner LiveScanner, timeout, interval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		reaper:   reaper,
		scanner:  scanner,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Running reports whether the sweep loop is active.
func (w *Watchdog) Running() bool {
	return w.running.Load()
}

// Start runs the sweep loop until the context is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("watchdog started",
		"timeout", w.timeout.String(),
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (w *Watchdog) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watchdog) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in watchdog sweep", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// Sweep scans every live session once and reaps the stale ones. At most
// one sweep runs at a time; if the previous one is still going, the tick
// is skipped rather than piled on.
func (w *Watchdog) Sweep(ctx context.Context) {
	if !w.sweeping.CompareAndSwap(false, true) {
		w.logger.Warn("previous watchdog sweep still running, skipping tick")
		return
	}
	defer w.sweeping.Store(false)

	start := w.now()
	var scanned, reaped int

	var cursor uint64
	for {
		userIDs, next, err := w.scanner.ScanUserIDs(ctx, cursor, scanBatchSize)
		if err != nil {
			w.logger.Error("watchdog scan failed", "error", err)
			return
		}

		for _, userID := range userIDs {
			scanned++
			if w.reapIfStale(ctx, userID) {
				reaped++
			}
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	metrics.WatchdogSweepDuration.Observe(time.Since(start).Seconds())
	if reaped > 0 {
		w.logger.Info("watchdog sweep finished",
			"scanned", scanned,
			"reaped", reaped,
			"elapsed", time.Since(start).String(),
		)
	}
}

// reapIfStale checks one user's live session and stops it when the last
// heartbeat is older than the timeout. Reports whether a session was reaped.
func (w *Watchdog) reapIfStale(ctx context.Context, userID int64) bool {
	s, err := w.reaper.GetActiveSession(ctx, userID)
	if err != nil {
		w.logger.Error("watchdog failed to load session", "user_id", userID, "error", err)
		return false
	}
	if s == nil {
		// Ended between scan and load. Nothing to do.
		return false
	}

	age := w.now().Unix() - s.LastHeartbeat
	if age <= int64(w.timeout.Seconds()) {
		return false
	}

	_, err = w.reaper.Stop(ctx, userID, s.SessionID, session.ReasonTimeout)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// Lost the race with a concurrent stop; clear any leftover key.
			_ = w.reaper.DeleteStaleSession(ctx, userID)
			return false
		}
		w.logger.Error("watchdog failed to stop stale session",
			"user_id", userID,
			"session_id", s.SessionID,
			"error", err,
		)
		return false
	}

	metrics.WatchdogReapsTotal.Inc()
	w.logger.Info("reaped stale session",
		"user_id", userID,
		"session_id", s.SessionID,
		"heartbeat_age_sec", age,
	)
	return true
}

// SetClock overrides the watchdog's clock. Test hook.
func (w *Watchdog) SetClock(now func() time.Time) { w.now = now }
