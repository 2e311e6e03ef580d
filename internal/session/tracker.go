package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/timevision/hub/internal/metrics"
	"github.com/timevision/hub/internal/platform"
	"github.com/timevision/hub/internal/syncutil"
	"github.com/timevision/hub/internal/traces"
)

// Config bounds session accrual.
type Config struct {
	MaxDailySeconds   int64
	MaxSessionSeconds int64
	DailyCounterTTL   time.Duration
}

// DefaultConfig returns the production limits: 16h/day, 6h/session,
// daily counters kept 48h.
func DefaultConfig() Config {
	return Config{
		MaxDailySeconds:   57600,
		MaxSessionSeconds: 21600,
		DailyCounterTTL:   48 * time.Hour,
	}
}

// Tracker owns the session state machine. It is the only writer of live
// session state; every mutating operation is serialized per user through a
// keyed mutex, so start/heartbeat/stop for the same user never interleave.
type Tracker struct {
	live      LiveStore
	records   RecordStore
	platforms platform.Store
	locks     *syncutil.KeyedMutex
	cfg       Config
	logger    *slog.Logger

	now func() time.Time // injectable clock for tests
}

// NewTracker creates a session tracker.
func NewTracker(live LiveStore, records RecordStore, platforms platform.Store, cfg Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		live:      live,
		records:   records,
		platforms: platforms,
		locks:     syncutil.NewKeyedMutex(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start opens a session for the user on the given platform. An existing
// live session is force-closed with reason "switch" first; its durable
// record is committed before the new session exists anywhere.
func (t *Tracker) Start(ctx context.Context, userID, platformID int64, platformName, contentID, contentTitle string) (*StartResult, error) {
	ctx, span := traces.StartSpan(ctx, "session.start", traces.UserID(userID), traces.PlatformID(platformID))
	defer span.End()

	unlock, err := t.locks.LockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// One live session per user: close the old one before anything else.
	if existing, err := t.live.GetSession(ctx, userID); err != nil {
		return nil, err
	} else if existing != nil {
		if _, err := t.stopLocked(ctx, userID, existing.SessionID, ReasonSwitch); err != nil {
			return nil, fmt.Errorf("close previous session: %w", err)
		}
	}

	day := t.today()
	dailySeconds, err := t.live.DailySeconds(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	if dailySeconds >= t.cfg.MaxDailySeconds {
		metrics.DailyCapRejections.Inc()
		return nil, ErrDailyCapExceeded
	}

	pl, err := t.platforms.Get(ctx, platformID)
	if err != nil {
		return nil, err
	}
	if platformName == "" {
		platformName = pl.Name
	}

	now := t.now().Unix()
	s := &Session{
		SessionID:     newSessionID(),
		UserID:        userID,
		PlatformID:    platformID,
		PlatformName:  platformName,
		ContentID:     contentID,
		ContentTitle:  contentTitle,
		StartedAt:     now,
		LastHeartbeat: now,
		DurationSec:   0,
	}

	// TTL doubles as a safety net: if every other cleanup path fails, the
	// key still vanishes once the session cap has elapsed.
	if err := t.live.PutSession(ctx, s, t.sessionTTL()); err != nil {
		return nil, err
	}
	if err := t.live.AddLiveUser(ctx, platformID, userID); err != nil {
		t.logger.Warn("failed to add user to live set", "user_id", userID, "platform_id", platformID, "error", err)
	}
	if err := t.live.AppendEvent(ctx, &Event{
		Type: EventStart, UserID: userID, SessionID: s.SessionID,
		PlatformID: platformID, ContentID: contentID, Timestamp: now,
	}); err != nil {
		t.logger.Warn("failed to append start event", "session_id", s.SessionID, "error", err)
	}

	metrics.SessionsStartedTotal.Inc()
	t.logger.Info("session started",
		"user_id", userID,
		"session_id", s.SessionID,
		"platform", platformName,
	)

	return &StartResult{
		SessionID:   s.SessionID,
		StartedAt:   now,
		RedirectURL: platform.RedirectURL(pl, contentID),
	}, nil
}

// Heartbeat refreshes the user's live session. When the session cap is
// reached the session is force-closed with reason "cap"; ended is true and
// the returned duration is the capped one.
func (t *Tracker) Heartbeat(ctx context.Context, userID int64, sessionID string) (durationSec int64, ended bool, err error) {
	unlock, err := t.locks.LockUser(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	s, err := t.live.GetSession(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	if s == nil || s.SessionID != sessionID {
		return 0, false, ErrSessionNotFound
	}

	now := t.now().Unix()
	durationSec = now - s.StartedAt

	if durationSec >= t.cfg.MaxSessionSeconds {
		if _, err := t.stopLocked(ctx, userID, sessionID, ReasonCap); err != nil {
			return 0, false, err
		}
		return t.cfg.MaxSessionSeconds, true, nil
	}

	if err := t.live.RefreshHeartbeat(ctx, userID, now, durationSec, t.sessionTTL()); err != nil {
		return 0, false, err
	}
	return durationSec, false, nil
}

// Stop closes the user's live session and commits it durably.
func (t *Tracker) Stop(ctx context.Context, userID int64, sessionID string, reason EndReason) (*StopResult, error) {
	ctx, span := traces.StartSpan(ctx, "session.stop", traces.UserID(userID), traces.SessionID(sessionID))
	defer span.End()

	unlock, err := t.locks.LockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return t.stopLocked(ctx, userID, sessionID, reason)
}

// stopLocked is the close path; callers must hold the user's lock.
func (t *Tracker) stopLocked(ctx context.Context, userID int64, sessionID string, reason EndReason) (*StopResult, error) {
	s, err := t.live.GetSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s == nil || s.SessionID != sessionID {
		return nil, ErrSessionNotFound
	}

	now := t.now()
	durationSec := now.Unix() - s.StartedAt
	if durationSec > t.cfg.MaxSessionSeconds {
		durationSec = t.cfg.MaxSessionSeconds
	}
	if durationSec < 0 {
		durationSec = 0
	}

	// The durable record is the source of truth and must land before any
	// counter is trusted for settlement.
	rec := &Record{
		SessionID:     s.SessionID,
		UserID:        userID,
		PlatformID:    s.PlatformID,
		ContentID:     s.ContentID,
		StartedAt:     time.Unix(s.StartedAt, 0).UTC(),
		EndedAt:       now.UTC(),
		LastHeartbeat: time.Unix(s.LastHeartbeat, 0).UTC(),
		DurationSec:   durationSec,
		EndReason:     reason,
		IsValid:       true,
	}
	if err := t.records.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := t.records.UpsertDailyAggregate(ctx, now.UTC(), userID, s.PlatformID, durationSec); err != nil {
		return nil, err
	}

	// Everything below is denormalized cache; failures are logged, not fatal.
	day := t.today()
	if err := t.live.IncrDaily(ctx, userID, day, s.PlatformName, durationSec, t.cfg.DailyCounterTTL); err != nil {
		t.logger.Warn("failed to update daily counter", "user_id", userID, "error", err)
	}
	if err := t.live.RemoveLiveUser(ctx, s.PlatformID, userID); err != nil {
		t.logger.Warn("failed to remove user from live set", "user_id", userID, "error", err)
	}
	if err := t.live.DeleteSession(ctx, userID); err != nil {
		t.logger.Warn("failed to delete live session", "user_id", userID, "error", err)
	}
	if err := t.live.AppendEvent(ctx, &Event{
		Type: EventStop, UserID: userID, SessionID: sessionID,
		PlatformID: s.PlatformID, DurationSec: durationSec,
		Reason: reason, Timestamp: now.Unix(),
	}); err != nil {
		t.logger.Warn("failed to append stop event", "session_id", sessionID, "error", err)
	}

	metrics.SessionsStoppedTotal.WithLabelValues(string(reason)).Inc()
	metrics.SessionSecondsRecorded.Add(float64(durationSec))
	t.logger.Info("session stopped",
		"user_id", userID,
		"session_id", sessionID,
		"duration_sec", durationSec,
		"reason", string(reason),
	)

	return &StopResult{
		SessionID:       sessionID,
		PlatformName:    s.PlatformName,
		DurationSeconds: durationSec,
		EndReason:       reason,
	}, nil
}

// GetActiveSession returns the user's live session, or nil.
func (t *Tracker) GetActiveSession(ctx context.Context, userID int64) (*Session, error) {
	return t.live.GetSession(ctx, userID)
}

// GetDailySeconds returns the user's accumulated viewing seconds today,
// read from the fast counter (a cache of the durable aggregate).
func (t *Tracker) GetDailySeconds(ctx context.Context, userID int64) (int64, error) {
	return t.live.DailySeconds(ctx, userID, t.today())
}

// LivePlatformStats returns the live-user count per active platform.
func (t *Tracker) LivePlatformStats(ctx context.Context) ([]PlatformLiveStats, error) {
	platforms, err := t.platforms.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]PlatformLiveStats, 0, len(platforms))
	for _, pl := range platforms {
		n, err := t.live.LiveUserCount(ctx, pl.ID)
		if err != nil {
			return nil, err
		}
		stats = append(stats, PlatformLiveStats{PlatformID: pl.ID, ActiveUsers: n})
	}
	return stats, nil
}

// DeleteStaleSession removes a live session key directly without writing a
// record. The watchdog uses this when a session vanished between its scan
// and its stop call — an expected race, not a fault.
func (t *Tracker) DeleteStaleSession(ctx context.Context, userID int64) error {
	return t.live.DeleteSession(ctx, userID)
}

// SetClock overrides the tracker's clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

func (t *Tracker) sessionTTL() time.Duration {
	return time.Duration(t.cfg.MaxSessionSeconds) * time.Second
}

func (t *Tracker) today() string {
	return t.now().UTC().Format("2006-01-02")
}
