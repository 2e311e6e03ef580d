package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/timevision/hub/internal/metrics"
)

// Config tunes the detection checks.
type Config struct {
	DailyCapSeconds  int64
	VolumeMultiplier float64 // flag when a user's day exceeds multiplier x the day's median
	PatternThreshold float64 // fraction of the daily cap that counts as a high day
	PatternMinDays   int     // high days needed inside the window
	PatternWindow    int     // trailing window, in days
	Interval         time.Duration
}

// DefaultConfig returns the production detection parameters.
func DefaultConfig(dailyCapSeconds int64) Config {
	return Config{
		DailyCapSeconds:  dailyCapSeconds,
		VolumeMultiplier: 3.0,
		PatternThreshold: 0.875,
		PatternMinDays:   3,
		PatternWindow:    7,
		Interval:         24 * time.Hour,
	}
}

// Detector runs the daily anomaly checks and persists findings.
type Detector struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	stop    chan struct{}
	running atomic.Bool

	now func() time.Time
}

// NewDetector creates an anomaly detector.
func NewDetector(store Store, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		store:  store,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

// Running reports whether the detection loop is active.
func (d *Detector) Running() bool {
	return d.running.Load()
}

// Start runs the detection loop until the context is cancelled or Stop is
// called. Each tick checks the previous day, so a full day of aggregates is
// always in place.
func (d *Detector) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	d.logger.Info("anomaly detector started", "interval", d.cfg.Interval.String())

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDetect(ctx)
		}
	}
}

// Stop signals the detection loop to stop.
func (d *Detector) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Detector) safeDetect(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in anomaly detection", "panic", fmt.Sprint(r))
		}
	}()

	yesterday := d.now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	if _, err := d.Detect(ctx, yesterday); err != nil {
		d.logger.Error("anomaly detection failed", "date", yesterday, "error", err)
	}
}

// Detect runs both checks for one date and persists any new findings.
// Re-running for the same date only adds findings not already on file.
func (d *Detector) Detect(ctx context.Context, date string) (int, error) {
	var flagged int

	outliers, err := d.store.VolumeOutliers(ctx, date, d.cfg.VolumeMultiplier)
	if err != nil {
		return 0, fmt.Errorf("volume check: %w", err)
	}
	for _, o := range outliers {
		fresh, err := d.store.Insert(ctx, &Finding{
			UserID: o.UserID,
			Date:   date,
			Type:   TypeVolume,
			Details: map[string]interface{}{
				"seconds":       o.Seconds,
				"medianSeconds": o.MedianSeconds,
				"multiplier":    d.cfg.VolumeMultiplier,
			},
		})
		if err != nil {
			return flagged, err
		}
		if fresh {
			flagged++
			metrics.AnomaliesFlaggedTotal.WithLabelValues(TypeVolume).Inc()
			d.logger.Warn("volume anomaly flagged",
				"user_id", o.UserID,
				"date", date,
				"seconds", o.Seconds,
				"median", o.MedianSeconds,
			)
		}
	}

	threshold := int64(float64(d.cfg.DailyCapSeconds) * d.cfg.PatternThreshold)
	offenders, err := d.store.PatternOffenders(ctx, date, threshold, d.cfg.PatternMinDays, d.cfg.PatternWindow)
	if err != nil {
		return flagged, fmt.Errorf("pattern check: %w", err)
	}
	for _, o := range offenders {
		fresh, err := d.store.Insert(ctx, &Finding{
			UserID: o.UserID,
			Date:   date,
			Type:   TypePattern,
			Details: map[string]interface{}{
				"highDays":         o.HighDays,
				"thresholdSeconds": threshold,
				"windowDays":       d.cfg.PatternWindow,
			},
		})
		if err != nil {
			return flagged, err
		}
		if fresh {
			flagged++
			metrics.AnomaliesFlaggedTotal.WithLabelValues(TypePattern).Inc()
			d.logger.Warn("pattern anomaly flagged",
				"user_id", o.UserID,
				"date", date,
				"high_days", o.HighDays,
			)
		}
	}

	if flagged > 0 {
		d.logger.Info("anomaly detection finished", "date", date, "flagged", flagged)
	}
	return flagged, nil
}

// SetClock overrides the detector's clock. Test hook.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }
