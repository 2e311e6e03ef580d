// Package anomaly flags suspicious viewing traffic before it reaches
// settlement. Two checks run daily: a volume check against the median of
// all users' totals for the day, and a pattern check for users pinned near
// the daily cap on most days of the week. Flagged traffic stays in the
// books; only an operator decision excludes it from payout.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/timevision/hub/internal/pagination"
)

var ErrAnomalyNotFound = errors.New("anomaly: not found")

// Anomaly types.
const (
	TypeVolume  = "volume"
	TypePattern = "pattern"
)

// Anomaly statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusExcluded = "excluded"
)

// Anomaly is one flagged user-day.
type Anomaly struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"userId"`
	Date       string          `json:"date"` // YYYY-MM-DD
	Type       string          `json:"type"`
	Details    json.RawMessage `json:"details"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// Finding is a detection result not yet persisted.
type Finding struct {
	UserID  int64
	Date    string
	Type    string
	Details map[string]interface{}
}

// VolumeOutlier is a user whose daily total dwarfs the day's median.
type VolumeOutlier struct {
	UserID        int64
	Seconds       int64
	MedianSeconds float64
}

// PatternOffender is a user pinned near the daily cap repeatedly.
type PatternOffender struct {
	UserID   int64
	HighDays int64
}

// Store persists anomalies and runs the detection queries over the daily
// traffic aggregates.
type Store interface {
	// Insert records a finding. Returns false when the same user, date and
	// type was already flagged, so reruns are no-ops.
	Insert(ctx context.Context, f *Finding) (bool, error)

	// List returns up to limit+1 anomalies newest first, so callers can
	// detect whether another page exists. Empty status means all; a nil
	// cursor starts from the newest row.
	List(ctx context.Context, status string, cursor *pagination.Cursor, limit int) ([]*Anomaly, error)

	// Resolve marks an open anomaly as reviewed.
	Resolve(ctx context.Context, id int64) error

	// VolumeOutliers finds users whose total on date exceeds multiplier
	// times the median of all users' totals for that date. A zero median
	// means no signal and yields no outliers.
	VolumeOutliers(ctx context.Context, date string, multiplier float64) ([]VolumeOutlier, error)

	// PatternOffenders finds users with at least minDays days above
	// thresholdSeconds in the windowDays ending on date.
	PatternOffenders(ctx context.Context, date string, thresholdSeconds int64, minDays, windowDays int) ([]PatternOffender, error)

	// InvalidateUserMonth marks all of a user's session records in the
	// given month (YYYY-MM) as invalid for settlement and moves the user's
	// anomalies for that month to the excluded status, both in one
	// transaction. Returns the number of session records affected.
	InvalidateUserMonth(ctx context.Context, userID int64, month string) (int64, error)
}
