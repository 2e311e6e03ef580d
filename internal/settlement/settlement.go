// Package settlement turns a month of metered viewing into platform
// payouts. Subscription revenue minus operating costs and a reserve forms
// the pool; each platform is paid its share of valid viewing seconds.
// Invalid traffic (excluded by the anomaly review) earns nothing.
package settlement

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadySettled     = errors.New("settlement: month already settled")
	ErrSettlementNotFound = errors.New("settlement: not found")
)

// Payout statuses for platform rows. Execution of payouts is outside this
// system; rows stay pending until an operator marks them paid out of band.
const StatusPending = "pending"

// PlatformShare is one platform's cut of a month.
type PlatformShare struct {
	PlatformID    int64   `json:"platformId"`
	TotalSeconds  int64   `json:"totalSeconds"`
	TotalSessions int64   `json:"totalSessions"`
	UniqueUsers   int64   `json:"uniqueUsers"`
	Share         float64 `json:"share"`
	Payout        float64 `json:"payout"`
	Status        string  `json:"status"`
}

// UserShare is one user's metered time on one platform for a month. The
// user's even slice of the pool is split across their platforms by
// PercentOfUser.
type UserShare struct {
	UserID        int64   `json:"userId"`
	PlatformID    int64   `json:"platformId"`
	TotalSeconds  int64   `json:"totalSeconds"`
	PercentOfUser float64 `json:"percentOfUser"`
	Amount        float64 `json:"amount"`
}

// Result is a full settlement computation for one month. Monetary values
// are exact here; rounding happens only at the HTTP boundary.
type Result struct {
	Month               string          `json:"month"` // YYYY-MM
	ActiveUsers         int64           `json:"activeUsers"`
	SubscriptionRevenue float64         `json:"subscriptionRevenue"`
	OperatingCosts      float64         `json:"operatingCosts"`
	Reserve             float64         `json:"reserve"`
	Pool                float64         `json:"pool"`
	TotalValidSeconds   int64           `json:"totalValidSeconds"`
	Platforms           []PlatformShare `json:"platforms"`
	Users               []UserShare     `json:"users"`
	SettledAt           time.Time       `json:"settledAt,omitempty"`
}

// Summary is the persisted header row of a settled month.
type Summary struct {
	Month               string    `json:"month"`
	ActiveUsers         int64     `json:"activeUsers"`
	SubscriptionRevenue float64   `json:"subscriptionRevenue"`
	OperatingCosts      float64   `json:"operatingCosts"`
	Reserve             float64   `json:"reserve"`
	Pool                float64   `json:"pool"`
	TotalValidSeconds   int64     `json:"totalValidSeconds"`
	SettledAt           time.Time `json:"settledAt"`
}

// PlatformMonth is one settled month from a single platform's history.
type PlatformMonth struct {
	Month string `json:"month"`
	PlatformShare
}

// Cost is one operating cost line for a month.
type Cost struct {
	ID          int64     `json:"id"`
	Month       string    `json:"month"`
	Category    string    `json:"category"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store supplies settlement inputs and persists results.
type Store interface {
	// SubscriptionCounts returns active subscriber counts by plan. Only
	// contracts started on or before the first day of the month count.
	SubscriptionCounts(ctx context.Context, month string) (monthly, annual int64, err error)

	// MonthCosts sums operating costs recorded for the month.
	MonthCosts(ctx context.Context, month string) (float64, error)

	// PlatformTotals returns valid viewing seconds per platform for the month.
	PlatformTotals(ctx context.Context, month string) ([]PlatformShare, error)

	// UserTotals returns valid viewing seconds per user and platform for
	// the month.
	UserTotals(ctx context.Context, month string) ([]UserShare, error)

	// Persist writes the result in one transaction. Re-persisting a month
	// replaces the previous run.
	Persist(ctx context.Context, r *Result) error

	// GetSummary returns the persisted header for a settled month.
	GetSummary(ctx context.Context, month string) (*Summary, error)

	// ListSummaries returns settled months, newest first.
	ListSummaries(ctx context.Context, limit int) ([]*Summary, error)

	// PlatformShares returns the persisted per-platform rows for a month.
	PlatformShares(ctx context.Context, month string) ([]PlatformShare, error)

	// UserShares returns the persisted per-user rows for a month.
	UserShares(ctx context.Context, month string) ([]UserShare, error)

	// UserMonthShares returns one user's persisted rows for a month.
	UserMonthShares(ctx context.Context, month string, userID int64) ([]UserShare, error)

	// PlatformHistory returns one platform's settled months, newest first.
	PlatformHistory(ctx context.Context, platformID int64, limit int) ([]PlatformMonth, error)

	// InsertCost records an operating cost line.
	InsertCost(ctx context.Context, c *Cost) error

	// ListCosts returns cost lines for a month.
	ListCosts(ctx context.Context, month string) ([]*Cost, error)
}

// prevMonth returns the month (YYYY-MM) before the given time.
func prevMonth(now time.Time) string {
	y, m, _ := now.UTC().Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -1, 0).Format("2006-01")
}

// monthBounds returns [start, end) timestamps covering a YYYY-MM month.
func monthBounds(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}
