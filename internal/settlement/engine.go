package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/timevision/hub/internal/metrics"
	"github.com/timevision/hub/internal/traces"
	"github.com/timevision/hub/internal/validation"
)

// Config holds the revenue model parameters. Settlement revenue always
// uses the monthly rate per active user; AnnualPrice is the yearly billing
// price and does not enter the pool.
type Config struct {
	MonthlyPrice  float64 // EUR per active subscriber per month
	AnnualPrice   float64 // EUR per annual subscriber per year (billing only)
	ReserveMargin float64 // fraction of costs held back from the pool
}

// DefaultConfig returns the production revenue model.
func DefaultConfig() Config {
	return Config{
		MonthlyPrice:  50,
		AnnualPrice:   540,
		ReserveMargin: 0.05,
	}
}

// Engine computes and persists monthly settlements.
type Engine struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	now func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(store Store, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Calculate computes the settlement for a month without persisting it.
//
// Pool arithmetic:
//
//	revenue = activeUsers x monthlyPrice
//	reserve = costs x reserveMargin
//	pool    = revenue - costs - reserve
//
// Annual subscribers count as active users at the monthly rate; their
// billing discount is a subscription concern, not a settlement one.
//
// A negative pool is carried through as-is; platform payouts then come out
// negative, which the business reads as debt rolled into the next month.
func (e *Engine) Calculate(ctx context.Context, month string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.calculate", traces.Month(month))
	defer span.End()

	if !validation.IsValidMonth(month) {
		return nil, fmt.Errorf("invalid month %q, want YYYY-MM", month)
	}

	monthly, annual, err := e.store.SubscriptionCounts(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("subscription counts: %w", err)
	}
	costs, err := e.store.MonthCosts(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("month costs: %w", err)
	}

	activeUsers := monthly + annual
	revenue := float64(activeUsers) * e.cfg.MonthlyPrice
	reserve := costs * e.cfg.ReserveMargin
	pool := revenue - costs - reserve

	platforms, err := e.store.PlatformTotals(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("platform totals: %w", err)
	}
	users, err := e.store.UserTotals(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("user totals: %w", err)
	}

	var totalValid int64
	for _, p := range platforms {
		totalValid += p.TotalSeconds
	}

	for i := range platforms {
		if totalValid > 0 {
			platforms[i].Share = float64(platforms[i].TotalSeconds) / float64(totalValid)
			platforms[i].Payout = pool * platforms[i].Share
		}
		platforms[i].Status = StatusPending
	}

	// Each active user gets an even slice of the pool, split across the
	// platforms they watched in proportion to their own seconds.
	var allotment float64
	if activeUsers > 0 {
		allotment = pool / float64(activeUsers)
	}
	userTotals := make(map[int64]int64)
	for _, u := range users {
		userTotals[u.UserID] += u.TotalSeconds
	}
	for i := range users {
		if total := userTotals[users[i].UserID]; total > 0 {
			users[i].PercentOfUser = float64(users[i].TotalSeconds) / float64(total)
			users[i].Amount = allotment * users[i].PercentOfUser
		}
	}

	return &Result{
		Month:               month,
		ActiveUsers:         activeUsers,
		SubscriptionRevenue: revenue,
		OperatingCosts:      costs,
		Reserve:             reserve,
		Pool:                pool,
		TotalValidSeconds:   totalValid,
		Platforms:           platforms,
		Users:               users,
		SettledAt:           e.now().UTC(),
	}, nil
}

// Settle computes and persists a month. Unless force is set, a month that
// already has a summary on file is left alone and ErrAlreadySettled is
// returned.
func (e *Engine) Settle(ctx context.Context, month string, force bool) (*Result, error) {
	if !force {
		if _, err := e.store.GetSummary(ctx, month); err == nil {
			return nil, ErrAlreadySettled
		} else if err != ErrSettlementNotFound {
			return nil, err
		}
	}

	r, err := e.Calculate(ctx, month)
	if err != nil {
		metrics.SettlementRunsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	if err := e.store.Persist(ctx, r); err != nil {
		metrics.SettlementRunsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("persist settlement: %w", err)
	}

	metrics.SettlementRunsTotal.WithLabelValues("success").Inc()
	e.logger.Info("month settled",
		"month", month,
		"active_users", r.ActiveUsers,
		"pool", r.Pool,
		"total_valid_seconds", r.TotalValidSeconds,
		"platforms", len(r.Platforms),
	)
	return r, nil
}

// PreviewCurrentMonth computes the running settlement for the month in
// progress. Nothing is persisted.
func (e *Engine) PreviewCurrentMonth(ctx context.Context) (*Result, error) {
	return e.Calculate(ctx, e.now().UTC().Format("2006-01"))
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }
