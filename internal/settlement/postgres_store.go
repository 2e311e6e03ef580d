package settlement

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store over the settlement tables plus the
// viewing_sessions, users and hub_costs inputs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SubscriptionCounts(ctx context.Context, month string) (int64, int64, error) {
	start, _, err := monthBounds(month)
	if err != nil {
		return 0, 0, err
	}

	var monthly, annual int64
	err = p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE subscription_plan = 'monthly'),
			COUNT(*) FILTER (WHERE subscription_plan = 'annual')
		FROM users
		WHERE active AND contract_started_at <= $1
	`, start).Scan(&monthly, &annual)
	if err != nil {
		return 0, 0, fmt.Errorf("subscription counts: %w", err)
	}
	return monthly, annual, nil
}

func (p *PostgresStore) MonthCosts(ctx context.Context, month string) (float64, error) {
	var total float64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM hub_costs WHERE month = $1
	`, month).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("month costs: %w", err)
	}
	return total, nil
}

func (p *PostgresStore) PlatformTotals(ctx context.Context, month string) ([]PlatformShare, error) {
	start, end, err := monthBounds(month)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT platform_id, SUM(duration_sec), COUNT(*), COUNT(DISTINCT user_id)
		FROM viewing_sessions
		WHERE is_valid AND started_at >= $1 AND started_at < $2
		GROUP BY platform_id
		ORDER BY platform_id
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("platform totals: %w", err)
	}
	defer rows.Close()

	var out []PlatformShare
	for rows.Next() {
		var ps PlatformShare
		if err := rows.Scan(&ps.PlatformID, &ps.TotalSeconds, &ps.TotalSessions, &ps.UniqueUsers); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UserTotals(ctx context.Context, month string) ([]UserShare, error) {
	start, end, err := monthBounds(month)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, platform_id, SUM(duration_sec)
		FROM viewing_sessions
		WHERE is_valid AND started_at >= $1 AND started_at < $2
		GROUP BY user_id, platform_id
		ORDER BY user_id, platform_id
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("user totals: %w", err)
	}
	defer rows.Close()

	var out []UserShare
	for rows.Next() {
		var us UserShare
		if err := rows.Scan(&us.UserID, &us.PlatformID, &us.TotalSeconds); err != nil {
			return nil, err
		}
		out = append(out, us)
	}
	return out, rows.Err()
}

// Persist writes the whole result atomically. The month's previous rows,
// if any, are replaced.
func (p *PostgresStore) Persist(ctx context.Context, r *Result) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlement_summary
			(month, active_users, subscription_revenue, operating_costs, reserve, pool, total_valid_seconds, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (month) DO UPDATE SET
			active_users = EXCLUDED.active_users,
			subscription_revenue = EXCLUDED.subscription_revenue,
			operating_costs = EXCLUDED.operating_costs,
			reserve = EXCLUDED.reserve,
			pool = EXCLUDED.pool,
			total_valid_seconds = EXCLUDED.total_valid_seconds,
			settled_at = EXCLUDED.settled_at
	`, r.Month, r.ActiveUsers, r.SubscriptionRevenue, r.OperatingCosts, r.Reserve, r.Pool, r.TotalValidSeconds, r.SettledAt)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM monthly_platform_traffic WHERE month = $1`, r.Month); err != nil {
		return fmt.Errorf("clear platform rows: %w", err)
	}
	for _, ps := range r.Platforms {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO monthly_platform_traffic
				(month, platform_id, total_seconds, total_sessions, unique_users, share, payout_amount, status, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.Month, ps.PlatformID, ps.TotalSeconds, ps.TotalSessions, ps.UniqueUsers, ps.Share, ps.Payout, ps.Status, r.SettledAt)
		if err != nil {
			return fmt.Errorf("insert platform row: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM monthly_user_traffic WHERE month = $1`, r.Month); err != nil {
		return fmt.Errorf("clear user rows: %w", err)
	}
	for _, us := range r.Users {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO monthly_user_traffic
				(month, user_id, platform_id, total_seconds, percent_of_user, amount, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.Month, us.UserID, us.PlatformID, us.TotalSeconds, us.PercentOfUser, us.Amount, r.SettledAt)
		if err != nil {
			return fmt.Errorf("insert user row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement tx: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSummary(ctx context.Context, month string) (*Summary, error) {
	s := &Summary{}
	err := p.db.QueryRowContext(ctx, `
		SELECT month, active_users, subscription_revenue, operating_costs, reserve, pool, total_valid_seconds, settled_at
		FROM settlement_summary WHERE month = $1
	`, month).Scan(&s.Month, &s.ActiveUsers, &s.SubscriptionRevenue, &s.OperatingCosts, &s.Reserve, &s.Pool, &s.TotalValidSeconds, &s.SettledAt)
	if err == sql.ErrNoRows {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListSummaries(ctx context.Context, limit int) ([]*Summary, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT month, active_users, subscription_revenue, operating_costs, reserve, pool, total_valid_seconds, settled_at
		FROM settlement_summary
		ORDER BY month DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		s := &Summary{}
		if err := rows.Scan(&s.Month, &s.ActiveUsers, &s.SubscriptionRevenue, &s.OperatingCosts, &s.Reserve, &s.Pool, &s.TotalValidSeconds, &s.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PlatformShares(ctx context.Context, month string) ([]PlatformShare, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT platform_id, total_seconds, total_sessions, unique_users, share, payout_amount, status
		FROM monthly_platform_traffic
		WHERE month = $1
		ORDER BY platform_id
	`, month)
	if err != nil {
		return nil, fmt.Errorf("platform shares: %w", err)
	}
	defer rows.Close()

	var out []PlatformShare
	for rows.Next() {
		var ps PlatformShare
		if err := rows.Scan(&ps.PlatformID, &ps.TotalSeconds, &ps.TotalSessions, &ps.UniqueUsers, &ps.Share, &ps.Payout, &ps.Status); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UserShares(ctx context.Context, month string) ([]UserShare, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, platform_id, total_seconds, percent_of_user, amount
		FROM monthly_user_traffic
		WHERE month = $1
		ORDER BY user_id, platform_id
	`, month)
	if err != nil {
		return nil, fmt.Errorf("user shares: %w", err)
	}
	defer rows.Close()

	var out []UserShare
	for rows.Next() {
		var us UserShare
		if err := rows.Scan(&us.UserID, &us.PlatformID, &us.TotalSeconds, &us.PercentOfUser, &us.Amount); err != nil {
			return nil, err
		}
		out = append(out, us)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UserMonthShares(ctx context.Context, month string, userID int64) ([]UserShare, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, platform_id, total_seconds, percent_of_user, amount
		FROM monthly_user_traffic
		WHERE month = $1 AND user_id = $2
		ORDER BY platform_id
	`, month, userID)
	if err != nil {
		return nil, fmt.Errorf("user month shares: %w", err)
	}
	defer rows.Close()

	var out []UserShare
	for rows.Next() {
		var us UserShare
		if err := rows.Scan(&us.UserID, &us.PlatformID, &us.TotalSeconds, &us.PercentOfUser, &us.Amount); err != nil {
			return nil, err
		}
		out = append(out, us)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PlatformHistory(ctx context.Context, platformID int64, limit int) ([]PlatformMonth, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT month, platform_id, total_seconds, total_sessions, unique_users, share, payout_amount, status
		FROM monthly_platform_traffic
		WHERE platform_id = $1
		ORDER BY month DESC
		LIMIT $2
	`, platformID, limit)
	if err != nil {
		return nil, fmt.Errorf("platform history: %w", err)
	}
	defer rows.Close()

	var out []PlatformMonth
	for rows.Next() {
		var pm PlatformMonth
		if err := rows.Scan(&pm.Month, &pm.PlatformID, &pm.TotalSeconds, &pm.TotalSessions, &pm.UniqueUsers, &pm.Share, &pm.Payout, &pm.Status); err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertCost(ctx context.Context, c *Cost) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO hub_costs (month, category, amount, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, c.Month, c.Category, c.Amount, c.Description).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cost: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListCosts(ctx context.Context, month string) ([]*Cost, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, month, category, amount, COALESCE(description, ''), created_at
		FROM hub_costs
		WHERE month = $1
		ORDER BY id
	`, month)
	if err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	defer rows.Close()

	var out []*Cost
	for rows.Next() {
		c := &Cost{}
		if err := rows.Scan(&c.ID, &c.Month, &c.Category, &c.Amount, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
