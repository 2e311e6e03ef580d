package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/timevision/hub/internal/pagination"
)

// PostgresStore implements Store over traffic_anomalies, daily_traffic and
// viewing_sessions.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed anomaly store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, f *Finding) (bool, error) {
	details, err := json.Marshal(f.Details)
	if err != nil {
		return false, fmt.Errorf("marshal anomaly details: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO traffic_anomalies (user_id, date, anomaly_type, details)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, date, anomaly_type) DO NOTHING
	`, f.UserID, f.Date, f.Type, details)
	if err != nil {
		return false, fmt.Errorf("insert anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) List(ctx context.Context, status string, cursor *pagination.Cursor, limit int) ([]*Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, to_char(date, 'YYYY-MM-DD'), anomaly_type, details, status, created_at, resolved_at
		FROM traffic_anomalies
		WHERE ($1 = '' OR status = $1)`
	args := []any{status}
	if cursor != nil {
		cursorID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("list anomalies: bad cursor id: %w", err)
		}
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursorID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT %d`, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		a := &Anomaly{}
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.Date, &a.Type, &a.Details, &a.Status, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE traffic_anomalies
		SET status = 'resolved', resolved_at = now()
		WHERE id = $1 AND status = 'open'
	`, id)
	if err != nil {
		return fmt.Errorf("resolve anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAnomalyNotFound
	}
	return nil
}

func (p *PostgresStore) VolumeOutliers(ctx context.Context, date string, multiplier float64) ([]VolumeOutlier, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH today AS (
			SELECT user_id, SUM(total_seconds) AS sec
			FROM daily_traffic
			WHERE date = $1::date
			GROUP BY user_id
		), med AS (
			SELECT PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY sec) AS median_sec
			FROM today
		)
		SELECT t.user_id, t.sec, m.median_sec
		FROM today t CROSS JOIN med m
		WHERE m.median_sec > 0 AND t.sec > $2 * m.median_sec
		ORDER BY t.user_id
	`, date, multiplier)
	if err != nil {
		return nil, fmt.Errorf("volume outlier query: %w", err)
	}
	defer rows.Close()

	var out []VolumeOutlier
	for rows.Next() {
		var v VolumeOutlier
		if err := rows.Scan(&v.UserID, &v.Seconds, &v.MedianSeconds); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PatternOffenders(ctx context.Context, date string, thresholdSeconds int64, minDays, windowDays int) ([]PatternOffender, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*) AS high_days
		FROM (
			SELECT user_id, date, SUM(total_seconds) AS sec
			FROM daily_traffic
			WHERE date > $1::date - $4 * INTERVAL '1 day' AND date <= $1::date
			GROUP BY user_id, date
		) days
		WHERE sec > $2
		GROUP BY user_id
		HAVING COUNT(*) >= $3
	`, date, thresholdSeconds, minDays, windowDays)
	if err != nil {
		return nil, fmt.Errorf("pattern offender query: %w", err)
	}
	defer rows.Close()

	var out []PatternOffender
	for rows.Next() {
		var pat PatternOffender
		if err := rows.Scan(&pat.UserID, &pat.HighDays); err != nil {
			return nil, err
		}
		out = append(out, pat)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InvalidateUserMonth(ctx context.Context, userID int64, month string) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin exclusion tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE viewing_sessions
		SET is_valid = FALSE
		WHERE user_id = $1
		  AND to_char(started_at AT TIME ZONE 'UTC', 'YYYY-MM') = $2
	`, userID, month)
	if err != nil {
		return 0, fmt.Errorf("invalidate user month: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE traffic_anomalies
		SET status = 'excluded', resolved_at = now()
		WHERE user_id = $1
		  AND to_char(date, 'YYYY-MM') = $2
		  AND status <> 'excluded'
	`, userID, month)
	if err != nil {
		return 0, fmt.Errorf("mark anomalies excluded: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit exclusion tx: %w", err)
	}
	return affected, nil
}
