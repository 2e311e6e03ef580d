package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRecordStore implements RecordStore over viewing_sessions and
// daily_traffic.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a new PostgreSQL-backed record store.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (p *PostgresRecordStore) InsertRecord(ctx context.Context, rec *Record) error {
	var contentID sql.NullString
	if rec.ContentID != "" {
		contentID = sql.NullString{String: rec.ContentID, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO viewing_sessions
			(session_uid, user_id, platform_id, content_id, started_at, ended_at,
			 last_heartbeat, duration_sec, end_reason, is_valid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_uid) DO NOTHING
	`,
		rec.SessionID, rec.UserID, rec.PlatformID, contentID,
		rec.StartedAt, rec.EndedAt, rec.LastHeartbeat,
		rec.DurationSec, string(rec.EndReason), rec.IsValid,
	)
	if err != nil {
		return fmt.Errorf("insert viewing session: %w", err)
	}
	return nil
}

func (p *PostgresRecordStore) UpsertDailyAggregate(ctx context.Context, date time.Time, userID, platformID, seconds int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO daily_traffic (date, user_id, platform_id, total_seconds, session_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (date, user_id, platform_id)
		DO UPDATE SET
			total_seconds = daily_traffic.total_seconds + $4,
			session_count = daily_traffic.session_count + 1
	`, date.Format("2006-01-02"), userID, platformID, seconds)
	if err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}
	return nil
}
