package session

import (
	"context"
	"time"
)

// RecordStore persists closed sessions durably. The session record is the
// source of truth for settlement; the daily aggregate is derived and
// upserted additively alongside it.
type RecordStore interface {
	// InsertRecord appends one immutable viewing session record.
	InsertRecord(ctx context.Context, rec *Record) error

	// UpsertDailyAggregate adds seconds and one session to the per
	// (date, user, platform) aggregate row.
	UpsertDailyAggregate(ctx context.Context, date time.Time, userID, platformID, seconds int64) error
}
