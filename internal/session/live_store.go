package session

import (
	"context"
	"time"
)

// LiveStore holds ephemeral session state: the live session hash per user,
// per-platform live-user sets, fast daily counters, and the traffic event
// log. It is a denormalized cache over the durable store — safe to lose,
// never the source of truth for settlement.
type LiveStore interface {
	// GetSession returns the user's live session, or nil when none exists.
	GetSession(ctx context.Context, userID int64) (*Session, error)

	// PutSession writes the full live session hash with the given expiry.
	PutSession(ctx context.Context, s *Session, ttl time.Duration) error

	// RefreshHeartbeat updates lastHeartbeat and durationSec in place and
	// slides the expiry window.
	RefreshHeartbeat(ctx context.Context, userID, lastHeartbeat, durationSec int64, ttl time.Duration) error

	// DeleteSession removes the live session key. Deleting an absent key is
	// not an error.
	DeleteSession(ctx context.Context, userID int64) error

	// ScanUserIDs pages through live session keys. A zero cursor starts a
	// scan; a zero returned cursor ends it.
	ScanUserIDs(ctx context.Context, cursor uint64, count int64) (userIDs []int64, next uint64, err error)

	// AddLiveUser / RemoveLiveUser maintain the per-platform live-user set.
	AddLiveUser(ctx context.Context, platformID, userID int64) error
	RemoveLiveUser(ctx context.Context, platformID, userID int64) error

	// LiveUserCount returns the cardinality of a platform's live-user set.
	LiveUserCount(ctx context.Context, platformID int64) (int64, error)

	// IncrDaily additively updates the user's fast daily counter for the
	// given day (total seconds, per-platform seconds, session count) and
	// sets its independent expiry.
	IncrDaily(ctx context.Context, userID int64, day string, platformName string, seconds int64, ttl time.Duration) error

	// DailySeconds reads the user's accumulated seconds for the day; 0 when
	// the counter is absent or expired.
	DailySeconds(ctx context.Context, userID int64, day string) (int64, error)

	// AppendEvent appends to the traffic event log.
	AppendEvent(ctx context.Context, ev *Event) error
}
