package session

import (
	"context"
	"sync"
	"time"
)

// MemoryRecordStore is an in-memory RecordStore for unit tests.
type MemoryRecordStore struct {
	mu         sync.Mutex
	records    []*Record
	aggregates map[aggKey]*aggValue
}

type aggKey struct {
	Date       string
	UserID     int64
	PlatformID int64
}

type aggValue struct {
	TotalSeconds int64
	SessionCount int64
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{aggregates: make(map[aggKey]*aggValue)}
}

func (m *MemoryRecordStore) InsertRecord(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryRecordStore) UpsertDailyAggregate(_ context.Context, date time.Time, userID, platformID, seconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := aggKey{Date: date.Format("2006-01-02"), UserID: userID, PlatformID: platformID}
	agg, ok := m.aggregates[key]
	if !ok {
		agg = &aggValue{}
		m.aggregates[key] = agg
	}
	agg.TotalSeconds += seconds
	agg.SessionCount++
	return nil
}

// Records returns a snapshot of all inserted records.
func (m *MemoryRecordStore) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// Aggregate returns the aggregate row for the key, or nil.
func (m *MemoryRecordStore) Aggregate(date time.Time, userID, platformID int64) (totalSeconds, sessionCount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aggKey{Date: date.Format("2006-01-02"), UserID: userID, PlatformID: platformID}
	if agg, ok := m.aggregates[key]; ok {
		return agg.TotalSeconds, agg.SessionCount
	}
	return 0, 0
}
