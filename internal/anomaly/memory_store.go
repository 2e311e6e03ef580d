package anomaly

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/timevision/hub/internal/pagination"
)

// MemoryStore is an in-memory Store for tests. Daily totals are fed in
// through AddDailyTotal; the detection queries run over those.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	anomalies []*Anomaly
	flagged   map[flagKey]bool
	daily     map[dayKey]int64
	excluded  map[userMonth]int64
}

type flagKey struct {
	UserID int64
	Date   string
	Type   string
}

type dayKey struct {
	UserID int64
	Date   string
}

type userMonth struct {
	UserID int64
	Month  string
}

// NewMemoryStore creates an empty in-memory anomaly store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		flagged:  make(map[flagKey]bool),
		daily:    make(map[dayKey]int64),
		excluded: make(map[userMonth]int64),
	}
}

// AddDailyTotal seeds one user-day of traffic.
func (m *MemoryStore) AddDailyTotal(userID int64, date string, seconds int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily[dayKey{UserID: userID, Date: date}] += seconds
}

func (m *MemoryStore) Insert(_ context.Context, f *Finding) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := flagKey{UserID: f.UserID, Date: f.Date, Type: f.Type}
	if m.flagged[key] {
		return false, nil
	}
	m.flagged[key] = true

	details, err := json.Marshal(f.Details)
	if err != nil {
		return false, err
	}
	m.anomalies = append(m.anomalies, &Anomaly{
		ID:        m.nextID,
		UserID:    f.UserID,
		Date:      f.Date,
		Type:      f.Type,
		Details:   details,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	})
	m.nextID++
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, status string, cursor *pagination.Cursor, limit int) ([]*Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var cursorID int64
	if cursor != nil {
		var err error
		cursorID, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, err
		}
	}
	var out []*Anomaly
	for i := len(m.anomalies) - 1; i >= 0 && len(out) < limit+1; i-- {
		a := m.anomalies[i]
		if status != "" && a.Status != status {
			continue
		}
		if cursor != nil {
			after := a.CreatedAt.After(cursor.CreatedAt)
			same := a.CreatedAt.Equal(cursor.CreatedAt) && a.ID >= cursorID
			if after || same {
				continue
			}
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.anomalies {
		if a.ID == id && a.Status == StatusOpen {
			now := time.Now().UTC()
			a.Status = StatusResolved
			a.ResolvedAt = &now
			return nil
		}
	}
	return ErrAnomalyNotFound
}

func (m *MemoryStore) VolumeOutliers(_ context.Context, date string, multiplier float64) ([]VolumeOutlier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := make(map[int64]int64)
	for key, sec := range m.daily {
		if key.Date == date {
			today[key.UserID] += sec
		}
	}

	totals := make([]float64, 0, len(today))
	for _, sec := range today {
		totals = append(totals, float64(sec))
	}
	med := median(totals)
	if med == 0 {
		return nil, nil
	}

	var out []VolumeOutlier
	for userID, sec := range today {
		if float64(sec) > multiplier*med {
			out = append(out, VolumeOutlier{UserID: userID, Seconds: sec, MedianSeconds: med})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) PatternOffenders(_ context.Context, date string, thresholdSeconds int64, minDays, windowDays int) ([]PatternOffender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, err
	}

	highDays := make(map[int64]int64)
	for key, sec := range m.daily {
		d, err := time.Parse("2006-01-02", key.Date)
		if err != nil {
			continue
		}
		if d.After(day) || d.Before(day.AddDate(0, 0, -(windowDays-1))) {
			continue
		}
		if sec > thresholdSeconds {
			highDays[key.UserID]++
		}
	}

	var out []PatternOffender
	for userID, n := range highDays {
		if n >= int64(minDays) {
			out = append(out, PatternOffender{UserID: userID, HighDays: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) InvalidateUserMonth(_ context.Context, userID int64, month string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Count the user's days in that month as a stand-in for record count.
	var n int64
	for key := range m.daily {
		if key.UserID == userID && len(key.Date) >= 7 && key.Date[:7] == month {
			n++
		}
	}
	m.excluded[userMonth{UserID: userID, Month: month}] = n

	now := time.Now().UTC()
	for _, a := range m.anomalies {
		if a.UserID == userID && len(a.Date) >= 7 && a.Date[:7] == month && a.Status != StatusExcluded {
			a.Status = StatusExcluded
			a.ResolvedAt = &now
		}
	}
	return n, nil
}

// Excluded reports whether the user's month has been invalidated. Test hook.
func (m *MemoryStore) Excluded(userID int64, month string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.excluded[userMonth{UserID: userID, Month: month}]
	return ok
}

// median of a PERCENTILE_CONT(0.5) flavour: interpolates between the two
// middle values for even-length input.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}
