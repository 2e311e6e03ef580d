package settlement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests. Inputs are seeded through
// the Add* helpers.
type MemoryStore struct {
	mu       sync.Mutex
	monthly  int64
	annual   int64
	costs    []*Cost
	nextCost int64
	sessions []memorySession
	settled  map[string]*Result
}

type memorySession struct {
	UserID     int64
	PlatformID int64
	Month      string
	Seconds    int64
	Valid      bool
}

// NewMemoryStore creates an empty in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextCost: 1, settled: make(map[string]*Result)}
}

// SetSubscribers seeds the active subscriber counts.
func (m *MemoryStore) SetSubscribers(monthly, annual int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monthly, m.annual = monthly, annual
}

// AddTraffic seeds one user-platform traffic total for a month.
func (m *MemoryStore) AddTraffic(month string, userID, platformID, seconds int64, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, memorySession{
		UserID: userID, PlatformID: platformID, Month: month, Seconds: seconds, Valid: valid,
	})
}

func (m *MemoryStore) SubscriptionCounts(_ context.Context, _ string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monthly, m.annual, nil
}

func (m *MemoryStore) MonthCosts(_ context.Context, month string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, c := range m.costs {
		if c.Month == month {
			total += c.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) PlatformTotals(_ context.Context, month string) ([]PlatformShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shares := make(map[int64]*PlatformShare)
	seen := make(map[int64]map[int64]bool)
	for _, s := range m.sessions {
		if s.Month != month || !s.Valid {
			continue
		}
		ps := shares[s.PlatformID]
		if ps == nil {
			ps = &PlatformShare{PlatformID: s.PlatformID}
			shares[s.PlatformID] = ps
			seen[s.PlatformID] = make(map[int64]bool)
		}
		ps.TotalSeconds += s.Seconds
		ps.TotalSessions++
		if !seen[s.PlatformID][s.UserID] {
			seen[s.PlatformID][s.UserID] = true
			ps.UniqueUsers++
		}
	}
	var out []PlatformShare
	for _, ps := range shares {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID < out[j].PlatformID })
	return out, nil
}

func (m *MemoryStore) UserTotals(_ context.Context, month string) ([]UserShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct{ user, platform int64 }
	totals := make(map[key]int64)
	for _, s := range m.sessions {
		if s.Month == month && s.Valid {
			totals[key{s.UserID, s.PlatformID}] += s.Seconds
		}
	}
	var out []UserShare
	for k, sec := range totals {
		out = append(out, UserShare{UserID: k.user, PlatformID: k.platform, TotalSeconds: sec})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].PlatformID < out[j].PlatformID
	})
	return out, nil
}

func (m *MemoryStore) Persist(_ context.Context, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Platforms = append([]PlatformShare(nil), r.Platforms...)
	cp.Users = append([]UserShare(nil), r.Users...)
	m.settled[r.Month] = &cp
	return nil
}

func (m *MemoryStore) GetSummary(_ context.Context, month string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.settled[month]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return &Summary{
		Month:               r.Month,
		ActiveUsers:         r.ActiveUsers,
		SubscriptionRevenue: r.SubscriptionRevenue,
		OperatingCosts:      r.OperatingCosts,
		Reserve:             r.Reserve,
		Pool:                r.Pool,
		TotalValidSeconds:   r.TotalValidSeconds,
		SettledAt:           r.SettledAt,
	}, nil
}

func (m *MemoryStore) ListSummaries(ctx context.Context, limit int) ([]*Summary, error) {
	m.mu.Lock()
	months := make([]string, 0, len(m.settled))
	for month := range m.settled {
		months = append(months, month)
	}
	m.mu.Unlock()

	sort.Sort(sort.Reverse(sort.StringSlice(months)))
	if limit <= 0 {
		limit = 24
	}
	var out []*Summary
	for _, month := range months {
		if len(out) >= limit {
			break
		}
		s, err := m.GetSummary(ctx, month)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) PlatformShares(_ context.Context, month string) ([]PlatformShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.settled[month]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return append([]PlatformShare(nil), r.Platforms...), nil
}

func (m *MemoryStore) UserShares(_ context.Context, month string) ([]UserShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.settled[month]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return append([]UserShare(nil), r.Users...), nil
}

func (m *MemoryStore) UserMonthShares(_ context.Context, month string, userID int64) ([]UserShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.settled[month]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	var out []UserShare
	for _, us := range r.Users {
		if us.UserID == userID {
			out = append(out, us)
		}
	}
	return out, nil
}

func (m *MemoryStore) PlatformHistory(_ context.Context, platformID int64, limit int) ([]PlatformMonth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 24
	}
	var out []PlatformMonth
	for month, r := range m.settled {
		for _, ps := range r.Platforms {
			if ps.PlatformID == platformID {
				out = append(out, PlatformMonth{Month: month, PlatformShare: ps})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month > out[j].Month })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertCost(_ context.Context, c *Cost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextCost
	c.CreatedAt = time.Now().UTC()
	m.nextCost++
	cp := *c
	m.costs = append(m.costs, &cp)
	return nil
}

func (m *MemoryStore) ListCosts(_ context.Context, month string) ([]*Cost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Cost
	for _, c := range m.costs {
		if strings.EqualFold(c.Month, month) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}
