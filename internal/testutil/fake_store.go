// Package testutil provides configurable in-memory fakes for gateway
// interfaces.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// FakeStore is an in-memory implementation of storage.Store. RecordUsage
// mirrors the real transaction: it inserts the record and updates the day's
// aggregate together, and refuses duplicate request IDs.
type FakeStore struct {
	mu         sync.RWMutex
	users      map[string]*gateway.User
	keys       map[string]*gateway.APIKey
	quotas     map[string]*gateway.Quota
	records    []*gateway.UsageRecord
	requestIDs map[string]bool
	aggregates map[string]*gateway.DailyAggregate // keyed userID + "|" + date

	// Error hooks. A non-nil value is returned by the matching method.
	RecordUsageErr error
	GetQuotaErr    error
	PingErr        error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:      make(map[string]*gateway.User),
		keys:       make(map[string]*gateway.APIKey),
		quotas:     make(map[string]*gateway.Quota),
		requestIDs: make(map[string]bool),
		aggregates: make(map[string]*gateway.DailyAggregate),
	}
}

func aggKey(userID, date string) string { return userID + "|" + date }

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Email != "" {
		for _, other := range s.users {
			if other.Email == u.Email {
				return gateway.ErrConflict
			}
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) ListUsers(_ context.Context, offset, limit int) ([]*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*gateway.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (s *FakeStore) CountUsers(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *FakeStore) UpdateUserStatus(_ context.Context, id string, status gateway.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return gateway.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, k *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) ActiveKeysByPrefix(_ context.Context, prefix string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.Prefix == prefix && k.Status == gateway.KeyActive {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) ListKeysByUser(_ context.Context, userID string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) RevokeKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.Status = gateway.KeyRevoked
	return nil
}

func (s *FakeStore) RevokeKeysForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, k := range s.keys {
		if k.UserID == userID && k.Status == gateway.KeyActive {
			k.Status = gateway.KeyRevoked
			ids = append(ids, k.ID)
		}
	}
	return ids, nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

// --- QuotaStore ---

func (s *FakeStore) CreateQuota(_ context.Context, q *gateway.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.quotas[q.UserID] = &cp
	return nil
}

func (s *FakeStore) GetQuota(_ context.Context, userID string) (*gateway.Quota, error) {
	if s.GetQuotaErr != nil {
		return nil, s.GetQuotaErr
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *FakeStore) UpdateQuota(_ context.Context, q *gateway.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quotas[q.UserID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *q
	s.quotas[q.UserID] = &cp
	return nil
}

// --- UsageStore ---

func (s *FakeStore) RecordUsage(_ context.Context, r *gateway.UsageRecord) error {
	if s.RecordUsageErr != nil {
		return s.RecordUsageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestIDs[r.RequestID] {
		return gateway.ErrConflict
	}
	s.requestIDs[r.RequestID] = true
	cp := *r
	s.records = append(s.records, &cp)

	k := aggKey(r.UserID, r.Day)
	agg, ok := s.aggregates[k]
	if !ok {
		agg = &gateway.DailyAggregate{UserID: r.UserID, Date: r.Day}
		s.aggregates[k] = agg
	}
	agg.RequestCount++
	agg.TotalTokens += int64(r.InputTokens + r.OutputTokens)
	agg.TotalCostUSD += r.CostUSD
	return nil
}

func (s *FakeStore) ListUsage(_ context.Context, userID string, limit int) ([]*gateway.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*gateway.UsageRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].UserID == userID {
			cp := *s.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) UsageStats(_ context.Context, userID string, today, monthStart string) (*gateway.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &gateway.UsageStats{}
	for _, agg := range s.aggregates {
		if agg.UserID != userID {
			continue
		}
		add := func(w *gateway.UsageWindow) {
			w.Requests += agg.RequestCount
			w.Tokens += agg.TotalTokens
			w.CostUSD += agg.TotalCostUSD
		}
		add(&stats.AllTime)
		if agg.Date == today {
			add(&stats.Today)
		}
		if agg.Date >= monthStart && agg.Date <= today {
			add(&stats.Month)
		}
	}
	return stats, nil
}

// --- AggregateStore ---

func (s *FakeStore) GetDailyAggregate(_ context.Context, userID, date string) (*gateway.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[aggKey(userID, date)]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *agg
	return &cp, nil
}

func (s *FakeStore) SumAggregates(_ context.Context, userID, from, to string) (*gateway.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := &gateway.DailyAggregate{UserID: userID, Date: from}
	for _, agg := range s.aggregates {
		if agg.UserID == userID && agg.Date >= from && agg.Date <= to {
			sum.RequestCount += agg.RequestCount
			sum.TotalTokens += agg.TotalTokens
			sum.TotalCostUSD += agg.TotalCostUSD
		}
	}
	return sum, nil
}

func (s *FakeStore) ReconcileDay(_ context.Context, date string) ([]gateway.DailyAggregate, error) {
	return nil, nil
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return s.PingErr }
func (s *FakeStore) Close() error               { return nil }

// SetAggregate seeds a daily aggregate directly, bypassing RecordUsage.
func (s *FakeStore) SetAggregate(agg gateway.DailyAggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := agg
	s.aggregates[aggKey(agg.UserID, agg.Date)] = &cp
}

// Records returns a copy of all recorded usage rows.
func (s *FakeStore) Records() []gateway.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.UsageRecord, len(s.records))
	for i, r := range s.records {
		out[i] = *r
	}
	return out
}
