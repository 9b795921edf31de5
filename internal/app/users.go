// Package app implements application-level services for the Mithril gateway.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/keystore"
	"github.com/eugener/mithril/internal/storage"
)

// UserManager handles the user lifecycle: creation with a default quota row,
// suspension with immediate key revocation, and the assembled admin detail
// view.
type UserManager struct {
	store    storage.Store
	keys     *keystore.Store
	defaults config.QuotaDefaults
}

// NewUserManager returns a UserManager backed by store and keys.
func NewUserManager(store storage.Store, keys *keystore.Store, defaults config.QuotaDefaults) *UserManager {
	return &UserManager{store: store, keys: keys, defaults: defaults}
}

// CreateUser creates a user in active status together with its quota row
// seeded from the configured defaults. Every user has a quota row from the
// moment it exists.
func (m *UserManager) CreateUser(ctx context.Context, email, name string) (*gateway.User, error) {
	now := time.Now().UTC()
	u := &gateway.User{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Email:     email,
		Name:      name,
		Status:    gateway.UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	q := &gateway.Quota{
		UserID:             u.ID,
		DailyRequests:      m.defaults.DailyRequests,
		DailyTokens:        m.defaults.DailyTokens,
		MonthlySpendCapUSD: m.defaults.MonthlySpendCapUSD,
		MaxConcurrent:      m.defaults.MaxConcurrent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateQuota(ctx, q); err != nil {
		return nil, fmt.Errorf("create default quota: %w", err)
	}
	return u, nil
}

// Suspend marks the user suspended and revokes all of their active keys, so
// in-flight credentials stop verifying immediately.
func (m *UserManager) Suspend(ctx context.Context, userID string) error {
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return err
	}
	if err := m.store.UpdateUserStatus(ctx, userID, gateway.UserSuspended); err != nil {
		return err
	}
	return m.keys.RevokeForUser(ctx, userID)
}

// Activate returns a suspended user to active status. Previously revoked keys
// stay revoked; the user needs a fresh key to resume traffic.
func (m *UserManager) Activate(ctx context.Context, userID string) error {
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return err
	}
	return m.store.UpdateUserStatus(ctx, userID, gateway.UserActive)
}

// UserDetail is the assembled admin view of one user.
type UserDetail struct {
	User  *gateway.User       `json:"user"`
	Quota *gateway.Quota      `json:"quota"`
	Keys  []*gateway.APIKey   `json:"keys"`
	Stats *gateway.UsageStats `json:"stats"`
}

// GetUserDetail loads the user with its quota, keys, and usage summary.
func (m *UserManager) GetUserDetail(ctx context.Context, userID string) (*UserDetail, error) {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	q, err := m.store.GetQuota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	keys, err := m.store.ListKeysByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	now := time.Now()
	today := now.Format("2006-01-02")
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Format("2006-01-02")
	stats, err := m.store.UsageStats(ctx, userID, today, monthStart)
	if err != nil {
		return nil, fmt.Errorf("load usage stats: %w", err)
	}

	return &UserDetail{User: u, Quota: q, Keys: keys, Stats: stats}, nil
}

// UserPage is one page of the admin user list.
type UserPage struct {
	Users  []*gateway.User `json:"users"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// ListUsers returns one page of users with the total count.
func (m *UserManager) ListUsers(ctx context.Context, offset, limit int) (*UserPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	users, err := m.store.ListUsers(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	total, err := m.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	return &UserPage{Users: users, Total: total, Offset: offset, Limit: limit}, nil
}

// QuotaPatch is a partial quota update. Nil fields are left unchanged.
// MonthlySpendCapSet distinguishes "leave the cap alone" from "set it to
// unlimited" (present but null in the request body).
type QuotaPatch struct {
	DailyRequests      *int64
	DailyTokens        *int64
	MonthlySpendCap    *float64
	MonthlySpendCapSet bool
	MaxConcurrent      *int
}

// UpdateQuota applies a partial update to the user's quota row.
func (m *UserManager) UpdateQuota(ctx context.Context, userID string, p QuotaPatch) (*gateway.Quota, error) {
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	cur, err := m.store.GetQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.DailyRequests != nil {
		cur.DailyRequests = *p.DailyRequests
	}
	if p.DailyTokens != nil {
		cur.DailyTokens = *p.DailyTokens
	}
	if p.MonthlySpendCapSet {
		cur.MonthlySpendCapUSD = p.MonthlySpendCap
	}
	if p.MaxConcurrent != nil {
		cur.MaxConcurrent = *p.MaxConcurrent
	}
	if cur.DailyRequests <= 0 || cur.DailyTokens <= 0 || cur.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: quota limits must be positive", gateway.ErrValidation)
	}
	if cur.MonthlySpendCapUSD != nil && *cur.MonthlySpendCapUSD < 0 {
		return nil, fmt.Errorf("%w: monthly spend cap must be non-negative", gateway.ErrValidation)
	}
	cur.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateQuota(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}
