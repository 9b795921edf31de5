// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/eugener/mithril/internal"
)

// UserStore manages user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error)
	CountUsers(ctx context.Context) (int, error)
	UpdateUserStatus(ctx context.Context, id string, status gateway.UserStatus) error
}

// APIKeyStore manages API key persistence. The plaintext never reaches this
// layer; rows carry the verifier hash and the non-secret prefix.
type APIKeyStore interface {
	CreateKey(ctx context.Context, k *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	// ActiveKeysByPrefix returns active keys whose stored prefix matches.
	// Revoked keys are excluded at the query level.
	ActiveKeysByPrefix(ctx context.Context, prefix string) ([]*gateway.APIKey, error)
	ListKeysByUser(ctx context.Context, userID string) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id string) error
	// RevokeKeysForUser revokes all of a user's active keys and returns their IDs.
	RevokeKeysForUser(ctx context.Context, userID string) ([]string, error)
	TouchKeyUsed(ctx context.Context, id string) error
}

// QuotaStore manages the per-user quota rows.
type QuotaStore interface {
	CreateQuota(ctx context.Context, q *gateway.Quota) error
	GetQuota(ctx context.Context, userID string) (*gateway.Quota, error)
	UpdateQuota(ctx context.Context, q *gateway.Quota) error
}

// UsageStore manages the append-only usage log and its derived aggregates.
type UsageStore interface {
	// RecordUsage inserts the record and upserts its day's aggregate in a
	// single transaction: an aggregate never counts a record that was not
	// persisted, and no record exists without being counted.
	RecordUsage(ctx context.Context, r *gateway.UsageRecord) error
	ListUsage(ctx context.Context, userID string, limit int) ([]*gateway.UsageRecord, error)
	UsageStats(ctx context.Context, userID string, today, monthStart string) (*gateway.UsageStats, error)
}

// AggregateStore reads the derived daily aggregates.
type AggregateStore interface {
	// GetDailyAggregate returns the aggregate for (userID, date), or
	// gateway.ErrNotFound when the user has no usage that day.
	GetDailyAggregate(ctx context.Context, userID, date string) (*gateway.DailyAggregate, error)
	// SumAggregates totals aggregates for userID over [from, to] inclusive.
	SumAggregates(ctx context.Context, userID, from, to string) (*gateway.DailyAggregate, error)
	// ReconcileDay re-derives date's aggregates from usage records and
	// returns rows whose stored aggregate drifts beyond tolerance.
	ReconcileDay(ctx context.Context, date string) ([]gateway.DailyAggregate, error)
}

// Store combines all persistence interfaces.
type Store interface {
	UserStore
	APIKeyStore
	QuotaStore
	UsageStore
	AggregateStore
	Ping(ctx context.Context) error
	Close() error
}
