package sqldb

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// CreateQuota inserts the per-user quota row.
func (s *Store) CreateQuota(ctx context.Context, q *gateway.Quota) error {
	_, err := s.write.ExecContext(ctx, s.q(
		`INSERT INTO user_quotas
		 (user_id, daily_requests, daily_tokens, monthly_spend_cap_usd, max_concurrent_requests, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		q.UserID, q.DailyRequests, q.DailyTokens, nullFloat(q.MonthlySpendCapUSD),
		q.MaxConcurrent, toMillis(q.CreatedAt), toMillis(q.UpdatedAt),
	)
	return err
}

// GetQuota retrieves the quota row for a user.
func (s *Store) GetQuota(ctx context.Context, userID string) (*gateway.Quota, error) {
	row := s.read.QueryRowContext(ctx, s.q(
		`SELECT user_id, daily_requests, daily_tokens, monthly_spend_cap_usd,
		 max_concurrent_requests, created_at, updated_at
		 FROM user_quotas WHERE user_id = ?`), userID)

	var q gateway.Quota
	var cap sql.NullFloat64
	var created, updated int64
	err := row.Scan(&q.UserID, &q.DailyRequests, &q.DailyTokens, &cap,
		&q.MaxConcurrent, &created, &updated)
	if err != nil {
		return nil, notFoundErr(err)
	}
	q.MonthlySpendCapUSD = floatPtr(cap)
	q.CreatedAt = fromMillis(created)
	q.UpdatedAt = fromMillis(updated)
	return &q, nil
}

// UpdateQuota writes the full quota row back (callers read-modify-write).
func (s *Store) UpdateQuota(ctx context.Context, q *gateway.Quota) error {
	result, err := s.write.ExecContext(ctx, s.q(
		`UPDATE user_quotas SET daily_requests = ?, daily_tokens = ?,
		 monthly_spend_cap_usd = ?, max_concurrent_requests = ?, updated_at = ?
		 WHERE user_id = ?`),
		q.DailyRequests, q.DailyTokens, nullFloat(q.MonthlySpendCapUSD),
		q.MaxConcurrent, toMillis(time.Now()), q.UserID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "quota")
}
