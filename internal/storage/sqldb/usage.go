package sqldb

import (
	"context"
	"database/sql"
	"math"

	gateway "github.com/eugener/mithril/internal"
)

// RecordUsage inserts the usage record and upserts its day's aggregate in a
// single transaction. The UNIQUE constraint on request_id makes a duplicate
// record attempt fail the whole transaction, leaving the aggregate untouched.
func (s *Store) RecordUsage(ctx context.Context, r *gateway.UsageRecord) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO usage_records
		 (id, user_id, request_id, provider, model, input_tokens, output_tokens,
		  cost_estimate_usd, latency_ms, status, error_message, day, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.UserID, r.RequestID, r.Provider, r.Model,
		r.InputTokens, r.OutputTokens, r.CostUSD, r.LatencyMs,
		r.Status, nullStr(r.ErrorMessage), r.Day, toMillis(r.CreatedAt),
	)
	if err != nil {
		return err
	}

	totalTokens := r.InputTokens + r.OutputTokens
	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO daily_aggregates (user_id, date, request_count, total_tokens, total_cost_usd)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT (user_id, date) DO UPDATE SET
		 request_count = daily_aggregates.request_count + 1,
		 total_tokens = daily_aggregates.total_tokens + excluded.total_tokens,
		 total_cost_usd = daily_aggregates.total_cost_usd + excluded.total_cost_usd`),
		r.UserID, r.Day, totalTokens, r.CostUSD,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListUsage returns a user's most recent usage records.
func (s *Store) ListUsage(ctx context.Context, userID string, limit int) ([]*gateway.UsageRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx, s.q(
		`SELECT id, user_id, request_id, provider, model, input_tokens, output_tokens,
		 cost_estimate_usd, latency_ms, status, error_message, day, created_at
		 FROM usage_records WHERE user_id = ?
		 ORDER BY created_at DESC, id LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var errMsg sql.NullString
		var created int64
		err := rows.Scan(&r.ID, &r.UserID, &r.RequestID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.LatencyMs,
			&r.Status, &errMsg, &r.Day, &created)
		if err != nil {
			return nil, err
		}
		r.ErrorMessage = errMsg.String
		r.CreatedAt = fromMillis(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UsageStats summarizes a user's aggregates for today, the month starting at
// monthStart, and all time. Dates are "2006-01-02" in the server's locale,
// matching the aggregate bucket.
func (s *Store) UsageStats(ctx context.Context, userID string, today, monthStart string) (*gateway.UsageStats, error) {
	var stats gateway.UsageStats

	day, err := s.SumAggregates(ctx, userID, today, today)
	if err != nil {
		return nil, err
	}
	stats.Today = windowOf(day)

	month, err := s.SumAggregates(ctx, userID, monthStart, today)
	if err != nil {
		return nil, err
	}
	stats.Month = windowOf(month)

	row := s.read.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(SUM(request_count), 0), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0)
		 FROM daily_aggregates WHERE user_id = ?`), userID)
	var all gateway.DailyAggregate
	if err := row.Scan(&all.RequestCount, &all.TotalTokens, &all.TotalCostUSD); err != nil {
		return nil, err
	}
	stats.AllTime = windowOf(&all)

	return &stats, nil
}

func windowOf(a *gateway.DailyAggregate) gateway.UsageWindow {
	return gateway.UsageWindow{
		Requests: a.RequestCount,
		Tokens:   a.TotalTokens,
		CostUSD:  a.TotalCostUSD,
	}
}

// GetDailyAggregate returns the aggregate for (userID, date).
func (s *Store) GetDailyAggregate(ctx context.Context, userID, date string) (*gateway.DailyAggregate, error) {
	row := s.read.QueryRowContext(ctx, s.q(
		`SELECT user_id, date, request_count, total_tokens, total_cost_usd
		 FROM daily_aggregates WHERE user_id = ? AND date = ?`), userID, date)
	var a gateway.DailyAggregate
	err := row.Scan(&a.UserID, &a.Date, &a.RequestCount, &a.TotalTokens, &a.TotalCostUSD)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &a, nil
}

// SumAggregates totals a user's aggregates over [from, to] inclusive.
// Returns a zero-valued aggregate when the range is empty.
func (s *Store) SumAggregates(ctx context.Context, userID, from, to string) (*gateway.DailyAggregate, error) {
	row := s.read.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(SUM(request_count), 0), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0)
		 FROM daily_aggregates WHERE user_id = ? AND date >= ? AND date <= ?`),
		userID, from, to)
	a := &gateway.DailyAggregate{UserID: userID, Date: from}
	if err := row.Scan(&a.RequestCount, &a.TotalTokens, &a.TotalCostUSD); err != nil {
		return nil, err
	}
	return a, nil
}

// costTolerance bounds acceptable floating-point accumulation drift.
const costTolerance = 1e-6

// ReconcileDay re-derives date's per-user sums from the usage log and
// returns the derived rows whose stored aggregate disagrees. An empty result
// means the aggregates are consistent with the log for that day.
func (s *Store) ReconcileDay(ctx context.Context, date string) ([]gateway.DailyAggregate, error) {
	rows, err := s.read.QueryContext(ctx, s.q(
		`SELECT u.user_id, COUNT(*), COALESCE(SUM(u.input_tokens + u.output_tokens), 0),
		 COALESCE(SUM(u.cost_estimate_usd), 0),
		 COALESCE(a.request_count, 0), COALESCE(a.total_tokens, 0), COALESCE(a.total_cost_usd, 0)
		 FROM usage_records u
		 LEFT JOIN daily_aggregates a ON a.user_id = u.user_id AND a.date = u.day
		 WHERE u.day = ?
		 GROUP BY u.user_id, a.request_count, a.total_tokens, a.total_cost_usd`), date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifted []gateway.DailyAggregate
	for rows.Next() {
		var derived gateway.DailyAggregate
		var storedReqs, storedTokens int64
		var storedCost float64
		err := rows.Scan(&derived.UserID, &derived.RequestCount, &derived.TotalTokens,
			&derived.TotalCostUSD, &storedReqs, &storedTokens, &storedCost)
		if err != nil {
			return nil, err
		}
		derived.Date = date
		if derived.RequestCount != storedReqs ||
			derived.TotalTokens != storedTokens ||
			math.Abs(derived.TotalCostUSD-storedCost) > costTolerance {
			drifted = append(drifted, derived)
		}
	}
	return drifted, rows.Err()
}
