// Package quota implements request admission and post-flight usage
// accounting. Admission combines persisted daily aggregates with a
// process-local in-flight counter; recording writes the usage record and the
// daily aggregate atomically and releases the counter.
//
// The pre-flight checks read aggregates that only reflect completed
// requests, so under burst traffic a user can momentarily overshoot
// daily_tokens by up to max_concurrent_requests times one request's tokens.
// The concurrency cap is the bounding mechanism for that overshoot.
//
// All reset timestamps (next midnight, first of next month) are computed in
// the server's local timezone. Run the process with TZ=UTC for UTC resets.
package quota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/pricing"
	"github.com/eugener/mithril/internal/storage"
)

const dayFormat = "2006-01-02"

// Engine evaluates admission and records usage.
type Engine struct {
	quotas     storage.QuotaStore
	usage      storage.UsageStore
	aggregates storage.AggregateStore
	conc       *ConcurrencyCounter

	// now is replaceable in tests.
	now func() time.Time
}

// NewEngine returns an Engine over the given stores.
func NewEngine(quotas storage.QuotaStore, usage storage.UsageStore, aggregates storage.AggregateStore) *Engine {
	return &Engine{
		quotas:     quotas,
		usage:      usage,
		aggregates: aggregates,
		conc:       NewConcurrencyCounter(),
		now:        time.Now,
	}
}

// Admission is the token returned by a successful Admit. Exactly one Release
// is effective; extra calls are no-ops so a deferred Release can coexist
// with the release inside Record.
type Admission struct {
	engine   *Engine
	userID   string
	released atomic.Bool
}

// Release decrements the user's in-flight counter. Idempotent.
func (a *Admission) Release() {
	if a == nil || a.released.Swap(true) {
		return
	}
	a.engine.conc.Release(a.userID)
}

// Admit evaluates the ordered admission checks for userID and, on success,
// increments the in-flight counter and returns the matching Admission. The
// first failing check wins; later checks are not evaluated.
func (e *Engine) Admit(ctx context.Context, userID string) (*Admission, error) {
	q, err := e.quotas.GetQuota(ctx, userID)
	if err != nil {
		// Every user has a quota row; its absence is an invariant violation.
		return nil, fmt.Errorf("%w: load quota for %s: %v", gateway.ErrInternal, userID, err)
	}

	now := e.now()
	today := now.Format(dayFormat)

	agg, err := e.aggregates.GetDailyAggregate(ctx, userID, today)
	if err != nil {
		if err != gateway.ErrNotFound {
			return nil, fmt.Errorf("%w: read daily aggregate: %v", gateway.ErrInternal, err)
		}
		agg = &gateway.DailyAggregate{UserID: userID, Date: today}
	}

	if agg.RequestCount >= q.DailyRequests {
		return nil, &gateway.QuotaExceededError{
			Dimension: gateway.DimDailyRequests,
			Limit:     float64(q.DailyRequests),
			Used:      float64(agg.RequestCount),
			ResetsAt:  nextMidnight(now),
		}
	}

	if agg.TotalTokens >= q.DailyTokens {
		return nil, &gateway.QuotaExceededError{
			Dimension: gateway.DimDailyTokens,
			Limit:     float64(q.DailyTokens),
			Used:      float64(agg.TotalTokens),
			ResetsAt:  nextMidnight(now),
		}
	}

	if q.MonthlySpendCapUSD != nil {
		spent, err := e.monthToDateSpend(ctx, userID, now)
		if err != nil {
			return nil, fmt.Errorf("%w: read monthly spend: %v", gateway.ErrInternal, err)
		}
		if spent >= *q.MonthlySpendCapUSD {
			return nil, &gateway.QuotaExceededError{
				Dimension: gateway.DimMonthlySpend,
				Limit:     *q.MonthlySpendCapUSD,
				Used:      spent,
				ResetsAt:  nextMonth(now),
			}
		}
	}

	if !e.conc.TryAcquire(userID, q.MaxConcurrent) {
		return nil, &gateway.ConcurrencyLimitError{Limit: q.MaxConcurrent}
	}

	return &Admission{engine: e, userID: userID}, nil
}

// Usage carries the post-flight facts for Record.
type Usage struct {
	RequestID    string
	Provider     string // gateway.ProviderUnknown when selection never happened
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Status       string // gateway.UsageSuccess or gateway.UsageError
	ErrorMessage string
}

// Record writes the usage record and its aggregate atomically, then releases
// the admission. It must be called exactly once per admitted request, on
// success and failure paths alike. The counter is released even when the
// transaction fails; the error is returned for the caller to log.
func (e *Engine) Record(ctx context.Context, adm *Admission, u Usage) error {
	defer adm.Release()

	now := e.now()
	rec := &gateway.UsageRecord{
		ID:           uuid.Must(uuid.NewV7()).String(),
		UserID:       adm.userID,
		RequestID:    u.RequestID,
		Provider:     u.Provider,
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      pricing.Estimate(u.Provider, u.Model, u.InputTokens, u.OutputTokens),
		LatencyMs:    u.LatencyMs,
		Status:       u.Status,
		ErrorMessage: u.ErrorMessage,
		Day:          now.Format(dayFormat),
		CreatedAt:    now,
	}
	if err := e.usage.RecordUsage(ctx, rec); err != nil {
		return fmt.Errorf("%w: record usage: %v", gateway.ErrInternal, err)
	}
	return nil
}

// Dimension is one (limit, used, remaining) row of a quota snapshot.
type Dimension struct {
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// SpendDimension is the monthly spend row; a nil cap means unlimited.
type SpendDimension struct {
	CapUSD       *float64 `json:"cap_usd"`
	UsedUSD      float64  `json:"used_usd"`
	RemainingUSD *float64 `json:"remaining_usd"`
}

// Status is the read-only quota snapshot served by /v1/llm/quota.
type Status struct {
	UserID        string         `json:"user_id"`
	DailyRequests Dimension      `json:"daily_requests"`
	DailyTokens   Dimension      `json:"daily_tokens"`
	MonthlySpend  SpendDimension `json:"monthly_spend"`
}

// Inspect returns the current quota snapshot for userID.
func (e *Engine) Inspect(ctx context.Context, userID string) (*Status, error) {
	q, err := e.quotas.GetQuota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load quota for %s: %v", gateway.ErrInternal, userID, err)
	}

	now := e.now()
	today := now.Format(dayFormat)
	agg, err := e.aggregates.GetDailyAggregate(ctx, userID, today)
	if err != nil {
		if err != gateway.ErrNotFound {
			return nil, fmt.Errorf("%w: read daily aggregate: %v", gateway.ErrInternal, err)
		}
		agg = &gateway.DailyAggregate{}
	}

	st := &Status{
		UserID:        userID,
		DailyRequests: dimension(q.DailyRequests, agg.RequestCount),
		DailyTokens:   dimension(q.DailyTokens, agg.TotalTokens),
	}

	spent, err := e.monthToDateSpend(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: read monthly spend: %v", gateway.ErrInternal, err)
	}
	st.MonthlySpend.UsedUSD = spent
	if q.MonthlySpendCapUSD != nil {
		cap := *q.MonthlySpendCapUSD
		remaining := max(0, cap-spent)
		st.MonthlySpend.CapUSD = &cap
		st.MonthlySpend.RemainingUSD = &remaining
	}
	return st, nil
}

// InFlight reports the current in-flight count for userID.
func (e *Engine) InFlight(userID string) int { return e.conc.InFlight(userID) }

func (e *Engine) monthToDateSpend(ctx context.Context, userID string, now time.Time) (float64, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	sum, err := e.aggregates.SumAggregates(ctx, userID, monthStart.Format(dayFormat), now.Format(dayFormat))
	if err != nil {
		return 0, err
	}
	return sum.TotalCostUSD, nil
}

func dimension(limit, used int64) Dimension {
	return Dimension{Limit: limit, Used: used, Remaining: max(0, limit-used)}
}

// nextMidnight returns the next local-day midnight after now.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// nextMonth returns the first day of the next month at local midnight.
func nextMonth(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location())
}
