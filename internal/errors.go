package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway domain. The transport layer maps these to
// the HTTP error taxonomy.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation error")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNoProvider        = errors.New("no provider available")
	ErrModelNotAllowed   = errors.New("model not allowed")
	ErrUpstream          = errors.New("upstream provider error")
	ErrInternal          = errors.New("internal error")
)

// Quota dimensions reported on refusal.
const (
	DimDailyRequests = "daily_requests"
	DimDailyTokens   = "daily_tokens"
	DimMonthlySpend  = "monthly_spend"
)

// QuotaExceededError is an admission refusal on a persisted-usage dimension.
// It matches ErrQuotaExceeded under errors.Is.
type QuotaExceededError struct {
	Dimension string
	Limit     float64
	Used      float64
	ResetsAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (used %.6g of %.6g, resets %s)",
		e.Dimension, e.Used, e.Limit, e.ResetsAt.Format(time.RFC3339))
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// ConcurrencyLimitError is an admission refusal on the in-flight counter.
// It matches ErrTooManyConcurrent under errors.Is.
type ConcurrencyLimitError struct {
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("too many concurrent requests (limit %d)", e.Limit)
}

func (e *ConcurrencyLimitError) Is(target error) bool { return target == ErrTooManyConcurrent }
