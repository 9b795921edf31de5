package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/telemetry"
)

const (
	evictInterval = 5 * time.Minute
	// A limiter idle for this long cannot influence admission anymore; its
	// bucket would be full on next use anyway.
	evictAfter = 30 * time.Minute
)

// LimiterEvictor periodically drops idle rate limiter entries so the
// per-identity map does not grow with the all-time client population.
type LimiterEvictor struct {
	registry *ratelimit.Registry
	metrics  *telemetry.Metrics // nil = no gauge updates
}

// NewLimiterEvictor creates an evictor over registry.
func NewLimiterEvictor(registry *ratelimit.Registry, metrics *telemetry.Metrics) *LimiterEvictor {
	return &LimiterEvictor{registry: registry, metrics: metrics}
}

// Name returns the worker identifier.
func (w *LimiterEvictor) Name() string { return "limiter_evictor" }

// Run evicts stale limiters on a periodic schedule.
func (w *LimiterEvictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			evicted := w.registry.EvictStale(time.Now().Add(-evictAfter))
			if w.metrics != nil {
				w.metrics.LimiterEntries.Set(float64(w.registry.Len()))
			}
			if evicted > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "rate limiters evicted",
					slog.Int("count", evicted),
				)
			}
		}
	}
}
