package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/mithril/internal/storage"
)

const reconcileInterval = time.Hour

// AggregateReconciler periodically re-derives the current day's aggregates
// from raw usage records and reports drift. The aggregates are written only
// inside the record transaction, so any drift indicates a bug or manual data
// surgery; the reconciler surfaces it rather than silently repairing.
type AggregateReconciler struct {
	store storage.AggregateStore
	now   func() time.Time
}

// NewAggregateReconciler creates a reconciler over store.
func NewAggregateReconciler(store storage.AggregateStore) *AggregateReconciler {
	return &AggregateReconciler{store: store, now: time.Now}
}

// Name returns the worker identifier.
func (w *AggregateReconciler) Name() string { return "aggregate_reconciler" }

// Run checks the current day's aggregates on a periodic schedule.
func (w *AggregateReconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *AggregateReconciler) check(ctx context.Context) {
	day := w.now().Format("2006-01-02")
	drifted, err := w.store.ReconcileDay(ctx, day)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "aggregate reconciliation failed",
			slog.String("day", day),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, d := range drifted {
		slog.LogAttrs(ctx, slog.LevelError, "aggregate drift detected",
			slog.String("user_id", d.UserID),
			slog.String("day", d.Date),
			slog.Int64("derived_requests", d.RequestCount),
			slog.Int64("derived_tokens", d.TotalTokens),
			slog.Float64("derived_cost_usd", d.TotalCostUSD),
		)
	}
}
