package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider"
	"github.com/eugener/mithril/internal/quota"
)

// completionResponse is the success envelope for POST /v1/llm/complete.
type completionResponse struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Content      string          `json:"content"`
	Usage        completionUsage `json:"usage"`
	FinishReason string          `json:"finish_reason"`
}

type completionUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// handleComplete runs the completion pipeline: validate, admit, dispatch,
// record, respond. Every admitted request writes exactly one usage record
// before the response goes out, on success and failure paths alike.
func (s *server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	requestID := gateway.RequestIDFromContext(ctx)

	var req gateway.CompletionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateCompletion(&req); err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.LogPrompts {
		slog.LogAttrs(ctx, slog.LevelDebug, "completion request",
			slog.String("request_id", requestID),
			slog.Int("messages", len(req.Messages)),
			slog.Any("body", req),
		)
	}

	adm, err := s.deps.Quota.Admit(ctx, identity.UserID)
	if err != nil {
		if s.deps.Metrics != nil {
			var qe *gateway.QuotaExceededError
			if errors.As(err, &qe) {
				s.deps.Metrics.QuotaRejects.WithLabelValues(qe.Dimension).Inc()
			} else if errors.Is(err, gateway.ErrTooManyConcurrent) {
				s.deps.Metrics.QuotaRejects.WithLabelValues("concurrency").Inc()
			}
		}
		writeError(w, r, err)
		return
	}
	// The release inside record is the normal path; this defer covers panics
	// and early returns. Release is idempotent.
	defer adm.Release()

	start := time.Now()
	res, err := s.deps.Router.Resolve(&req)
	if err != nil {
		s.record(ctx, adm, quota.Usage{
			RequestID:    requestID,
			Provider:     gateway.ProviderUnknown,
			Model:        gateway.ProviderUnknown,
			LatencyMs:    time.Since(start).Milliseconds(),
			Status:       gateway.UsageError,
			ErrorMessage: shortError(err),
		})
		writeError(w, r, err)
		return
	}

	out, err := s.deps.Router.Dispatch(ctx, res, &req)
	latency := time.Since(start)
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(res.Provider.Name(), res.Model).Observe(latency.Seconds())
	}

	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(res.Provider.Name()).Inc()
		}
		msg := shortError(err)
		if ctx.Err() == context.Canceled {
			msg = "client_canceled"
		}
		s.record(ctx, adm, quota.Usage{
			RequestID:    requestID,
			Provider:     res.Provider.Name(),
			Model:        res.Model,
			LatencyMs:    latency.Milliseconds(),
			Status:       gateway.UsageError,
			ErrorMessage: msg,
		})
		var de *provider.DispatchError
		if errors.As(err, &de) {
			err = de.Err
		}
		writeError(w, r, err)
		return
	}

	s.record(ctx, adm, quota.Usage{
		RequestID:    requestID,
		Provider:     out.Provider,
		Model:        out.Model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		LatencyMs:    latency.Milliseconds(),
		Status:       gateway.UsageSuccess,
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(out.Provider, "input").Add(float64(out.InputTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(out.Provider, "output").Add(float64(out.OutputTokens))
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:       requestID,
		Provider: out.Provider,
		Model:    out.Model,
		Content:  out.Content,
		Usage: completionUsage{
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			TotalTokens:  out.InputTokens + out.OutputTokens,
		},
		FinishReason: out.FinishReason,
	})
}

// record writes the usage row. The client may have disconnected, so the
// write runs on a detached context with its own deadline. A failed write
// never changes the HTTP outcome; it is logged with the request_id.
func (s *server) record(ctx context.Context, adm *quota.Admission, u quota.Usage) {
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deps.Quota.Record(recCtx, adm, u); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage record failed",
			slog.String("request_id", u.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

// shortError bounds the stored error_message to a scannable length.
func shortError(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
