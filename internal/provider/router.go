package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/ratelimit"
)

// RetryPolicy bounds the retry loop around one upstream dispatch.
type RetryPolicy struct {
	Attempts     int
	BaseInterval time.Duration
	MaxInterval  time.Duration
}

// entry pairs a registered provider with its upstream pacer.
type entry struct {
	provider Provider
	pacer    *ratelimit.Pacer
}

// Router resolves a completion request to a provider and model, then
// dispatches it with pacing and bounded retries. Registration order is the
// "auto" preference order.
type Router struct {
	entries []entry
	retry   RetryPolicy
}

// NewRouter returns a Router with the given retry policy.
func NewRouter(retry RetryPolicy) *Router {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &Router{retry: retry}
}

// Register appends a provider. Earlier registrations win "auto" selection.
// A nil pacer disables upstream pacing for that provider.
func (r *Router) Register(p Provider, pacer *ratelimit.Pacer) {
	r.entries = append(r.entries, entry{provider: p, pacer: pacer})
}

// Providers returns registered providers in preference order.
func (r *Router) Providers() []Provider {
	out := make([]Provider, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.provider
	}
	return out
}

// Resolution is the outcome of provider and model selection.
type Resolution struct {
	Provider Provider
	Model    string
	pacer    *ratelimit.Pacer
}

// Resolve selects the provider and model for req. An explicit provider tag
// that is not registered, or "auto" with nothing registered, yields
// ErrNoProvider. A model outside the selected provider's allowlist yields
// ErrModelNotAllowed. An empty model resolves to the provider's default.
func (r *Router) Resolve(req *gateway.CompletionRequest) (*Resolution, error) {
	var e *entry
	switch req.Provider {
	case "", gateway.ProviderAuto:
		if len(r.entries) == 0 {
			return nil, gateway.ErrNoProvider
		}
		e = &r.entries[0]
	default:
		for i := range r.entries {
			if r.entries[i].provider.Name() == req.Provider {
				e = &r.entries[i]
				break
			}
		}
		if e == nil {
			return nil, fmt.Errorf("%w: %s is not configured", gateway.ErrNoProvider, req.Provider)
		}
	}

	model := req.Model
	if model == "" {
		model = e.provider.DefaultModel()
	} else if !slices.Contains(e.provider.Models(), model) {
		return nil, fmt.Errorf("%w: %q for provider %s", gateway.ErrModelNotAllowed, model, e.provider.Name())
	}
	return &Resolution{Provider: e.provider, Model: model, pacer: e.pacer}, nil
}

// DispatchError wraps an upstream failure with the provider and model it was
// dispatched to, so accounting can attribute the failed request.
type DispatchError struct {
	Provider string
	Model    string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatch sends req through the resolved provider with upstream pacing and
// exponential-backoff retries. Upstream 429 and 5xx responses and transport
// errors are retried; other 4xx responses fail immediately. The pacer is
// re-acquired before every attempt so retries also respect the upstream rate.
func (r *Router) Dispatch(ctx context.Context, res *Resolution, req *gateway.CompletionRequest) (*gateway.Completion, error) {
	sent := *req
	sent.Model = res.Model

	attempt := 0
	operation := func() (*gateway.Completion, error) {
		if err := res.pacer.Acquire(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		attempt++
		out, err := res.Provider.Complete(ctx, &sent)
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
			slog.String("provider", res.Provider.Name()),
			slog.String("model", res.Model),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.BaseInterval
	b.MaxInterval = r.retry.MaxInterval

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.retry.Attempts)),
	)
	if err != nil {
		return nil, &DispatchError{Provider: res.Provider.Name(), Model: res.Model, Err: err}
	}
	return out, nil
}

// retryable reports whether an upstream error is worth another attempt:
// transport errors, 429, and 5xx. Other 4xx statuses reflect the request
// itself and will not improve on retry.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Request translation refusals (e.g. multiple system messages) will not
	// improve on retry.
	if errors.Is(err, gateway.ErrValidation) {
		return false
	}
	// Transport-level failure (connection reset, DNS, header timeout).
	return true
}

// ModelCatalog is one provider's row in the GET /v1/llm/models response.
type ModelCatalog struct {
	Provider     string   `json:"provider"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
}

// Catalog lists the registered providers and their model allowlists.
func (r *Router) Catalog() []ModelCatalog {
	out := make([]ModelCatalog, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ModelCatalog{
			Provider:     e.provider.Name(),
			Models:       slices.Clone(e.provider.Models()),
			DefaultModel: e.provider.DefaultModel(),
		})
	}
	return out
}
