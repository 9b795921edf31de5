// Package provider defines the upstream LLM adapter contract and the router
// that selects, paces, and retries upstream calls.
package provider

import (
	"context"

	gateway "github.com/eugener/mithril/internal"
)

// Provider is one upstream LLM API adapter.
type Provider interface {
	// Name returns the provider identifier recorded in usage rows.
	Name() string
	// Complete sends a non-streaming completion and normalizes the response.
	Complete(ctx context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error)
	// Models returns the configured model allowlist.
	Models() []string
	// DefaultModel returns the model used when the request omits one.
	DefaultModel() string
}
