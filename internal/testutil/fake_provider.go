package testutil

import (
	"context"

	gateway "github.com/eugener/mithril/internal"
)

// FakeProvider is a configurable provider.Provider for testing.
type FakeProvider struct {
	ProviderName string
	ModelList    []string
	Default      string
	CompleteFn   func(ctx context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error)

	// Calls counts Complete invocations, useful for retry assertions.
	Calls int
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// Models returns the configured allowlist.
func (f *FakeProvider) Models() []string { return f.ModelList }

// DefaultModel returns the configured default.
func (f *FakeProvider) DefaultModel() string { return f.Default }

// Complete delegates to CompleteFn or returns a canned response.
func (f *FakeProvider) Complete(ctx context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
	f.Calls++
	if f.CompleteFn != nil {
		return f.CompleteFn(ctx, req)
	}
	return &gateway.Completion{
		Provider:     f.ProviderName,
		Model:        req.Model,
		Content:      "hello",
		InputTokens:  10,
		OutputTokens: 5,
		FinishReason: "stop",
	}, nil
}
