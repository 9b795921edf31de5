package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/testutil"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func newTestRouter(providers ...*testutil.FakeProvider) *Router {
	r := NewRouter(testPolicy())
	for _, p := range providers {
		r.Register(p, nil)
	}
	return r
}

func fakeOpenAI() *testutil.FakeProvider {
	return &testutil.FakeProvider{
		ProviderName: gateway.ProviderOpenAI,
		ModelList:    []string{"gpt-4o", "gpt-4o-mini"},
		Default:      "gpt-4o-mini",
	}
}

func fakeAnthropic() *testutil.FakeProvider {
	return &testutil.FakeProvider{
		ProviderName: gateway.ProviderAnthropic,
		ModelList:    []string{"claude-haiku-4-5"},
		Default:      "claude-haiku-4-5",
	}
}

func TestResolveAutoPrefersFirstRegistered(t *testing.T) {
	t.Parallel()

	r := newTestRouter(fakeOpenAI(), fakeAnthropic())
	res, err := r.Resolve(&gateway.CompletionRequest{Provider: gateway.ProviderAuto})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider.Name() != gateway.ProviderOpenAI {
		t.Errorf("auto resolved to %q, want openai", res.Provider.Name())
	}
	if res.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want default gpt-4o-mini", res.Model)
	}
}

func TestResolveEmptyTagIsAuto(t *testing.T) {
	t.Parallel()

	r := newTestRouter(fakeAnthropic())
	res, err := r.Resolve(&gateway.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider.Name() != gateway.ProviderAnthropic {
		t.Errorf("resolved to %q, want anthropic", res.Provider.Name())
	}
}

func TestResolveExplicitProvider(t *testing.T) {
	t.Parallel()

	r := newTestRouter(fakeOpenAI(), fakeAnthropic())
	res, err := r.Resolve(&gateway.CompletionRequest{Provider: gateway.ProviderAnthropic})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider.Name() != gateway.ProviderAnthropic {
		t.Errorf("resolved to %q, want anthropic", res.Provider.Name())
	}
}

func TestResolveNoProvider(t *testing.T) {
	t.Parallel()

	empty := newTestRouter()
	if _, err := empty.Resolve(&gateway.CompletionRequest{}); !errors.Is(err, gateway.ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}

	onlyOpenAI := newTestRouter(fakeOpenAI())
	if _, err := onlyOpenAI.Resolve(&gateway.CompletionRequest{Provider: gateway.ProviderAnthropic}); !errors.Is(err, gateway.ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider for unconfigured explicit tag", err)
	}
}

func TestResolveModelAllowlist(t *testing.T) {
	t.Parallel()

	r := newTestRouter(fakeOpenAI())
	if _, err := r.Resolve(&gateway.CompletionRequest{Model: "gpt-999"}); !errors.Is(err, gateway.ErrModelNotAllowed) {
		t.Errorf("err = %v, want ErrModelNotAllowed", err)
	}

	res, err := r.Resolve(&gateway.CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", res.Model)
	}
}

func TestDispatchRetriesOn500(t *testing.T) {
	t.Parallel()

	p := fakeOpenAI()
	p.CompleteFn = func(_ context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
		if p.Calls < 3 {
			return nil, &APIError{Provider: "openai", StatusCode: 500, Body: "upstream boom"}
		}
		return &gateway.Completion{Provider: "openai", Model: req.Model, Content: "ok", FinishReason: "stop"}, nil
	}
	r := newTestRouter(p)

	res, err := r.Resolve(&gateway.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Dispatch(context.Background(), res, &gateway.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "ok" {
		t.Errorf("content = %q, want ok", out.Content)
	}
	if p.Calls != 3 {
		t.Errorf("calls = %d, want 3", p.Calls)
	}
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := fakeOpenAI()
	p.CompleteFn = func(context.Context, *gateway.CompletionRequest) (*gateway.Completion, error) {
		return nil, &APIError{Provider: "openai", StatusCode: 429, Body: "slow down"}
	}
	r := newTestRouter(p)

	res, _ := r.Resolve(&gateway.CompletionRequest{})
	_, err := r.Dispatch(context.Background(), res, &gateway.CompletionRequest{})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want DispatchError", err)
	}
	if de.Provider != "openai" || de.Model != "gpt-4o-mini" {
		t.Errorf("dispatch error attribution %+v", de)
	}
	if p.Calls != 3 {
		t.Errorf("calls = %d, want 3 attempts", p.Calls)
	}
}

func TestDispatchNoRetryOn400(t *testing.T) {
	t.Parallel()

	p := fakeOpenAI()
	p.CompleteFn = func(context.Context, *gateway.CompletionRequest) (*gateway.Completion, error) {
		return nil, &APIError{Provider: "openai", StatusCode: 400, Body: "bad request"}
	}
	r := newTestRouter(p)

	res, _ := r.Resolve(&gateway.CompletionRequest{})
	if _, err := r.Dispatch(context.Background(), res, &gateway.CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if p.Calls != 1 {
		t.Errorf("calls = %d, want 1 (400 is not retryable)", p.Calls)
	}
}

func TestDispatchNoRetryOnValidation(t *testing.T) {
	t.Parallel()

	p := fakeAnthropic()
	p.CompleteFn = func(context.Context, *gateway.CompletionRequest) (*gateway.Completion, error) {
		return nil, fmt.Errorf("%w: too many system messages", gateway.ErrValidation)
	}
	r := newTestRouter(p)

	res, _ := r.Resolve(&gateway.CompletionRequest{})
	_, err := r.Dispatch(context.Background(), res, &gateway.CompletionRequest{})
	if !errors.Is(err, gateway.ErrValidation) {
		t.Fatalf("err = %v, want wrapped ErrValidation", err)
	}
	if p.Calls != 1 {
		t.Errorf("calls = %d, want 1", p.Calls)
	}
}

func TestDispatchUsesResolvedModel(t *testing.T) {
	t.Parallel()

	p := fakeOpenAI()
	var gotModel string
	p.CompleteFn = func(_ context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
		gotModel = req.Model
		return &gateway.Completion{Provider: "openai", Model: req.Model, FinishReason: "stop"}, nil
	}
	r := newTestRouter(p)

	res, _ := r.Resolve(&gateway.CompletionRequest{}) // model omitted
	if _, err := r.Dispatch(context.Background(), res, &gateway.CompletionRequest{}); err != nil {
		t.Fatal(err)
	}
	if gotModel != "gpt-4o-mini" {
		t.Errorf("dispatched model = %q, want resolved default", gotModel)
	}
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	r := newTestRouter(fakeOpenAI(), fakeAnthropic())
	cat := r.Catalog()
	if len(cat) != 2 {
		t.Fatalf("catalog entries = %d, want 2", len(cat))
	}
	if cat[0].Provider != gateway.ProviderOpenAI || cat[1].Provider != gateway.ProviderAnthropic {
		t.Errorf("catalog order %v, want preference order", []string{cat[0].Provider, cat[1].Provider})
	}
	if cat[0].DefaultModel != "gpt-4o-mini" {
		t.Errorf("default model = %q", cat[0].DefaultModel)
	}
}
