package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider"
)

func TestCompleteRequestShape(t *testing.T) {
	t.Parallel()

	var got chatRequest
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"content": "{\"ok\":true}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7}
		}`))
	}))
	defer srv.Close()

	temp := 0.3
	maxTok := 256
	c := New("sk-test", srv.URL, []string{"gpt-4o-mini"}, "gpt-4o-mini", srv.Client())
	out, err := c.Complete(context.Background(), &gateway.CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: "be terse"},
			{Role: gateway.RoleUser, Content: "hi"},
		},
		Temperature:    &temp,
		MaxTokens:      &maxTok,
		ResponseFormat: gateway.FormatJSON,
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 {
		t.Errorf("request body %+v", got)
	}
	if got.Messages[0].Role != gateway.RoleSystem || got.Messages[1].Content != "hi" {
		t.Errorf("messages passed through wrong: %+v", got.Messages)
	}
	if got.Temperature == nil || *got.Temperature != 0.3 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 256 {
		t.Errorf("max_tokens = %v", got.MaxTokens)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}

	if out.Provider != "openai" || out.Model != "gpt-4o-mini-2024" {
		t.Errorf("completion attribution %+v", out)
	}
	if out.Content != `{"ok":true}` || out.FinishReason != "stop" {
		t.Errorf("content/finish %+v", out)
	}
	if out.InputTokens != 42 || out.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", out.InputTokens, out.OutputTokens)
	}
}

func TestCompleteTextFormatOmitsResponseFormat(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}]}`))
	}))
	defer srv.Close()

	c := New("k", srv.URL, nil, "gpt-4o-mini", srv.Client())
	if _, err := c.Complete(context.Background(), &gateway.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatal(err)
	}
	if got.ResponseFormat != nil {
		t.Errorf("response_format should be omitted, got %+v", got.ResponseFormat)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	c := New("k", srv.URL, nil, "gpt-4o-mini", srv.Client())
	_, err := c.Complete(context.Background(), &gateway.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	})
	var ae *provider.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %T (%v), want APIError", err, err)
	}
	if ae.Provider != "openai" || ae.StatusCode != http.StatusTooManyRequests {
		t.Errorf("api error %+v", ae)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := New("k", srv.URL, nil, "gpt-4o-mini", srv.Client())
	if _, err := c.Complete(context.Background(), &gateway.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Error("empty choices should be an error")
	}
}
