// Package openai implements the provider adapter for the OpenAI Chat
// Completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var _ provider.Provider = (*Client)(nil)

// Client is an OpenAI provider adapter.
type Client struct {
	apiKey       string
	baseURL      string
	models       []string
	defaultModel string
	http         *http.Client
}

// New creates an OpenAI Client. If baseURL is empty it defaults to
// "https://api.openai.com/v1".
func New(apiKey, baseURL string, models []string, defaultModel string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		models:       models,
		defaultModel: defaultModel,
		http:         client,
	}
}

// Name returns "openai".
func (c *Client) Name() string { return providerName }

// Models returns the configured model allowlist.
func (c *Client) Models() []string { return slices.Clone(c.models) }

// DefaultModel returns the model used when the request omits one.
func (c *Client) DefaultModel() string { return c.defaultModel }

// chatRequest is the OpenAI Chat Completions request body.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	ResponseFormat *formatSpec   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type formatSpec struct {
	Type string `json:"type"`
}

// chatResponse is the subset of the Chat Completions response the gateway
// consumes.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
	out := chatRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for i, m := range req.Messages {
		out.Messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	if req.ResponseFormat == gateway.FormatJSON {
		out.ResponseFormat = &formatSpec{Type: "json_object"}
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	finish := parsed.Choices[0].FinishReason
	if finish == "" {
		finish = "unknown"
	}
	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &gateway.Completion{
		Provider:     providerName,
		Model:        model,
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		FinishReason: finish,
	}, nil
}
