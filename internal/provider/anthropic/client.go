// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"

	// The Messages API requires max_tokens; applied when the request omits it.
	defaultMaxTokens = 4096
)

var _ provider.Provider = (*Client)(nil)

// Client is an Anthropic provider adapter.
type Client struct {
	apiKey       string
	baseURL      string
	models       []string
	defaultModel string
	http         *http.Client
}

// New creates an Anthropic Client. If baseURL is empty it defaults to
// "https://api.anthropic.com/v1".
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

// Name returns "anthropic".
func (c *Client) Name() string { return providerName }

// Models returns the configured model allowlist.
func (c *Client) Models() []string { return slices.Clone(c.models) }

// DefaultModel returns the model used when the request omits one.
func (c *Client) DefaultModel() string { return c.defaultModel }

// Complete sends a non-streaming Messages API request.
func (c *Client) Complete(ctx context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
	aReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	return translateResponse(respBody), nil
}
