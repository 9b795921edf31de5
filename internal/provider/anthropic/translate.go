package anthropic

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/mithril/internal"
)

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translateRequest converts the unified request to a Messages API request.
// The Messages API takes the system prompt as a top-level field, so exactly
// zero or one system message is accepted. response_format is a no-op here;
// the caller owns prompt-level JSON discipline.
func translateRequest(req *gateway.CompletionRequest) (*messagesRequest, error) {
	out := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		if m.Role == gateway.RoleSystem {
			if out.System != "" {
				return nil, fmt.Errorf("%w: anthropic accepts at most one system message", gateway.ErrValidation)
			}
			out.System = m.Content
			continue
		}
		out.Messages = append(out.Messages, message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// translateResponse converts a Messages API JSON response to the unified
// envelope. Text content blocks are concatenated; token counts default to
// zero when usage is absent.
func translateResponse(data []byte) *gateway.Completion {
	result := gjson.ParseBytes(data)

	var content strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})

	finish := result.Get("stop_reason").String()
	if finish == "" {
		finish = "unknown"
	}

	return &gateway.Completion{
		Provider:     providerName,
		Model:        result.Get("model").String(),
		Content:      content.String(),
		InputTokens:  int(result.Get("usage.input_tokens").Int()),
		OutputTokens: int(result.Get("usage.output_tokens").Int()),
		FinishReason: finish,
	}
}
