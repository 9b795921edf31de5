package server

import (
	"fmt"

	gateway "github.com/eugener/mithril/internal"
)

// validateCompletion checks the decoded request body against the documented
// bounds. Unknown JSON fields are ignored at decode time; everything listed
// here is checked explicitly.
func validateCompletion(req *gateway.CompletionRequest) error {
	switch req.Provider {
	case "", gateway.ProviderAuto, gateway.ProviderOpenAI, gateway.ProviderAnthropic:
	default:
		return fmt.Errorf("%w: provider must be one of auto, openai, anthropic", gateway.ErrValidation)
	}

	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", gateway.ErrValidation)
	}
	if len(req.Messages) > gateway.MaxMessages {
		return fmt.Errorf("%w: at most %d messages allowed", gateway.ErrValidation, gateway.MaxMessages)
	}
	for i, m := range req.Messages {
		switch m.Role {
		case gateway.RoleSystem, gateway.RoleUser, gateway.RoleAssistant:
		default:
			return fmt.Errorf("%w: messages[%d].role must be one of system, user, assistant", gateway.ErrValidation, i)
		}
		if m.Content == "" {
			return fmt.Errorf("%w: messages[%d].content must not be empty", gateway.ErrValidation, i)
		}
		if len(m.Content) > gateway.MaxContentLen {
			return fmt.Errorf("%w: messages[%d].content exceeds %d characters", gateway.ErrValidation, i, gateway.MaxContentLen)
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > gateway.MaxTemperature) {
		return fmt.Errorf("%w: temperature must be in [0, %g]", gateway.ErrValidation, gateway.MaxTemperature)
	}
	if req.MaxTokens != nil && (*req.MaxTokens < 1 || *req.MaxTokens > gateway.MaxTokensCeiling) {
		return fmt.Errorf("%w: max_tokens must be in [1, %d]", gateway.ErrValidation, gateway.MaxTokensCeiling)
	}

	switch req.ResponseFormat {
	case "", gateway.FormatText, gateway.FormatJSON:
	default:
		return fmt.Errorf("%w: response_format must be text or json", gateway.ErrValidation)
	}
	return nil
}
