package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider"
)

// Error kinds, the "error" field of every error response.
const (
	kindUnauthorized      = "unauthorized"
	kindForbidden         = "forbidden"
	kindValidation        = "validation_error"
	kindQuotaExceeded     = "quota_exceeded"
	kindTooManyConcurrent = "too_many_concurrent"
	kindRateLimited       = "rate_limit_exceeded"
	kindNoProvider        = "no_provider_available"
	kindModelNotAllowed   = "model_not_allowed"
	kindLLMError          = "llm_error"
	kindInternal          = "internal_error"
	kindNotFound          = "not_found"
	kindConflict          = "conflict"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// errorBody builds the standard error envelope.
func errorBody(kind, msg string) map[string]any {
	return map[string]any{"error": kind, "message": msg}
}

// writeError converts a pipeline error to the HTTP taxonomy. Domain sentinel
// and refusal errors carry client-safe messages; anything unrecognized is
// logged with the request_id and collapsed to a generic internal_error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var qe *gateway.QuotaExceededError
	if errors.As(err, &qe) {
		body := errorBody(kindQuotaExceeded, qe.Error())
		body["dimension"] = qe.Dimension
		body["limit"] = qe.Limit
		body["used"] = qe.Used
		body["resets_at"] = qe.ResetsAt.Format(time.RFC3339)
		writeJSON(w, http.StatusTooManyRequests, body)
		return
	}
	var ce *gateway.ConcurrencyLimitError
	if errors.As(err, &ce) {
		body := errorBody(kindTooManyConcurrent, ce.Error())
		body["limit"] = ce.Limit
		writeJSON(w, http.StatusTooManyRequests, body)
		return
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		// Upstream 400s reflect the request; everything else is a gateway-side
		// upstream failure.
		status := http.StatusBadGateway
		if apiErr.StatusCode == http.StatusBadRequest {
			status = http.StatusBadRequest
		}
		body := errorBody(kindLLMError, "upstream provider error")
		body["request_id"] = gateway.RequestIDFromContext(r.Context())
		writeJSON(w, status, body)
		return
	}

	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody(kindUnauthorized, "invalid or missing API key"))
	case errors.Is(err, gateway.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody(kindForbidden, "forbidden"))
	case errors.Is(err, gateway.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody(kindValidation, err.Error()))
	case errors.Is(err, gateway.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody(kindRateLimited, "rate limit exceeded"))
	case errors.Is(err, gateway.ErrNoProvider):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(kindNoProvider, "no upstream provider is configured"))
	case errors.Is(err, gateway.ErrModelNotAllowed):
		writeJSON(w, http.StatusBadRequest, errorBody(kindModelNotAllowed, err.Error()))
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(kindNotFound, "not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(kindConflict, "conflict"))
	case errors.Is(err, gateway.ErrUpstream):
		body := errorBody(kindLLMError, "upstream provider error")
		body["request_id"] = gateway.RequestIDFromContext(r.Context())
		writeJSON(w, http.StatusBadGateway, body)
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		body := errorBody(kindInternal, "internal error")
		body["request_id"] = gateway.RequestIDFromContext(r.Context())
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

// maxBody bounds every inbound request body. Message content bounds alone
// allow ~10MB of payload; this is the transport-level ceiling above that.
const maxBody = 12 << 20

// decodeJSON decodes the body into v. An entirely empty body is accepted and
// leaves v zero-valued, so admin endpoints with all-optional fields work
// without a body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody(kindValidation, "invalid request body"))
		return false
	}
	return true
}
