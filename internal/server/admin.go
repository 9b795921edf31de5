package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/app"
)

// plaintextBanner is returned once alongside a freshly minted key.
const plaintextBanner = "Save this key now. It is shown only once and cannot be recovered."

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	u, err := s.deps.Users.CreateUser(r.Context(), body.Email, body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := s.deps.Users.ListUsers(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	detail, err := s.deps.Users.GetUserDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *server) handleSuspendUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Users.Suspend(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": gateway.UserSuspended})
}

func (s *server) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Users.Activate(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": gateway.UserActive})
}

func (s *server) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DailyRequests      *int64          `json:"daily_requests"`
		DailyTokens        *int64          `json:"daily_tokens"`
		MonthlySpendCapUSD json.RawMessage `json:"monthly_spend_cap_usd"`
		MaxConcurrent      *int            `json:"max_concurrent_requests"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	patch := app.QuotaPatch{
		DailyRequests: body.DailyRequests,
		DailyTokens:   body.DailyTokens,
		MaxConcurrent: body.MaxConcurrent,
	}
	// An explicit null clears the cap (unlimited); an absent field leaves it.
	if len(body.MonthlySpendCapUSD) > 0 {
		patch.MonthlySpendCapSet = true
		if string(body.MonthlySpendCapUSD) != "null" {
			var cap float64
			if err := json.Unmarshal(body.MonthlySpendCapUSD, &cap); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody(kindValidation, "monthly_spend_cap_usd must be a number or null"))
				return
			}
			patch.MonthlySpendCap = &cap
		}
	}

	q, err := s.deps.Users.UpdateQuota(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var body struct {
		Label string `json:"label"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	if _, err := s.deps.Store.GetUser(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}

	key, plaintext, err := s.deps.Keys.Mint(r.Context(), userID, body.Label)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"token":   plaintext,
		"warning": plaintextBanner,
	})
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.Revoke(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": gateway.KeyRevoked})
}

func (s *server) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetUser(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now()
	today := now.Format("2006-01-02")
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Format("2006-01-02")
	stats, err := s.deps.Store.UsageStats(r.Context(), userID, today, monthStart)
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.deps.Store.ListUsage(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"stats":   stats,
		"records": records,
	})
}
