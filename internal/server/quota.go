package server

import (
	"net/http"

	gateway "github.com/eugener/mithril/internal"
)

// handleQuota serves the caller's current quota snapshot.
func (s *server) handleQuota(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	st, err := s.deps.Quota.Inspect(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
