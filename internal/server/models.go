package server

import "net/http"

// handleModels enumerates the registered providers and their model
// allowlists in "auto" preference order.
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.deps.Router.Catalog(),
	})
}
