package server

import (
	"net/http"
	"time"
)

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready when persistence answers a ping and at least one
// upstream provider is registered.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	check := s.deps.ReadyCheck
	if check == nil {
		check = s.deps.Store.Ping
	}
	if err := check(r.Context()); err != nil {
		checks["persistence"] = err.Error()
		ready = false
	} else {
		checks["persistence"] = "ok"
	}

	if len(s.deps.Router.Providers()) == 0 {
		checks["providers"] = "no upstream provider configured"
		ready = false
	} else {
		checks["providers"] = "ok"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}
