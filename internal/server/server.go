// Package server implements the HTTP transport layer for the Mithril gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/mithril/internal/app"
	"github.com/eugener/mithril/internal/keystore"
	"github.com/eugener/mithril/internal/provider"
	"github.com/eugener/mithril/internal/quota"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/storage"
	"github.com/eugener/mithril/internal/telemetry"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store      storage.Store
	Keys       *keystore.Store
	Users      *app.UserManager
	Quota      *quota.Engine
	Router     *provider.Router
	Limiter    *ratelimit.Registry // nil = no global rate limiting
	AdminToken string
	Metrics    *telemetry.Metrics // nil = metrics endpoint disabled
	LogPrompts bool

	// ReadyCheck overrides the default persistence ping, for tests.
	ReadyCheck func(ctx context.Context) error
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.measure)
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Client-facing API. The global rate limit runs before authentication so
	// rejected bursts never touch the key store or persistence.
	r.Route("/v1/llm", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.authenticate)
		r.Post("/complete", s.handleComplete)
		r.Get("/models", s.handleModels)
		r.Get("/quota", s.handleQuota)
	})

	// Operator surface
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.operatorAuth)
		r.Post("/users", s.handleCreateUser)
		r.Get("/users", s.handleListUsers)
		r.Get("/users/{id}", s.handleGetUser)
		r.Post("/users/{id}/suspend", s.handleSuspendUser)
		r.Post("/users/{id}/activate", s.handleActivateUser)
		r.Put("/users/{id}/quota", s.handleUpdateQuota)
		r.Post("/users/{id}/keys", s.handleCreateKey)
		r.Get("/users/{id}/usage", s.handleUserUsage)
		r.Delete("/keys/{id}", s.handleRevokeKey)
	})

	return r
}

type server struct {
	deps Deps
}
