// Package server implements the HTTP transport layer for the Plexus gateway.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/a2a"
	"github.com/plexushq/plexus/internal/auth"
	"github.com/plexushq/plexus/internal/dispatch"
	"github.com/plexushq/plexus/internal/ratelimit"
	"github.com/plexushq/plexus/internal/router"
	"github.com/plexushq/plexus/internal/telemetry"
	"github.com/plexushq/plexus/internal/tokencount"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(plexus.UsageRecord)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       *auth.Authenticator
	Router     *router.Router
	Dispatcher *dispatch.Dispatcher
	Tasks      *a2a.Service
	Limiter    *ratelimit.Limiter   // nil disables rate limiting
	Usage      UsageRecorder        // nil disables usage recording
	Counter    *tokencount.Counter  // nil disables token estimation
	Metrics    *telemetry.Metrics   // nil disables the metrics middleware
	Gatherer   prometheus.Gatherer  // nil disables the /metrics endpoint
	ReadyCheck ReadyChecker         // nil reports always ready
	Log        *slog.Logger
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Public discovery endpoints
	r.Get("/v1/models", s.handleListModels)
	r.Get("/.well-known/agent-card.json", s.handleAgentCard)

	// Inference surface (auth + rate limit)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/messages", s.handleMessages)
		// The path parameter carries both the model and the action, joined
		// by a colon: "gemini-pro:generateContent".
		r.Post("/v1beta/models/{modelAction}", s.handleGemini)
	})

	// A2A task surface (auth + protocol version + rate limit)
	r.Route("/a2a", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.a2aVersion)
		r.Use(s.rateLimit)

		r.Get("/extendedAgentCard", s.handleAgentCard)
		r.Post("/message/send", s.handleMessageSend)
		r.Post("/message/stream", s.handleMessageStream)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Get("/tasks/{taskID}/events", s.handleTaskEvents)
		r.Post("/tasks/{taskID}/cancel", s.handleCancelTask)
		r.Get("/tasks/{taskID}/subscribe", s.handleSubscribe)
		r.Post("/tasks/{taskID}/subscribe", s.handleSubscribe)
		r.Route("/tasks/{taskID}/pushNotificationConfigs", func(r chi.Router) {
			r.Get("/", s.handleListPushConfigs)
			r.Post("/", s.handleSetPushConfig)
			r.Get("/{configID}", s.handleGetPushConfig)
			r.Delete("/{configID}", s.handleDeletePushConfig)
		})
	})

	return r
}

type server struct {
	deps Deps
}
