// Package app wires the gateway's HTTP surface.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgrid/agentgrid/internal/adapter/httpserver"
	"github.com/agentgrid/agentgrid/internal/adapter/observability"
	"github.com/agentgrid/agentgrid/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Task intake and status need a caller identity; submissions are
	// additionally rate limited per client IP. The intake route carries
	// a long timeout so a resilient enqueue can ride out a broker
	// outage; every other route answers fast. Each route is also
	// mounted under /v1 for clients that pin a version prefix.
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.RequireAuth(srv.Tokens))
		ar.Group(func(wr chi.Router) {
			wr.Use(httpserver.TimeoutMiddleware(310 * time.Second))
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/tasks", srv.SubmitTaskHandler())
			wr.Post("/v1/tasks", srv.SubmitTaskHandler())
		})
		ar.Group(func(sr chi.Router) {
			sr.Use(httpserver.TimeoutMiddleware(60 * time.Second))
			sr.Get("/tasks/{id}", srv.TaskStatusHandler())
			sr.Get("/v1/tasks/{id}", srv.TaskStatusHandler())
		})
	})

	// Operational surface.
	r.Group(func(or chi.Router) {
		or.Use(httpserver.TimeoutMiddleware(60 * time.Second))
		or.Get("/agents/count", srv.AgentsCountHandler())
		or.Get("/v1/agents/count", srv.AgentsCountHandler())
		or.Get("/health", srv.HealthHandler())
		or.Get("/readyz", ReadyzHandler(srv))
		or.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	})

	return httpserver.SecurityHeaders(r)
}
