package handler

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/woprhq/provisioner/internal/database"
	"github.com/woprhq/provisioner/internal/middleware"
)

// RouterDeps bundles everything the HTTP surface needs.
type RouterDeps struct {
	Webhook   *WebhookHandler
	Provision *ProvisionHandler
	Stream    *StreamHandler
	Installer *InstallerHandler

	Redis       *database.Redis
	Logger      *slog.Logger
	CORSOrigins []string
	APIToken    string
}

// NewRouter builds the chi router with the full API surface.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(deps.CORSOrigins))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", deps.Provision.Health)
		r.Get("/providers", deps.Provision.Providers)
		r.Get("/installer/latest.tar.gz", deps.Installer.Latest)

		// Webhook ingress. No request timeout beyond the server's;
		// signature verification is synchronous.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Redis, middleware.RateLimitConfig{
				RequestsPerMinute: 30,
				Scope:             "webhook",
			}))
			r.Post("/webhook/stripe", deps.Webhook.HandleStripe)
		})

		// Manual provisioning and job listing are operator-only.
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(deps.APIToken))
			r.Use(middleware.RateLimit(deps.Redis, middleware.RateLimitConfig{
				RequestsPerMinute: 5,
				Scope:             "provision",
			}))
			r.Post("/provision", deps.Provision.Create)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(deps.APIToken))
			r.Get("/jobs", deps.Provision.ListJobs)
		})

		// Status and stream are public: the job id is the capability.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))
			r.Get("/provision/{id}/status", deps.Provision.Status)
		})
		r.Get("/provision/{id}/stream", deps.Stream.Stream)
	})

	return r
}
