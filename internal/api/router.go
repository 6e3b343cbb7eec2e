package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hooksmith/hooksmith/internal/cleanup"
	"github.com/hooksmith/hooksmith/internal/dispatch"
	"github.com/hooksmith/hooksmith/internal/guard"
	"github.com/hooksmith/hooksmith/internal/health"
	"github.com/hooksmith/hooksmith/internal/recovery"
	"github.com/hooksmith/hooksmith/internal/registry"
	"github.com/hooksmith/hooksmith/internal/store"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Store      *store.PostgresStore
	Dispatcher *dispatch.Dispatcher
	Evaluator  *health.Evaluator
	Recovery   *recovery.Manager
	Cleanup    *cleanup.Policy
	Registry   *registry.Registry
	Guard      *guard.Guard
}

// NewRouter creates and configures the HTTP router. Everything under
// /api/v1 sits behind the ingress guard; only the heartbeat is open.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	subHandler := NewSubscriptionHandler(d.Store, d.Dispatcher, d.Evaluator)
	notifyHandler := NewNotifyHandler(d.Dispatcher, d.Registry)
	healthHandler := NewHealthHandler(d.Evaluator)
	recoveryHandler := NewRecoveryHandler(d.Recovery)
	cleanupHandler := NewCleanupHandler(d.Cleanup)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Guard.Middleware)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Subscribe)
			r.Get("/", subHandler.List)
			r.Post("/bulk", subHandler.Bulk)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Delete("/{id}", subHandler.Unsubscribe)
			r.Post("/{id}/test", subHandler.TestDeliver)
			r.Post("/{id}/verify", subHandler.VerifyInbound)
			r.Get("/{id}/validate", subHandler.Validate)
		})

		r.Post("/notify", notifyHandler.Notify)

		r.Get("/health", healthHandler.Fleet)
		r.Get("/health/subscriptions", healthHandler.Subscriptions)
		r.Get("/analytics", healthHandler.Analytics)

		r.Route("/recovery", func(r chi.Router) {
			r.Post("/backup", recoveryHandler.Backup)
			r.Post("/restore", recoveryHandler.Restore)
			r.Post("/export", recoveryHandler.Export)
			r.Post("/import", recoveryHandler.Import)
			r.Post("/auto-recover", recoveryHandler.AutoRecover)
			r.Get("/backups", recoveryHandler.ListBackups)
			r.Delete("/backups", recoveryHandler.CleanupBackups)
		})

		r.Post("/cleanup", cleanupHandler.Run)
	})

	return r
}
