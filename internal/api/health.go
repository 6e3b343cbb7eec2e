package api

import (
	"net/http"

	"github.com/hooksmith/hooksmith/internal/health"
	"github.com/hooksmith/hooksmith/internal/store"
)

// HealthHandler serves fleet and per-subscription health.
type HealthHandler struct {
	evaluator *health.Evaluator
}

func NewHealthHandler(e *health.Evaluator) *HealthHandler {
	return &HealthHandler{evaluator: e}
}

// Fleet returns the fleet-wide classification, aggregates and advisories.
func (h *HealthHandler) Fleet(w http.ResponseWriter, r *http.Request) {
	report, err := h.evaluator.HealthCheck(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute health")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Subscriptions returns a page of per-subscription health states.
func (h *HealthHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intParam(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage := intParam(q.Get("per_page"), 50)
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	filter := store.ListFilter{
		Status:      q.Get("status"),
		TargetClass: q.Get("target_class"),
		Kind:        q.Get("kind"),
		HasErrors:   q.Get("has_errors") == "true",
		Limit:       perPage,
		Offset:      (page - 1) * perPage,
	}

	details, err := h.evaluator.DetailedHealth(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute health")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"subscriptions": details,
		"page":          page,
		"per_page":      perPage,
		"count":         len(details),
	})
}

// Analytics returns daily created/triggered trends over a trailing window.
func (h *HealthHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	days := intParam(r.URL.Query().Get("days"), 7)
	if days > 90 {
		days = 90
	}

	analytics, err := h.evaluator.Analytics(r.Context(), days)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute analytics")
		return
	}
	respondJSON(w, http.StatusOK, analytics)
}
