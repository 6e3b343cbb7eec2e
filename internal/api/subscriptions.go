package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hooksmith/hooksmith/internal/dispatch"
	"github.com/hooksmith/hooksmith/internal/domain"
	"github.com/hooksmith/hooksmith/internal/health"
	"github.com/hooksmith/hooksmith/internal/store"
)

// SubscriptionStore is the slice of the store the CRUD handlers consume.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, req domain.SubscribeRequest) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, req domain.UpdateRequest) (*domain.Subscription, error)
	SoftDelete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id, status string) error
	ListSubscriptions(ctx context.Context, f store.ListFilter) ([]domain.Subscription, error)
}

// SubscriptionHandler serves the subscription CRUD surface.
type SubscriptionHandler struct {
	store      SubscriptionStore
	dispatcher *dispatch.Dispatcher
	evaluator  *health.Evaluator
}

func NewSubscriptionHandler(s SubscriptionStore, d *dispatch.Dispatcher, e *health.Evaluator) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, dispatcher: d, evaluator: e}
}

// Subscribe creates a subscription, or updates the existing one in place
// when a non-deleted subscription already holds the same endpoint and kind.
// The response carries the secret key; this is the only place it appears.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if verr := req.Validate(); verr != nil {
		respondValidationError(w, verr)
		return
	}

	sub, err := h.store.Subscribe(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	// An upsert that reused an existing row carries an updated_at later
	// than created_at; a fresh insert stamps both in the same statement.
	status := http.StatusCreated
	if sub.UpdatedAt.After(sub.CreatedAt) {
		status = http.StatusOK
	}
	respondJSON(w, status, sub)
}

// List returns subscriptions matching the query filters, newest first.
// Secret keys are omitted from listings.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status:      q.Get("status"),
		TargetClass: q.Get("target_class"),
		Kind:        q.Get("kind"),
		HasErrors:   q.Get("has_errors") == "true",
		Limit:       intParam(q.Get("limit"), 100),
		Offset:      intParam(q.Get("offset"), 0),
	}

	subs, err := h.store.ListSubscriptions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	for i := range subs {
		subs[i].SecretKey = ""
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// Get returns a single subscription by id, without its secret key.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	sub.SecretKey = ""
	respondJSON(w, http.StatusOK, sub)
}

// Update applies a partial update. Absent fields are left unchanged.
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if verr := req.Validate(); verr != nil {
		respondValidationError(w, verr)
		return
	}

	sub, err := h.store.UpdateSubscription(r.Context(), chi.URLParam(r, "id"), req)
	if errors.Is(err, domain.ErrDuplicateEndpoint) {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":  "endpoint conflict",
			"fields": map[string]string{"endpoint_url": "another subscription already delivers to this endpoint"},
		})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	sub.SecretKey = ""
	respondJSON(w, http.StatusOK, sub)
}

// Unsubscribe soft-deletes the subscription, keeping the row for audit.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	err := h.store.SoftDelete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type bulkRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

// Bulk applies one action to many subscriptions. Per-id failures are
// reported in the result map and never abort the batch.
func (h *SubscriptionHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "ids is required")
		return
	}

	var apply func(id string) error
	switch req.Action {
	case "activate":
		apply = func(id string) error { return h.store.SetStatus(r.Context(), id, domain.StatusActive) }
	case "deactivate":
		apply = func(id string) error { return h.store.SetStatus(r.Context(), id, domain.StatusInactive) }
	case "delete":
		apply = func(id string) error { return h.store.SoftDelete(r.Context(), id) }
	default:
		respondError(w, http.StatusBadRequest, "action must be activate, deactivate or delete")
		return
	}

	results := make(map[string]string, len(req.IDs))
	succeeded := 0
	for _, id := range req.IDs {
		switch err := apply(id); {
		case err == nil:
			results[id] = "ok"
			succeeded++
		case errors.Is(err, domain.ErrNotFound):
			results[id] = "not found"
		default:
			results[id] = err.Error()
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"action":    req.Action,
		"succeeded": succeeded,
		"failed":    len(req.IDs) - succeeded,
		"results":   results,
	})
}

// TestDeliver synchronously sends a synthetic payload to the endpoint and
// reports the outcome without touching delivery statistics.
func (h *SubscriptionHandler) TestDeliver(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.TestDeliver(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "test delivery failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Validate runs the structural checks on a stored subscription.
func (h *SubscriptionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	respondJSON(w, http.StatusOK, h.evaluator.Validate(sub))
}

type verifyInboundRequest struct {
	// Payload is kept raw so verification runs over the exact bytes the
	// endpoint received, not a re-serialization.
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	SourceIP  string          `json:"source_ip,omitempty"`
}

// VerifyInbound checks a webhook the subscription's endpoint received
// against the subscription's security settings.
func (h *SubscriptionHandler) VerifyInbound(w http.ResponseWriter, r *http.Request) {
	var req verifyInboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.dispatcher.VerifyInbound(r.Context(), chi.URLParam(r, "id"), dispatch.InboundRequest{
		Payload:   req.Payload,
		Signature: req.Signature,
		Timestamp: req.Timestamp,
		SourceIP:  req.SourceIP,
	})
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if errors.Is(err, domain.ErrMissingSecret) {
		respondError(w, http.StatusInternalServerError, "subscription has no secret configured")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
