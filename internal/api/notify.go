package api

import (
	"encoding/json"
	"net/http"

	"github.com/hooksmith/hooksmith/internal/dispatch"
	"github.com/hooksmith/hooksmith/internal/registry"
)

// NotifyHandler accepts domain-change notifications from the host
// application and hands them to the dispatcher.
type NotifyHandler struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
}

func NewNotifyHandler(d *dispatch.Dispatcher, reg *registry.Registry) *NotifyHandler {
	return &NotifyHandler{dispatcher: d, registry: reg}
}

type notifyRequest struct {
	TargetClass string           `json:"target_class"`
	Event       string           `json:"event"`
	Data        map[string]any   `json:"data"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Origin      *dispatch.Origin `json:"origin,omitempty"`
}

// Notify queues deliveries for every matching active subscription and
// returns immediately. Delivery outcomes never affect this response.
func (h *NotifyHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := map[string]string{}
	if req.TargetClass == "" {
		fields["target_class"] = "target_class is required"
	}
	if req.Event == "" {
		fields["event"] = "event is required"
	}
	// Enforce the declared target vocabulary only when the host registered
	// one; an empty registry accepts any target.
	if len(fields) == 0 && len(h.registry.Names()) > 0 {
		if !h.registry.Has(req.TargetClass) {
			fields["target_class"] = "unknown target class"
		} else if !h.registry.AllowsEvent(req.TargetClass, req.Event) {
			fields["event"] = "event is not allowed for this target"
		}
	}
	if len(fields) > 0 {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return
	}

	queued, err := h.dispatcher.Notify(r.Context(), req.TargetClass, req.Event, req.Data, req.Metadata, req.Origin)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to queue notifications")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"queued": queued,
	})
}
