package api

import (
	"encoding/json"
	"net/http"

	"github.com/hooksmith/hooksmith/internal/cleanup"
)

// CleanupHandler serves bulk archive/delete runs over stale subscriptions.
type CleanupHandler struct {
	policy *cleanup.Policy
}

func NewCleanupHandler(p *cleanup.Policy) *CleanupHandler {
	return &CleanupHandler{policy: p}
}

// Run executes one cleanup pass. Without force it only reports the rows
// that would be affected.
func (h *CleanupHandler) Run(w http.ResponseWriter, r *http.Request) {
	var opts cleanup.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if opts.Predicate == "" {
		opts.Predicate = cleanup.PredicateInactive
	}

	report, err := h.policy.Run(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}
