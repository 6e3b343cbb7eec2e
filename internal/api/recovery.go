package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hooksmith/hooksmith/internal/recovery"
)

// RecoveryHandler serves backup, restore, export, import and auto-recovery.
type RecoveryHandler struct {
	manager *recovery.Manager
}

func NewRecoveryHandler(m *recovery.Manager) *RecoveryHandler {
	return &RecoveryHandler{manager: m}
}

// Backup snapshots all non-deleted subscriptions to a timestamped file.
func (h *RecoveryHandler) Backup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	path, err := h.manager.Backup(r.Context(), req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create backup")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// Restore loads a snapshot file back into the store.
func (h *RecoveryHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path            string `json:"path"`
		ReplaceExisting bool   `json:"replace_existing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}

	result, err := h.manager.Restore(r.Context(), req.Path, req.ReplaceExisting)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Export writes a filtered projection of subscriptions as JSON or CSV.
func (h *RecoveryHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format       string `json:"format"`
		ActiveOnly   bool   `json:"active_only"`
		TargetClass  string `json:"target_class"`
		HasErrors    bool   `json:"has_errors"`
		CreatedAfter string `json:"created_after"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	filter := recovery.ExportFilter{
		ActiveOnly:  req.ActiveOnly,
		TargetClass: req.TargetClass,
		HasErrors:   req.HasErrors,
	}
	if req.CreatedAfter != "" {
		t, err := time.Parse(time.RFC3339, req.CreatedAfter)
		if err != nil {
			respondError(w, http.StatusBadRequest, "created_after must be RFC 3339")
			return
		}
		filter.CreatedAfter = &t
	}

	path, err := h.manager.Export(r.Context(), filter, req.Format)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// Import loads subscriptions from a foreign JSON or CSV file.
func (h *RecoveryHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path         string `json:"path"`
		SkipExisting bool   `json:"skip_existing"`
		Validate     bool   `json:"validate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}

	result, err := h.manager.Import(r.Context(), req.Path, recovery.ImportOptions{
		SkipExisting: req.SkipExisting,
		Validate:     req.Validate,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// AutoRecover drains the legacy cache and, failing that, restores the
// newest backup without replacing existing rows.
func (h *RecoveryHandler) AutoRecover(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.AutoRecover(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "auto-recovery failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ListBackups returns every snapshot on disk, newest first.
func (h *RecoveryHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.manager.ListBackups()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"backups": backups,
		"count":   len(backups),
	})
}

// CleanupBackups deletes snapshots older than keep_days.
func (h *RecoveryHandler) CleanupBackups(w http.ResponseWriter, r *http.Request) {
	keepDays := intParam(r.URL.Query().Get("keep_days"), 30)
	if keepDays < 1 {
		keepDays = 30
	}

	deleted, err := h.manager.CleanupOldBackups(keepDays)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clean up backups")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"deleted":   deleted,
		"keep_days": keepDays,
	})
}
