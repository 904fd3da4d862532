package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"transcribeengine/internal/domain"
)

// keyView is the JSON shape of one API key in admin listings, with the
// derived statistics computed in the read path.
type keyView struct {
	Key                        string     `json:"key"`
	ClientName                 string     `json:"client_name"`
	CreatedAt                  time.Time  `json:"created_at"`
	Active                     bool       `json:"active"`
	LastUsed                   *time.Time `json:"last_used,omitempty"`
	TotalRequests              int64      `json:"total_requests"`
	SuccessfulRequests         int64      `json:"successful_requests"`
	FailedRequests             int64      `json:"failed_requests"`
	TotalProcessingTimeSeconds float64    `json:"total_processing_time_seconds"`
	AverageProcessingTime      float64    `json:"average_processing_time"`
	SuccessRate                float64    `json:"success_rate"`
	Notes                      string     `json:"notes"`
}

func toKeyView(k domain.APIKey) keyView {
	return keyView{
		Key:                        k.Key,
		ClientName:                 k.ClientName,
		CreatedAt:                  k.CreatedAt,
		Active:                     k.Active,
		LastUsed:                   k.LastUsed,
		TotalRequests:              k.TotalRequests,
		SuccessfulRequests:         k.SuccessfulRequests,
		FailedRequests:             k.FailedRequests,
		TotalProcessingTimeSeconds: k.TotalProcessingTimeSeconds,
		AverageProcessingTime:      k.AverageProcessingTime(),
		SuccessRate:                k.SuccessRate(),
		Notes:                      k.Notes,
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}

// handleGenerateKey is POST /admin/generate-key.
func (h *APIHandler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientName string `json:"client_name"`
	}
	if err := decodeBody(r, &body); err != nil || body.ClientName == "" {
		writeDetail(w, http.StatusBadRequest, "client_name is required")
		return
	}

	key, err := h.keys.GenerateAPIKey(r.Context(), body.ClientName)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to generate key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"api_key":     key,
		"client_name": body.ClientName,
	})
}

// handleDeleteKey is POST /admin/delete-key.
func (h *APIHandler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &body); err != nil || body.Key == "" {
		writeDetail(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.keys.DeleteAPIKey(r.Context(), body.Key); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to delete key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Key deleted"})
}

// handleListKeys is GET /admin/list-keys.
func (h *APIHandler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListAPIKeys(r.Context(), false)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to list keys")
		return
	}
	stats, err := h.keys.AllStatistics(r.Context())
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to aggregate statistics")
		return
	}

	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, toKeyView(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": views,
		"statistics": map[string]any{
			"total_keys":                    stats.TotalKeys,
			"active_keys":                   stats.ActiveKeys,
			"total_requests":                stats.TotalRequests,
			"total_processing_time_seconds": stats.TotalProcessingTimeSecs,
			"average_processing_time":       stats.AverageProcessingTimeSecs,
		},
	})
}

// handleToggleKeyStatus is POST /admin/toggle-key-status.
func (h *APIHandler) handleToggleKeyStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &body); err != nil || body.Key == "" {
		writeDetail(w, http.StatusBadRequest, "key is required")
		return
	}

	current, err := h.keys.GetAPIKey(r.Context(), body.Key)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to load key")
		return
	}
	if err := h.keys.SetAPIKeyActive(r.Context(), body.Key, !current.Active); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to toggle key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":    body.Key,
		"active": !current.Active,
	})
}

// handleUpdateKeyNotes is POST /admin/update-key-notes.
func (h *APIHandler) handleUpdateKeyNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key"`
		Notes string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil || body.Key == "" {
		writeDetail(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.keys.UpdateNotes(r.Context(), body.Key, body.Notes); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to update notes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Notes updated"})
}

// handleKeyDetails is GET /admin/key-details/{key}.
func (h *APIHandler) handleKeyDetails(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.GetAPIKey(r.Context(), r.PathValue("key"))
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to load key")
		return
	}
	writeJSON(w, http.StatusOK, toKeyView(key))
}

// handleModelStatus is GET /admin/model-status.
func (h *APIHandler) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	status := h.models.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"model_loaded":           status.ModelLoaded,
		"current_model_size":     string(status.CurrentModelSize),
		"current_device":         status.CurrentDevice,
		"is_loading":             status.IsLoading,
		"available_memory_gb":    status.AvailableMemoryGB,
		"total_memory_gb":        status.TotalMemoryGB,
		"memory_requirements_gb": status.MemoryRequirementsGB,
	})
}

// handleUnloadModel is POST /admin/unload-model.
func (h *APIHandler) handleUnloadModel(w http.ResponseWriter, r *http.Request) {
	unloaded, err := h.models.AdminUnload()
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to unload model")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unloaded": unloaded})
}

// handleSwitchModel is POST /admin/switch-model/{size}.
func (h *APIHandler) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	size := domain.ModelSize(r.PathValue("size"))
	if !domain.ValidModelSizes[size] || size == domain.ModelAuto {
		writeDetail(w, http.StatusBadRequest, "model size must be one of: tiny, base, small, medium, large")
		return
	}

	if err := h.models.SwitchModel(r.Context(), size, h.device); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to switch model")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_model_size": string(size),
		"message":            "Model switched",
	})
}
