package httpapi

import (
	"net/http"

	"transcribeengine/internal/authmw"
	"transcribeengine/internal/logging"
)

// apiKeyFromRequest returns the verified API key the auth middleware stored
// in the request context.
func apiKeyFromRequest(r *http.Request) (string, bool) {
	return authmw.APIKeyFromContext(r.Context())
}

// Verifier is the credential-check contract the router's middleware uses.
type Verifier interface {
	authmw.KeyVerifier
	authmw.MasterVerifier
}

// NewRouter builds the full route table. Routes use Go 1.22+
// method-specific patterns ("METHOD /path/{param}"). metricsHandler may be
// nil (the /metrics route is then omitted -- the observability stage
// degraded).
func NewRouter(h *APIHandler, verifier Verifier, metricsHandler http.Handler, logger logging.Logger) http.Handler {
	onUnauthorized := func(w http.ResponseWriter, r *http.Request, err error) {
		authmw.WriteUnauthorized(w, err, func(w http.ResponseWriter, status int, message string) {
			writeDetail(w, status, message)
		})
	}
	requireKey := authmw.RequireAPIKey(verifier, onUnauthorized)
	requireMaster := authmw.RequireMasterToken(verifier, onUnauthorized)

	mux := http.NewServeMux()

	mux.Handle("POST /transcribe", requireKey(http.HandlerFunc(h.handleTranscribe)))
	mux.Handle("POST /transcribe-with-diarization", requireKey(http.HandlerFunc(h.handleTranscribeWithDiarization)))
	mux.Handle("GET /task/{id}", http.HandlerFunc(h.handleGetTask))
	mux.Handle("DELETE /task/{id}", requireKey(http.HandlerFunc(h.handleCancelTask)))
	mux.Handle("GET /tasks", http.HandlerFunc(h.handleListTasks))
	mux.Handle("GET /my-tasks", requireKey(http.HandlerFunc(h.handleMyTasks)))
	mux.Handle("GET /health", http.HandlerFunc(h.handleHealth))

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	mux.Handle("POST /admin/generate-key", requireMaster(http.HandlerFunc(h.handleGenerateKey)))
	mux.Handle("POST /admin/delete-key", requireMaster(http.HandlerFunc(h.handleDeleteKey)))
	mux.Handle("GET /admin/list-keys", requireMaster(http.HandlerFunc(h.handleListKeys)))
	mux.Handle("POST /admin/toggle-key-status", requireMaster(http.HandlerFunc(h.handleToggleKeyStatus)))
	mux.Handle("POST /admin/update-key-notes", requireMaster(http.HandlerFunc(h.handleUpdateKeyNotes)))
	mux.Handle("GET /admin/key-details/{key}", requireMaster(http.HandlerFunc(h.handleKeyDetails)))
	mux.Handle("GET /admin/model-status", requireMaster(http.HandlerFunc(h.handleModelStatus)))
	mux.Handle("POST /admin/unload-model", requireMaster(http.HandlerFunc(h.handleUnloadModel)))
	mux.Handle("POST /admin/switch-model/{size}", requireMaster(http.HandlerFunc(h.handleSwitchModel)))

	return LoggingMiddleware(logger)(mux)
}
