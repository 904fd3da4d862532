// Package httpapi is the JSON surface over the engine's core components:
// intake submissions, task queries and cancellation, health, and the
// master-token-guarded admin operations.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"transcribeengine/internal/domain"
	"transcribeengine/internal/intake"
	"transcribeengine/internal/keymanager"
	"transcribeengine/internal/logging"
	"transcribeengine/internal/modelmanager"
	"transcribeengine/internal/queryapi"
	"transcribeengine/internal/store"
)

// IntakeService is the admission contract the handlers call.
type IntakeService interface {
	Submit(ctx context.Context, req intake.Request) (intake.Accepted, error)
	Prepare(ctx context.Context, req intake.Request) (stagedPath, fileName string, err error)
	RemoveStaged(path string)
}

// QueryService is the read/cancel contract the handlers call.
type QueryService interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListMyTasks(ctx context.Context, apiKey string, limit, offset int, status *domain.TaskStatus) (queryapi.Page, error)
	ListAllTasks(ctx context.Context, limit int, status *domain.TaskStatus) ([]domain.Task, error)
	CancelTask(ctx context.Context, id string) error
}

// KeyService is the credential/admin contract the handlers call.
type KeyService interface {
	GenerateAPIKey(ctx context.Context, clientName string) (string, error)
	DeleteAPIKey(ctx context.Context, key string) error
	SetAPIKeyActive(ctx context.Context, key string, active bool) error
	UpdateNotes(ctx context.Context, key, notes string) error
	GetAPIKey(ctx context.Context, key string) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context, activeOnly bool) ([]domain.APIKey, error)
	AllStatistics(ctx context.Context) (keymanager.Statistics, error)
	LogUsage(ctx context.Context, key string, success bool, processingTimeSeconds float64)
}

// ModelService is the model-admin contract the handlers call.
type ModelService interface {
	Status() modelmanager.Status
	AdminUnload() (bool, error)
	SwitchModel(ctx context.Context, size domain.ModelSize, device string) error
	LoadModel(ctx context.Context, size domain.ModelSize, device string, force bool) error
}

// Transcriber is the synchronous-path transcription contract.
type Transcriber interface {
	TranscribeWithDiarization(ctx context.Context, path, language string, modelSize domain.ModelSize) (domain.Result, error)
}

// TaskStatsFunc reports the fleet-wide task aggregate for /health.
type TaskStatsFunc func(ctx context.Context) (store.TaskStatistics, error)

// QueueStatsFunc reports the queue's current depth and capacity for /health.
type QueueStatsFunc func() (depth, capacity int)

// WorkerStatsFunc reports the pool's size and busy count for /health.
type WorkerStatsFunc func() (total, busy int)

// APIHandler holds every dependency the HTTP surface needs.
type APIHandler struct {
	intake      IntakeService
	queries     QueryService
	keys        KeyService
	models      ModelService
	transcriber Transcriber

	taskStats   TaskStatsFunc
	queueStats  QueueStatsFunc
	workerStats WorkerStatsFunc
	degraded    func() map[string]string

	defaultLanguage string
	device          string
	logger          logging.Logger
}

// Deps bundles APIHandler's constructor arguments.
type Deps struct {
	Intake      IntakeService
	Queries     QueryService
	Keys        KeyService
	Models      ModelService
	Transcriber Transcriber

	TaskStats   TaskStatsFunc
	QueueStats  QueueStatsFunc
	WorkerStats WorkerStatsFunc
	Degraded    func() map[string]string

	DefaultLanguage string
	Device          string
	Logger          logging.Logger
}

// NewAPIHandler builds the handler set.
func NewAPIHandler(deps Deps) *APIHandler {
	language := deps.DefaultLanguage
	if language == "" {
		language = "uk"
	}
	device := deps.Device
	if device == "" {
		device = "cpu"
	}
	return &APIHandler{
		intake:          deps.Intake,
		queries:         deps.Queries,
		keys:            deps.Keys,
		models:          deps.Models,
		transcriber:     deps.Transcriber,
		taskStats:       deps.TaskStats,
		queueStats:      deps.QueueStats,
		workerStats:     deps.WorkerStats,
		degraded:        deps.Degraded,
		defaultLanguage: language,
		device:          device,
		logger:          logging.OrNop(deps.Logger),
	}
}

const maxUploadMemory = 32 << 20 // multipart bodies above this spill to disk

// parseIntakeRequest extracts the submission inputs from a multipart (or
// plain form) body. Defaults: language "uk", model_size "large", no
// diarization.
func (h *APIHandler) parseIntakeRequest(r *http.Request, apiKey string) (intake.Request, error) {
	var file *multipart.FileHeader
	if err := r.ParseMultipartForm(maxUploadMemory); err == nil {
		if headers := r.MultipartForm.File["file"]; len(headers) > 0 {
			file = headers[0]
		}
	} else if err := r.ParseForm(); err != nil {
		return intake.Request{}, fmt.Errorf("%w: malformed request body", domain.ErrValidation)
	}

	language := r.FormValue("language")
	if language == "" {
		language = h.defaultLanguage
	}
	modelSize := domain.ModelSize(r.FormValue("model_size"))
	if modelSize == "" {
		modelSize = domain.ModelLarge
	}
	useDiarization, _ := strconv.ParseBool(r.FormValue("use_diarization"))

	return intake.Request{
		File:           file,
		URL:            strings.TrimSpace(r.FormValue("url")),
		APIKey:         apiKey,
		Language:       language,
		ModelSize:      modelSize,
		HasDiarization: useDiarization,
	}, nil
}

// handleTranscribe is POST /transcribe: submit an async transcription task.
func (h *APIHandler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	apiKey, _ := apiKeyFromRequest(r)
	req, err := h.parseIntakeRequest(r, apiKey)
	if err != nil {
		writeMappedError(w, err, http.StatusBadRequest, "Malformed request")
		return
	}

	accepted, err := h.intake.Submit(r.Context(), req)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to submit task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": accepted.TaskID,
		"status":  string(accepted.Status),
		"message": accepted.Message,
	})
}

// handleTranscribeWithDiarization is POST /transcribe-with-diarization: the
// synchronous path. It shares validation and staging with the async intake
// but runs the transcription inline and returns the full Result.
func (h *APIHandler) handleTranscribeWithDiarization(w http.ResponseWriter, r *http.Request) {
	apiKey, _ := apiKeyFromRequest(r)
	req, err := h.parseIntakeRequest(r, apiKey)
	if err != nil {
		writeMappedError(w, err, http.StatusBadRequest, "Malformed request")
		return
	}
	req.HasDiarization = true

	stagedPath, _, err := h.intake.Prepare(r.Context(), req)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to stage input")
		return
	}
	defer h.intake.RemoveStaged(stagedPath)

	if err := h.models.LoadModel(r.Context(), req.ModelSize, h.device, false); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to load model")
		return
	}

	start := time.Now()
	result, err := h.transcriber.TranscribeWithDiarization(r.Context(), stagedPath, req.Language, req.ModelSize)
	elapsed := time.Since(start).Seconds()
	h.keys.LogUsage(r.Context(), apiKey, err == nil, elapsed)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, truncate(err.Error(), domain.MaxErrorMessageLen))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// taskView is the JSON shape of one task on the read side.
type taskView struct {
	TaskID         string          `json:"task_id"`
	Status         domain.TaskStatus `json:"status"`
	Filename       string          `json:"filename"`
	ModelSize      domain.ModelSize `json:"model_size"`
	HasDiarization bool            `json:"has_diarization"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Duration       *float64        `json:"duration,omitempty"`
	Progress       int             `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
}

func toTaskView(t domain.Task) taskView {
	view := taskView{
		TaskID:         t.ID,
		Status:         t.Status,
		Filename:       t.Filename,
		ModelSize:      t.ModelSize,
		HasDiarization: t.HasDiarization,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		Duration:       t.DurationSeconds,
		Progress:       t.Progress(),
		Error:          t.ErrorMessage,
	}
	if t.ResultJSON != nil {
		view.Result = json.RawMessage(*t.ResultJSON)
	}
	return view
}

// handleGetTask is GET /task/{id}.
func (h *APIHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.queries.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

// handleCancelTask is DELETE /task/{id}. Only the key that created the task
// may cancel it; tasks owned by other keys answer 404 rather than leaking
// their existence.
func (h *APIHandler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	apiKey, _ := apiKeyFromRequest(r)
	id := r.PathValue("id")

	task, err := h.queries.GetTask(r.Context(), id)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to load task")
		return
	}
	if task.APIKey != apiKey {
		writeDetail(w, http.StatusNotFound, "Not found")
		return
	}

	if err := h.queries.CancelTask(r.Context(), id); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to cancel task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  string(domain.TaskCancelled),
		"message": "Task cancelled",
	})
}

func parseStatusFilter(raw string) (*domain.TaskStatus, error) {
	if raw == "" {
		return nil, nil
	}
	status := domain.TaskStatus(raw)
	switch status {
	case domain.TaskQueued, domain.TaskProcessing, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
		return &status, nil
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, raw)
	}
}

func parseIntParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, name)
	}
	return v, nil
}

// handleListTasks is GET /tasks: the global newest-first listing.
func (h *APIHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeMappedError(w, err, http.StatusBadRequest, "Invalid status filter")
		return
	}
	limit, err := parseIntParam(r, "limit", 50)
	if err != nil {
		writeMappedError(w, err, http.StatusBadRequest, "Invalid limit")
		return
	}

	tasks, err := h.queries.ListAllTasks(r.Context(), limit, status)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": views,
		"count": len(views),
	})
}

// handleMyTasks is GET /my-tasks: the caller's paginated history.
func (h *APIHandler) handleMyTasks(w http.ResponseWriter, r *http.Request) {
	apiKey, _ := apiKeyFromRequest(r)

	status, err := parseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeMappedError(w, err, http.StatusBadRequest, "Invalid status filter")
		return
	}
	limit, err := parseIntParam(r, "limit", 50)
	if err != nil {
		writeMappedError(w, err, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		writeMappedError(w, err, http.StatusBadRequest, "Invalid offset")
		return
	}

	page, err := h.queries.ListMyTasks(r.Context(), apiKey, limit, offset, status)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	views := make([]taskView, 0, len(page.Tasks))
	for _, t := range page.Tasks {
		views = append(views, toTaskView(t))
	}
	statusFilter := ""
	if status != nil {
		statusFilter = string(*status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":         views,
		"total":         page.Total,
		"limit":         page.Limit,
		"offset":        page.Offset,
		"has_more":      page.HasMore,
		"status_filter": statusFilter,
	})
}

// handleHealth is GET /health: liveness plus queue/worker/task figures and
// any degraded optional components.
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, capacity := h.queueStats()
	total, busy := h.workerStats()

	payload := map[string]any{
		"status": "healthy",
		"queue": map[string]int{
			"depth":    depth,
			"capacity": capacity,
		},
		"workers": map[string]int{
			"total": total,
			"busy":  busy,
		},
	}

	if h.taskStats != nil {
		if stats, err := h.taskStats(r.Context()); err == nil {
			payload["tasks"] = map[string]any{
				"total":      stats.Total,
				"queued":     stats.Queued,
				"processing": stats.Processing,
				"completed":  stats.Completed,
				"failed":     stats.Failed,
				"cancelled":  stats.Cancelled,
			}
		} else {
			h.logger.Warn("health: task statistics unavailable: %v", err)
		}
	}
	if h.degraded != nil {
		if components := h.degraded(); len(components) > 0 {
			payload["status"] = "degraded"
			payload["degraded_components"] = components
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
