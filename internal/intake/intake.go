// Package intake implements the admission path for new transcription
// requests: validating the request, staging the input (uploaded bytes or a
// fetched URL) to a temp file, durably recording a queued Task, and
// enqueueing the resulting handle for a worker to pick up.
package intake

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"transcribeengine/internal/domain"
	"transcribeengine/internal/logging"
	"transcribeengine/internal/staging"
)

// Store is the persistence contract Intake depends on.
type Store interface {
	CreateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
}

// ModelManager is the gating contract Intake depends on.
type ModelManager interface {
	CanLoadModel(size domain.ModelSize) (bool, string)
}

// Queue is the admission contract Intake depends on.
type Queue interface {
	CanAdmit() bool
	TryEnqueue(item domain.Handle) error
}

// HTTPDoer is the minimal http.Client contract used to fetch URL inputs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is one admission request, already parsed from either a multipart
// upload or form fields -- exactly one of File/URL must be set.
type Request struct {
	File           *multipart.FileHeader
	URL            string
	APIKey         string
	Language       string
	ModelSize      domain.ModelSize
	HasDiarization bool
}

// Accepted is the submission success response shape.
type Accepted struct {
	TaskID  string
	Status  domain.TaskStatus
	Message string
}

const (
	maxDownloadBytes = 2 << 30 // ceiling on a fetched URL payload
	downloadTimeout  = 2 * time.Minute

	traceScope = "transcribeengine.intake"
)

// Intake stages input, persists a queued Task, and enqueues a Handle.
type Intake struct {
	store  Store
	models ModelManager
	queue  Queue
	stage  *staging.Dir
	http   HTTPDoer
	logger logging.Logger
}

// New builds an Intake. stage is the directory staged files are written to;
// httpClient fetches URL inputs (pass http.DefaultClient in production).
func New(store Store, models ModelManager, q Queue, stage *staging.Dir, httpClient HTTPDoer, logger logging.Logger) *Intake {
	return &Intake{
		store:  store,
		models: models,
		queue:  q,
		stage:  stage,
		http:   httpClient,
		logger: logging.OrNop(logger),
	}
}

// Submit validates req, stages its input, persists a queued Task, and
// enqueues the resulting handle. On any failure after staging, the staged
// file is removed before the error is returned.
func (in *Intake) Submit(ctx context.Context, req Request) (Accepted, error) {
	ctx, span := otel.Tracer(traceScope).Start(ctx, "intake.submit")
	defer span.End()

	if err := Validate(req); err != nil {
		return Accepted{}, err
	}
	// Checked before any bytes are staged so a refused request leaves no
	// temp file and no Task row; TryEnqueue below still guards the race.
	if !in.queue.CanAdmit() {
		return Accepted{}, fmt.Errorf("%w: queue is full, try again later", domain.ErrAdmissionRefused)
	}

	stagedPath, fileName, err := in.Prepare(ctx, req)
	if err != nil {
		return Accepted{}, err
	}

	taskID := uuid.NewString()
	span.SetAttributes(attribute.String("task.id", taskID))
	task := domain.Task{
		ID:             taskID,
		APIKey:         req.APIKey,
		Filename:       fileName,
		ModelSize:      req.ModelSize,
		HasDiarization: req.HasDiarization,
		Status:         domain.TaskQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := in.store.CreateTask(ctx, task); err != nil {
		in.stage.Remove(stagedPath)
		return Accepted{}, fmt.Errorf("persist task: %w", err)
	}

	handle := domain.Handle{
		TaskID:          taskID,
		StagedInputPath: stagedPath,
		Language:        req.Language,
		ModelSize:       req.ModelSize,
		HasDiarization:  req.HasDiarization,
		APIKey:          req.APIKey,
	}
	if err := in.queue.TryEnqueue(handle); err != nil {
		// Lost the admission race between the CanAdmit check and now. A
		// refused request must leave no Task row behind, so the fresh row
		// is backed out along with the staged file.
		if delErr := in.store.DeleteTask(ctx, taskID); delErr != nil {
			in.logger.Error("back out task %s after admission refusal: %v", taskID, delErr)
		}
		in.stage.Remove(stagedPath)
		return Accepted{}, fmt.Errorf("%w: %v", domain.ErrAdmissionRefused, err)
	}

	in.logger.Info("task %s queued for file %q", taskID, fileName)
	return Accepted{
		TaskID:  taskID,
		Status:  domain.TaskQueued,
		Message: fmt.Sprintf("File %s queued for processing. Use /task/%s to track progress.", fileName, taskID),
	}, nil
}

// Prepare runs the validation, memory-gating, and staging steps shared by
// the async submit path and the synchronous diarization path, returning the
// staged file's path and the display filename. The caller owns the staged
// file from here.
func (in *Intake) Prepare(ctx context.Context, req Request) (stagedPath, fileName string, err error) {
	if err := Validate(req); err != nil {
		return "", "", err
	}

	if req.ModelSize != domain.ModelAuto {
		if ok, reason := in.models.CanLoadModel(req.ModelSize); !ok {
			return "", "", fmt.Errorf("%w: model %q: %s", domain.ErrInsufficientMemory, req.ModelSize, reason)
		}
	}

	if req.File != nil {
		return in.stageUpload(req.File)
	}
	return in.stageURL(ctx, req.URL)
}

// RemoveStaged deletes a staged file handed out by Prepare. Used by the
// synchronous path, which never hands ownership to a worker.
func (in *Intake) RemoveStaged(path string) {
	in.stage.Remove(path)
}

// Validate applies the request rules: exactly one of file/url, a known
// model size, and a filename within limits.
func Validate(req Request) error {
	hasFile := req.File != nil
	hasURL := strings.TrimSpace(req.URL) != ""

	switch {
	case !hasFile && !hasURL:
		return fmt.Errorf("%w: either a file or URL must be provided", domain.ErrValidation)
	case hasFile && hasURL:
		return fmt.Errorf("%w: provide either a file or a URL, not both", domain.ErrValidation)
	}

	if !domain.ValidModelSizes[req.ModelSize] {
		return fmt.Errorf("%w: model size must be one of: tiny, base, small, medium, large, auto", domain.ErrValidation)
	}
	if hasFile && len(req.File.Filename) > domain.MaxFilenameLen {
		return fmt.Errorf("%w: filename too long", domain.ErrValidation)
	}
	return nil
}

func (in *Intake) stageUpload(fh *multipart.FileHeader) (string, string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", "", fmt.Errorf("%w: open upload: %v", domain.ErrValidation, err)
	}
	defer src.Close()

	path, err := in.stage.Stage(fh.Filename, src)
	if err != nil {
		return "", "", err
	}
	return path, fh.Filename, nil
}

func (in *Intake) stageURL(ctx context.Context, rawURL string) (string, string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid url: %v", domain.ErrValidation, err)
	}

	resp, err := in.http.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("%w: file download failed: %v", domain.ErrValidation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("%w: file download failed: status %d", domain.ErrValidation, resp.StatusCode)
	}

	fileName := urlBaseName(rawURL)
	path, err := in.stage.Stage(fileName, http.MaxBytesReader(nil, resp.Body, maxDownloadBytes))
	if err != nil {
		return "", "", fmt.Errorf("%w: file download failed: %v", domain.ErrValidation, err)
	}
	return path, fileName, nil
}

func urlBaseName(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
		return trimmed[idx+1:]
	}
	return "downloaded_file"
}
