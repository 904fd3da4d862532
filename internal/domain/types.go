// Package domain holds the persistent entities and enums shared by every
// component of the transcription engine: the store, the key manager, the
// model manager, the queue/worker pool, and the HTTP layer.
package domain

import "time"

// TaskStatus is one state in the task lifecycle state machine.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status has no further legal transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ModelSize is a symbolic label for a speech-recognition model variant.
type ModelSize string

const (
	ModelTiny   ModelSize = "tiny"
	ModelBase   ModelSize = "base"
	ModelSmall  ModelSize = "small"
	ModelMedium ModelSize = "medium"
	ModelLarge  ModelSize = "large"
	ModelAuto   ModelSize = "auto"
)

// ValidModelSizes enumerates the closed set accepted by intake validation.
var ValidModelSizes = map[ModelSize]bool{
	ModelTiny: true, ModelBase: true, ModelSmall: true,
	ModelMedium: true, ModelLarge: true, ModelAuto: true,
}

// MasterToken guards administrative endpoints. Several may exist; the
// newest is the one EnsureMasterToken prints, but older ones remain valid
// until explicitly deleted.
type MasterToken struct {
	Token     string
	CreatedAt time.Time
}

// APIKey is a per-tenant credential with usage statistics. Counters are
// mutated only through Store.LogUsage's atomic counter update.
type APIKey struct {
	Key                        string
	ClientName                 string
	CreatedAt                  time.Time
	Active                     bool
	LastUsed                   *time.Time
	TotalRequests              int64
	SuccessfulRequests         int64
	FailedRequests             int64
	TotalProcessingTimeSeconds float64
	Notes                      string
}

// AverageProcessingTime is a derived read-path statistic, never persisted.
func (k APIKey) AverageProcessingTime() float64 {
	if k.SuccessfulRequests == 0 {
		return 0
	}
	return k.TotalProcessingTimeSeconds / float64(k.SuccessfulRequests)
}

// SuccessRate is a derived read-path statistic, never persisted.
func (k APIKey) SuccessRate() float64 {
	if k.TotalRequests == 0 {
		return 0
	}
	return float64(k.SuccessfulRequests) / float64(k.TotalRequests)
}

// Task is a unit of transcription work and its outcome.
type Task struct {
	ID              string
	APIKey          string
	Filename        string
	ModelSize       ModelSize
	HasDiarization  bool
	Status          TaskStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ResultJSON      *string
	ErrorMessage    *string
}

// Progress is the synthetic progress value the query API exposes: 0 until
// completed, 100 once completed. No richer progress model is defined.
func (t Task) Progress() int {
	if t.Status == TaskCompleted {
		return 100
	}
	return 0
}

// Segment is one ordered span of a transcription result.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Result is what a Transcriber produces for one task.
type Result struct {
	Text             string    `json:"text"`
	Segments         []Segment `json:"segments"`
	Speakers         []string  `json:"speakers,omitempty"`
	Duration         float64   `json:"duration"`
	Language         string    `json:"language"`
	DiarizationType  string    `json:"diarization_type,omitempty"`
}

// Handle is the in-memory tuple the queue carries from Intake to a worker.
// The staged input path is owned by the handle's holder until the worker
// deletes it after a terminal transition.
type Handle struct {
	TaskID          string
	StagedInputPath string
	Language        string
	ModelSize       ModelSize
	HasDiarization  bool
	APIKey          string
}
