package domain

import "time"

// Limits enforced by intake validation and the store.
const (
	MaxFilenameLen     = 500
	MaxNotesLen        = 1000
	MaxErrorMessageLen = 2000
)

// Scheduling constants shared by the queue and worker pool.
const (
	// DefaultQueueCapacity is the bounded FIFO's total capacity.
	DefaultQueueCapacity = 25
	// DefaultQueueSoftReservation holds this many slots back for
	// recovery/retry; admission is refused once size >= capacity-reservation.
	DefaultQueueSoftReservation = 5
	// DefaultWorkerCount is the fixed size of the worker pool.
	DefaultWorkerCount = 3
	// DefaultTaskTimeout is the per-task wall-clock timeout.
	DefaultTaskTimeout = 2 * time.Hour
	// DefaultIdleWake is how long a worker blocks on an empty queue before
	// running its periodic cleanup pass.
	DefaultIdleWake = 30 * time.Second
	// TimeoutErrorMessage is the stable message recorded when a task is
	// killed by the per-task wall-clock timeout.
	TimeoutErrorMessage = "Exceeded processing time (2 hours)"
	// InterruptedErrorMessage is the stable message recorded for tasks
	// recovered from the processing state at startup.
	InterruptedErrorMessage = "interrupted"
)

// Memory gating constants used by the model manager.
const (
	// DefaultMemorySafetyMarginGB is added to a model's cost before gating.
	DefaultMemorySafetyMarginGB = 0.5
)

// ModelMemoryRequirementsGB is the approximate per-size memory cost table.
var ModelMemoryRequirementsGB = map[ModelSize]float64{
	ModelTiny:   0.5,
	ModelBase:   0.8,
	ModelSmall:  1.2,
	ModelMedium: 2.5,
	ModelLarge:  4.5,
}

// MaxListLimit caps any paginated listing request.
const MaxListLimit = 200

// Auth error messages. Fixed and enumerated so clients can match on them.
const (
	AuthErrMissingToken       = "Missing authorization token"
	AuthErrInvalidFormat      = "Invalid token format. Use: Bearer YOUR_TOKEN"
	AuthErrInvalidAPIKey      = "Invalid or inactive API key"
	AuthErrInvalidMasterToken = "Invalid master token"
	AuthErrMissingMasterQuery = "Missing master token in query parameters"
)
