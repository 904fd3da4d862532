package domain

import "errors"

// Sentinel errors classify failures by kind so the HTTP layer can map them
// to status codes without inspecting error text.
var (
	// ErrValidation covers malformed or missing request input.
	ErrValidation = errors.New("validation failed")

	// ErrAuth covers missing, malformed, or unrecognized credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrNotFound covers an unknown task id or API key.
	ErrNotFound = errors.New("not found")

	// ErrConflict covers an admin operation that cannot proceed given the
	// current state of the model manager or queue.
	ErrConflict = errors.New("conflict")

	// ErrAdmissionRefused covers a saturated queue.
	ErrAdmissionRefused = errors.New("admission refused")

	// ErrInsufficientMemory covers a model load that would exceed available
	// memory under the active gating policy.
	ErrInsufficientMemory = errors.New("insufficient memory")

	// ErrIllegalTransition covers a rejected task state transition.
	ErrIllegalTransition = errors.New("illegal task state transition")

	// ErrTaskExists covers a task id collision on create.
	ErrTaskExists = errors.New("task already exists")

	// ErrUnknownAPIKey covers a task referencing an API key that does not exist.
	ErrUnknownAPIKey = errors.New("unknown api key")
)
