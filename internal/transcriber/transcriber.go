// Package transcriber defines the external speech-recognition contract the
// worker pool calls against. Its only implementation here is Stub, a
// placeholder that bootstrap wires when no other Transcriber is supplied;
// an implementation backed by a real recognition engine, voice-activity
// detector, and diarizer is supplied through bootstrap's options.
package transcriber

import (
	"context"

	"transcribeengine/internal/domain"
)

// Transcriber produces a transcript from a local file. Any error it returns
// is treated by the worker pool as a task failure, with the error's message
// (truncated to domain.MaxErrorMessageLen) recorded as Task.ErrorMessage.
type Transcriber interface {
	// TranscribeSimple transcribes path without speaker attribution.
	TranscribeSimple(ctx context.Context, path string, language string, modelSize domain.ModelSize) (domain.Result, error)

	// TranscribeWithDiarization transcribes path and additionally attributes
	// segments to speakers.
	TranscribeWithDiarization(ctx context.Context, path string, language string, modelSize domain.ModelSize) (domain.Result, error)
}
