package httpapi

import (
	"errors"
	"net/http"

	"transcribeengine/internal/domain"
)

// mapDomainError translates a domain/service error into an HTTP status code
// and a user-facing message, checking the domain sentinel errors in order.
//
// Returns (0, "") if the error is not a recognized domain error, letting
// the caller decide on a default (typically 500).
func mapDomainError(err error) (status int, message string) {
	if err == nil {
		return 0, ""
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized, err.Error()

	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"

	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, err.Error()

	case errors.Is(err, domain.ErrAdmissionRefused):
		return http.StatusServiceUnavailable, err.Error()

	case errors.Is(err, domain.ErrInsufficientMemory):
		return http.StatusInsufficientStorage, err.Error()

	default:
		return 0, ""
	}
}

// writeMappedError writes an error response using domain error mapping,
// falling back to the provided default status and message when the error is
// not a recognized domain error.
func writeMappedError(w http.ResponseWriter, err error, defaultStatus int, defaultMsg string) {
	if status, msg := mapDomainError(err); status != 0 {
		writeDetail(w, status, msg)
		return
	}
	writeDetail(w, defaultStatus, defaultMsg)
}
