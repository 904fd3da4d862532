package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"transcribeengine/internal/domain"
)

func TestMapDomainError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad model size", domain.ErrValidation), http.StatusBadRequest},
		{domain.ErrAuth, http.StatusUnauthorized},
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: already processing", domain.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: queue full", domain.ErrAdmissionRefused), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: need 5GB", domain.ErrInsufficientMemory), http.StatusInsufficientStorage},
	}
	for _, tc := range cases {
		status, msg := mapDomainError(tc.err)
		assert.Equal(t, tc.status, status, "error %v", tc.err)
		assert.NotEmpty(t, msg)
	}
}

func TestMapDomainErrorUnknown(t *testing.T) {
	status, msg := mapDomainError(errors.New("some infrastructure failure"))
	assert.Zero(t, status)
	assert.Empty(t, msg)

	status, _ = mapDomainError(nil)
	assert.Zero(t, status)
}
