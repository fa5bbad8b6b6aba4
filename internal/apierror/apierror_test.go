package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorError(t *testing.T) {
	err := NewAPIError(ErrConflict, "custom_id already taken", nil)
	assert.Equal(t, "CONFLICT: custom_id already taken", err.Error())
}

func TestIsCode(t *testing.T) {
	err := NewAPIError(ErrInvalidTransition, "completed has no edge to building", nil)
	assert.True(t, IsCode(err, ErrInvalidTransition))
	assert.False(t, IsCode(err, ErrConflict))

	wrapped := fmt.Errorf("stage failed: %w", err)
	assert.True(t, IsCode(wrapped, ErrInvalidTransition))

	assert.False(t, IsCode(errors.New("plain"), ErrInternalServer))
	assert.False(t, IsCode(nil, ErrInternalServer))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrNotFound:          http.StatusNotFound,
		ErrConflict:          http.StatusConflict,
		ErrInvalidInput:      http.StatusUnprocessableEntity,
		ErrInvalidTransition: http.StatusBadRequest,
		ErrBadRequest:        http.StatusBadRequest,
		ErrCapacity:          http.StatusTooManyRequests,
		ErrInternalServer:    http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, MapErrorToHTTPStatus(NewAPIError(code, "msg", nil)))
	}

	assert.Equal(t, http.StatusInternalServerError, MapErrorToHTTPStatus(errors.New("boom")))
}
