package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrBadRequest        ErrorCode = "BAD_REQUEST"
	ErrInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCapacity          ErrorCode = "CAPACITY_EXCEEDED"
	ErrInternalServer    ErrorCode = "INTERNAL_SERVER_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := err.(APIError); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrBadRequest, ErrInvalidTransition:
			return http.StatusBadRequest
		case ErrInvalidInput:
			return http.StatusUnprocessableEntity
		case ErrCapacity:
			return http.StatusTooManyRequests
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
