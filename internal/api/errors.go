package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/skobkin/groundlink/internal/connection"
	"github.com/skobkin/groundlink/internal/telecommand"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newBadRequestError(message string, cause error) *APIError {
	err := &APIError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: message}
	if cause != nil {
		err.Details = cause.Error()
	}

	return err
}

func newNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

func newServiceUnavailableError(message string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE", Message: message}
}

// fromDomainError maps core errors onto HTTP statuses.
func fromDomainError(message string, err error) *APIError {
	apiErr := &APIError{Message: message, Details: err.Error()}
	switch {
	case errors.Is(err, connection.ErrInvalidConfig),
		errors.Is(err, telecommand.ErrUnknownKind),
		errors.Is(err, telecommand.ErrInvalidCommand):
		apiErr.Status, apiErr.Code = http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, connection.ErrUnknownConnection),
		errors.Is(err, telecommand.ErrUnknownCommand):
		apiErr.Status, apiErr.Code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, connection.ErrNotConnected):
		apiErr.Status, apiErr.Code = http.StatusConflict, "NOT_CONNECTED"
	case errors.Is(err, connection.ErrClosed):
		apiErr.Status, apiErr.Code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	default:
		apiErr.Status, apiErr.Code = http.StatusInternalServerError, "INTERNAL_ERROR"
	}

	return apiErr
}

// ErrorHandler renders every error as an APIError.
// Usage: e.HTTPErrorHandler = ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		apiErr  *APIError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &httpErr):
		apiErr = &APIError{
			Status:  httpErr.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", httpErr.Message),
		}
	default:
		apiErr = &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "UNKNOWN_ERROR",
			Message: "An unexpected error occurred",
			Details: err.Error(),
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(apiErr.Status)
		return
	}
	_ = c.JSON(apiErr.Status, apiErr)
}
