package shared

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var ErrNotFound = errors.New("not found")

// APIError is the JSON body of every error response. Handlers return it
// wrapped in an echo.HTTPError through the status helpers below.
type APIError struct {
	Code    string `json:"code" example:"invalid_request"`
	Message string `json:"message" example:"Invalid request body"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func httpError(status int, code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(status)
}

func BadRequest(code, message string) *echo.HTTPError {
	return httpError(http.StatusBadRequest, code, message)
}

func Unauthorized(code, message string) *echo.HTTPError {
	return httpError(http.StatusUnauthorized, code, message)
}

func NotFound(code, message string) *echo.HTTPError {
	return httpError(http.StatusNotFound, code, message)
}

func Conflict(code, message string) *echo.HTTPError {
	return httpError(http.StatusConflict, code, message)
}

func InternalError(code, message string) *echo.HTTPError {
	return httpError(http.StatusInternalServerError, code, message)
}

func Unavailable(code, message string) *echo.HTTPError {
	return httpError(http.StatusServiceUnavailable, code, message)
}

func TooManyRequests(code, message string) *echo.HTTPError {
	return httpError(http.StatusTooManyRequests, code, message)
}
