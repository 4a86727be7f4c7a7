package mlflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the MLflow REST API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mlflow returned %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mlflow returned %d: %s", e.StatusCode, e.Message)
}

// newAPIError decodes the MLflow error body. Bodies that are not the usual
// {"error_code","message"} object are kept verbatim as the message.
func newAPIError(statusCode int, body []byte) *APIError {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || (errResp.ErrorCode == "" && errResp.Message == "") {
		return &APIError{StatusCode: statusCode, Message: string(body)}
	}

	return &APIError{
		StatusCode: statusCode,
		Code:       errResp.ErrorCode,
		Message:    errResp.Message,
	}
}

// IsAlreadyExists reports whether err says the resource already exists.
// MLflow answers 400 with RESOURCE_ALREADY_EXISTS; servers that omit the
// code are matched on 409.
func IsAlreadyExists(err error) bool {
	return matches(err, ErrorCodeResourceAlreadyExists, http.StatusConflict)
}

// IsNotFound reports whether err says the resource does not exist.
func IsNotFound(err error) bool {
	return matches(err, ErrorCodeResourceDoesNotExist, http.StatusNotFound)
}

func matches(err error, code string, fallbackStatus int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.Code != "" {
		return apiErr.Code == code
	}

	return apiErr.StatusCode == fallbackStatus
}
