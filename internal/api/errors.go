package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeInternal        = "internal_error"
	ErrCodeValidation      = "validation_error"
	ErrCodeTooManyRequests = "too_many_requests"
	ErrCodeUnavailable     = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// validationErrors are the engine sentinels that mean "the request was wrong".
var validationErrors = []error{
	automation.ErrInvalidRule,
	automation.ErrInvalidName,
	automation.ErrInvalidTrigger,
	automation.ErrInvalidCondition,
	automation.ErrInvalidAction,
	automation.ErrInvalidSchedule,
	automation.ErrNoActions,
	automation.ErrUnknownActionType,
}

// writeEngineError maps an engine error to a response. fallback is the
// message used for unexpected errors so internals are not leaked.
func writeEngineError(w http.ResponseWriter, err error, fallback string) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
	}

	switch {
	case errors.Is(err, automation.ErrRuleNotFound):
		writeNotFound(w, "rule not found")
	case errors.Is(err, automation.ErrExecutionNotFound):
		writeNotFound(w, "execution not found")
	case errors.Is(err, automation.ErrRuleExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, automation.ErrRuleNotExecutable):
		writeError(w, http.StatusConflict, ErrCodeConflict, "rule cannot be executed")
	case errors.Is(err, automation.ErrExecutionFinished):
		writeError(w, http.StatusConflict, ErrCodeConflict, "execution already finished")
	case errors.Is(err, automation.ErrConcurrencyLimit):
		writeError(w, http.StatusTooManyRequests, ErrCodeTooManyRequests, "rule is at its concurrent execution limit")
	case errors.Is(err, automation.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "engine is shutting down")
	default:
		writeInternalError(w, fallback)
	}
}
