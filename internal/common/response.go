package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the payload under "error" in every failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes v as the response body.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data writes v wrapped in the {"data": ...} success envelope.
func Data(w http.ResponseWriter, status int, v any) {
	JSON(w, status, map[string]any{"data": v})
}

// JSONError writes the {"error": {...}} envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{Code: code, Message: message, Details: details},
	})
}

// WriteAppError renders err through the error envelope. An AppError keeps its
// own status and code; anything else becomes an opaque 500.
func WriteAppError(w http.ResponseWriter, err error) {
	appErr, ok := AsAppError(err)
	if !ok {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	code := appErr.Code
	if code == "" {
		code = "BAD_REQUEST"
	}
	JSONError(w, status, code, appErr.Message, appErr.Details)
}
