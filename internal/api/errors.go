package api

import (
	"encoding/json"
	"net/http"
)

// Error is the body of every non-2xx response. RequestID echoes the
// X-Request-ID header so a failed call can be found in the logs.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes, one per status the API returns.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorised"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeTimeout          = "timeout"
)

var errorCodes = map[int]string{
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusUnauthorized:        ErrCodeUnauthorized,
	http.StatusForbidden:           ErrCodeForbidden,
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusMethodNotAllowed:    ErrCodeMethodNotAllowed,
	http.StatusConflict:            ErrCodeConflict,
	http.StatusInternalServerError: ErrCodeInternal,
	http.StatusServiceUnavailable:  ErrCodeUnavailable,
	http.StatusGatewayTimeout:      ErrCodeTimeout,
}

// errorCode maps a status to its code; unlisted statuses fall back by class.
func errorCode(status int) string {
	if code, ok := errorCodes[status]; ok {
		return code
	}
	if status >= http.StatusInternalServerError {
		return ErrCodeInternal
	}
	return ErrCodeBadRequest
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // the client may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes an Error body. The request id is read back from the
// response header set by requestIDMiddleware.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{
		Status:    status,
		Code:      errorCode(status),
		Message:   message,
		RequestID: w.Header().Get(headerRequestID),
	})
}
