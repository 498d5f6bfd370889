package server

import (
	"encoding/json"
	"log"
	"net/http"

	agentErrors "github.com/adbauto/agent/internal/errors"
)

// ErrorResponse is the JSON body for error conditions.
type ErrorResponse struct {
	// Error is the human-readable message, kept under "error" for the
	// panel's existing alert handling.
	Error string `json:"error"`

	// ErrorCode is the stable dotted code (e.g., "task.busy").
	ErrorCode string `json:"error_code"`

	// Message repeats the description for clients that read "message".
	Message string `json:"message"`
}

// AckResponse acknowledges a request. TaskID is set when the request
// started a background task.
type AckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		ErrorCode: code,
		Message:   message,
	})
}

// writeCodedError maps err's code to an HTTP status.
func writeCodedError(w http.ResponseWriter, err error) {
	code, message := agentErrors.ToCodeAndMessage(err)
	writeError(w, statusForCode(code), code, message)
}

func statusForCode(code string) int {
	switch code {
	case agentErrors.CodeServerInvalidRequest, agentErrors.CodePairingInvalidRequest:
		return http.StatusBadRequest
	case agentErrors.CodePairingRejected:
		return http.StatusUnauthorized
	case agentErrors.CodeTaskNotFound:
		return http.StatusNotFound
	case agentErrors.CodeServerMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case agentErrors.CodeTaskBusy:
		return http.StatusConflict
	case agentErrors.CodeServerRateLimited:
		return http.StatusTooManyRequests
	case agentErrors.CodePairingUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeError(w, http.StatusMethodNotAllowed, agentErrors.CodeServerMethodNotAllowed, "Method not allowed")
}

func allowMethod(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	for _, m := range allowed {
		if r.Method == m {
			return true
		}
	}
	methodNotAllowed(w, allowed...)
	return false
}
