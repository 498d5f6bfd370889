// Package errors provides standardized error codes for the agent.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (identity, pairing, discovery, session, task, server)
//   - error: The specific error type within that domain
//
// Core subsystems report failures to their callers as booleans or optional
// results; the coded error travels alongside for logs and status text.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Identity domain - key material generation and persistence
	CodeIdentityGenerateFailed = "identity.generate_failed" // Key or certificate generation failed
	CodeIdentityLoadFailed     = "identity.load_failed"     // Persisted artifacts unreadable
	CodeIdentityPersistFailed  = "identity.persist_failed"  // Writing artifacts failed
	CodeIdentityResetFailed    = "identity.reset_failed"    // Deleting artifacts failed

	// Pairing domain - one-time pairing handshake
	CodePairingInvalidRequest      = "pairing.invalid_request"      // Missing host/code or bad port
	CodePairingRejected            = "pairing.rejected"             // Peer rejected the code
	CodePairingUnreachable         = "pairing.unreachable"          // Could not reach the pairing port
	CodePairingIdentityUnavailable = "pairing.identity_unavailable" // Identity store failed

	// Discovery domain - mDNS lookup of the daemon port
	CodeDiscoveryNotFound    = "discovery.not_found"   // No matching instance before timeout
	CodeDiscoveryUnavailable = "discovery.unavailable" // Multicast facility could not start

	// Session domain - authenticated daemon connection
	CodeSessionConnectFailed = "session.connect_failed" // TCP/TLS/CNXN step failed
	CodeSessionAuthRejected  = "session.auth_rejected"  // Daemon does not trust our key
	CodeSessionOpenFailed    = "session.open_failed"    // Service open refused
	CodeSessionClosed        = "session.closed"         // Operation on a closed session

	// Task domain - supervised background operations
	CodeTaskBusy     = "task.busy"      // Another exclusive operation is running
	CodeTaskNotFound = "task.not_found" // Unknown task ID

	// Server domain - HTTP control surface
	CodeServerInvalidRequest   = "server.invalid_request"    // Malformed request
	CodeServerMethodNotAllowed = "server.method_not_allowed" // Wrong HTTP method
	CodeServerRateLimited      = "server.rate_limited"       // Too many requests

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "discovery.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// DiscoveryNotFound creates a "discovery.not_found" error.
func DiscoveryNotFound(service, addr string) *CodedError {
	return New(CodeDiscoveryNotFound, fmt.Sprintf("no %s instance advertised for %s", service, addr))
}

// SessionConnectFailed creates a "session.connect_failed" error.
func SessionConnectFailed(addr string, cause error) *CodedError {
	return Wrap(CodeSessionConnectFailed, fmt.Sprintf("connect to %s failed", addr), cause)
}

// SessionOpenFailed creates a "session.open_failed" error.
func SessionOpenFailed(service string, cause error) *CodedError {
	return Wrap(CodeSessionOpenFailed, fmt.Sprintf("open service %q failed", service), cause)
}

// TaskBusy creates a "task.busy" error naming the operation holding the lock.
func TaskBusy(running string) *CodedError {
	return New(CodeTaskBusy, fmt.Sprintf("%s already in progress", running))
}

// TaskNotFound creates a "task.not_found" error.
func TaskNotFound(id string) *CodedError {
	return New(CodeTaskNotFound, fmt.Sprintf("task %s not found", id))
}
