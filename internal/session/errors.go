package session

import "errors"

// CodedError is the client-safe error shape returned over the RPC
// boundary: a message plus an optional machine-readable code. Internal
// details never leak through it.
type CodedError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *CodedError) Error() string { return e.Message }

// The error taxonomy surfaced to clients. Relay and controller logic maps
// every failure onto one of these before it crosses the RPC boundary.
var (
	// ErrNotAuthorized: no or insufficient privilege for the operation.
	ErrNotAuthorized = &CodedError{Message: "not authorized"}

	// ErrNotJoined: an RPC arrived before join-project completed.
	ErrNotJoined = &CodedError{Message: "no project joined yet", Code: "not-joined"}

	// ErrEpochMismatch: a stale join/leave call lost a race with a newer
	// one. The client retries or ignores.
	ErrEpochMismatch = &CodedError{Message: "joinLeaveEpoch mismatch", Code: "epoch-mismatch"}

	// ErrBackendUnavailable: an editing-backend RPC failed. Deliberately
	// vague so internals do not leak; full context goes to the log.
	ErrBackendUnavailable = &CodedError{Message: "something went wrong in real-time service", Code: "backend-unavailable"}

	// ErrMissingSession: the authentication lookup failed; the client must
	// re-authenticate and will be disconnected.
	ErrMissingSession = &CodedError{Message: "invalid session", Code: "invalid-session"}

	// ErrPayloadTooLarge: an update exceeded the size bound.
	ErrPayloadTooLarge = &CodedError{Message: "update is too large", Code: "too-large"}
)

// ValidationError builds a CodedError for malformed RPC arguments.
// Non-fatal: the connection stays up.
func ValidationError(message string) *CodedError {
	return &CodedError{Message: message, Code: "validation"}
}

// AsCoded converts any error into the client-safe shape. Coded errors
// pass through; everything else collapses to ErrBackendUnavailable.
func AsCoded(err error) *CodedError {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded
	}
	return ErrBackendUnavailable
}
