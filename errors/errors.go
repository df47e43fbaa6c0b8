// Package errors defines the error taxonomy for the anchor engine.
//
// All engine errors are represented as EngineError, which provides:
//   - Code: machine-readable error identifier
//   - Message: human-readable description, suitable for the UI
//   - Layer: which component produced the error (core, auth, transfer,
//     bridge, pipeline, flow, watch)
//   - Cause: underlying error, if any
//   - Context: additional details (missing descriptor field, ledger result
//     code, server-supplied amount ceiling, ...)
//
// Use the per-layer constructors (NewCoreError, NewAuthError, ...) so the
// layer is always set consistently.
package errors

import "fmt"

// Code is a machine-readable error identifier.
type Code string

// Error codes - core layer (descriptor resolution, HTTP plumbing)
const (
	DESCRIPTOR_UNAVAILABLE Code = "DESCRIPTOR_UNAVAILABLE"
	DESCRIPTOR_INCOMPLETE  Code = "DESCRIPTOR_INCOMPLETE"
	NETWORK_ERROR          Code = "NETWORK_ERROR"
)

// Error codes - auth layer (SEP-10)
const (
	CHALLENGE_REQUEST_FAILED    Code = "CHALLENGE_REQUEST_FAILED"
	CHALLENGE_INVALID           Code = "CHALLENGE_INVALID"
	CHALLENGE_SUBMISSION_FAILED Code = "CHALLENGE_SUBMISSION_FAILED"
)

// Error codes - transfer layer (SEP-24)
const (
	CAPABILITIES_UNAVAILABLE   Code = "CAPABILITIES_UNAVAILABLE"
	TRANSFER_INITIATION_FAILED Code = "TRANSFER_INITIATION_FAILED"
	POPUP_BLOCKED              Code = "POPUP_BLOCKED"
	SESSION_CANCELLED          Code = "SESSION_CANCELLED"
	CALLBACK_INVALID           Code = "CALLBACK_INVALID"
)

// Error codes - bridge layer (payment-order API)
const (
	ORDER_CREATION_FAILED Code = "ORDER_CREATION_FAILED"
	ORDER_REJECTED        Code = "ORDER_REJECTED"
)

// Error codes - pipeline layer (transaction lifecycle) and wallet capability
const (
	ACCOUNT_LOAD_FAILED Code = "ACCOUNT_LOAD_FAILED"
	TX_BUILD_FAILED     Code = "TX_BUILD_FAILED"
	SIGNATURE_REJECTED  Code = "SIGNATURE_REJECTED"
	WALLET_UNAVAILABLE  Code = "WALLET_UNAVAILABLE"
	SUBMISSION_FAILED   Code = "SUBMISSION_FAILED"
)

// Error codes - flow layer (state machine)
const (
	ATTEMPT_IN_PROGRESS Code = "ATTEMPT_IN_PROGRESS"
	TRANSITION_INVALID  Code = "TRANSITION_INVALID"
)

// Error codes - watch layer (settlement confirmation)
const (
	STREAM_ERROR Code = "STREAM_ERROR"
)

// EngineError is the base error type for all engine errors.
type EngineError struct {
	Code    Code
	Message string
	Layer   string // "core", "auth", "transfer", "bridge", "pipeline", "flow", "watch"
	Cause   error
	Context map[string]any
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Layer, e.Code, e.Message)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause, enabling error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches EngineErrors by code.
func (e *EngineError) Is(target error) bool {
	other, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// With attaches a context value and returns the error for chaining.
func (e *EngineError) With(key string, value any) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(layer string, code Code, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Layer:   layer,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// NewCoreError creates a core layer error.
func NewCoreError(code Code, message string, cause error) *EngineError {
	return newError("core", code, message, cause)
}

// NewAuthError creates an auth layer error.
func NewAuthError(code Code, message string, cause error) *EngineError {
	return newError("auth", code, message, cause)
}

// NewTransferError creates a transfer layer error.
func NewTransferError(code Code, message string, cause error) *EngineError {
	return newError("transfer", code, message, cause)
}

// NewBridgeError creates a bridge layer error.
func NewBridgeError(code Code, message string, cause error) *EngineError {
	return newError("bridge", code, message, cause)
}

// NewPipelineError creates a pipeline layer error.
func NewPipelineError(code Code, message string, cause error) *EngineError {
	return newError("pipeline", code, message, cause)
}

// NewFlowError creates a flow layer error.
func NewFlowError(code Code, message string, cause error) *EngineError {
	return newError("flow", code, message, cause)
}

// NewWatchError creates a watch layer error.
func NewWatchError(code Code, message string, cause error) *EngineError {
	return newError("watch", code, message, cause)
}

// As checks if err is (or wraps) an EngineError and assigns it to target.
func As(err error, target **EngineError) bool {
	for err != nil {
		if v, ok := err.(*EngineError); ok {
			*target = v
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the code of err if it is (or wraps) an EngineError, or an
// empty Code otherwise.
func CodeOf(err error) Code {
	var ee *EngineError
	if As(err, &ee) {
		return ee.Code
	}
	return ""
}
