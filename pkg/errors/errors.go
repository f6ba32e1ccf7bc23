// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Mesh.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Mesh errors for monitoring and caller branching.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeValidation indicates the input was rejected before any write.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeNotFound indicates a tenant-scoped resource was not found.
	// It never distinguishes "exists in another tenant" from "doesn't exist".
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodePermissionDenied indicates the caller is not allowed to act on
	// the resource (wrong target, delegations disabled, acceptance off).
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// CodeStateConflict indicates a transition is not valid from the
	// resource's current status.
	CodeStateConflict ErrorCode = "STATE_CONFLICT"

	// CodeRateLimited indicates an inbound or outbound bucket is exhausted.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeTimeout indicates an acceptance window or delegation deadline
	// was exceeded.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeTransport indicates a transport collaborator failure. These are
	// propagated to the caller, never swallowed or retried internally.
	CodeTransport ErrorCode = "TRANSPORT_ERROR"
)

// MeshError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type MeshError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *MeshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *MeshError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *MeshError) MarshalJSON() ([]byte, error) {
	type Alias MeshError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new MeshError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *MeshError {
	return &MeshError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *MeshError) WithContext(key string, value interface{}) *MeshError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *MeshError) WithAttribute(key, value string) *MeshError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *MeshError) WithRecoverable(recoverable bool) *MeshError {
	e.Recoverable = recoverable
	return e
}

// AsMeshError attempts to convert an error to a MeshError.
// Returns the error as MeshError if it is one, or wraps it otherwise.
func AsMeshError(err error) *MeshError {
	if err == nil {
		return nil
	}
	if me, ok := err.(*MeshError); ok {
		return me
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the error code for err, or CodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if me, ok := err.(*MeshError); ok {
		return me.Code
	}
	return CodeInternal
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *MeshError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodePermissionDenied:
		return 403
	case CodeValidation:
		return 400
	case CodeStateConflict:
		return 409
	case CodeTimeout:
		return 408
	case CodeRateLimited:
		return 429
	case CodeTransport:
		return 502
	default:
		return 500
	}
}
