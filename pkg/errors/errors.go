// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors for negotiation rounds and their
// supporting infrastructure.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies errors for logging, metrics and recovery decisions.
type ErrorCode string

const (
	// CodeInvalidArgument indicates a round was configured with bad arguments.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// CodeUnknownResponder indicates a message came from outside the responder set.
	CodeUnknownResponder ErrorCode = "UNKNOWN_RESPONDER"

	// CodeDuplicateResponse indicates a responder already has an outcome for the phase.
	CodeDuplicateResponse ErrorCode = "DUPLICATE_RESPONSE"

	// CodeUnexpectedMessage indicates a message kind not accepted in the current phase.
	CodeUnexpectedMessage ErrorCode = "UNEXPECTED_MESSAGE"

	// CodeResponderTimeout indicates a responder did not reply before a deadline.
	CodeResponderTimeout ErrorCode = "RESPONDER_TIMEOUT"

	// CodeResponderFailure indicates a responder reported, or is deemed to have, failed.
	CodeResponderFailure ErrorCode = "RESPONDER_FAILURE"

	// CodeRoundCancelled indicates the caller abandoned a round.
	CodeRoundCancelled ErrorCode = "ROUND_CANCELLED"

	// CodeNotFound indicates a resource (round, peer, result) was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeTransport indicates a message could not be handed to the transport.
	CodeTransport ErrorCode = "TRANSPORT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a typed error carrying a code and structured context.
// It can be matched with errors.As and unwrapped with errors.Unwrap.
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Message:     e.Message,
		Code:        string(e.Code),
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// Errorf creates an Error with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be retried.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// AsError converts err to *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of err, or an empty code for untyped errors.
func CodeOf(err error) ErrorCode {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// Is reports whether any error in err's chain is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
