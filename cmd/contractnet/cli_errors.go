// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/contractnet/pkg/errors"
)

// CLIError wraps a typed error with a hint for the operator.
type CLIError struct {
	Typed *errors.Error
	Hint  string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Typed: e, Hint: hint}
}

// Error returns the message followed by the hint, if any.
func (e *CLIError) Error() string {
	if e.Typed == nil {
		return "unknown error"
	}
	msg := e.Typed.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the typed error to errors.As.
func (e *CLIError) Unwrap() error {
	if e.Typed == nil {
		return nil
	}
	return e.Typed
}

// Print writes the error to w, as a JSON object when asJSON is set.
func (e *CLIError) Print(w io.Writer, asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    e.Typed.Code,
				"message": e.Typed.Message,
				"hint":    e.Hint,
			},
		})
		fmt.Fprintln(w, string(payload))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", e.Typed.Code, e.Typed.Message)
	if e.Typed.Err != nil {
		fmt.Fprintf(w, "  Cause: %s\n", e.Typed.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// asCLIError converts any error to a CLIError, attaching the default hint
// for its code.
func asCLIError(err error) *CLIError {
	var cliErr *CLIError
	if stderrors.As(err, &cliErr) {
		return cliErr
	}
	typed := errors.AsError(err)
	if typed == nil {
		typed = errors.New(errors.CodeInternal, err.Error(), nil)
	}
	return NewCLIError(typed, hintFor(typed.Code))
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInvalidArgument:
		return "run 'contractnet help' for usage information"
	case errors.CodeNotFound:
		return "check the directory settings or the peer ids given"
	case errors.CodeTransport:
		return "check that the peers and the registry are reachable"
	case errors.CodeTimeout:
		return "raise negotiation.cfp_timeout_ms or negotiation.completion_timeout_ms"
	default:
		return ""
	}
}

// NewInvalidArgumentError reports a bad command-line argument.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	e := errors.New(errors.CodeInvalidArgument, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg).
		WithRecoverable(false)
	return NewCLIError(e, "run 'contractnet help' for usage information")
}

// NewConfigError reports a configuration that could not be loaded.
func NewConfigError(err error, configPath string) *CLIError {
	e := errors.New(errors.CodeInvalidArgument, "configuration error", err).
		WithContext("config_path", configPath).
		WithRecoverable(false)
	hint := "check the --set overrides and CNET_ environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(e, hint)
}

// NewDirectoryError reports a node that has no way to find its peers.
func NewDirectoryError(err error) *CLIError {
	e := errors.New(errors.CodeInvalidArgument, "no directory available", err).WithRecoverable(false)
	return NewCLIError(e, "set directory.peers, directory.registry_url or directory.dns_domain")
}

// WrapListenError reports an address that could not be bound.
func WrapListenError(err error, addr string) *CLIError {
	e := errors.New(errors.CodeTransport, "listen failed", err).
		WithContext("address", addr).
		WithRecoverable(true)
	return NewCLIError(e, fmt.Sprintf("check that %s is free or change node.listen_addr", addr))
}
