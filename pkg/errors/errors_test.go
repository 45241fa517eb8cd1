// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("connection refused")
	e := New(CodeTransport, "send failed", cause)

	if e.Code != CodeTransport {
		t.Errorf("expected CodeTransport, got %v", e.Code)
	}
	if e.Message != "send failed" {
		t.Errorf("unexpected message %q", e.Message)
	}
	if !errors.Is(e, cause) {
		t.Errorf("expected errors.Is to find the cause")
	}
	if e.Error() != "[TRANSPORT] send failed: connection refused" {
		t.Errorf("unexpected Error(): %s", e.Error())
	}
}

func TestWithContext(t *testing.T) {
	e := New(CodeUnknownResponder, "message from outsider", nil).
		WithContext("responder", "d").
		WithContext("round_id", "r-1")

	if e.Context["responder"] != "d" {
		t.Errorf("expected responder context")
	}
	if e.Context["round_id"] != "r-1" {
		t.Errorf("expected round_id context")
	}
}

func TestCodeOfAndIs(t *testing.T) {
	base := Errorf(CodeInvalidArgument, "responders: %d", 0)
	wrapped := fmt.Errorf("start round: %w", base)

	if CodeOf(wrapped) != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %q", CodeOf(wrapped))
	}
	if !Is(wrapped, CodeInvalidArgument) {
		t.Fatalf("expected Is to match through wrapping")
	}
	if Is(errors.New("plain"), CodeInvalidArgument) {
		t.Fatalf("plain errors carry no code")
	}
	if Is(nil, CodeInternal) {
		t.Fatalf("nil error has no code")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	typed := New(CodeTimeout, "deadline", nil)
	if AsError(fmt.Errorf("wrap: %w", typed)) != typed {
		t.Fatalf("expected the wrapped typed error back")
	}
	plain := errors.New("boom")
	got := AsError(plain)
	if got.Code != CodeInternal || !errors.Is(got, plain) {
		t.Fatalf("expected plain error wrapped as internal, got %v", got)
	}
}

func TestMarshalJSON(t *testing.T) {
	e := New(CodeResponderFailure, "worker crashed", errors.New("exit 1")).
		WithContext("responder", "a").
		WithRecoverable(true)

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["code"] != "RESPONDER_FAILURE" {
		t.Errorf("unexpected code: %v", decoded["code"])
	}
	if decoded["error"] != "exit 1" {
		t.Errorf("unexpected cause: %v", decoded["error"])
	}
	if decoded["recoverable"] != true {
		t.Errorf("expected recoverable=true")
	}
}
