// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("pool unreachable")
	me := New(CodeTransport, "send failed", cause)

	if me.Code != CodeTransport {
		t.Errorf("expected CodeTransport, got %v", me.Code)
	}
	if me.Message != "send failed" {
		t.Errorf("expected message 'send failed', got %q", me.Message)
	}
	if me.Err != cause {
		t.Errorf("expected cause to be preserved")
	}
	if !errors.Is(me, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithContext(t *testing.T) {
	me := New(CodeStateConflict, "Cannot accept delegation", nil)
	me.WithContext("request_id", "req-1").
		WithContext("status", "accepted")

	if me.Context["request_id"] != "req-1" {
		t.Errorf("expected context request_id to be 'req-1'")
	}
	if me.Context["status"] != "accepted" {
		t.Errorf("expected context status to be set")
	}
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{CodeNotFound, 404},
		{CodePermissionDenied, 403},
		{CodeValidation, 400},
		{CodeStateConflict, 409},
		{CodeTimeout, 408},
		{CodeRateLimited, 429},
		{CodeTransport, 502},
		{CodeInternal, 500},
	}
	for _, tc := range cases {
		if got := New(tc.code, "x", nil).StatusCode; got != tc.want {
			t.Errorf("%s: expected status %d, got %d", tc.code, tc.want, got)
		}
	}
}

func TestAsMeshError(t *testing.T) {
	me := New(CodeRateLimited, "rate limit exceeded", nil)
	if AsMeshError(me) != me {
		t.Errorf("expected same instance back")
	}
	wrapped := AsMeshError(errors.New("boom"))
	if wrapped.Code != CodeInternal {
		t.Errorf("expected untyped error to wrap as internal, got %v", wrapped.Code)
	}
	if AsMeshError(nil) != nil {
		t.Errorf("expected nil for nil error")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(New(CodeTimeout, "deadline exceeded", nil)) != CodeTimeout {
		t.Errorf("expected CodeTimeout")
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Errorf("expected CodeInternal for plain error")
	}
	if CodeOf(nil) != "" {
		t.Errorf("expected empty code for nil")
	}
}

func TestMarshalJSON(t *testing.T) {
	me := New(CodeValidation, "invalid task type", nil).WithRecoverable(false)
	payload, err := json.Marshal(me)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["code"] != string(CodeValidation) {
		t.Errorf("expected code in JSON, got %v", decoded["code"])
	}
}
