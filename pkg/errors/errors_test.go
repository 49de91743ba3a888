package errors

import (
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(CodeResourceLocked, "record:clerk-101 is locked")
	if err.Error() != "[RESOURCE_LOCKED] record:clerk-101 is locked" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestRetryableCodes(t *testing.T) {
	if !New(CodeResourceLocked, "locked").Retryable {
		t.Fatal("expected RESOURCE_LOCKED to be retryable")
	}
	if !New(CodeSagaTimeout, "timeout").Retryable {
		t.Fatal("expected SAGA_TIMEOUT to be retryable")
	}
	if New(CodeSagaStepFailed, "failed").Retryable {
		t.Fatal("expected SAGA_STEP_FAILED to not be retryable")
	}
	if New(CodeCompensationFailed, "failed").Retryable {
		t.Fatal("expected COMPENSATION_FAILED to not be retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeOK, http.StatusOK},
		{CodeUnknownSagaType, http.StatusBadRequest},
		{CodeCorrelationMissing, http.StatusBadRequest},
		{CodeResourceLocked, http.StatusConflict},
		{CodeSagaNotFound, http.StatusNotFound},
		{CodeSagaStepFailed, http.StatusUnprocessableEntity},
		{CodeCompensationFailed, http.StatusUnprocessableEntity},
		{CodeSagaTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := New(tc.code, "x").HTTPStatus(); got != tc.want {
			t.Fatalf("code %s: expected status %d, got %d", tc.code, tc.want, got)
		}
	}
}

func TestNewWithDefault(t *testing.T) {
	err := NewWithDefault(CodeSagaNotFound, "")
	if err.Message != string(CodeSagaNotFound) {
		t.Fatalf("expected default message, got %s", err.Message)
	}

	err = NewWithDefault(CodeSagaNotFound, "saga 42 not found")
	if err.Message != "saga 42 not found" {
		t.Fatalf("expected explicit message, got %s", err.Message)
	}
}

func TestWithRequestID(t *testing.T) {
	err := New(CodeInternal, "boom").WithRequestID("req-1")
	if err.RequestID != "req-1" {
		t.Fatalf("expected request id to be set, got %s", err.RequestID)
	}
}
