package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	commonerrors "github.com/CivicPress/civicpress-sub002/pkg/errors"
)

func TestWriteErrorCodeIncludesRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sagas/42", nil)
	req.Header.Set("X-Request-ID", "req-abc")

	WriteErrorCode(rec, req, commonerrors.CodeSagaNotFound, "saga 42 not found")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var payload commonerrors.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Code != commonerrors.CodeSagaNotFound {
		t.Fatalf("expected code SAGA_NOT_FOUND, got %s", payload.Code)
	}
	if payload.RequestID != "req-abc" {
		t.Fatalf("expected request id req-abc, got %s", payload.RequestID)
	}
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("expected a generated request id in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected response header to echo request id %s, got %s", seen, rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDMiddlewarePreservesExisting(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "caller-supplied" {
		t.Fatalf("expected caller-supplied request id, got %s", seen)
	}
}
