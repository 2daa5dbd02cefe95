package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wardenlabs/warden/pkg/api"
)

func TestWriteError_Body(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	var body api.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error != "field is missing" {
		t.Errorf("error = %q, want %q", body.Error, "field is missing")
	}
	if body.RetryAfter != 0 {
		t.Errorf("retryAfter = %d, want omitted", body.RetryAfter)
	}
}

func TestWriteRateLimited_HeaderAndField(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteRateLimited(w, 30)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want %q", got, "30")
	}

	var body api.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.RetryAfter != 30 {
		t.Errorf("retryAfter = %d, want 30", body.RetryAfter)
	}
}

func TestWriteRateLimited_FloorsToOneSecond(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteRateLimited(w, 0)

	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var body api.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error != "internal error" {
		t.Errorf("internal error detail leaked: %q", body.Error)
	}
}

func TestWriteHelpers_DefaultMessages(t *testing.T) {
	cases := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
	}{
		{"unauthorized", func(w http.ResponseWriter) { api.WriteUnauthorized(w, "") }, http.StatusUnauthorized},
		{"forbidden", func(w http.ResponseWriter) { api.WriteForbidden(w, "") }, http.StatusForbidden},
		{"not found", func(w http.ResponseWriter) { api.WriteNotFound(w, "") }, http.StatusNotFound},
		{"unavailable", func(w http.ResponseWriter) { api.WriteServiceUnavailable(w, "") }, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		tc.write(w)
		if w.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.status)
		}
		var body api.ErrorBody
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decode response: %v", tc.name, err)
		}
		if body.Error == "" {
			t.Errorf("%s: empty error message", tc.name)
		}
	}
}
