package ipc

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
)

func TestIsLoopbackBindAddress(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want bool
	}{
		{"localhost with port", "localhost:8090", true},
		{"localhost without port", "localhost", true},
		{"127.0.0.1 with port", "127.0.0.1:8090", true},
		{"::1 with port", "[::1]:8090", true},
		{"0.0.0.0 is not loopback", "0.0.0.0:8090", false},
		{":: is not loopback", "[::]:8090", false},
		{"port only", ":8090", false},
		{"empty string", "", false},
		{"whitespace only", "   ", false},
		{"external IP", "192.168.1.1:8090", false},
		{"external hostname", "relay.example.com:8090", false},
		{"127.0.0.2 is loopback", "127.0.0.2:8090", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isLoopbackBindAddress(tt.addr)
			if got != tt.want {
				t.Errorf("isLoopbackBindAddress(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestParseIntDefault(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 10},
		{"25", 25},
		{"0", 10},
		{"-3", 10},
		{"abc", 10},
	}
	for _, tt := range tests {
		if got := parseIntDefault(tt.raw, 10); got != tt.want {
			t.Errorf("parseIntDefault(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		code relayerrors.ErrorCode
		want int
	}{
		{relayerrors.ErrCodeInvalidViewport, http.StatusBadRequest},
		{relayerrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{relayerrors.ErrCodeMalformedMessage, http.StatusBadRequest},
		{relayerrors.ErrCodeSessionNotFound, http.StatusNotFound},
		{relayerrors.ErrCodeSessionGone, http.StatusGone},
		{relayerrors.ErrCodeAttachRejected, http.StatusConflict},
		{relayerrors.ErrCodeRateLimited, http.StatusTooManyRequests},
		{relayerrors.ErrCodeDriverUnavailable, http.StatusServiceUnavailable},
		{relayerrors.ErrCodeDriverError, http.StatusBadGateway},
		{relayerrors.ErrCodeStorageRead, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(relayerrors.New(tt.code, "x")); got != tt.want {
			t.Errorf("statusForError(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
	if got := statusForError(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("statusForError(plain) = %d, want 500", got)
	}
}

type errorBody struct {
	Error       string   `json:"error"`
	Status      int      `json:"status"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Details     string   `json:"details"`
	Remediation []string `json:"remediation"`
	Retryable   bool     `json:"retryable"`
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestRespondError_ClientErrorIncludesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := relayerrors.New(relayerrors.ErrCodeSessionGone, "session is closing or closed").
		WithUserMessage("session has ended; create a new one")
	respondRelayError(rec, err)

	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body.Code != "SESSION_GONE" {
		t.Errorf("code = %q", body.Code)
	}
	if body.Message != "session has ended; create a new one" || body.Error != body.Message {
		t.Errorf("message = %q, error = %q", body.Message, body.Error)
	}
	if body.Details == "" {
		t.Error("client errors should carry details")
	}
	if len(body.Remediation) == 0 {
		t.Error("expected default remediation for SESSION_GONE")
	}
}

func TestRespondError_ServerErrorHidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := relayerrors.Wrap(errors.New("cdp: target crashed at 0xdeadbeef"), relayerrors.ErrCodeDriverError, "browser failed").
		WithUserMessage("browser error")
	respondRelayError(rec, err)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body.Details != "" {
		t.Errorf("details leaked: %q", body.Details)
	}
	if body.Message != "browser error" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestRespondError_RetryAfter(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		respondError(rec, status, errors.New("busy"))
		if rec.Header().Get("Retry-After") != "1" {
			t.Errorf("status %d: Retry-After = %q", status, rec.Header().Get("Retry-After"))
		}
	}

	rec := httptest.NewRecorder()
	httpError(rec, "forbidden", http.StatusForbidden)
	if rec.Header().Get("Retry-After") != "" {
		t.Error("403 should not set Retry-After")
	}
	body := decodeErrorBody(t, rec)
	if body.Message != "forbidden" || body.Status != http.StatusForbidden {
		t.Errorf("body = %+v", body)
	}
}

func TestRespondJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	respondJSON(rec, http.StatusCreated, map[string]string{"status": "created"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("cache control = %q", rec.Header().Get("Cache-Control"))
	}
}
