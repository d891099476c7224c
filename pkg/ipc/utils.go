package ipc

import (
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
)

// parseIntDefault parses a positive integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// statusForError maps a relay error code to an HTTP status.
func statusForError(err error) int {
	switch relayerrors.GetCode(err) {
	case relayerrors.ErrCodeInvalidViewport, relayerrors.ErrCodeInvalidInput, relayerrors.ErrCodeMalformedMessage:
		return http.StatusBadRequest
	case relayerrors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case relayerrors.ErrCodeSessionGone:
		return http.StatusGone
	case relayerrors.ErrCodeAttachRejected:
		return http.StatusConflict
	case relayerrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case relayerrors.ErrCodeDriverUnavailable:
		return http.StatusServiceUnavailable
	case relayerrors.ErrCodeDriverError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondRelayError sends err with the status its code maps to.
func respondRelayError(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err)
}

func httpError(w http.ResponseWriter, msg string, status int) {
	respondError(w, status, stdliberrors.New(msg))
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)

	response := struct {
		Error       string   `json:"error"`
		Status      int      `json:"status"`
		Code        string   `json:"code,omitempty"`
		Message     string   `json:"message"`
		Details     string   `json:"details,omitempty"`
		Remediation []string `json:"remediation,omitempty"`
		Retryable   bool     `json:"retryable,omitempty"`
		Timestamp   string   `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if relayErr, ok := relayerrors.As(err); ok {
		response.Code = string(relayErr.Code)
		response.Message = relayErr.ClientMessage()
		if len(relayErr.Remediation) > 0 {
			response.Remediation = append([]string{}, relayErr.Remediation...)
		}
		response.Retryable = relayErr.Retryable
		// Internal detail stays in logs for server-side failures.
		if status < http.StatusInternalServerError {
			response.Details = relayErr.Error()
		}
	} else if err != nil {
		response.Message = err.Error()
	}

	if response.Details == "" && err != nil && status < http.StatusInternalServerError {
		response.Details = fmt.Sprintf("%v", err)
	}

	if len(response.Remediation) == 0 {
		response.Remediation = defaultRemediation(response.Code, status)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// defaultRemediation provides helpful remediation steps for common errors.
func defaultRemediation(code string, status int) []string {
	switch relayerrors.ErrorCode(code) {
	case relayerrors.ErrCodeInvalidViewport:
		return []string{
			"Send positive viewportWidth and viewportHeight within the server maximum.",
		}
	case relayerrors.ErrCodeSessionGone:
		return []string{
			"The session has ended. Create a new session and connect to it.",
		}
	case relayerrors.ErrCodeAttachRejected:
		return []string{
			"Close the other client attached to this session, or create a new session.",
		}
	case relayerrors.ErrCodeDriverUnavailable:
		return []string{
			"All browser slots are in use; retry after a short delay.",
			"Delete idle sessions to free capacity.",
		}
	case relayerrors.ErrCodeDriverError:
		return []string{
			"Check the relay logs for the browser failure.",
			"Retry the request; persistent failures usually mean the browser binary is missing.",
		}
	case relayerrors.ErrCodeStorageRead, relayerrors.ErrCodeStorageWrite:
		return []string{
			"Ensure the journal database path is writable and not full.",
		}
	}

	switch status {
	case http.StatusNotFound:
		return []string{
			"Verify the session ID in the request URL.",
		}
	case http.StatusTooManyRequests:
		return []string{
			"Slow down session creation; the limiter refills every second.",
		}
	case http.StatusServiceUnavailable:
		return []string{
			"Retry after the relay finishes its current work.",
		}
	default:
		return nil
	}
}
