package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentcommerce/gateway/internal/platform/requestctx"
)

// Error represents the canonical JSON error envelope returned by the gateway.
type Error struct {
	Detail    string
	Status    int
	Timestamp time.Time
	Headers   map[string]string
}

// NewError constructs a new Error with the provided detail and HTTP status.
func NewError(detail string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if strings.TrimSpace(detail) == "" {
		detail = http.StatusText(status)
	}
	return Error{
		Detail: sanitize(detail, 512),
		Status: status,
	}
}

// WithHeader attaches a response header written alongside the envelope.
func (e Error) WithHeader(key, value string) Error {
	headers := make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		headers[k] = v
	}
	headers[key] = value
	e.Headers = headers
	return e
}

// At pins the envelope timestamp; the write time is used otherwise.
func (e Error) At(ts time.Time) Error {
	e.Timestamp = ts
	return e
}

// Error implements the error interface so envelopes can travel through error returns.
func (e Error) Error() string {
	return e.Detail
}

// WriteError writes the structured error as JSON to the provided response writer.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	ts := err.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	payload := map[string]any{
		"detail":      err.Detail,
		"status_code": status,
		"timestamp":   ts.UTC().Format(time.RFC3339),
	}

	if requestID := sanitize(middleware.GetReqID(ctx), 80); requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	if traceID := sanitize(requestctx.TraceID(ctx), 64); traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}
	for k, v := range err.Headers {
		w.Header().Set(k, v)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSON renders payload as JSON with the provided status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
