package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	ts := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

	WriteError(context.Background(), rec, NewError("quota exceeded\n", http.StatusTooManyRequests).
		WithHeader("Retry-After", "30").
		At(ts))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected retry-after header, got %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] != "quota exceeded" {
		t.Fatalf("unexpected detail %v", body["detail"])
	}
	if body["status_code"].(float64) != 429 {
		t.Fatalf("unexpected status_code %v", body["status_code"])
	}
	if body["timestamp"] != "2024-01-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %v", body["timestamp"])
	}
	if len(body) != 3 {
		t.Fatalf("expected exactly three envelope fields, got %v", body)
	}
}

func TestNewErrorDefaults(t *testing.T) {
	err := NewError("", 0)
	if err.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 default, got %d", err.Status)
	}
	if err.Detail != http.StatusText(http.StatusInternalServerError) {
		t.Fatalf("expected status text detail, got %q", err.Detail)
	}
}
