package handlers

import (
	"testing"
	"time"
)

func TestWindowFailureLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newFailureLimiter(2, time.Minute, func() time.Time { return now })

	if blocked, _ := limiter.Blocked("10.0.0.1"); blocked {
		t.Fatalf("fresh client must not be blocked")
	}
	limiter.RecordFailure("10.0.0.1")
	limiter.RecordFailure("10.0.0.1")

	blocked, retry := limiter.Blocked("10.0.0.1")
	if !blocked || retry != time.Minute {
		t.Fatalf("expected block for a minute, got %v %s", blocked, retry)
	}
	if blocked, _ := limiter.Blocked("10.0.0.2"); blocked {
		t.Fatalf("other clients must not be affected")
	}

	now = now.Add(time.Minute)
	if blocked, _ := limiter.Blocked("10.0.0.1"); blocked {
		t.Fatalf("block must lift when the window ends")
	}
}
