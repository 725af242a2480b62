package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

type memorySink struct {
	name    string
	mu      sync.Mutex
	batches [][]domain.UsageEvent
	err     error
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) WriteBatch(_ context.Context, events []domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.UsageEvent(nil), events...))
	return s.err
}

func (s *memorySink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestEmitterFansOutBatches(t *testing.T) {
	primary := &memorySink{name: "primary"}
	failing := &memorySink{name: "failing", err: errors.New("boom")}
	var logged []string
	var mu sync.Mutex

	emitter, err := NewEmitter(EmitterDeps{
		Sinks:         []Sink{primary, failing},
		BatchSize:     2,
		FlushInterval: time.Hour,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			mu.Lock()
			logged = append(logged, event)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- emitter.Run(ctx) }()

	for i := 0; i < 5; i++ {
		emitter.Record(context.Background(), domain.UsageEvent{Endpoint: "catalog.products", StatusCode: 200})
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := primary.total(); got != 5 {
		t.Fatalf("expected 5 events in primary sink, got %d", got)
	}
	if got := failing.total(); got != 5 {
		t.Fatalf("failing sink still receives every batch, got %d", got)
	}
	if emitter.Written() != 5 {
		t.Fatalf("expected 5 written, got %d", emitter.Written())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(logged) == 0 || logged[0] != "usage.sink_failed" {
		t.Fatalf("expected sink failure to be logged, got %v", logged)
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	emitter, err := NewEmitter(EmitterDeps{Sinks: []Sink{&memorySink{name: "s"}}, BufferSize: 2})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	for i := 0; i < 5; i++ {
		emitter.Record(context.Background(), domain.UsageEvent{Endpoint: "x"})
	}
	if emitter.Dropped() != 3 {
		t.Fatalf("expected 3 dropped events, got %d", emitter.Dropped())
	}
}

func TestEmitterFlushesOnInterval(t *testing.T) {
	sink := &memorySink{name: "s"}
	emitter, err := NewEmitter(EmitterDeps{Sinks: []Sink{sink}, BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = emitter.Run(ctx) }()

	emitter.Record(ctx, domain.UsageEvent{Endpoint: "payments.execute"})
	deadline := time.Now().Add(2 * time.Second)
	for sink.total() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected interval flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewEmitterRequiresSinks(t *testing.T) {
	if _, err := NewEmitter(EmitterDeps{}); err == nil {
		t.Fatalf("expected error without sinks")
	}
}

func TestLogSinkWritesOneEntryPerEvent(t *testing.T) {
	var fields []map[string]any
	sink := NewLogSink(func(_ context.Context, event string, f map[string]any) {
		if event != "usage.event" {
			t.Fatalf("unexpected event %q", event)
		}
		fields = append(fields, f)
	})
	err := sink.WriteBatch(context.Background(), []domain.UsageEvent{
		{Endpoint: "catalog.products", AgentID: "agent_1", Stale: true},
		{Endpoint: "payments.execute", PSPType: domain.PSPAdyen},
	})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(fields) != 2 || fields[0]["stale"] != true || fields[1]["psp"] != domain.PSPAdyen {
		t.Fatalf("unexpected fields %+v", fields)
	}
}
