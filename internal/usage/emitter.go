// Package usage buffers UsageEvents off the request path and fans batches out to sinks.
package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/agentcommerce/gateway/internal/domain"
)

const (
	defaultBufferSize    = 4096
	defaultBatchSize     = 200
	defaultFlushInterval = 5 * time.Second
	defaultSinkTimeout   = 10 * time.Second
)

// Sink persists a batch of events. Implementations must be safe for sequential reuse.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, events []domain.UsageEvent) error
}

// EmitterDeps wires the Emitter.
type EmitterDeps struct {
	Sinks         []Sink
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SinkTimeout   time.Duration
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// Emitter accepts events without blocking and flushes them in batches from Run.
type Emitter struct {
	sinks         []Sink
	events        chan domain.UsageEvent
	batchSize     int
	flushInterval time.Duration
	sinkTimeout   time.Duration
	logger        func(ctx context.Context, event string, fields map[string]any)
	dropped       atomic.Int64
	written       atomic.Int64
}

// NewEmitter constructs an Emitter. At least one sink is required.
func NewEmitter(deps EmitterDeps) (*Emitter, error) {
	if len(deps.Sinks) == 0 {
		return nil, errors.New("usage: at least one sink is required")
	}
	for _, sink := range deps.Sinks {
		if sink == nil {
			return nil, errors.New("usage: nil sink")
		}
	}
	bufferSize := deps.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := deps.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	sinkTimeout := deps.SinkTimeout
	if sinkTimeout <= 0 {
		sinkTimeout = defaultSinkTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Emitter{
		sinks:         append([]Sink(nil), deps.Sinks...),
		events:        make(chan domain.UsageEvent, bufferSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		sinkTimeout:   sinkTimeout,
		logger:        logger,
	}, nil
}

// Record enqueues event. When the buffer is full the event is dropped and counted.
func (e *Emitter) Record(ctx context.Context, event domain.UsageEvent) {
	if e == nil {
		return
	}
	select {
	case e.events <- event:
	default:
		if n := e.dropped.Add(1); n == 1 || n%1000 == 0 {
			e.logger(ctx, "usage.dropped", map[string]any{"dropped": n})
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Written reports how many events were handed to the sinks.
func (e *Emitter) Written() int64 { return e.written.Load() }

// Run flushes batches until ctx is cancelled, then drains whatever is buffered and returns.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.UsageEvent, 0, e.batchSize)
	flush := func(parent context.Context) {
		if len(batch) == 0 {
			return
		}
		e.flush(parent, batch)
		batch = make([]domain.UsageEvent, 0, e.batchSize)
	}

	for {
		select {
		case event := <-e.events:
			batch = append(batch, event)
			if len(batch) >= e.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx := context.WithoutCancel(ctx)
			for {
				select {
				case event := <-e.events:
					batch = append(batch, event)
					if len(batch) >= e.batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return nil
				}
			}
		}
	}
}

// flush writes one batch to every sink concurrently. Sink failures are logged, never retried.
func (e *Emitter) flush(parent context.Context, batch []domain.UsageEvent) {
	ctx, cancel := context.WithTimeout(parent, e.sinkTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range e.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.WriteBatch(ctx, batch); err != nil {
				e.logger(ctx, "usage.sink_failed", map[string]any{
					"sink":   sink.Name(),
					"events": len(batch),
					"error":  err.Error(),
				})
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	e.written.Add(int64(len(batch)))
}
