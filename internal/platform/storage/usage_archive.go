package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"

	"github.com/agentcommerce/gateway/internal/domain"
)

const defaultArchivePrefix = "usage"

// UsageArchive writes usage event batches to Cloud Storage as newline-delimited JSON,
// partitioned by event date and hour.
type UsageArchive struct {
	prefix  string
	open    func(ctx context.Context, object string) io.WriteCloser
	now     func() time.Time

	mu      sync.Mutex
	entropy io.Reader
}

// ArchiveOption customises the archive.
type ArchiveOption func(*UsageArchive)

// WithPrefix overrides the object prefix.
func WithPrefix(prefix string) ArchiveOption {
	return func(a *UsageArchive) {
		if p := strings.Trim(prefix, "/"); p != "" {
			a.prefix = p
		}
	}
}

// WithClock injects a clock for object naming.
func WithClock(clock func() time.Time) ArchiveOption {
	return func(a *UsageArchive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewUsageArchive constructs an archive writing into bucket.
func NewUsageArchive(client *storage.Client, bucket string, opts ...ArchiveOption) (*UsageArchive, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	handle := client.Bucket(bucket)
	return newUsageArchive(func(ctx context.Context, object string) io.WriteCloser {
		w := handle.Object(object).NewWriter(ctx)
		w.ContentType = "application/x-ndjson"
		return w
	}, opts...), nil
}

func newUsageArchive(open func(context.Context, string) io.WriteCloser, opts ...ArchiveOption) *UsageArchive {
	a := &UsageArchive{
		prefix:  defaultArchivePrefix,
		open:    open,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name identifies the sink in logs.
func (a *UsageArchive) Name() string { return "gcs-archive" }

// WriteBatch writes events into a single new object.
func (a *UsageArchive) WriteBatch(ctx context.Context, events []domain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	object := a.objectName(events[0].Timestamp)
	w := a.open(ctx, object)

	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			_ = w.Close()
			return fmt.Errorf("storage: encode usage event: %w", err)
		}
	}
	if err := buf.Flush(); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalise %s: %w", object, err)
	}
	return nil
}

func (a *UsageArchive) objectName(ts time.Time) string {
	now := a.now().UTC()
	if ts.IsZero() {
		ts = now
	}
	ts = ts.UTC()
	a.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), a.entropy)
	a.mu.Unlock()
	return fmt.Sprintf("%s/dt=%s/hour=%02d/%s.ndjson", a.prefix, ts.Format("2006-01-02"), ts.Hour(), strings.ToLower(id.String()))
}
