// Package collector turns raw log sources (files and container streams)
// into normalized log entry inputs.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

var (
	// ErrSourceUnavailable is returned when a collector cannot reach its target.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedFrame is returned by the demuxer for an invalid frame header.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrParse is returned when a line cannot be turned into an entry.
	ErrParse = errors.New("parse error")
)

// EmitFunc receives every entry a collector produces, in production order.
// It may block; collectors apply no buffering of their own.
type EmitFunc func(in models.LogEntryInput)

// Collector is a running log source.
type Collector interface {
	// Start begins collection. It returns once the source is opened; entries
	// are delivered asynchronously until Stop or ctx cancellation.
	Start(ctx context.Context) error
	// Stop abandons in-flight reads and releases the source. It blocks until
	// the collection goroutine has exited.
	Stop()
	// Status returns a snapshot of the collector state.
	Status() Status
}

// Status reports the state of one collector.
type Status struct {
	Kind           models.SourceKind `json:"kind"`
	SourceID       string            `json:"sourceId"`
	Target         string            `json:"target"`
	Running        bool              `json:"running"`
	LastError      string            `json:"lastError,omitempty"`
	Attempts       int               `json:"attempts"`
	EntriesEmitted int64             `json:"entriesEmitted"`
	StartedAt      time.Time         `json:"startedAt"`
	Cursor         string            `json:"cursor,omitempty"`

	// Err is the last error, kept for errors.Is checks.
	Err error `json:"-"`
}

// Degraded reports whether the collector stopped because of an error.
func (s Status) Degraded() bool {
	return !s.Running && s.Err != nil
}

// tracker guards a Status shared between the collection goroutine and callers.
type tracker struct {
	mu     sync.Mutex
	status Status
}

func newTracker(kind models.SourceKind, sourceID, target string) *tracker {
	return &tracker{status: Status{Kind: kind, SourceID: sourceID, Target: target}}
}

func (t *tracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *tracker) started(at time.Time) {
	t.mu.Lock()
	t.status.Running = true
	t.status.StartedAt = at
	t.mu.Unlock()
}

func (t *tracker) stopped() {
	t.mu.Lock()
	t.status.Running = false
	t.mu.Unlock()
}

func (t *tracker) fail(err error) {
	t.mu.Lock()
	t.status.Err = err
	t.status.LastError = err.Error()
	t.mu.Unlock()
}

func (t *tracker) attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Attempts++
	return t.status.Attempts
}

func (t *tracker) resetAttempts() {
	t.mu.Lock()
	t.status.Attempts = 0
	t.mu.Unlock()
}

func (t *tracker) emitted(cursor string) {
	t.mu.Lock()
	t.status.EntriesEmitted++
	if cursor != "" {
		t.status.Cursor = cursor
	}
	t.mu.Unlock()
}
