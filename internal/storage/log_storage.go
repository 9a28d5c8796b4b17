// Package storage provides the in-memory log store and the rule persistence
// implementations.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ErrInvalidArgument is returned for malformed filter or query parameters.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	// DefaultQueryLimit is used when a filter does not set a limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit bounds a single page.
	MaxQueryLimit = 1000
)

// LogFilter defines query parameters for log retrieval. Set fields are
// combined with AND; within a slice values are combined with OR.
type LogFilter struct {
	Levels    []models.LogLevel
	Sources   []models.SourceKind
	SourceIDs []string

	// Time range, both optional.
	Since time.Time
	Until time.Time

	// Case-insensitive substring search on the message.
	MessageContains string

	// Pagination. Zero limit means DefaultQueryLimit.
	Limit  int
	Offset int
}

// Validate checks filter parameters.
func (f *LogFilter) Validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("%w: limit must be non-negative", ErrInvalidArgument)
	}
	if f.Limit > MaxQueryLimit {
		return fmt.Errorf("%w: limit must not exceed %d", ErrInvalidArgument, MaxQueryLimit)
	}
	if f.Offset < 0 {
		return fmt.Errorf("%w: offset must be non-negative", ErrInvalidArgument)
	}
	for _, l := range f.Levels {
		if !l.Valid() {
			return fmt.Errorf("%w: unknown level %q", ErrInvalidArgument, l)
		}
	}
	for _, s := range f.Sources {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown source %q", ErrInvalidArgument, s)
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Since.After(f.Until) {
		return fmt.Errorf("%w: since must be before until", ErrInvalidArgument)
	}
	return nil
}

// LogQueryResult contains query results with pagination info.
type LogQueryResult struct {
	// Entries are ordered most recent first.
	Entries []*models.LogEntry `json:"entries"`

	// Total is the number of entries matching the filter before pagination.
	Total int `json:"total"`

	// HasMore indicates if there are more results past this page.
	HasMore bool `json:"hasMore"`
}

// LogStats aggregates entries within a time window.
type LogStats struct {
	Window    time.Duration             `json:"-"`
	Since     time.Time                 `json:"since"`
	Total     int                       `json:"total"`
	ByLevel   map[models.LogLevel]int   `json:"byLevel"`
	ByKind    map[models.SourceKind]int `json:"byKind"`
	BySource  map[string]int            `json:"bySource"`
	ErrorRate float64                   `json:"errorRate"`
}

// Subscriber is invoked synchronously for every appended entry.
type Subscriber func(entry *models.LogEntry)
