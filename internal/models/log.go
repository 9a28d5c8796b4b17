// Package models contains the core data structures for logpulse.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// AllLevels lists the levels in ascending severity.
var AllLevels = []LogLevel{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}

// Rank returns the ordinal severity of the level, or -1 when unknown.
func (l LogLevel) Rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelFatal:
		return 4
	default:
		return -1
	}
}

// Valid reports whether l is one of the known levels.
func (l LogLevel) Valid() bool {
	return l.Rank() >= 0
}

// AtLeast reports whether l is as severe as min. An empty min accepts everything.
func (l LogLevel) AtLeast(min LogLevel) bool {
	if min == "" {
		return true
	}
	return l.Rank() >= min.Rank()
}

// ParseLogLevel converts a string to LogLevel. The second return value is
// false when the string does not name a level.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace", "dbg":
		return LevelDebug, true
	case "info", "notice", "information", "inf":
		return LevelInfo, true
	case "warn", "warning", "wrn":
		return LevelWarn, true
	case "error", "err", "eror":
		return LevelError, true
	case "fatal", "critical", "crit", "panic", "emergency", "emerg", "alert":
		return LevelFatal, true
	default:
		return "", false
	}
}

// SourceKind identifies the kind of collector that produced an entry.
type SourceKind string

const (
	SourceFile      SourceKind = "file"
	SourceContainer SourceKind = "container"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	return k == SourceFile || k == SourceContainer
}

// LogEntryInput is what a collector produces before ingestion assigns an ID.
type LogEntryInput struct {
	Timestamp time.Time
	Source    SourceKind
	SourceID  string
	Level     LogLevel
	Message   string
	Metadata  map[string]string
}

// LogEntry represents a single normalized log entry. Entries are never
// mutated after ingestion.
type LogEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Source    SourceKind        `json:"source"`
	SourceID  string            `json:"sourceId"`
	Level     LogLevel          `json:"level"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewLogEntry builds an immutable entry from collector input.
func NewLogEntry(id string, in LogEntryInput) *LogEntry {
	var meta map[string]string
	if len(in.Metadata) > 0 {
		meta = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			meta[k] = v
		}
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	level := in.Level
	if !level.Valid() {
		level = LevelInfo
	}
	return &LogEntry{
		ID:        id,
		Timestamp: ts,
		Source:    in.Source,
		SourceID:  in.SourceID,
		Level:     level,
		Message:   in.Message,
		Metadata:  meta,
	}
}

// GetMetadata retrieves a metadata value.
func (e *LogEntry) GetMetadata(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// JSON returns the log entry as JSON bytes.
func (e *LogEntry) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns a string representation of the log entry.
func (e *LogEntry) String() string {
	return e.Timestamp.Format(time.RFC3339) + " [" + string(e.Level) + "] " + e.SourceID + ": " + e.Message
}

// IsError returns true if the log level is error or fatal.
func (e *LogEntry) IsError() bool {
	return e.Level == LevelError || e.Level == LevelFatal
}
