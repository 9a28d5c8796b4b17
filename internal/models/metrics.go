package models

import "time"

// MetricsSample is a periodic snapshot of ingestion activity pushed to
// dashboards on the metrics channel.
type MetricsSample struct {
	Timestamp        time.Time          `json:"timestamp"`
	Window           string             `json:"window"`
	Total            int                `json:"total"`
	EntriesPerSecond float64            `json:"entriesPerSecond"`
	ErrorRate        float64            `json:"errorRate"`
	ByLevel          map[LogLevel]int   `json:"byLevel"`
	ByKind           map[SourceKind]int `json:"byKind"`
	BySource         map[string]int     `json:"bySource"`
	Stored           int                `json:"stored"`
	Evicted          int64              `json:"evicted"`
	ActiveCollectors int                `json:"activeCollectors"`
	Connections      int                `json:"connections"`
}
