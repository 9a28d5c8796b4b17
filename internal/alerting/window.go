package alerting

import (
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// maxWindowEvents bounds a single window; when exceeded the oldest half is dropped.
const maxWindowEvents = 100000

// maxMatchedEntries bounds the entries attached to one alert event.
const maxMatchedEntries = 50

type windowEvent struct {
	at    time.Time
	entry *models.LogEntry
}

// SlidingWindow counts matching entries within a trailing time window.
// It is not safe for concurrent use; the engine serializes evaluation.
type SlidingWindow struct {
	window time.Duration
	events []windowEvent
}

// NewSlidingWindow creates a new sliding window with the given duration.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window: window,
		events: make([]windowEvent, 0, 16),
	}
}

// AddAt records entry as observed at t and returns the count within the window.
func (w *SlidingWindow) AddAt(t time.Time, entry *models.LogEntry) int {
	w.pruneOld(t)
	w.events = append(w.events, windowEvent{at: t, entry: entry})
	if len(w.events) > maxWindowEvents {
		w.events = w.events[len(w.events)/2:]
	}
	return len(w.events)
}

// CountAt returns the number of events within the window at t.
func (w *SlidingWindow) CountAt(t time.Time) int {
	w.pruneOld(t)
	return len(w.events)
}

// Entries returns up to the newest maxMatchedEntries entries, oldest first.
func (w *SlidingWindow) Entries() []*models.LogEntry {
	events := w.events
	if len(events) > maxMatchedEntries {
		events = events[len(events)-maxMatchedEntries:]
	}
	out := make([]*models.LogEntry, len(events))
	for i, ev := range events {
		out[i] = ev.entry
	}
	return out
}

// pruneOld drops events older than the window. An event exactly window old
// still counts.
func (w *SlidingWindow) pruneOld(now time.Time) {
	cutoff := now.Add(-w.window)

	left, right := 0, len(w.events)
	for left < right {
		mid := (left + right) / 2
		if w.events[mid].at.Before(cutoff) {
			left = mid + 1
		} else {
			right = mid
		}
	}
	if left > 0 {
		w.events = w.events[left:]
	}
}

// Reset clears all events from the window.
func (w *SlidingWindow) Reset() {
	w.events = w.events[:0]
}

// WindowDuration returns the configured window duration.
func (w *SlidingWindow) WindowDuration() time.Duration {
	return w.window
}

// windowSet holds one window per rule ID.
type windowSet map[string]*SlidingWindow

func (ws windowSet) getOrCreate(ruleID string, window time.Duration) *SlidingWindow {
	w, ok := ws[ruleID]
	if !ok || w.window != window {
		w = NewSlidingWindow(window)
		ws[ruleID] = w
	}
	return w
}
