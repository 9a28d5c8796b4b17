package logs

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// Event names on the log stream.
const (
	eventLog       = "log"
	eventHeartbeat = "heartbeat"
	eventClose     = "close"
)

// clientRetry is the reconnect delay suggested to EventSource clients.
const clientRetry = 3 * time.Second

type heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	Dropped   int64     `json:"dropped"`
}

type closeReason struct {
	Reason string `json:"reason"`
}

// eventStream writes server-sent events and flushes after each one.
type eventStream struct {
	w       io.Writer
	flusher http.Flusher
}

// open sends the retry hint and a comment so proxies forward the headers.
func (s *eventStream) open() error {
	if _, err := fmt.Fprintf(s.w, "retry: %d\n: connected\n\n", clientRetry.Milliseconds()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// send writes v as the JSON data of one event. id is omitted when empty.
func (s *eventStream) send(event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Stream handles GET /api/v1/logs/stream, pushing newly appended entries
// matching the query filter as server-sent events. Entries are dropped
// when the client falls behind and the count is reported on heartbeats.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "streaming not supported")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	match := filter.Matcher()

	var dropped atomic.Int64
	entries := make(chan *models.LogEntry, h.stream.Buffer)
	unsubscribe := h.store.Subscribe(func(e *models.LogEntry) {
		if !match(e) {
			return
		}
		select {
		case entries <- e:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	es := &eventStream{w: w, flusher: flusher}
	if err := es.open(); err != nil {
		return
	}
	ticker := time.NewTicker(h.stream.HeartbeatInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(h.stream.MaxDuration)
	defer deadline.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			es.send(eventClose, "", closeReason{Reason: "max_duration"})
			return
		case e := <-entries:
			if err := es.send(eventLog, e.ID, e); err != nil {
				h.log.V(1).Info("log stream closed", "error", err.Error())
				return
			}
		case now := <-ticker.C:
			if err := es.send(eventHeartbeat, "", heartbeat{Timestamp: now.UTC(), Dropped: dropped.Load()}); err != nil {
				return
			}
		}
	}
}
