package streamclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/good-yellow-bee/logpulse/internal/collector"
	"github.com/good-yellow-bee/logpulse/internal/hub"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// switchHandler lets a test replace the hub behind a running server.
type switchHandler struct {
	mu sync.Mutex
	h  *hub.Hub
}

func (s *switchHandler) set(h *hub.Hub) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	h.ServeHTTP(w, r)
}

func newHub(t *testing.T, actions hub.ActionHandler) *hub.Hub {
	t.Helper()
	h := hub.New(hub.Config{}, actions, testr.New(t))
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func serve(t *testing.T, handler http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string, subs ...Subscription) Config {
	cfg := DefaultConfig(url)
	cfg.Subscriptions = subs
	cfg.Backoff = collector.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	return cfg
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := New(cfg, testr.New(t))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// subscribed reports whether h has a connection subscribed to ch.
func subscribed(h *hub.Hub, ch hub.Channel) func() bool {
	return func() bool {
		for _, c := range h.Connections() {
			for _, got := range c.Channels {
				if got == ch {
					return true
				}
			}
		}
		return false
	}
}

func entry(level models.LogLevel, msg string) *models.LogEntry {
	return &models.LogEntry{ID: msg, Timestamp: time.Now(), Source: models.SourceFile, SourceID: "api", Level: level, Message: msg}
}

func TestClientKeepsBoundedLogView(t *testing.T) {
	h := newHub(t, nil)
	cfg := testConfig(serve(t, h), Subscription{Channel: hub.ChannelLogs, Filter: hub.Filter{Levels: []models.LogLevel{models.LevelError}}})
	cfg.MaxEntries = 3
	c := startClient(t, cfg)

	waitFor(t, subscribed(h, hub.ChannelLogs), "subscription")
	waitFor(t, func() bool { return c.State() == StateOpen }, "open state")

	for _, msg := range []string{"e0", "e1", "e2", "e3"} {
		h.BroadcastLog(entry(models.LevelError, msg))
	}
	h.BroadcastLog(entry(models.LevelInfo, "filtered"))
	h.BroadcastLog(entry(models.LevelError, "e4"))

	waitFor(t, func() bool {
		logs := c.Logs()
		return len(logs) == 3 && logs[2].Message == "e4"
	}, "newest entries")

	logs := c.Logs()
	for i, want := range []string{"e2", "e3", "e4"} {
		if logs[i].Message != want {
			t.Errorf("position %d: expected %s, got %s", i, want, logs[i].Message)
		}
	}
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	h1 := newHub(t, nil)
	sw := &switchHandler{h: h1}
	url := serve(t, sw)

	var mu sync.Mutex
	var states []State
	c := New(testConfig(url, Subscription{Channel: hub.ChannelLogs}), testr.New(t))
	c.OnStateChange(func(_, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, subscribed(h1, hub.ChannelLogs), "first subscription")

	h2 := newHub(t, nil)
	sw.set(h2)
	h1.Close(context.Background())

	waitFor(t, subscribed(h2, hub.ChannelLogs), "subscription after reconnect")
	h2.BroadcastLog(entry(models.LevelInfo, "after reconnect"))
	waitFor(t, func() bool {
		logs := c.Logs()
		return len(logs) == 1 && logs[0].Message == "after reconnect"
	}, "entry after reconnect")

	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateReconnecting, StateOpen, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

func TestClientCloseCancelsPendingRetry(t *testing.T) {
	url := serve(t, http.NotFoundHandler())
	cfg := testConfig(url)
	cfg.Backoff = collector.BackoffConfig{Initial: time.Hour, Max: time.Hour}
	c := startClient(t, cfg)

	waitFor(t, func() bool { return c.State() == StateReconnecting }, "reconnecting state")
	if c.LastError() == "" {
		t.Error("expected the dial error to be recorded")
	}

	start := time.Now()
	c.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("close should cancel the pending retry, took %s", elapsed)
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %s", c.State())
	}
}

func TestClientIdleClose(t *testing.T) {
	c := New(DefaultConfig("ws://127.0.0.1:1/ws"), testr.New(t))
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("a closed client cannot be started")
	}
}

func TestClientMetricsContainersAlerts(t *testing.T) {
	h := newHub(t, nil)
	c := startClient(t, testConfig(serve(t, h), Subscription{Channel: hub.ChannelMetrics}))
	waitFor(t, subscribed(h, hub.ChannelMetrics), "metrics subscription")

	// Subscriptions added while open are sent immediately.
	if err := c.Subscribe(hub.ChannelContainers, hub.Filter{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Subscribe(hub.ChannelAlerts, hub.Filter{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, subscribed(h, hub.ChannelAlerts), "alerts subscription")

	h.BroadcastMetrics(&models.MetricsSample{Total: 42, ActiveCollectors: 2})
	h.BroadcastContainers([]models.ContainerInfo{{ID: "c1", Name: "web", State: "running"}})
	h.BroadcastAlert(&models.AlertEvent{ID: "a1", RuleID: "r1", RuleName: "errors", Severity: models.SeverityHigh})

	waitFor(t, func() bool {
		return c.Metrics() != nil && len(c.Containers()) == 1 && len(c.Alerts()) == 1
	}, "metrics, containers and alerts")

	if m := c.Metrics(); m.Total != 42 || m.ActiveCollectors != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if ct := c.Containers()[0]; ct.Name != "web" || !ct.Running() {
		t.Errorf("unexpected container %+v", ct)
	}
	if a := c.Alerts()[0]; a.RuleName != "errors" {
		t.Errorf("unexpected alert %+v", a)
	}

	if err := c.Unsubscribe(hub.ChannelMetrics); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, func() bool { return !subscribed(h, hub.ChannelMetrics)() }, "metrics unsubscribe")
}

func TestClientIgnoresDuplicateSubscribe(t *testing.T) {
	h := newHub(t, nil)
	errs := hub.Filter{Levels: []models.LogLevel{models.LevelError}}
	cfg := testConfig(serve(t, h),
		Subscription{Channel: hub.ChannelLogs, Filter: errs},
		Subscription{Channel: hub.ChannelLogs, Filter: errs},
	)
	c := startClient(t, cfg)
	waitFor(t, subscribed(h, hub.ChannelLogs), "subscription")

	for i := 0; i < 3; i++ {
		if err := c.Subscribe(hub.ChannelLogs, hub.Filter{Levels: []models.LogLevel{models.LevelError}}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := c.Subscribe(hub.ChannelAlerts, hub.Filter{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// The alerts subscription is sent after the duplicates would have been.
	waitFor(t, subscribed(h, hub.ChannelAlerts), "alerts subscription")

	conns := h.Connections()
	if len(conns) != 1 || conns[0].Filters != 2 {
		t.Fatalf("expected one logs and one alerts filter, got %+v", conns)
	}
	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()
	if n != 2 {
		t.Errorf("expected 2 local subscriptions, got %d", n)
	}
}

type recordingActions struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingActions) ContainerAction(_ context.Context, id string, action models.ContainerAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, string(action)+":"+id)
	return nil
}

func TestClientAction(t *testing.T) {
	actions := &recordingActions{}
	h := newHub(t, actions)
	c := New(testConfig(serve(t, h)), testr.New(t))

	acks := make(chan Message, 4)
	c.OnMessage(func(m Message) {
		if m.Type == hub.TypeAck {
			acks <- m
		}
	})

	if _, err := c.Action("c1", models.ActionRestart); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before start, got %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Close)
	waitFor(t, func() bool { return c.State() == StateOpen }, "open")

	id, err := c.Action("c1", models.ActionRestart)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	select {
	case m := <-acks:
		if m.ID != id {
			t.Errorf("expected ack for %s, got %+v", id, m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	actions.mu.Lock()
	defer actions.mu.Unlock()
	if len(actions.calls) != 1 || actions.calls[0] != "restart:c1" {
		t.Errorf("unexpected calls %v", actions.calls)
	}
}
