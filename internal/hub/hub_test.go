package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/gorilla/websocket"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

func newTestHub(t *testing.T, cfg Config, actions ActionHandler) *Hub {
	t.Helper()
	h := New(cfg, actions, testr.New(t))
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// attach registers a connection without a socket; its queue is inspected directly.
func attach(t *testing.T, h *Hub) *Conn {
	t.Helper()
	c := h.newConn(nil, "test")
	if !h.register(c) {
		t.Fatal("register failed")
	}
	return c
}

func send(t *testing.T, c *Conn, msg string) {
	t.Helper()
	if err := c.handle([]byte(msg)); err != nil {
		t.Fatalf("handle %s: %v", msg, err)
	}
}

// drain returns every queued message without waiting.
func drain(t *testing.T, c *Conn) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	for {
		select {
		case payload := <-c.send:
			var msg ServerMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Fatalf("decode queued message: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func logEntry(level models.LogLevel, msg string) *models.LogEntry {
	return &models.LogEntry{
		ID:        msg,
		Timestamp: time.Now(),
		Source:    models.SourceFile,
		SourceID:  "api",
		Level:     level,
		Message:   msg,
	}
}

func TestBroadcastLogFilterIsolation(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	errs := attach(t, h)
	warns := attach(t, h)

	send(t, errs, `{"type":"subscribe","channel":"logs","filter":{"levels":["error"]}}`)
	send(t, warns, `{"type":"subscribe","channel":"logs","filter":{"levels":["warn"]}}`)
	drain(t, errs)
	drain(t, warns)

	h.BroadcastLog(logEntry(models.LevelError, "disk full"))
	h.BroadcastLog(logEntry(models.LevelInfo, "started"))
	h.BroadcastLog(logEntry(models.LevelError, "disk still full"))
	h.BroadcastLog(logEntry(models.LevelWarn, "slow query"))

	got := drain(t, errs)
	if len(got) != 2 {
		t.Fatalf("error subscriber: expected 2 messages, got %d", len(got))
	}
	for _, m := range got {
		if m.Type != TypeLogs || len(m.Entries) != 1 || m.Entries[0].Level != models.LevelError {
			t.Errorf("error subscriber got %+v", m)
		}
	}

	got = drain(t, warns)
	if len(got) != 1 || got[0].Entries[0].Message != "slow query" {
		t.Fatalf("warn subscriber must receive only the warn entry, got %+v", got)
	}
}

func TestOverlappingSubscriptionsSendOnce(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	c := attach(t, h)

	send(t, c, `{"type":"subscribe","channel":"logs"}`)
	send(t, c, `{"type":"subscribe","channel":"logs","filter":{"levels":["error"]}}`)
	send(t, c, `{"type":"subscribe","channel":"logs","filter":{"sources":["api"]}}`)
	drain(t, c)

	if n := h.BroadcastLog(logEntry(models.LevelError, "boom")); n != 1 {
		t.Errorf("expected one connection reached, got %d", n)
	}
	if got := drain(t, c); len(got) != 1 {
		t.Errorf("expected a single message for overlapping subscriptions, got %d", len(got))
	}
}

func TestRepeatedSubscriptionIsIgnored(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	c := attach(t, h)

	for i := 0; i < 3; i++ {
		send(t, c, `{"type":"subscribe","channel":"logs","filter":{"levels":["error"]}}`)
	}
	send(t, c, `{"type":"subscribe","channel":"logs","filter":{"levels":["warn"]}}`)
	if acks := drain(t, c); len(acks) != 4 {
		t.Errorf("every subscribe is acknowledged, got %d replies", len(acks))
	}

	conns := h.Connections()
	if len(conns) != 1 || conns[0].Filters != 2 {
		t.Fatalf("expected 2 distinct filters, got %+v", conns)
	}
}

func TestFilterEqual(t *testing.T) {
	a := Filter{Levels: []models.LogLevel{models.LevelError}, Sources: []string{"api"}}
	if !a.Equal(Filter{Levels: []models.LogLevel{models.LevelError}, Sources: []string{"api"}}) {
		t.Error("identical filters should be equal")
	}
	if a.Equal(Filter{Levels: []models.LogLevel{models.LevelError}}) {
		t.Error("different sources should differ")
	}
	if !(Filter{}).Equal(Filter{Levels: []models.LogLevel{}}) {
		t.Error("nil and empty lists are equal")
	}
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	gone := attach(t, h)
	stays := attach(t, h)

	for _, c := range []*Conn{gone, stays} {
		send(t, c, `{"type":"subscribe","channel":"logs","filter":{"levels":["error"]}}`)
		send(t, c, `{"type":"subscribe","channel":"alerts"}`)
		drain(t, c)
	}

	h.remove(gone, ErrConnectionLost)

	if gone.State() != StateClosed {
		t.Errorf("expected closed state, got %s", gone.State())
	}
	if _, ok := h.ConnState(gone.ID()); ok {
		t.Error("removed connection must not be tracked")
	}

	if n := h.BroadcastLog(logEntry(models.LevelError, "after disconnect")); n != 1 {
		t.Errorf("expected only the remaining connection to be reached, got %d", n)
	}
	h.BroadcastAlert(&models.AlertEvent{ID: "a1", RuleID: "r"})

	if len(gone.send) != 0 {
		t.Errorf("closed connection received %d messages", len(gone.send))
	}
	if got := drain(t, stays); len(got) != 2 {
		t.Errorf("remaining connection should get both broadcasts, got %d", len(got))
	}

	// Removing twice is harmless.
	h.remove(gone, nil)
	if h.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", h.Count())
	}
}

func TestConnStateTransitions(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	c := h.newConn(nil, "test")
	if c.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}
	h.register(c)
	if s, ok := h.ConnState(c.ID()); !ok || s != StateOpen {
		t.Fatalf("expected open, got %s", s)
	}

	send(t, c, `{"type":"subscribe","channel":"metrics"}`)
	send(t, c, `{"type":"subscribe","channel":"logs"}`)
	if c.State() != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", c.State())
	}
	send(t, c, `{"type":"unsubscribe","channel":"metrics"}`)
	if c.State() != StateSubscribed {
		t.Fatalf("still subscribed to logs, got %s", c.State())
	}
	send(t, c, `{"type":"unsubscribe","channel":"logs"}`)
	if c.State() != StateOpen {
		t.Fatalf("expected open after last unsubscribe, got %s", c.State())
	}

	acks := drain(t, c)
	if len(acks) != 4 || acks[0].Type != TypeAck || acks[0].Channel != ChannelMetrics {
		t.Errorf("expected 4 acks, got %+v", acks)
	}

	h.BroadcastLog(logEntry(models.LevelInfo, "x"))
	if len(c.send) != 0 {
		t.Error("unsubscribed connection must not receive logs")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	c := attach(t, h)

	send(t, c, `{"type":"ping"}`)
	got := drain(t, c)
	if len(got) != 1 || got[0].Type != TypePong {
		t.Errorf("expected pong, got %+v", got)
	}
}

func TestMalformedMessagesRateLimited(t *testing.T) {
	h := newTestHub(t, Config{ErrorRate: 0.001, ErrorBurst: 2}, nil)
	c := attach(t, h)
	other := attach(t, h)
	send(t, other, `{"type":"subscribe","channel":"logs"}`)
	drain(t, other)

	for i := 0; i < 2; i++ {
		if err := c.handle([]byte(`{"type":"subscribe","channel":"nope"}`)); err != nil {
			t.Fatalf("message %d within budget should not close: %v", i, err)
		}
	}
	got := drain(t, c)
	if len(got) != 2 || got[0].Type != TypeError || !strings.Contains(got[0].Message, "unknown channel") {
		t.Fatalf("expected error replies, got %+v", got)
	}

	err := c.handle([]byte(`not json`))
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected connection to be failed after exceeding the error budget, got %v", err)
	}

	// Other connections are unaffected.
	h.BroadcastLog(logEntry(models.LevelInfo, "still here"))
	if got := drain(t, other); len(got) != 1 {
		t.Errorf("other connection should keep receiving, got %d", len(got))
	}
}

func TestFullQueueDropsForThatConnectionOnly(t *testing.T) {
	h := newTestHub(t, Config{SendBuffer: 1}, nil)
	slow := attach(t, h)
	fast := attach(t, h)
	for _, c := range []*Conn{slow, fast} {
		send(t, c, `{"type":"subscribe","channel":"metrics"}`)
		drain(t, c)
	}

	sample := &models.MetricsSample{Total: 1}
	if n := h.BroadcastMetrics(sample); n != 2 {
		t.Fatalf("expected both connections reached, got %d", n)
	}
	drain(t, fast)

	if n := h.BroadcastMetrics(sample); n != 1 {
		t.Errorf("expected only the drained connection reached, got %d", n)
	}
	if slow.dropped.Load() != 1 {
		t.Errorf("expected 1 dropped message on slow connection, got %d", slow.dropped.Load())
	}
	if fast.dropped.Load() != 0 {
		t.Errorf("fast connection must not drop, got %d", fast.dropped.Load())
	}
}

func TestBroadcastContainersAndAlerts(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	c := attach(t, h)
	errOnly := attach(t, h)
	send(t, c, `{"type":"subscribe","channel":"containers"}`)
	send(t, c, `{"type":"subscribe","channel":"alerts"}`)
	send(t, errOnly, `{"type":"subscribe","channel":"alerts","filter":{"levels":["error"]}}`)
	drain(t, c)
	drain(t, errOnly)

	h.BroadcastContainers([]models.ContainerInfo{{ID: "c1", Name: "web", State: "running"}})
	h.BroadcastAlert(&models.AlertEvent{
		ID:             "a1",
		RuleName:       "errors",
		Severity:       models.SeverityHigh,
		MatchedEntries: []*models.LogEntry{logEntry(models.LevelWarn, "slow")},
	})

	got := drain(t, c)
	if len(got) != 2 || got[0].Type != TypeContainers || got[1].Type != TypeAlert {
		t.Fatalf("unexpected messages %+v", got)
	}
	data, _ := json.Marshal(got[1].Data)
	if !strings.Contains(string(data), `"ruleName":"errors"`) {
		t.Errorf("alert payload missing rule name: %s", data)
	}
	if n := len(drain(t, errOnly)); n != 0 {
		t.Errorf("alert without error entries must not reach an error-only filter, got %d", n)
	}
}

type fakeActions struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeActions) ContainerAction(_ context.Context, id string, action models.ContainerAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(action)+":"+id)
	return f.err
}

func waitMessage(t *testing.T, c *Conn) ServerMessage {
	t.Helper()
	select {
	case payload := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return ServerMessage{}
	}
}

func TestActionMessages(t *testing.T) {
	actions := &fakeActions{}
	h := newTestHub(t, Config{}, actions)
	c := attach(t, h)

	send(t, c, `{"type":"action","id":"req-1","action":"restart","containerId":"c1"}`)
	msg := waitMessage(t, c)
	if msg.Type != TypeAck || msg.ID != "req-1" {
		t.Errorf("expected ack for req-1, got %+v", msg)
	}

	actions.mu.Lock()
	actions.err = errors.New("no such container: c2")
	actions.mu.Unlock()
	send(t, c, `{"type":"action","id":"req-2","action":"stop","containerId":"c2"}`)
	msg = waitMessage(t, c)
	if msg.Type != TypeError || msg.ID != "req-2" || !strings.Contains(msg.Message, "no such container") {
		t.Errorf("expected error for req-2, got %+v", msg)
	}

	actions.mu.Lock()
	calls := append([]string(nil), actions.calls...)
	actions.mu.Unlock()
	if len(calls) != 2 || calls[0] != "restart:c1" || calls[1] != "stop:c2" {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestActionWithoutHandler(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	c := attach(t, h)

	send(t, c, `{"type":"action","id":"x","action":"start","containerId":"c1"}`)
	got := drain(t, c)
	if len(got) != 1 || got[0].Type != TypeError || got[0].ID != "x" {
		t.Errorf("expected error reply, got %+v", got)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeHTTPEndToEnd(t *testing.T) {
	h := newTestHub(t, Config{PingInterval: 50 * time.Millisecond, PongWait: time.Second}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws := dial(t, srv)
	if err := ws.WriteJSON(map[string]any{"type": "subscribe", "channel": "logs", "filter": map[string]any{"levels": []string{"error"}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ws); msg.Type != TypeAck {
		t.Fatalf("expected ack, got %+v", msg)
	}

	h.BroadcastLog(logEntry(models.LevelInfo, "ignored"))
	h.BroadcastLog(logEntry(models.LevelError, "delivered"))
	msg := readMessage(t, ws)
	if msg.Type != TypeLogs || msg.Entries[0].Message != "delivered" {
		t.Fatalf("expected the error entry, got %+v", msg)
	}

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	if msg := readMessage(t, ws); msg.Type != TypeError {
		t.Fatalf("expected error reply, got %+v", msg)
	}
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if msg := readMessage(t, ws); msg.Type != TypePong {
		t.Fatalf("expected pong, got %+v", msg)
	}

	// Server pings arrive while the client keeps reading; the default
	// client ping handler answers them, keeping the connection alive past PongWait.
	ws.SetReadDeadline(time.Now().Add(1500 * time.Millisecond))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("no data message expected")
	}
	if h.Count() != 1 {
		t.Fatal("connection answering pings must stay open")
	}

	ws.Close()
	waitFor(t, func() bool { return h.Count() == 0 }, "connection removal")
}

func TestServeHTTPPongTimeout(t *testing.T) {
	h := newTestHub(t, Config{PingInterval: 20 * time.Millisecond, PongWait: 100 * time.Millisecond}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	dial(t, srv)
	waitFor(t, func() bool { return h.Count() == 1 }, "registration")

	// Without reading, the client never answers pings.
	waitFor(t, func() bool { return h.Count() == 0 }, "pong timeout")
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	h := New(Config{}, nil, testr.New(t))
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws := dial(t, srv)
	waitFor(t, func() bool { return h.Count() == 1 }, "registration")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}

	// New connections are refused after close.
	ws2 := dial(t, srv)
	ws2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws2.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}
