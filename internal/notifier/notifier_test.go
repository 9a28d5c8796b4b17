package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// fakeNotifier records events and can be configured to fail.
type fakeNotifier struct {
	name      string
	shouldErr bool

	mu     sync.Mutex
	events []*models.AlertEvent
	closed bool
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(_ context.Context, event *models.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.shouldErr {
		return errors.New("send failed")
	}
	return nil
}

func (f *fakeNotifier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testEvent(name string) *models.AlertEvent {
	return &models.AlertEvent{
		ID:          "evt-" + name,
		RuleID:      "rule-1",
		RuleName:    name,
		Severity:    models.SeverityHigh,
		Message:     "Keyword match: error",
		TriggeredAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Scope:       models.ScopeGlobal,
	}
}

func TestDispatchSendsToEveryNotifier(t *testing.T) {
	d := NewDispatcher(Config{}, testr.New(t))
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	d.Register(a)
	d.Register(b)

	if err := d.Dispatch(context.Background(), testEvent("errors")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected one send each, got a=%d b=%d", a.count(), b.count())
	}
	if names := d.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestDispatchJoinsErrors(t *testing.T) {
	d := NewDispatcher(Config{}, testr.New(t))
	ok := &fakeNotifier{name: "ok"}
	bad := &fakeNotifier{name: "bad", shouldErr: true}
	d.Register(ok)
	d.Register(bad)

	err := d.Dispatch(context.Background(), testEvent("errors"))
	if err == nil {
		t.Fatal("expected error from failing notifier")
	}
	if ok.count() != 1 {
		t.Error("a failing notifier must not prevent delivery to the others")
	}
}

func TestDispatchRateLimited(t *testing.T) {
	cfg := Config{RateLimit: RateLimitConfig{PerMinute: 1, Burst: 2, Enabled: true}}
	d := NewDispatcher(cfg, testr.New(t))
	n := &fakeNotifier{name: "n"}
	d.Register(n)

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(context.Background(), testEvent("burst")); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if err := d.Dispatch(context.Background(), testEvent("over")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if n.count() != 2 {
		t.Errorf("expected 2 sends, got %d", n.count())
	}
	if stats := d.RateLimitStats(); stats.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", stats.Dropped)
	}
}

func TestDispatchWithoutNotifiersSkipsRateLimit(t *testing.T) {
	cfg := Config{RateLimit: RateLimitConfig{PerMinute: 1, Burst: 1, Enabled: true}}
	d := NewDispatcher(cfg, testr.New(t))
	for i := 0; i < 3; i++ {
		if err := d.Dispatch(context.Background(), testEvent("none")); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if stats := d.RateLimitStats(); stats.Dropped != 0 {
		t.Errorf("expected no drops, got %d", stats.Dropped)
	}
}

func TestNotifyAndRun(t *testing.T) {
	d := NewDispatcher(Config{QueueSize: 1}, testr.New(t))
	n := &fakeNotifier{name: "n"}
	d.Register(n)

	if !d.Notify(testEvent("first")) {
		t.Fatal("first event should be queued")
	}
	if d.Notify(testEvent("second")) {
		t.Fatal("a full queue must drop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for n.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if n.count() != 1 || n.events[0].RuleName != "first" {
		t.Errorf("expected the queued event to be delivered, got %d", n.count())
	}
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher(Config{}, testr.New(t))
	n := &fakeNotifier{name: "n"}
	d.Register(n)

	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !n.closed {
		t.Error("expected notifier to be closed")
	}
	if _, ok := d.Get("n"); ok {
		t.Error("expected notifiers to be cleared")
	}
}
