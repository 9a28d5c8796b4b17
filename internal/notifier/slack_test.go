package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

func TestSlackConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  SlackConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty config",
			config:  SlackConfig{},
			wantErr: true,
			errMsg:  "webhook URL is required",
		},
		{
			name:    "http URL rejected",
			config:  SlackConfig{WebhookURL: "http://hooks.slack.com/services/xxx"},
			wantErr: true,
			errMsg:  "webhook URL must use HTTPS",
		},
		{
			name:    "bad severity",
			config:  SlackConfig{WebhookURL: "https://hooks.slack.com/services/xxx", MinSeverity: "urgent"},
			wantErr: true,
			errMsg:  "unknown min severity",
		},
		{
			name:   "valid config",
			config: SlackConfig{WebhookURL: "https://hooks.slack.com/services/T00/B00/xxx", MinSeverity: models.SeverityHigh},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewSlackNotifierDefaults(t *testing.T) {
	n, err := NewSlackNotifier(SlackConfig{WebhookURL: "https://hooks.example.com/x"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n.Name() != "slack" {
		t.Errorf("Name() = %q, want slack", n.Name())
	}
	if n.config.MaxRetries != 2 {
		t.Errorf("expected 2 retries, got %d", n.config.MaxRetries)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
}

// newTestSlack returns a notifier posting to handler over TLS.
func newTestSlack(t *testing.T, cfg SlackConfig, handler http.HandlerFunc) *SlackNotifier {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	cfg.WebhookURL = server.URL
	n, err := NewSlackNotifier(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n.httpClient = server.Client()
	n.retryWait = time.Millisecond
	return n
}

func TestSlackNotifierSend(t *testing.T) {
	var received slackMessage
	n := newTestSlack(t, SlackConfig{Name: "ops"}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("failed to unmarshal payload: %v", err)
		}
		w.Write([]byte("ok"))
	})

	event := testEvent("Error Burst")
	event.Count = 5
	event.MatchedEntries = []*models.LogEntry{{
		Timestamp: time.Date(2024, 1, 15, 10, 29, 59, 0, time.UTC),
		Source:    models.SourceContainer,
		SourceID:  "c1",
		Level:     models.LevelError,
		Message:   "Database connection failed",
	}}

	if err := n.Send(context.Background(), event); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if n.Name() != "ops" {
		t.Errorf("Name() = %q, want ops", n.Name())
	}

	if len(received.Blocks) < 5 {
		t.Fatalf("expected at least 5 blocks, got %d", len(received.Blocks))
	}
	header := received.Blocks[0]
	if header.Type != "header" || header.Text == nil || !strings.Contains(header.Text.Text, "Error Burst") {
		t.Errorf("unexpected header %+v", header)
	}
	if !strings.Contains(received.Text, "Keyword match") {
		t.Errorf("fallback text missing message: %q", received.Text)
	}

	found := false
	for _, block := range received.Blocks {
		if block.Text != nil && strings.Contains(block.Text.Text, "Database connection failed") &&
			strings.Contains(block.Text.Text, "container/c1") {
			found = true
		}
	}
	if !found {
		t.Error("matched entry not found in payload")
	}
}

func TestSlackNotifierSkipsBelowMinSeverity(t *testing.T) {
	var calls atomic.Int32
	n := newTestSlack(t, SlackConfig{MinSeverity: models.SeverityCritical}, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	if err := n.Send(context.Background(), testEvent("high")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no webhook call, got %d", calls.Load())
	}
}

func TestSlackNotifierRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"server error retried", http.StatusBadGateway, 3},
		{"throttled retried", http.StatusTooManyRequests, 3},
		{"client error not retried", http.StatusBadRequest, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			n := newTestSlack(t, SlackConfig{MaxRetries: 2}, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.status)
			})

			err := n.Send(context.Background(), testEvent("retry"))
			if err == nil || !strings.Contains(err.Error(), "webhook error") {
				t.Fatalf("expected webhook error, got %v", err)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls.Load())
			}
		})
	}
}

func TestSlackNotifierRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	n := newTestSlack(t, SlackConfig{}, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := n.Send(context.Background(), testEvent("flaky")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity models.Severity
		want     string
	}{
		{models.SeverityCritical, "\U0001F534"},
		{models.SeverityHigh, "\U0001F7E0"},
		{models.SeverityMedium, "\U0001F7E1"},
		{models.SeverityLow, "\U0001F7E2"},
	}
	for _, tt := range tests {
		if got := severityEmoji(tt.severity); got != tt.want {
			t.Errorf("severityEmoji(%s) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate long = %q", got)
	}
}
