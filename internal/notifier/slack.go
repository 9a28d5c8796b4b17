package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// SlackConfig holds Slack-compatible incoming webhook configuration.
type SlackConfig struct {
	Name        string          `yaml:"name"`         // Notifier name (default: "slack")
	WebhookURL  string          `yaml:"webhook_url"`  // Incoming webhook URL
	MinSeverity models.Severity `yaml:"min_severity"` // Events below this severity are skipped
	MaxRetries  int             `yaml:"max_retries"`  // Retries on 5xx or transport errors (default: 2)
}

// Validate validates the Slack configuration.
func (c *SlackConfig) Validate() error {
	if c.WebhookURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("webhook URL must use HTTPS")
	}
	if c.MinSeverity != "" && severityRank(c.MinSeverity) == 0 {
		return fmt.Errorf("unknown min severity %q", c.MinSeverity)
	}
	return nil
}

// SlackNotifier posts alerts to a Slack-compatible webhook.
type SlackNotifier struct {
	config     SlackConfig
	httpClient *http.Client
	retryWait  time.Duration
}

// NewSlackNotifier creates a new Slack notifier.
func NewSlackNotifier(config SlackConfig) (*SlackNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slack config: %w", err)
	}
	if config.Name == "" {
		config.Name = "slack"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}

	return &SlackNotifier{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryWait: 500 * time.Millisecond,
	}, nil
}

// Name returns the configured notifier name.
func (s *SlackNotifier) Name() string {
	if s.config.Name == "" {
		return "slack"
	}
	return s.config.Name
}

// Send posts event to the webhook, retrying transient failures. Events
// below the configured minimum severity are skipped.
func (s *SlackNotifier) Send(ctx context.Context, event *models.AlertEvent) error {
	if s.config.MinSeverity != "" && severityRank(event.Severity) < severityRank(s.config.MinSeverity) {
		return nil
	}

	body, err := json.Marshal(buildPayload(event))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryWait
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.MaxRetries)), ctx)

	return backoff.Retry(func() error { return s.post(ctx, body) }, policy)
}

func (s *SlackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("webhook error: status %d, body: %s", resp.StatusCode, string(msg))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return backoff.Permanent(err)
}

// Close is a no-op for Slack notifier.
func (s *SlackNotifier) Close() error {
	return nil
}

// slackMessage represents the Slack webhook payload.
type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

// slackText represents text in Slack Block Kit.
type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func mrkdwn(format string, args ...any) slackText {
	return slackText{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

// buildPayload renders event as Block Kit. Text is the fallback for
// clients that ignore blocks.
func buildPayload(event *models.AlertEvent) slackMessage {
	emoji := severityEmoji(event.Severity)
	title := fmt.Sprintf("%s logpulse alert: %s", emoji, event.RuleName)

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title, Emoji: true}},
		{Type: "section", Fields: []slackText{
			mrkdwn("*Severity:*\n%s %s", emoji, strings.ToUpper(string(event.Severity))),
			mrkdwn("*Time:*\n%s", event.TriggeredAt.Format("2006-01-02 15:04:05 MST")),
		}},
		{Type: "section", Text: ptr(mrkdwn("*Message:*\n%s", event.Message))},
	}

	if event.Count > 0 {
		blocks = append(blocks, slackBlock{Type: "section", Fields: []slackText{
			mrkdwn("*Count:*\n%d", event.Count),
			mrkdwn("*Matched entries:*\n%d", len(event.MatchedEntries)),
		}})
	}

	if n := len(event.MatchedEntries); n > 0 {
		entry := event.MatchedEntries[n-1]
		text := fmt.Sprintf("```%s [%s] %s```",
			entry.Timestamp.Format("15:04:05"),
			strings.ToUpper(string(entry.Level)),
			truncate(entry.Message, 200))
		if entry.SourceID != "" {
			text = fmt.Sprintf("*Source:* `%s/%s`\n%s", entry.Source, entry.SourceID, text)
		}
		blocks = append(blocks, slackBlock{Type: "section", Text: ptr(mrkdwn("%s", text))})
	}

	ctxText := fmt.Sprintf("Rule: %s", event.RuleID)
	if event.Scope == models.ScopeUser {
		ctxText += fmt.Sprintf(" (user %s)", event.UserID)
	}
	blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{mrkdwn("%s", ctxText)}})

	return slackMessage{Text: fmt.Sprintf("%s: %s", event.RuleName, event.Message), Blocks: blocks}
}

func ptr[T any](v T) *T { return &v }

// severityRank orders severities; unknown values rank 0.
func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityLow:
		return 1
	case models.SeverityMedium:
		return 2
	case models.SeverityHigh:
		return 3
	case models.SeverityCritical:
		return 4
	default:
		return 0
	}
}

// severityEmoji returns an emoji for the severity level.
func severityEmoji(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "\U0001F534" // red circle
	case models.SeverityHigh:
		return "\U0001F7E0" // orange circle
	case models.SeverityMedium:
		return "\U0001F7E1" // yellow circle
	case models.SeverityLow:
		return "\U0001F7E2" // green circle
	default:
		return "⚪" // white circle
	}
}

// truncate truncates a string to max length with ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
