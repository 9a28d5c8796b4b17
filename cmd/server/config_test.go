package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.HTTPAddress != ":8080" || cfg.Storage.Capacity != 10000 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if !cfg.Notifier.RateLimit.Enabled || cfg.Notifier.RateLimit.PerMinute != 10 {
		t.Errorf("rate limiting should be on by default: %+v", cfg.Notifier.RateLimit)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_address: 127.0.0.1:9000
  metrics_address: 127.0.0.1:9001
  metrics_interval: 5s
storage:
  capacity: 500
  sqlite_path: /tmp/rules.db
hub:
  ping_interval: 10s
  pong_wait: 30s
alerting:
  rules_file: rules.yaml
docker:
  enabled: true
collectors:
  - kind: file
    target: /var/log/app.log
    min_level: warn
  - kind: container
    source_id: web
    target: 3f2a
notifier:
  rate_limit:
    per_minute: 30
  slack:
    - webhook_url: https://hooks.slack.com/services/T/B/X
      min_severity: high
ownership:
  alice: [web]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.MetricsInterval != 5*time.Second || cfg.Server.ContainersInterval != 5*time.Second {
		t.Errorf("unexpected intervals %+v", cfg.Server)
	}
	if cfg.Docker.Host == "" {
		t.Error("docker host should default when enabled")
	}
	if cfg.Collectors[0].SourceID != "/var/log/app.log" {
		t.Errorf("source id should default to target, got %q", cfg.Collectors[0].SourceID)
	}
	if rl := cfg.Notifier.RateLimit; rl.PerMinute != 30 || !rl.Enabled {
		t.Errorf("partial rate limit should keep defaults: %+v", rl)
	}

	sc := cfg.ServerConfig()
	if sc.API.Address != "127.0.0.1:9000" || sc.MetricsAddress != "127.0.0.1:9001" {
		t.Errorf("unexpected addresses %+v", sc)
	}
	if sc.StorageCapacity != 500 || sc.SQLitePath != "/tmp/rules.db" || sc.RulesFile != "rules.yaml" {
		t.Errorf("unexpected storage settings %+v", sc)
	}
	if sc.DockerHost == "" || len(sc.Collectors) != 2 || len(sc.Slack) != 1 {
		t.Errorf("unexpected components %+v", sc)
	}
	if sc.Alerting.Visibility == nil || !sc.Alerting.Visibility.CanView("alice", &models.LogEntry{SourceID: "web"}) {
		t.Error("ownership should grant alice visibility of web")
	}
}

func TestLoadConfigDisablesRateLimit(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "notifier:\n  rate_limit:\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notifier.RateLimit.Enabled {
		t.Error("rate limiting should be disabled")
	}
}

func TestSlackWebhookFromEnv(t *testing.T) {
	t.Setenv(slackWebhookEnv, "https://hooks.slack.com/services/T/B/ENV")
	cfg := DefaultConfig()
	if len(cfg.Notifier.Slack) != 1 || cfg.Notifier.Slack[0].WebhookURL != "https://hooks.slack.com/services/T/B/ENV" {
		t.Errorf("expected env webhook, got %+v", cfg.Notifier.Slack)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"same addresses", "server:\n  http_address: :8080\n  metrics_address: :8080\n", "metrics_address"},
		{"tls without cert", "server:\n  tls:\n    enabled: true\n    key_file: k.pem\n", "cert_file"},
		{"ping above pong", "hub:\n  ping_interval: 60s\n  pong_wait: 30s\n", "ping_interval"},
		{"container without docker", "collectors:\n  - kind: container\n    target: abc\n", "docker.enabled"},
		{"bad collector kind", "collectors:\n  - kind: socket\n    target: abc\n", "collectors[0]"},
		{"plain http webhook", "notifier:\n  slack:\n    - webhook_url: http://example.com/hook\n", "notifier.slack[0]"},
		{"bad duration", "server:\n  metrics_interval: soon\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}
