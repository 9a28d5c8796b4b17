// Package main provides the logpulse server CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/logpulse/internal/alerting"
	"github.com/good-yellow-bee/logpulse/internal/api"
	"github.com/good-yellow-bee/logpulse/internal/api/logs"
	"github.com/good-yellow-bee/logpulse/internal/collector"
	"github.com/good-yellow-bee/logpulse/internal/hub"
	"github.com/good-yellow-bee/logpulse/internal/manager"
	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/notifier"
	"github.com/good-yellow-bee/logpulse/internal/server"
	"github.com/good-yellow-bee/logpulse/internal/storage"
)

// slackWebhookEnv adds a Slack notifier without putting the URL in the file.
const slackWebhookEnv = "LOGPULSE_SLACK_WEBHOOK_URL"

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Storage    StorageConfig            `yaml:"storage"`
	Hub        hub.Config               `yaml:"hub"`
	Manager    manager.Config           `yaml:"manager"`
	Alerting   AlertingConfig           `yaml:"alerting"`
	Docker     DockerConfig             `yaml:"docker"`
	Collectors []manager.SourceSpec     `yaml:"collectors"`
	Notifier   NotifierConfig           `yaml:"notifier"`
	Ownership  alerting.SourceOwnership `yaml:"ownership"` // user id -> source ids
	Verbose    bool                     `yaml:"-"`         // set via CLI flag
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	HTTPAddress        string            `yaml:"http_address"`    // API and websocket address (default: :8080)
	MetricsAddress     string            `yaml:"metrics_address"` // Prometheus address, empty disables
	RateLimitPerIP     int               `yaml:"rate_limit_per_ip"`
	ShutdownTimeout    time.Duration     `yaml:"shutdown_timeout"`
	MetricsInterval    time.Duration     `yaml:"metrics_interval"`
	ContainersInterval time.Duration     `yaml:"containers_interval"`
	Stream             logs.StreamConfig `yaml:"stream"`
	TLS                TLSConfig         `yaml:"tls"`
}

// TLSConfig contains HTTPS settings for the API listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig contains log buffer and rule database settings.
type StorageConfig struct {
	Capacity   int    `yaml:"capacity"`    // entries kept in memory (default: 10000)
	SQLitePath string `yaml:"sqlite_path"` // rule database, empty keeps rules in memory
}

// AlertingConfig contains alert engine settings.
type AlertingConfig struct {
	RulesFile       string        `yaml:"rules_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	AlertBuffer     int           `yaml:"alert_buffer"`
}

// DockerConfig contains container runtime settings.
type DockerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"` // default: unix:///var/run/docker.sock
}

// NotifierConfig contains alert notification settings.
type NotifierConfig struct {
	RateLimit   notifier.RateLimitConfig `yaml:"rate_limit"`
	QueueSize   int                      `yaml:"queue_size"`
	SendTimeout time.Duration            `yaml:"send_timeout"`
	Slack       []notifier.SlackConfig   `yaml:"slack"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := baseConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := baseConfig()
	cfg.setDefaults()
	return &cfg
}

// baseConfig holds defaults that a zero value cannot express, such as
// rate limiting being on unless the file turns it off.
func baseConfig() Config {
	return Config{Notifier: NotifierConfig{RateLimit: notifier.DefaultRateLimitConfig()}}
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.MetricsInterval == 0 {
		c.Server.MetricsInterval = 2 * time.Second
	}
	if c.Server.ContainersInterval == 0 {
		c.Server.ContainersInterval = 5 * time.Second
	}
	if c.Storage.Capacity == 0 {
		c.Storage.Capacity = storage.DefaultCapacity
	}
	if c.Alerting.RefreshInterval == 0 {
		c.Alerting.RefreshInterval = time.Minute
	}
	if c.Alerting.AlertBuffer == 0 {
		c.Alerting.AlertBuffer = 100
	}
	if c.Docker.Enabled && c.Docker.Host == "" {
		c.Docker.Host = collector.DefaultDockerHost
	}

	def := notifier.DefaultConfig()
	if c.Notifier.QueueSize == 0 {
		c.Notifier.QueueSize = def.QueueSize
	}
	if c.Notifier.SendTimeout == 0 {
		c.Notifier.SendTimeout = def.SendTimeout
	}
	if url := os.Getenv(slackWebhookEnv); url != "" {
		c.Notifier.Slack = append(c.Notifier.Slack, notifier.SlackConfig{Name: "slack-env", WebhookURL: url})
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPAddress == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if c.Server.HTTPAddress == c.Server.MetricsAddress {
		return fmt.Errorf("server.metrics_address must differ from server.http_address")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}
	if c.Storage.Capacity < 0 {
		return fmt.Errorf("storage.capacity must be positive")
	}
	if c.Hub.PingInterval > 0 && c.Hub.PongWait > 0 && c.Hub.PingInterval >= c.Hub.PongWait {
		return fmt.Errorf("hub.ping_interval must be below hub.pong_wait")
	}
	if c.Alerting.RefreshInterval < 0 {
		return fmt.Errorf("alerting.refresh_interval must not be negative")
	}
	for i := range c.Collectors {
		if c.Collectors[i].Kind == models.SourceContainer && !c.Docker.Enabled {
			return fmt.Errorf("collectors[%d]: container sources require docker.enabled", i)
		}
		if err := c.Collectors[i].Validate(); err != nil {
			return fmt.Errorf("collectors[%d]: %w", i, err)
		}
	}
	for i := range c.Notifier.Slack {
		if err := c.Notifier.Slack[i].Validate(); err != nil {
			return fmt.Errorf("notifier.slack[%d]: %w", i, err)
		}
	}
	return nil
}

// ServerConfig converts the file layout into the application config.
func (c *Config) ServerConfig() server.Config {
	apiCfg := api.Config{
		Address:         c.Server.HTTPAddress,
		RateLimitPerIP:  c.Server.RateLimitPerIP,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		Stream:          c.Server.Stream,
	}
	if c.Server.TLS.Enabled {
		apiCfg.TLSCertFile = c.Server.TLS.CertFile
		apiCfg.TLSKeyFile = c.Server.TLS.KeyFile
	}

	opts := alerting.DefaultOptions()
	opts.RefreshInterval = c.Alerting.RefreshInterval
	opts.AlertBufferSize = c.Alerting.AlertBuffer
	if len(c.Ownership) > 0 {
		opts.Visibility = c.Ownership
	}

	cfg := server.Config{
		API:                apiCfg,
		MetricsAddress:     c.Server.MetricsAddress,
		StorageCapacity:    c.Storage.Capacity,
		SQLitePath:         c.Storage.SQLitePath,
		Hub:                c.Hub,
		Manager:            c.Manager,
		Alerting:           opts,
		RulesFile:          c.Alerting.RulesFile,
		Collectors:         c.Collectors,
		Notifier:           notifier.Config{RateLimit: c.Notifier.RateLimit, QueueSize: c.Notifier.QueueSize, SendTimeout: c.Notifier.SendTimeout},
		Slack:              c.Notifier.Slack,
		MetricsInterval:    c.Server.MetricsInterval,
		ContainersInterval: c.Server.ContainersInterval,
	}
	if c.Docker.Enabled {
		cfg.DockerHost = c.Docker.Host
	}
	return cfg
}
