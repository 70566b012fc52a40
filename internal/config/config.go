// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Server         ServerConfig      `yaml:"server"`
	Webhook        WebhookConfig     `yaml:"webhook"`
	Agents         []AgentConfig     `yaml:"agents"`
	Correlation    CorrelationConfig `yaml:"correlation"`
	Sessions       SessionsConfig    `yaml:"sessions"`
	Classifier     ClassifierConfig  `yaml:"classifier"`
	Notify         NotifyConfig      `yaml:"notify"`
	Audit          AuditConfig       `yaml:"audit"`
	ProviderAPIKey string            `yaml:"provider_api_key"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port              int           `yaml:"port" envconfig:"port"`
	PublicURL         string        `yaml:"public_url" envconfig:"public_url"` // realtime endpoint handed to clients
	AllowedOrigins    []string      `yaml:"allowed_origins" envconfig:"allowed_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" envconfig:"read_header_timeout"`
}

// WebhookConfig holds settings for the inbound provider callback endpoint.
type WebhookConfig struct {
	Secret          string `yaml:"secret" envconfig:"secret"`
	SignatureHeader string `yaml:"signature_header" envconfig:"signature_header"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes" envconfig:"max_body_bytes"`
}

// AgentConfig is one entry of the agent registry clients pick from when
// creating a session.
type AgentConfig struct {
	Key     string `yaml:"key"`
	AgentID string `yaml:"agent_id"`
	Name    string `yaml:"name"`
	Role    string `yaml:"role"`
}

// CorrelationConfig tunes the fallback matching of callbacks to sessions.
type CorrelationConfig struct {
	RecencyWindow time.Duration `yaml:"recency_window"`
}

// SessionsConfig controls session lifecycle behavior.
type SessionsConfig struct {
	StrictTransitions bool          `yaml:"strict_transitions"`
	ReapSchedule      string        `yaml:"reap_schedule"` // 5-field cron, empty disables reaping
	MaxAge            time.Duration `yaml:"max_age"`
}

// ClassifierConfig holds settings for the stage-classification service.
type ClassifierConfig struct {
	Enabled bool          `yaml:"enabled" envconfig:"enabled"`
	APIBase string        `yaml:"api_base" envconfig:"api_base"`
	APIKey  string        `yaml:"api_key" envconfig:"api_key"`
	Model   string        `yaml:"model" envconfig:"model"`
	Timeout time.Duration `yaml:"timeout" envconfig:"timeout"`
}

// NotifyConfig groups outbound call-summary notification targets.
type NotifyConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig holds Slack bot credentials for call-summary posts.
type SlackConfig struct {
	BotToken  string        `yaml:"bot_token" envconfig:"bot_token"`
	ChannelID string        `yaml:"channel_id" envconfig:"channel_id"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"timeout"`
}

// AuditConfig controls the webhook audit log. The sqlite driver uses Path;
// the mysql driver connects to Host:Port/Database as User.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"enabled"`
	Driver   string `yaml:"driver" envconfig:"driver"`
	Path     string `yaml:"path" envconfig:"path"`
	Host     string `yaml:"host" envconfig:"host"`
	Port     int    `yaml:"port" envconfig:"port"`
	User     string `yaml:"user" envconfig:"user"`
	Password string `yaml:"password" envconfig:"password"`
	Database string `yaml:"database" envconfig:"database"`
}

// Audit database drivers.
const (
	AuditDriverSQLite = "sqlite"
	AuditDriverMySQL  = "mysql"
)

// Defaults for optional settings.
const (
	DefaultPort            = 5000
	DefaultSignatureHeader = "elevenlabs-signature"
	DefaultMaxBodyBytes    = 2 << 20
	DefaultRecencyWindow   = 300 * time.Second
	DefaultClassifierModel = "gpt-4o-mini"
	DefaultClassifierBase  = "https://api.openai.com/v1"
	DefaultCollabTimeout   = 60 * time.Second
	DefaultAuditPath       = "switchboard.db"
	DefaultAuditHost       = "127.0.0.1"
	DefaultAuditPort       = 3306
	DefaultAuditUser       = "root"
	DefaultAuditDatabase   = "switchboard"
	DefaultMaxSessionAge   = 24 * time.Hour
)

// Load reads a YAML config file from path and returns a validated Config.
// Environment variables prefixed SWITCHBOARD_ override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, true)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	return parse(data, false)
}

func parse(data []byte, withEnv bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if withEnv {
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers SWITCHBOARD_* environment variables over the file values.
func (c *Config) applyEnv() error {
	targets := []struct {
		prefix string
		dst    any
	}{
		{"SWITCHBOARD_SERVER", &c.Server},
		{"SWITCHBOARD_WEBHOOK", &c.Webhook},
		{"SWITCHBOARD_CLASSIFIER", &c.Classifier},
		{"SWITCHBOARD_SLACK", &c.Notify.Slack},
		{"SWITCHBOARD_AUDIT", &c.Audit},
	}
	for _, t := range targets {
		if err := envconfig.Process(t.prefix, t.dst); err != nil {
			return fmt.Errorf("config: env %s: %w", t.prefix, err)
		}
	}
	if v, ok := os.LookupEnv("SWITCHBOARD_PROVIDER_API_KEY"); ok {
		c.ProviderAPIKey = v
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("ws://localhost:%d/ws", c.Server.Port)
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Webhook.SignatureHeader == "" {
		c.Webhook.SignatureHeader = DefaultSignatureHeader
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Correlation.RecencyWindow == 0 {
		c.Correlation.RecencyWindow = DefaultRecencyWindow
	}
	if c.Sessions.MaxAge == 0 {
		c.Sessions.MaxAge = DefaultMaxSessionAge
	}
	if c.Classifier.APIBase == "" {
		c.Classifier.APIBase = DefaultClassifierBase
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = DefaultClassifierModel
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = DefaultCollabTimeout
	}
	if c.Notify.Slack.Timeout == 0 {
		c.Notify.Slack.Timeout = DefaultCollabTimeout
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = AuditDriverSQLite
	}
	if c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath
	}
	if c.Audit.Driver == AuditDriverMySQL {
		if c.Audit.Host == "" {
			c.Audit.Host = DefaultAuditHost
		}
		if c.Audit.Port == 0 {
			c.Audit.Port = DefaultAuditPort
		}
		if c.Audit.User == "" {
			c.Audit.User = DefaultAuditUser
		}
		if c.Audit.Database == "" {
			c.Audit.Database = DefaultAuditDatabase
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		errs = append(errs, "webhook.secret is required")
	}
	if c.Webhook.MaxBodyBytes < 0 {
		errs = append(errs, "webhook.max_body_bytes must be positive")
	}
	if len(c.Agents) == 0 {
		errs = append(errs, "at least one agent is required")
	}
	keys := make(map[string]bool)
	ids := make(map[string]bool)
	for i, a := range c.Agents {
		if a.Key == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].key is required", i))
		} else if keys[a.Key] {
			errs = append(errs, fmt.Sprintf("agents[%d].key %q is duplicated", i, a.Key))
		}
		if a.AgentID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].agent_id is required", i))
		} else if ids[a.AgentID] {
			errs = append(errs, fmt.Sprintf("agents[%d].agent_id %q is duplicated", i, a.AgentID))
		}
		keys[a.Key] = true
		ids[a.AgentID] = true
	}
	if c.Correlation.RecencyWindow < 0 {
		errs = append(errs, "correlation.recency_window must be positive")
	}
	if c.Sessions.ReapSchedule != "" {
		if _, err := CronParser.Parse(c.Sessions.ReapSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("sessions.reap_schedule: %v", err))
		}
	}
	if c.Classifier.Enabled && c.Classifier.APIKey == "" {
		errs = append(errs, "classifier.api_key is required when classifier is enabled")
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required with a bot token")
	}
	if c.Audit.Driver != AuditDriverSQLite && c.Audit.Driver != AuditDriverMySQL {
		errs = append(errs, fmt.Sprintf("audit.driver %q must be sqlite or mysql", c.Audit.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Agent looks up a registry entry by its client-facing key.
func (c *Config) Agent(key string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Key == key {
			return a, true
		}
	}
	return AgentConfig{}, false
}
