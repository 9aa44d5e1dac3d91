// Package config provides YAML-based configuration loading for Concourse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Concourse configuration, loaded from config.yaml.
type Config struct {
	Merchant  string          `yaml:"merchant"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Notify    NotifyConfig    `yaml:"notify"`
	Agents    AgentsConfig    `yaml:"agents"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// TransportConfig tunes the durable queue.
type TransportConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	RedeliveryLease Duration `yaml:"redelivery_lease"`
	MaxAttempts     int      `yaml:"max_attempts"`
	SweepSchedule   string   `yaml:"sweep_schedule"` // cron expression
}

// WorkflowConfig tunes the orchestrator engine.
type WorkflowConfig struct {
	StepTimeout    Duration `yaml:"step_timeout"`
	MaxWorkflowAge Duration `yaml:"max_workflow_age"`
	Retention      Duration `yaml:"retention"`
	ReapSchedule   string   `yaml:"reap_schedule"` // cron expression
}

// DashboardConfig configures the status HTTP server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// NotifyConfig configures best-effort workflow notifications.
type NotifyConfig struct {
	Command string        `yaml:"command"` // shell template, e.g. "notify-send 'Concourse' '{{.Kind}}'"
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack API credentials for notifications.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot credentials for notifications.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// AgentsConfig names the agent identities and the unknown-action policy.
type AgentsConfig struct {
	FlightID            string `yaml:"flight_id"`
	PaymentID           string `yaml:"payment_id"`
	OrchestratorID      string `yaml:"orchestrator_id"`
	UnknownActionPolicy string `yaml:"unknown_action_policy"` // "drop" or "deadletter"
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, suitable for local
// development without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Merchant == "" {
		c.Merchant = "travel_assistant"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "concourse.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "concourse"
	}
	if c.Transport.PollInterval <= 0 {
		c.Transport.PollInterval = Duration(250 * time.Millisecond)
	}
	if c.Transport.RedeliveryLease <= 0 {
		c.Transport.RedeliveryLease = Duration(30 * time.Second)
	}
	if c.Transport.MaxAttempts <= 0 {
		c.Transport.MaxAttempts = 5
	}
	if c.Transport.SweepSchedule == "" {
		c.Transport.SweepSchedule = "@every 10s"
	}
	if c.Workflow.StepTimeout <= 0 {
		c.Workflow.StepTimeout = Duration(30 * time.Second)
	}
	if c.Workflow.MaxWorkflowAge <= 0 {
		c.Workflow.MaxWorkflowAge = Duration(10 * time.Minute)
	}
	if c.Workflow.Retention <= 0 {
		c.Workflow.Retention = Duration(time.Hour)
	}
	if c.Workflow.ReapSchedule == "" {
		c.Workflow.ReapSchedule = "@every 1m"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Agents.FlightID == "" {
		c.Agents.FlightID = "flight_agent"
	}
	if c.Agents.PaymentID == "" {
		c.Agents.PaymentID = "payment_agent"
	}
	if c.Agents.OrchestratorID == "" {
		c.Agents.OrchestratorID = "orchestrator"
	}
	if c.Agents.UnknownActionPolicy == "" {
		c.Agents.UnknownActionPolicy = "drop"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Driver == "mysql" && c.Database.User == "" {
		errs = append(errs, "database.user is required for mysql")
	}
	switch c.Agents.UnknownActionPolicy {
	case "drop", "deadletter":
	default:
		errs = append(errs, fmt.Sprintf("agents.unknown_action_policy %q is not supported", c.Agents.UnknownActionPolicy))
	}
	if ids := []string{c.Agents.FlightID, c.Agents.PaymentID, c.Agents.OrchestratorID}; ids[0] == ids[1] || ids[0] == ids[2] || ids[1] == ids[2] {
		errs = append(errs, "agent ids must be distinct")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
