// Package config loads the optional YAML configuration file with settings too
// nested for command line flags: announcement destinations and poll overrides.
// Flags and env remain the primary configuration surface, the file only fills
// the structured parts.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the YAML file layout
type Config struct {
	PollSchedule string `yaml:"poll_schedule,omitempty" json:"poll_schedule,omitempty" jsonschema:"description=cron schedule for status polls (e.g. '@every 2s')"`
	Notify       Notify `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// Notify holds announcement destinations
type Notify struct {
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"description=delivery timeout per destination"`
	Webhooks []string      `yaml:"webhooks,omitempty" json:"webhooks,omitempty" jsonschema:"description=webhook urls to post announcements to"`
	Slack    Slack         `yaml:"slack,omitempty" json:"slack,omitempty"`
	Telegram Telegram      `yaml:"telegram,omitempty" json:"telegram,omitempty"`
	Email    Email         `yaml:"email,omitempty" json:"email,omitempty"`
}

// Slack defines slack destinations
type Slack struct {
	Token    string   `yaml:"token,omitempty" json:"token,omitempty"`
	Channels []string `yaml:"channels,omitempty" json:"channels,omitempty"`
}

// Telegram defines telegram destinations
type Telegram struct {
	Token        string   `yaml:"token,omitempty" json:"token,omitempty"`
	Destinations []string `yaml:"destinations,omitempty" json:"destinations,omitempty"`
}

// Email defines smtp delivery settings
type Email struct {
	Host     string   `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int      `yaml:"port,omitempty" json:"port,omitempty"`
	TLS      bool     `yaml:"tls,omitempty" json:"tls,omitempty"`
	Username string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
	From     string   `yaml:"from,omitempty" json:"from,omitempty"`
	To       []string `yaml:"to,omitempty" json:"to,omitempty"`
}

// Load reads and validates the config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // nolint gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := Verify(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Verify checks the config for values the schema can't express
func Verify(cfg *Config) error {
	if cfg.PollSchedule != "" {
		if _, err := cron.ParseStandard(cfg.PollSchedule); err != nil {
			return fmt.Errorf("invalid poll_schedule %q: %w", cfg.PollSchedule, err)
		}
	}

	for i, wh := range cfg.Notify.Webhooks {
		u, err := url.Parse(wh)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook %d: invalid url %q", i+1, wh)
		}
	}

	if cfg.Notify.Slack.Token == "" && len(cfg.Notify.Slack.Channels) > 0 {
		return fmt.Errorf("slack channels configured without a token")
	}
	if cfg.Notify.Telegram.Token == "" && len(cfg.Notify.Telegram.Destinations) > 0 {
		return fmt.Errorf("telegram destinations configured without a token")
	}

	if cfg.Notify.Email.Host != "" {
		if cfg.Notify.Email.Port <= 0 || cfg.Notify.Email.Port > 65535 {
			return fmt.Errorf("email port %d out of bounds", cfg.Notify.Email.Port)
		}
		if len(cfg.Notify.Email.To) == 0 {
			return fmt.Errorf("email host configured without recipients")
		}
	}

	return nil
}

// GenerateSchema generates a JSON schema for the Config struct
func GenerateSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}
