// Package config provides YAML-based configuration loading for ZapDesk.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ZapDesk configuration, loaded from zapdesk.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Broker   BrokerConfig   `yaml:"broker"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds settings for the dashboard HTTP server.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// DatabaseConfig holds connection settings for the chat store.
// Driver is "mysql" or "sqlite"; Path applies to sqlite only.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
}

// GatewayConfig holds settings for the external WhatsApp gateway.
type GatewayConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Instance   string `yaml:"instance"`
	WebhookURL string `yaml:"webhook_url"`
}

// BrokerConfig holds settings for the realtime pub/sub channel. An empty URL
// disables publishing; the server falls back to a logging publisher.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// NotifyConfig holds optional settings for agent-facing notifications.
type NotifyConfig struct {
	SlackToken     string `yaml:"slack_token"`
	SlackChannel   string `yaml:"slack_channel"`
	DiscordToken   string `yaml:"discord_token"`
	DiscordChannel string `yaml:"discord_channel"`
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

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "zapdesk"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "zapdesk.db"
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "zapdesk.events"
	}
	if c.Broker.Queue == "" {
		c.Broker.Queue = "zapdesk.dashboard"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql or sqlite)", c.Database.Driver))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, "gateway.base_url is required")
	}
	if c.Gateway.Instance == "" {
		errs = append(errs, "gateway.instance is required")
	}
	if c.Server.AuthToken == "" {
		errs = append(errs, "server.auth_token is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
