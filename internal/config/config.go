// Package config loads the process-wide broker and worker settings.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Host and Port locate the broker.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Auth is an optional credential sent on every new connection.
	Auth string `yaml:"auth"`
	// Prefix namespaces every queue's tube name.
	Prefix string `yaml:"prefix"`
	// Width is the default number of reservation loops per queue.
	Width int `yaml:"width"`
	// WebhookBase derives per-queue webhook URLs; empty disables them.
	WebhookBase string `yaml:"webhook_base"`
}

func Default() *Config {
	return &Config{
		Host:  "127.0.0.1",
		Port:  11300,
		Width: 1,
	}
}

// Load reads a YAML config over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Width < 1 {
		cfg.Width = 1
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TubeName maps a queue name to its broker-namespaced tube.
func (c *Config) TubeName(name string) string {
	return c.Prefix + name
}

// WebhookURL derives the webhook endpoint for a queue, or "" when no base is
// configured.
func (c *Config) WebhookURL(name string) string {
	if c.WebhookBase == "" {
		return ""
	}

	return strings.TrimSuffix(c.WebhookBase, "/") + "/" + name
}
