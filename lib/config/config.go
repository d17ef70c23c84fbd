// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for helpdesk commands.
//
// Configuration is loaded from a single YAML file specified by:
//   - the HELPDESK_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// values. The only expansion performed is ${VAR} and ${VAR:-default}
// in path and URL fields, for portability between machines.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "15s" or "2m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the helpdesk client.
type Config struct {
	// API configures the snapshot REST endpoint.
	API APIConfig `yaml:"api"`

	// Channel configures the live event websocket.
	Channel ChannelConfig `yaml:"channel"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// UI configures the terminal client.
	UI UIConfig `yaml:"ui"`
}

// APIConfig configures the snapshot REST endpoint.
type APIConfig struct {
	// BaseURL is the root of the storefront API, for example
	// https://support.example.com/api.
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token for API requests. Supports ${VAR}
	// expansion so the file can reference an environment variable
	// instead of embedding the secret.
	Token string `yaml:"token"`

	// Timeout bounds a single snapshot request. Default: 15s.
	Timeout Duration `yaml:"timeout"`
}

// ChannelConfig configures the live event websocket.
type ChannelConfig struct {
	// URL is the websocket endpoint, for example
	// wss://support.example.com/ws.
	URL string `yaml:"url"`

	// Token is the channel auth token. Defaults to the API token
	// when empty.
	Token string `yaml:"token"`

	// InitialBackoff is the reconnect delay after the first drop; it
	// doubles per failed attempt up to MaxBackoff. Defaults: 1s, 30s.
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`

	// SendsPerSecond and SendBurst bound the outbound message rate.
	// Defaults: 5, 10.
	SendsPerSecond float64 `yaml:"sends_per_second"`
	SendBurst      int     `yaml:"send_burst"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// File is where logs are written. A TUI owns the terminal, so
	// logging to stderr would corrupt the display; empty disables
	// logging entirely.
	File string `yaml:"file"`
}

// UIConfig configures the terminal client.
type UIConfig struct {
	// PendingTimeout bounds how long an unconfirmed send is shown as
	// pending. Default: 30s.
	PendingTimeout Duration `yaml:"pending_timeout"`
}

// Default returns the default configuration, used as a base before
// loading the config file. Endpoints have no defaults; the file (or
// flags) must provide them.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout: Duration(15 * time.Second),
		},
		Channel: ChannelConfig{
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			SendsPerSecond: 5,
			SendBurst:      10,
		},
		Log: LogConfig{
			Level: "info",
		},
		UI: UIConfig{
			PendingTimeout: Duration(30 * time.Second),
		},
	}
}

// Load loads configuration from the HELPDESK_CONFIG environment
// variable. There is no fallback path: if the variable is not set,
// this fails.
func Load() (*Config, error) {
	path := os.Getenv("HELPDESK_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("HELPDESK_CONFIG environment variable not set; " +
			"set it to the path of your helpdesk.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.API.BaseURL = expandVars(c.API.BaseURL, vars)
	c.API.Token = expandVars(c.API.Token, vars)
	c.Channel.URL = expandVars(c.Channel.URL, vars)
	c.Channel.Token = expandVars(c.Channel.Token, vars)
	c.Log.File = expandVars(c.Log.File, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ChannelToken returns the channel token, falling back to the API
// token.
func (c *Config) ChannelToken() string {
	if c.Channel.Token != "" {
		return c.Channel.Token
	}
	return c.API.Token
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, fmt.Errorf("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("api.base_url must be an http(s) URL: %q", c.API.BaseURL))
	}

	if c.Channel.URL == "" {
		errs = append(errs, fmt.Errorf("channel.url is required"))
	} else if u, err := url.Parse(c.Channel.URL); err != nil || u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("channel.url must be a ws(s) URL: %q", c.Channel.URL))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error: %q", c.Log.Level))
	}

	if c.Channel.SendsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("channel.sends_per_second must be positive"))
	}
	if c.Channel.SendBurst <= 0 {
		errs = append(errs, fmt.Errorf("channel.send_burst must be positive"))
	}
	if c.UI.PendingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ui.pending_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
