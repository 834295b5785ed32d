// Package config loads and validates the connector's YAML configuration.
// Credentials may also come from the environment, which wins over the file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	InstanceID string      `yaml:"instance_id"`
	Pairs      []string    `yaml:"pairs"`
	Venue      VenueConfig `yaml:"venue"`
	Recon      ReconConfig `yaml:"recon"`
	Log        LogConfig   `yaml:"log"`
}

type VenueConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	RecvWindowMs   int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	WSKeepaliveSec int64  `yaml:"ws_keepalive_sec"`
}

type ReconConfig struct {
	AuditIntervalSec   int64  `yaml:"audit_interval_sec"`
	BalanceResyncSec   int64  `yaml:"balance_resync_sec"`
	OrderPrefix        string `yaml:"order_prefix"`
	EventFailurePauseS int64  `yaml:"event_failure_pause_sec"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// credentials pulled from the environment override the file so secrets can
// stay out of checked-in configs.
type envOverrides struct {
	APIKey    string `env:"VENUE_API_KEY"`
	APISecret string `env:"VENUE_API_SECRET"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return Config{}, fmt.Errorf("parse environment overrides: %w", err)
	}
	if overrides.APIKey != "" {
		cfg.Venue.APIKey = overrides.APIKey
	}
	if overrides.APISecret != "" {
		cfg.Venue.APISecret = overrides.APISecret
	}

	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Venue.APIKey = strings.TrimSpace(c.Venue.APIKey)
	c.Venue.APISecret = strings.TrimSpace(c.Venue.APISecret)
	c.Venue.RestBaseURL = strings.TrimSpace(c.Venue.RestBaseURL)
	c.Venue.WSBaseURL = strings.TrimSpace(c.Venue.WSBaseURL)
	c.Recon.OrderPrefix = strings.TrimSpace(c.Recon.OrderPrefix)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	for i, p := range c.Pairs {
		c.Pairs[i] = strings.ToUpper(strings.TrimSpace(p))
	}
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Venue.RecvWindowMs == 0 {
		c.Venue.RecvWindowMs = 5000
	}
	if c.Venue.HTTPTimeoutSec == 0 {
		c.Venue.HTTPTimeoutSec = 15
	}
	if c.Venue.WSKeepaliveSec == 0 {
		c.Venue.WSKeepaliveSec = 30
	}
	if c.Recon.AuditIntervalSec == 0 {
		c.Recon.AuditIntervalSec = 10
	}
	if c.Recon.BalanceResyncSec == 0 {
		c.Recon.BalanceResyncSec = 30
	}
	if c.Recon.OrderPrefix == "" {
		c.Recon.OrderPrefix = "vc-"
	}
	if c.Recon.EventFailurePauseS == 0 {
		c.Recon.EventFailurePauseS = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one trading pair is required")
	}
	for _, p := range c.Pairs {
		if !isValidPair(p) {
			return fmt.Errorf("pair %q must look like BASE-QUOTE", p)
		}
	}
	if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
		return fmt.Errorf("venue api_key/api_secret are required")
	}
	if c.Venue.RestBaseURL == "" || c.Venue.WSBaseURL == "" {
		return fmt.Errorf("venue rest_base_url/ws_base_url are required")
	}
	if err := validateURL(c.Venue.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("venue rest_base_url %v", err)
	}
	if err := validateURL(c.Venue.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("venue ws_base_url %v", err)
	}
	if c.Venue.RecvWindowMs < 1 || c.Venue.RecvWindowMs > 60000 {
		return fmt.Errorf("venue recv_window_ms must be between 1 and 60000")
	}
	if c.Venue.HTTPTimeoutSec < 1 || c.Venue.HTTPTimeoutSec > 120 {
		return fmt.Errorf("venue http_timeout_sec must be between 1 and 120")
	}
	if c.Venue.WSKeepaliveSec < 1 || c.Venue.WSKeepaliveSec > 3600 {
		return fmt.Errorf("venue ws_keepalive_sec must be between 1 and 3600")
	}
	if c.Recon.AuditIntervalSec < 1 || c.Recon.AuditIntervalSec > 3600 {
		return fmt.Errorf("recon audit_interval_sec must be between 1 and 3600")
	}
	if c.Recon.BalanceResyncSec < 1 || c.Recon.BalanceResyncSec > 3600 {
		return fmt.Errorf("recon balance_resync_sec must be between 1 and 3600")
	}
	if c.Recon.EventFailurePauseS < 1 || c.Recon.EventFailurePauseS > 300 {
		return fmt.Errorf("recon event_failure_pause_sec must be between 1 and 300")
	}
	if len(c.Recon.OrderPrefix) > 12 {
		return fmt.Errorf("recon order_prefix must be at most 12 characters")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn, or error")
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidPair(v string) bool {
	base, quote, ok := strings.Cut(v, "-")
	if !ok || base == "" || quote == "" {
		return false
	}
	for _, r := range base + quote {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
