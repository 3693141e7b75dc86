package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for configuration when --config is not given.
const DefaultPath = "coffeecue.yml"

// Storage backends
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Environment overrides, applied after the file is parsed and before validation.
const (
	EnvAPIURL         = "COFFEECUE_API_URL"
	EnvRedisURL       = "COFFEECUE_REDIS_URL"
	EnvNamespace      = "COFFEECUE_NAMESPACE"
	EnvStorageBackend = "COFFEECUE_STORAGE_BACKEND"
)

// Config represents the top-level coffeecue.yml configuration
type Config struct {
	Version    string            `yaml:"version"`
	Instance   string            `yaml:"instance,omitempty"` // Stamped on every write; random when empty
	API        APIConfig         `yaml:"api"`
	Storage    StorageConfig     `yaml:"storage"`
	Resilience *ResilienceConfig `yaml:"resilience,omitempty"`
	Session    *SessionConfig    `yaml:"session,omitempty"`
	Notify     *NotifyConfig     `yaml:"notify,omitempty"`
	Status     *StatusConfig     `yaml:"status,omitempty"`
}

// APIConfig locates the remote order API
type APIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty"` // Default: 5s
}

// StorageConfig selects the durable store backend
type StorageConfig struct {
	Backend    string `yaml:"backend,omitempty"` // "redis" (default) or "badger"
	RedisURL   string `yaml:"redis_url,omitempty"`
	BadgerPath string `yaml:"badger_path,omitempty"`
	InMemory   bool   `yaml:"in_memory,omitempty"` // badger only
	Namespace  string `yaml:"namespace,omitempty"` // Default: "default"
}

// ResilienceConfig tunes the degraded-mode controller
type ResilienceConfig struct {
	AuthThreshold    int           `yaml:"auth_threshold,omitempty"`    // Default: 3
	NetworkThreshold int           `yaml:"network_threshold,omitempty"` // Default: 3
	ProbeInterval    time.Duration `yaml:"probe_interval,omitempty"`    // Default: 5s
	RefreshMargin    time.Duration `yaml:"refresh_margin,omitempty"`    // Default: 5m
}

// SessionConfig tunes session continuity
type SessionConfig struct {
	BackupGrace time.Duration `yaml:"backup_grace,omitempty"` // Default: 1m
}

// NotifyConfig tunes the notification cascade
type NotifyConfig struct {
	MaxRetries     int           `yaml:"max_retries,omitempty"`     // Default: 3
	BaseDelay      time.Duration `yaml:"base_delay,omitempty"`      // Default: 1s
	DisplayTimeout time.Duration `yaml:"display_timeout,omitempty"` // Default: 5s
	DisplaySize    int           `yaml:"display_size,omitempty"`    // Default: 20
}

// StatusConfig configures the local health and metrics server
type StatusConfig struct {
	Listen string `yaml:"listen,omitempty"` // Default: "127.0.0.1:9464"
}

// Default returns a configuration suitable for a local development setup.
func Default() *Config {
	cfg := &Config{
		Version: "1.0",
		API:     APIConfig{URL: "http://localhost:5000/api"},
		Storage: StorageConfig{RedisURL: "redis://localhost:6379/0"},
	}
	// Cannot fail: every field above is valid.
	_ = cfg.Validate()
	return cfg
}

// Validate performs strict validation on the configuration and fills in
// defaults for every omitted section.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	if !strings.HasPrefix(c.API.URL, "http://") && !strings.HasPrefix(c.API.URL, "https://") {
		return fmt.Errorf("api.url must be an http(s) URL, got %q", c.API.URL)
	}
	c.API.URL = strings.TrimRight(c.API.URL, "/")
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 5 * time.Second
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	if c.Resilience == nil {
		c.Resilience = &ResilienceConfig{}
	}
	if err := c.Resilience.validate(); err != nil {
		return err
	}

	if c.Session == nil {
		c.Session = &SessionConfig{}
	}
	if c.Session.BackupGrace < 0 {
		return fmt.Errorf("session.backup_grace must be >= 0, got %s", c.Session.BackupGrace)
	}
	if c.Session.BackupGrace == 0 {
		c.Session.BackupGrace = time.Minute
	}

	if c.Notify == nil {
		c.Notify = &NotifyConfig{}
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}

	if c.Status == nil {
		c.Status = &StatusConfig{}
	}
	if c.Status.Listen == "" {
		c.Status.Listen = "127.0.0.1:9464"
	}

	return nil
}

func (s *StorageConfig) validate() error {
	if s.Backend == "" {
		s.Backend = BackendRedis
	}
	if s.Namespace == "" {
		s.Namespace = "default"
	}
	if strings.ContainsAny(s.Namespace, ":*?[] ") {
		return fmt.Errorf("storage.namespace contains invalid characters: %q", s.Namespace)
	}

	switch s.Backend {
	case BackendRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
		if _, err := redis.ParseURL(s.RedisURL); err != nil {
			return fmt.Errorf("storage.redis_url: %w", err)
		}
	case BackendBadger:
		if s.BadgerPath == "" && !s.InMemory {
			return fmt.Errorf("storage.badger_path is required for the badger backend (or set in_memory)")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be 'redis' or 'badger')", s.Backend)
	}
	return nil
}

func (r *ResilienceConfig) validate() error {
	if r.AuthThreshold < 0 {
		return fmt.Errorf("resilience.auth_threshold must be >= 1, got %d", r.AuthThreshold)
	}
	if r.AuthThreshold == 0 {
		r.AuthThreshold = 3
	}
	if r.NetworkThreshold < 0 {
		return fmt.Errorf("resilience.network_threshold must be >= 1, got %d", r.NetworkThreshold)
	}
	if r.NetworkThreshold == 0 {
		r.NetworkThreshold = 3
	}
	if r.ProbeInterval < 0 {
		return fmt.Errorf("resilience.probe_interval must be >= 0, got %s", r.ProbeInterval)
	}
	if r.ProbeInterval == 0 {
		r.ProbeInterval = 5 * time.Second
	}
	if r.RefreshMargin < 0 {
		return fmt.Errorf("resilience.refresh_margin must be >= 0, got %s", r.RefreshMargin)
	}
	if r.RefreshMargin == 0 {
		r.RefreshMargin = 5 * time.Minute
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.MaxRetries < 0 {
		return fmt.Errorf("notify.max_retries must be >= 1, got %d", n.MaxRetries)
	}
	if n.MaxRetries == 0 {
		n.MaxRetries = 3
	}
	if n.BaseDelay < 0 {
		return fmt.Errorf("notify.base_delay must be >= 0, got %s", n.BaseDelay)
	}
	if n.BaseDelay == 0 {
		n.BaseDelay = time.Second
	}
	if n.DisplayTimeout <= 0 {
		n.DisplayTimeout = 5 * time.Second
	}
	if n.DisplaySize <= 0 {
		n.DisplaySize = 20
	}
	return nil
}

// ApplyEnv overrides file values with any COFFEECUE_* variables that are set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIURL); v != "" {
		c.API.URL = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		c.Storage.RedisURL = v
	}
	if v := getenv(EnvNamespace); v != "" {
		c.Storage.Namespace = v
	}
	if v := getenv(EnvStorageBackend); v != "" {
		c.Storage.Backend = v
	}
}

// Load reads and validates coffeecue.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data, os.Getenv)
}

// Parse decodes a configuration document, applies environment overrides and validates it.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv(getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
