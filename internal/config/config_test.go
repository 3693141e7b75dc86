package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func validConfig() *Config {
	return &Config{
		Version: "1.0",
		API:     APIConfig{URL: "http://api.local/api"},
		Storage: StorageConfig{RedisURL: "redis://localhost:6379/0"},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "coffeecue.yml")

	validYAML := `version: "1.0"
api:
  url: "https://coffee.example.com/api/"
  timeout: 3s
storage:
  backend: badger
  badger_path: "/var/lib/coffeecue"
  namespace: "market-stall"
resilience:
  auth_threshold: 5
  probe_interval: 30s
notify:
  max_retries: 4
  base_delay: 250ms
`
	err := os.WriteFile(configPath, []byte(validYAML), 0644)
	require.NoError(t, err)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "https://coffee.example.com/api", config.API.URL)
	assert.Equal(t, 3*time.Second, config.API.Timeout)
	assert.Equal(t, BackendBadger, config.Storage.Backend)
	assert.Equal(t, "/var/lib/coffeecue", config.Storage.BadgerPath)
	assert.Equal(t, "market-stall", config.Storage.Namespace)
	assert.Equal(t, 5, config.Resilience.AuthThreshold)
	assert.Equal(t, 3, config.Resilience.NetworkThreshold)
	assert.Equal(t, 30*time.Second, config.Resilience.ProbeInterval)
	assert.Equal(t, 4, config.Notify.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, config.Notify.BaseDelay)
	assert.Equal(t, time.Minute, config.Session.BackupGrace)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/coffeecue.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestParse_InvalidYAML(t *testing.T) {
	invalidYAML := `version: "1.0"
api:
  - this is invalid
    yaml syntax
`
	config, err := Parse([]byte(invalidYAML), noEnv)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte("version: \"1.0\"\napi:\n  url: http://x\n  timeout: soon\n"), noEnv)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate_Defaults(t *testing.T) {
	config := validConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 5*time.Second, config.API.Timeout)
	assert.Equal(t, BackendRedis, config.Storage.Backend)
	assert.Equal(t, "default", config.Storage.Namespace)
	assert.Equal(t, 3, config.Resilience.AuthThreshold)
	assert.Equal(t, 3, config.Resilience.NetworkThreshold)
	assert.Equal(t, 5*time.Second, config.Resilience.ProbeInterval)
	assert.Equal(t, 5*time.Minute, config.Resilience.RefreshMargin)
	assert.Equal(t, time.Minute, config.Session.BackupGrace)
	assert.Equal(t, 3, config.Notify.MaxRetries)
	assert.Equal(t, time.Second, config.Notify.BaseDelay)
	assert.Equal(t, 5*time.Second, config.Notify.DisplayTimeout)
	assert.Equal(t, 20, config.Notify.DisplaySize)
	assert.Equal(t, "127.0.0.1:9464", config.Status.Listen)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unsupported version", func(c *Config) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"missing api url", func(c *Config) { c.API.URL = "" }, "api.url is required"},
		{"non-http api url", func(c *Config) { c.API.URL = "ftp://x" }, "must be an http(s) URL"},
		{"negative timeout", func(c *Config) { c.API.Timeout = -time.Second }, "api.timeout must be positive"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "invalid storage.backend: etcd"},
		{"bad namespace", func(c *Config) { c.Storage.Namespace = "a:b" }, "invalid characters"},
		{"missing redis url", func(c *Config) { c.Storage.RedisURL = "" }, "storage.redis_url is required"},
		{"bad redis url", func(c *Config) { c.Storage.RedisURL = "http://nope" }, "storage.redis_url"},
		{"badger without path", func(c *Config) { c.Storage.Backend = BackendBadger }, "storage.badger_path is required"},
		{"negative auth threshold", func(c *Config) { c.Resilience = &ResilienceConfig{AuthThreshold: -1} }, "auth_threshold must be >= 1"},
		{"negative network threshold", func(c *Config) { c.Resilience = &ResilienceConfig{NetworkThreshold: -2} }, "network_threshold must be >= 1"},
		{"negative backup grace", func(c *Config) { c.Session = &SessionConfig{BackupGrace: -time.Second} }, "session.backup_grace"},
		{"negative max retries", func(c *Config) { c.Notify = &NotifyConfig{MaxRetries: -1} }, "notify.max_retries"},
		{"negative base delay", func(c *Config) { c.Notify = &NotifyConfig{BaseDelay: -time.Second} }, "notify.base_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_BadgerInMemory(t *testing.T) {
	config := validConfig()
	config.Storage = StorageConfig{Backend: BackendBadger, InMemory: true}
	assert.NoError(t, config.Validate())
}

func TestParse_EnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvAPIURL:         "http://override.local/api",
		EnvRedisURL:       "redis://cache:6380/2",
		EnvNamespace:      "festival",
		EnvStorageBackend: "redis",
	}
	getenv := func(k string) string { return env[k] }

	data := `version: "1.0"
api:
  url: "http://file.local/api"
storage:
  backend: badger
  badger_path: /tmp/cc
`
	config, err := Parse([]byte(data), getenv)
	require.NoError(t, err)
	assert.Equal(t, "http://override.local/api", config.API.URL)
	assert.Equal(t, "redis://cache:6380/2", config.Storage.RedisURL)
	assert.Equal(t, "festival", config.Storage.Namespace)
	assert.Equal(t, BackendRedis, config.Storage.Backend)
}

func TestParse_EnvOverrideInvalid(t *testing.T) {
	getenv := func(k string) string {
		if k == EnvStorageBackend {
			return "sqlite"
		}
		return ""
	}
	_, err := Parse([]byte("version: \"1.0\"\napi:\n  url: http://x\nstorage:\n  redis_url: redis://localhost:6379\n"), getenv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.Equal(t, "1.0", config.Version)
	assert.Equal(t, BackendRedis, config.Storage.Backend)
	assert.NotNil(t, config.Resilience)
	assert.NoError(t, config.Validate())
}
