package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
auth:
  jwt_secret: file-secret
scheduler:
  day_length: 1m
catalog:
  default_chain_id: general
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, time.Minute, cfg.Scheduler.DayLength)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 256, cfg.Audit.QueueSize)
	assert.Equal(t, 256, cfg.Notification.QueueSize)
	assert.Equal(t, "general", cfg.Catalog.DefaultChainID)
	assert.Equal(t, "approvals", cfg.Notification.Redis.ChannelPrefix)
	assert.False(t, cfg.Notification.Lark.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("APPROVAL_STORAGE_DRIVER", "memory")
	t.Setenv("APPROVAL_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:    ServerConfig{Port: 8080},
			Database:  DatabaseConfig{Path: "data/test.db"},
			Storage:   StorageConfig{Driver: StorageSQLite},
			Auth:      AuthConfig{JWTSecret: "s"},
			Scheduler: SchedulerConfig{DayLength: time.Hour, SweepInterval: time.Minute},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero day length", func(c *Config) { c.Scheduler.DayLength = 0 }, "day_length"},
		{"lark without credentials", func(c *Config) { c.Notification.Lark.Enabled = true }, "lark.app_id"},
		{"redis without address", func(c *Config) { c.Notification.Redis.Enabled = true }, "redis.addr"},
	}

	require.NoError(t, valid().Validate())

	memory := valid()
	memory.Storage.Driver = StorageMemory
	memory.Database.Path = ""
	require.NoError(t, memory.Validate(), "memory driver needs no database path")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestToContainerConfig(t *testing.T) {
	cfg := &Config{
		Storage:   StorageConfig{Driver: StorageMemory},
		Auth:      AuthConfig{JWTSecret: "s", JWTIssuer: "iss"},
		Scheduler: SchedulerConfig{DayLength: time.Minute, SweepInterval: time.Second, MaxRetries: 2},
		Catalog:   CatalogConfig{Path: "catalog.yaml", DefaultChainID: "general"},
		Notification: NotificationConfig{
			QueueSize: 32,
			Redis:     RedisConfig{Enabled: true, Addr: "redis:6379", ChannelPrefix: "docs"},
		},
	}

	cc := cfg.ToContainerConfig()
	assert.Equal(t, "memory", cc.Storage.Driver)
	assert.Equal(t, "s", cc.Auth.Secret)
	assert.Equal(t, time.Minute, cc.Engine.DayLength)
	assert.Equal(t, 2, cc.Engine.MaxRetries)
	assert.Equal(t, "general", cc.Catalog.DefaultChainID)
	assert.True(t, cc.Redis.Enabled)
	assert.Equal(t, "docs", cc.Redis.ChannelPrefix)
	assert.Equal(t, 32, cc.Dispatcher.QueueSize)
	require.NoError(t, cc.Validate())
}
