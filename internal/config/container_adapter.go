package config

import (
	"github.com/garyjia/doc-approval/internal/container"
)

// ToContainerConfig converts the application Config to a container.Config.
// This provides a bridge between the file-based config loaded by viper
// and the container's configuration structure.
func (c *Config) ToContainerConfig() *container.Config {
	return &container.Config{
		Storage: container.StorageConfig{
			Driver: c.Storage.Driver,
		},
		Database: container.DatabaseConfig{
			Path:            c.Database.Path,
			MaxOpenConns:    c.Database.MaxOpenConns,
			MaxIdleConns:    c.Database.MaxIdleConns,
			ConnMaxLifetime: c.Database.ConnMaxLifetime,
			MigrationsDir:   c.Database.MigrationsDir,
		},
		Server: container.ServerConfig{
			Host:         c.Server.Host,
			Port:         c.Server.Port,
			ReadTimeout:  c.Server.ReadTimeout,
			WriteTimeout: c.Server.WriteTimeout,
		},
		Auth: container.AuthConfig{
			Secret:   c.Auth.JWTSecret,
			Issuer:   c.Auth.JWTIssuer,
			Audience: c.Auth.JWTAudience,
			TokenTTL: c.Auth.TokenTTL,
		},
		Engine: container.EngineConfig{
			DayLength:     c.Scheduler.DayLength,
			SweepInterval: c.Scheduler.SweepInterval,
			SweepTimeout:  c.Scheduler.SweepTimeout,
			RetryBackoff:  c.Scheduler.RetryBackoff,
			MaxRetries:    c.Scheduler.MaxRetries,
		},
		Audit: container.AuditConfig{
			QueueSize: c.Audit.QueueSize,
		},
		Catalog: container.CatalogConfig{
			Path:           c.Catalog.Path,
			DefaultChainID: c.Catalog.DefaultChainID,
		},
		Dispatcher: container.DispatcherConfig{
			QueueSize: c.Notification.QueueSize,
		},
		Lark: container.LarkConfig{
			Enabled:       c.Notification.Lark.Enabled,
			AppID:         c.Notification.Lark.AppID,
			AppSecret:     c.Notification.Lark.AppSecret,
			ReceiveIDType: c.Notification.Lark.ReceiveIDType,
		},
		Redis: container.RedisConfig{
			Enabled:       c.Notification.Redis.Enabled,
			Addr:          c.Notification.Redis.Addr,
			Password:      c.Notification.Redis.Password,
			DB:            c.Notification.Redis.DB,
			PoolSize:      c.Notification.Redis.PoolSize,
			ChannelPrefix: c.Notification.Redis.ChannelPrefix,
		},
	}
}
