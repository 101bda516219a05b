package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// MigrationsDir overrides the embedded migrations when set
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// StorageConfig selects the repository implementation
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// AuthConfig holds JWT configuration
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

// SchedulerConfig holds step deadline settings
type SchedulerConfig struct {
	DayLength     time.Duration `mapstructure:"day_length"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepTimeout  time.Duration `mapstructure:"sweep_timeout"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// AuditConfig holds audit writer settings
type AuditConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// CatalogConfig locates the approval catalog
type CatalogConfig struct {
	Path           string `mapstructure:"path"`
	DefaultChainID string `mapstructure:"default_chain_id"`
}

// NotificationConfig holds the optional notification channels
type NotificationConfig struct {
	// QueueSize bounds undelivered events per subscriber
	QueueSize int         `mapstructure:"queue_size"`
	Lark      LarkConfig  `mapstructure:"lark"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	AppID         string `mapstructure:"app_id"`
	AppSecret     string `mapstructure:"app_secret"`
	ReceiveIDType string `mapstructure:"receive_id_type"`
}

// RedisConfig holds the event broker configuration
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	PoolSize      int    `mapstructure:"pool_size"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// Load loads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPROVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.path", "data/approvals.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_dir", "")

	v.SetDefault("storage.driver", StorageSQLite)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")

	v.SetDefault("auth.jwt_issuer", "doc-approval")
	v.SetDefault("auth.token_ttl", time.Hour)

	// Scheduler defaults
	v.SetDefault("scheduler.day_length", 24*time.Hour)
	v.SetDefault("scheduler.sweep_interval", 5*time.Minute)
	v.SetDefault("scheduler.sweep_timeout", time.Minute)
	v.SetDefault("scheduler.retry_backoff", 30*time.Second)
	v.SetDefault("scheduler.max_retries", 5)

	v.SetDefault("audit.queue_size", 256)

	v.SetDefault("catalog.path", "configs/catalog.yaml")

	// Notification defaults
	v.SetDefault("notification.queue_size", 256)
	v.SetDefault("notification.lark.enabled", false)
	v.SetDefault("notification.lark.receive_id_type", "open_id")
	v.SetDefault("notification.redis.enabled", false)
	v.SetDefault("notification.redis.addr", "localhost:6379")
	v.SetDefault("notification.redis.pool_size", 10)
	v.SetDefault("notification.redis.channel_prefix", "approvals")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars(v *viper.Viper) {
	// Sensitive credentials from environment
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("notification.lark.app_id", "LARK_APP_ID")
	_ = v.BindEnv("notification.lark.app_secret", "LARK_APP_SECRET")
	_ = v.BindEnv("notification.redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("notification.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("database.path", "DATABASE_PATH")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageSQLite, StorageMemory, c.Storage.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	if c.Scheduler.DayLength <= 0 {
		return fmt.Errorf("scheduler.day_length must be positive")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be positive")
	}

	if c.Notification.Lark.Enabled {
		if c.Notification.Lark.AppID == "" {
			return fmt.Errorf("notification.lark.app_id is required when lark is enabled")
		}
		if c.Notification.Lark.AppSecret == "" {
			return fmt.Errorf("notification.lark.app_secret is required when lark is enabled")
		}
	}
	if c.Notification.Redis.Enabled && c.Notification.Redis.Addr == "" {
		return fmt.Errorf("notification.redis.addr is required when redis is enabled")
	}

	return nil
}
