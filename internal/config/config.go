package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig `mapstructure:"storage"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects the local persistence backing the sync queue and
// the mirror snapshot. Type is one of "memory", "file", "sqlite".
type StorageConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type SyncConfig struct {
	// Interval between scheduled drain attempts while online.
	Interval string `mapstructure:"interval"`
	// CallTimeout bounds each remote-store call made during a drain.
	CallTimeout string `mapstructure:"call_timeout"`
	// MaxAttempts before a queue item is parked as failed and surfaced
	// for manual retry.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Exponential backoff between attempts on the same item.
	BackoffInitial    string  `mapstructure:"backoff_initial"`
	BackoffMax        string  `mapstructure:"backoff_max"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// ConflictStrategy is "latest-wins" or "manual".
	ConflictStrategy string `mapstructure:"conflict_strategy"`
	// ResourceTypes the mirror tracks and refreshes on each pull.
	ResourceTypes []string `mapstructure:"resource_types"`
}

func (s SyncConfig) GetInterval() time.Duration {
	return parseDurationOr(s.Interval, 30*time.Second)
}

func (s SyncConfig) GetCallTimeout() time.Duration {
	return parseDurationOr(s.CallTimeout, 10*time.Second)
}

func (s SyncConfig) GetBackoffInitial() time.Duration {
	return parseDurationOr(s.BackoffInitial, time.Second)
}

func (s SyncConfig) GetBackoffMax() time.Duration {
	return parseDurationOr(s.BackoffMax, time.Minute)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "sync.db")
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.call_timeout", "10s")
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.backoff_initial", "1s")
	v.SetDefault("sync.backoff_max", "1m")
	v.SetDefault("sync.backoff_multiplier", 2.0)
	v.SetDefault("sync.conflict_strategy", "latest-wins")
	v.SetDefault("sync.resource_types", []string{"order"})

	v.SetEnvPrefix("OMNISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; defaults plus env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("invalid storage type %q", c.Storage.Type)
	}
	switch c.Sync.ConflictStrategy {
	case "latest-wins", "manual":
	default:
		return fmt.Errorf("invalid conflict strategy %q", c.Sync.ConflictStrategy)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if len(c.Sync.ResourceTypes) == 0 {
		return fmt.Errorf("sync.resource_types must not be empty")
	}
	return nil
}
