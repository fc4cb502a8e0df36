package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	BindAddress         string        `mapstructure:"bind_address"`
	RedisURL            string        `mapstructure:"redis_url"`
	MessageTTLSecs      int           `mapstructure:"message_ttl_secs"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig   `mapstructure:"admin"`
}

// AdminConfig describes the optional metrics/health listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

const (
	defaultBindAddress         = "0.0.0.0:8080"
	defaultRedisURL            = "redis://127.0.0.1:6379"
	defaultMessageTTLSecs      = 86400
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminReadHeaderWait = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with RELAY_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("bind_address", defaultBindAddress)
	v.SetDefault("redis_url", defaultRedisURL)
	v.SetDefault("message_ttl_secs", defaultMessageTTLSecs)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.read_header_timeout", defaultAdminReadHeaderWait.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	grace, err := time.ParseDuration(v.GetString("shutdown_grace_period"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown_grace_period: %w", err)
	}
	cfg.ShutdownGracePeriod = grace

	headerWait, err := time.ParseDuration(v.GetString("admin.read_header_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid admin.read_header_timeout: %w", err)
	}
	cfg.Admin.ReadHeaderTimeout = headerWait

	if cfg.BindAddress == "" {
		cfg.BindAddress = defaultBindAddress
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = defaultRedisURL
	}
	if cfg.MessageTTLSecs <= 0 {
		return Config{}, fmt.Errorf("message_ttl_secs must be positive, got %d", cfg.MessageTTLSecs)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	return cfg, nil
}

// MessageTTL returns the queue retention window as a duration.
func (c Config) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLSecs) * time.Second
}
