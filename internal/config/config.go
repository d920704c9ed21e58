// Package config loads launch-engine configuration from an optional YAML
// file plus FYRST_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Authority AuthorityConfig `mapstructure:"authority"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	URL           string `mapstructure:"url"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AMQPConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type PriceFeedConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	RefreshCron string        `mapstructure:"refresh_cron"`
}

// AuthorityConfig gates the rug-flag endpoint. The token is a shared secret
// presented as a bearer token; there is no user auth beyond this.
type AuthorityConfig struct {
	Token string `mapstructure:"token"`
}

// Load reads configuration. path may be empty for env-only operation.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FYRST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("db.url", "")
	v.SetDefault("db.migrations_dir", "migrations")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.queue", "launch-events")
	v.SetDefault("price_feed.base_url", "")
	v.SetDefault("price_feed.cache_ttl", "30s")
	v.SetDefault("price_feed.refresh_cron", "@every 1m")
	v.SetDefault("authority.token", "")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Redis.URL != "" && c.DB.URL == "" {
		return fmt.Errorf("config: redis cache requires db.url")
	}
	return nil
}
