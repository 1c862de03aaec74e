// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	WeChat   WeChatConfig   `mapstructure:"wechat"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Render   RenderConfig   `mapstructure:"render"`
	AutoSync AutoSyncConfig `mapstructure:"autosync"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the pgx connection pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// WeChatConfig configures the remote platform client.
type WeChatConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	QRFile         string `mapstructure:"qr_file"`
}

// CrawlConfig governs crawl engine pagination.
type CrawlConfig struct {
	PageSize    int `mapstructure:"page_size"`
	PageLimit   int `mapstructure:"page_limit"`
	PageDelayMs int `mapstructure:"page_delay_ms"`
}

// RenderConfig configures the headless rendering fallback.
type RenderConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs int  `mapstructure:"settle_delay_ms"`
}

// AutoSyncConfig governs the autonomous sync scheduler.
type AutoSyncConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	TickSeconds            int  `mapstructure:"tick_seconds"`
	ScanLimit              int  `mapstructure:"scan_limit"`
	JitterSeconds          int  `mapstructure:"jitter_seconds"`
	BackoffBaseMinutes     int  `mapstructure:"backoff_base_minutes"`
	BackoffMaxMinutes      int  `mapstructure:"backoff_max_minutes"`
	DefaultIntervalMinutes int  `mapstructure:"default_interval_minutes"`
	MinIntervalMinutes     int  `mapstructure:"min_interval_minutes"`
	DefaultLookbackDays    int  `mapstructure:"default_lookback_days"`
	MaxLookbackDays        int  `mapstructure:"max_lookback_days"`
	DefaultOverlapHours    int  `mapstructure:"default_overlap_hours"`
	MaxOverlapHours        int  `mapstructure:"max_overlap_hours"`
}

// EventsConfig configures the optional RabbitMQ event publisher.
type EventsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MPVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8011)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("store.provider", "sqlite")
	v.SetDefault("store.sqlite.path", "data/mpvault.db")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("wechat.base_url", "https://mp.weixin.qq.com")
	v.SetDefault("wechat.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("wechat.timeout_seconds", 20)
	v.SetDefault("wechat.qr_file", "data/qr/login.png")
	v.SetDefault("crawl.page_size", 5)
	v.SetDefault("crawl.page_limit", 300)
	v.SetDefault("crawl.page_delay_ms", 400)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.nav_timeout_seconds", 30)
	v.SetDefault("render.settle_delay_ms", 1200)
	v.SetDefault("autosync.enabled", true)
	v.SetDefault("autosync.tick_seconds", 45)
	v.SetDefault("autosync.scan_limit", 10)
	v.SetDefault("autosync.jitter_seconds", 180)
	v.SetDefault("autosync.backoff_base_minutes", 15)
	v.SetDefault("autosync.backoff_max_minutes", 360)
	v.SetDefault("autosync.default_interval_minutes", 1440)
	v.SetDefault("autosync.min_interval_minutes", 30)
	v.SetDefault("autosync.default_lookback_days", 7)
	v.SetDefault("autosync.max_lookback_days", 90)
	v.SetDefault("autosync.default_overlap_hours", 6)
	v.SetDefault("autosync.max_overlap_hours", 168)
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.exchange", "mpvault")
	v.SetDefault("events.queue", "mpvault.articles")
	v.SetDefault("events.routing_key", "articles")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.WeChat.BaseURL == "" {
		return fmt.Errorf("wechat.base_url is required")
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.Crawl.PageLimit <= 0 {
		return fmt.Errorf("crawl.page_limit must be > 0")
	}
	switch c.Store.Provider {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required when store.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown store provider: %s", c.Store.Provider)
	}
	if c.AutoSync.TickSeconds < 10 {
		return fmt.Errorf("autosync.tick_seconds must be >= 10")
	}
	if c.AutoSync.BackoffMaxMinutes < c.AutoSync.BackoffBaseMinutes {
		return fmt.Errorf("autosync.backoff_max_minutes must be >= backoff_base_minutes")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	return nil
}

// RequestTimeout returns the remote request timeout as a duration.
func (c WeChatConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PageDelay returns the fixed inter-page delay as a duration.
func (c CrawlConfig) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMs) * time.Millisecond
}

// Tick returns the auto-sync tick interval as a duration.
func (c AutoSyncConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}
