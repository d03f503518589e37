package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderKIS = "kis"
	ProviderSSI = "ssi"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	State     StateConfig     `yaml:"state"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Display   DisplayConfig   `yaml:"display"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type FeedConfig struct {
	Provider      string        `yaml:"provider"`
	KISURL        string        `yaml:"kis_url"`
	SSIURL        string        `yaml:"ssi_url"`
	ReconnectMin  time.Duration `yaml:"reconnect_min"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	MaxReconnects int           `yaml:"max_reconnects"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
}

// URL returns the endpoint of the selected provider.
func (f FeedConfig) URL() string {
	if f.Provider == ProviderSSI {
		return f.SSIURL
	}
	return f.KISURL
}

type BootstrapConfig struct {
	BasketDir     string        `yaml:"basket_dir"`
	LookupURL     string        `yaml:"lookup_url"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type AnalyticsConfig struct {
	DayCountFactor        float64       `yaml:"day_count_factor"`
	RollSentinel          float64       `yaml:"roll_sentinel"`
	IndexKey              string        `yaml:"index_key"`
	IndexReferenceETF     string        `yaml:"index_reference_etf"`
	DecompositionInterval time.Duration `yaml:"decomposition_interval"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type DisplayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
	// OriginPatterns lists browser origin hosts allowed besides the
	// display host itself, e.g. "dashboard.example.com" or "*.example.com".
	OriginPatterns []string `yaml:"origin_patterns"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 7
	}
	if cfg.Feed.Provider == "" {
		cfg.Feed.Provider = ProviderSSI
	}
	cfg.Feed.Provider = strings.ToLower(strings.TrimSpace(cfg.Feed.Provider))
	if cfg.Feed.KISURL == "" {
		cfg.Feed.KISURL = "ws://127.0.0.1:9996/pubsub"
	}
	if cfg.Feed.SSIURL == "" {
		cfg.Feed.SSIURL = "wss://iboard-pushstream.ssi.com.vn/realtime"
	}
	if cfg.Feed.ReconnectMin == 0 {
		cfg.Feed.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.Feed.ReconnectMax == 0 {
		cfg.Feed.ReconnectMax = 30 * time.Second
	}
	if cfg.Feed.MaxReconnects == 0 {
		cfg.Feed.MaxReconnects = 10
	}
	if cfg.Feed.Workers == 0 {
		cfg.Feed.Workers = 8
	}
	if cfg.Feed.QueueSize == 0 {
		cfg.Feed.QueueSize = 1024
	}
	if cfg.Bootstrap.BasketDir == "" {
		cfg.Bootstrap.BasketDir = "config/etf_basket"
	}
	if cfg.Bootstrap.LookupURL == "" {
		cfg.Bootstrap.LookupURL = "http://127.0.0.1:5555"
	}
	if cfg.Bootstrap.LookupTimeout == 0 {
		cfg.Bootstrap.LookupTimeout = 10 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/session.db"
	}
	if cfg.Analytics.DayCountFactor == 0 {
		cfg.Analytics.DayCountFactor = 1.23
	}
	if cfg.Analytics.RollSentinel == 0 {
		cfg.Analytics.RollSentinel = 9.99
	}
	if cfg.Analytics.IndexKey == "" {
		cfg.Analytics.IndexKey = "VN30"
	}
	if cfg.Analytics.IndexReferenceETF == "" {
		cfg.Analytics.IndexReferenceETF = "E1VFVN30"
	}
	if cfg.Analytics.DecompositionInterval == 0 {
		cfg.Analytics.DecompositionInterval = time.Minute
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9101"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Display.Address == "" {
		cfg.Display.Address = "127.0.0.1:9102"
	}
	if cfg.Display.Path == "" {
		cfg.Display.Path = "/signals"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ARB_FEED_PROVIDER")); v != "" {
		cfg.Feed.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ARB_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ARB_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("ARB_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func validate(cfg *Config) error {
	switch cfg.Feed.Provider {
	case ProviderKIS, ProviderSSI:
	default:
		return fmt.Errorf("feed.provider must be %q or %q, got %q", ProviderKIS, ProviderSSI, cfg.Feed.Provider)
	}
	if cfg.Feed.URL() == "" {
		return errors.New("feed url is required")
	}
	if cfg.Feed.ReconnectMin < 0 || cfg.Feed.ReconnectMax < 0 {
		return errors.New("feed reconnect delays must be >= 0")
	}
	if cfg.Feed.ReconnectMax < cfg.Feed.ReconnectMin {
		return errors.New("feed.reconnect_max must be >= feed.reconnect_min")
	}
	if cfg.Feed.MaxReconnects < 0 {
		return errors.New("feed.max_reconnects must be >= 0")
	}
	if cfg.Feed.Workers <= 0 {
		return errors.New("feed.workers must be > 0")
	}
	if cfg.Feed.QueueSize <= 0 {
		return errors.New("feed.queue_size must be > 0")
	}
	if cfg.Analytics.DayCountFactor <= 0 {
		return errors.New("analytics.day_count_factor must be > 0")
	}
	if cfg.Analytics.RollSentinel <= 0 {
		return errors.New("analytics.roll_sentinel must be > 0")
	}
	if cfg.Analytics.DecompositionInterval < 0 {
		return errors.New("analytics.decomposition_interval must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if !strings.HasPrefix(cfg.Display.Path, "/") {
		return errors.New("display.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	return nil
}
