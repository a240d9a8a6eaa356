package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	MEXC     MEXCConfig     `yaml:"mexc"`
	Jupiter  JupiterConfig  `yaml:"jupiter"`
	State    StateConfig    `yaml:"state"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Telegram TelegramConfig `yaml:"telegram"`
	Redis    RedisConfig    `yaml:"redis"`
	Universe UniverseConfig `yaml:"universe"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MEXCConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	StreamEnabled  bool          `yaml:"stream_enabled"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type JupiterConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MonitorConfig carries the hysteresis thresholds and the tick schedule.
// Thresholds are percentages of the reference price.
type MonitorConfig struct {
	EntryThresholdPercent float64       `yaml:"entry_threshold_percent"`
	ResetThresholdPercent float64       `yaml:"reset_threshold_percent"`
	ExitThresholdPercent  float64       `yaml:"exit_threshold_percent"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
	OrderVolume           float64       `yaml:"order_volume"`
}

type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	RequestPacing  time.Duration `yaml:"request_pacing"`
}

type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AdminUserIDs []int64       `yaml:"admin_user_ids"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type UniverseConfig struct {
	Enabled      bool    `yaml:"enabled"`
	TokenMapPath string  `yaml:"token_map_path"`
	Volume24hMin float64 `yaml:"volume_24h_min"`
	RefreshSpec  string  `yaml:"refresh_spec"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Schema  string `yaml:"schema"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
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
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.MEXC.BaseURL == "" {
		cfg.MEXC.BaseURL = "https://contract.mexc.com"
	}
	if cfg.MEXC.WSURL == "" {
		cfg.MEXC.WSURL = "wss://contract.mexc.com/edge"
	}
	if cfg.MEXC.Timeout == 0 {
		cfg.MEXC.Timeout = 10 * time.Second
	}
	if cfg.MEXC.ReconnectDelay == 0 {
		cfg.MEXC.ReconnectDelay = 3 * time.Second
	}
	if cfg.MEXC.PingInterval == 0 {
		cfg.MEXC.PingInterval = 30 * time.Second
	}
	if cfg.Jupiter.BaseURL == "" {
		cfg.Jupiter.BaseURL = "https://lite-api.jup.ag"
	}
	if cfg.Jupiter.Timeout == 0 {
		cfg.Jupiter.Timeout = 5 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/mexc-bot.db"
	}
	if cfg.Monitor.EntryThresholdPercent == 0 {
		cfg.Monitor.EntryThresholdPercent = 13
	}
	if cfg.Monitor.ResetThresholdPercent == 0 {
		cfg.Monitor.ResetThresholdPercent = 7
	}
	if cfg.Monitor.ExitThresholdPercent == 0 {
		cfg.Monitor.ExitThresholdPercent = 2
	}
	if cfg.Monitor.TickInterval == 0 {
		cfg.Monitor.TickInterval = 15 * time.Second
	}
	if cfg.Monitor.CallTimeout == 0 {
		cfg.Monitor.CallTimeout = 8 * time.Second
	}
	if cfg.Monitor.OrderVolume == 0 {
		cfg.Monitor.OrderVolume = 1
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.InitialBackoff == 0 {
		cfg.Dispatch.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Dispatch.RequestPacing == 0 {
		cfg.Dispatch.RequestPacing = 250 * time.Millisecond
	}
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 3 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Universe.TokenMapPath == "" {
		cfg.Universe.TokenMapPath = "spl.json"
	}
	if cfg.Universe.RefreshSpec == "" {
		cfg.Universe.RefreshSpec = "0 3 * * *"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	m := cfg.Monitor
	if m.EntryThresholdPercent <= 0 {
		return errors.New("monitor.entry_threshold_percent must be > 0")
	}
	if m.ResetThresholdPercent <= 0 {
		return errors.New("monitor.reset_threshold_percent must be > 0")
	}
	if m.ExitThresholdPercent < 0 {
		return errors.New("monitor.exit_threshold_percent must be >= 0")
	}
	// Reversing these bands silently breaks the hysteresis, so refuse to start.
	if m.ExitThresholdPercent > m.ResetThresholdPercent {
		return errors.New("monitor.exit_threshold_percent must be <= monitor.reset_threshold_percent")
	}
	if m.ResetThresholdPercent >= m.EntryThresholdPercent {
		return errors.New("monitor.reset_threshold_percent must be < monitor.entry_threshold_percent")
	}
	if m.TickInterval <= 0 {
		return errors.New("monitor.tick_interval must be > 0")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return errors.New("telegram.token is required when telegram is enabled")
	}
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.DSN) == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
