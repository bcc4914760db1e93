package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fleet      FleetConfig      `yaml:"fleet"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	MarketData MarketDataConfig `yaml:"marketdata"`
	Limits     LimitsConfig     `yaml:"limits"`
	Bot        BotConfig        `yaml:"bot"`
	Store      StoreConfig      `yaml:"store"`
	TradeLog   TradeLogConfig   `yaml:"tradelog"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type FleetConfig struct {
	Name             string        `yaml:"name"`
	Version          string        `yaml:"version"`
	MaxBots          int           `yaml:"max_bots"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	BalanceInterval  time.Duration `yaml:"balance_interval"`
	PositionInterval time.Duration `yaml:"position_interval"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	IdleClientTTL    time.Duration `yaml:"idle_client_ttl"`
	TenantTimeout    time.Duration `yaml:"tenant_timeout"`
	FlushRate        float64       `yaml:"flush_rate"`
}

type ExchangeConfig struct {
	RestURL        string        `yaml:"rest_url"`
	WebsocketURL   string        `yaml:"websocket_url"`
	Testnet        bool          `yaml:"testnet"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
}

type MarketDataConfig struct {
	CandleCapacity  int           `yaml:"candle_capacity"`
	PriceFreshness  time.Duration `yaml:"price_freshness"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffMin      time.Duration `yaml:"backoff_min"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
}

type LimitsConfig struct {
	Classes         map[string]ClassBudget `yaml:"classes"`
	AdmissionStarts int                    `yaml:"admission_starts"`
	AdmissionWindow time.Duration          `yaml:"admission_window"`
}

type ClassBudget struct {
	PerMinute int `yaml:"per_minute"`
	PerSecond int `yaml:"per_second"`
	Weight    int `yaml:"weight"`
}

type BotConfig struct {
	Timeframe            string        `yaml:"timeframe"`
	Leverage             int           `yaml:"leverage"`
	OrderSize            float64       `yaml:"order_size"`
	StopLossPct          float64       `yaml:"stop_loss_pct"`
	TakeProfitPct        float64       `yaml:"take_profit_pct"`
	MinTradeInterval     time.Duration `yaml:"min_trade_interval"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	RefreshInterval      time.Duration `yaml:"refresh_interval"`
	HistoryLimit         int           `yaml:"history_limit"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type TradeLogConfig struct {
	Postgres bool            `yaml:"postgres"`
	Archive  S3ArchiveConfig `yaml:"archive"`
}

type S3ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBuffer       int           `yaml:"max_buffer"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type APIConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Address          string        `yaml:"address"`
	MetricsHistory   int           `yaml:"metrics_history"`
	LogHistory       int           `yaml:"log_history"`
	ResourceInterval time.Duration `yaml:"resource_interval"`
	TradeHistory     int           `yaml:"trade_history"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used when a field is absent from the YAML file.
func Default() Config {
	return Config{
		Fleet: FleetConfig{
			Name:             "futuresfleet",
			Version:          "dev",
			MaxBots:          500,
			MonitorInterval:  30 * time.Second,
			BalanceInterval:  3 * time.Minute,
			PositionInterval: time.Minute,
			FlushInterval:    3 * time.Minute,
			IdleClientTTL:    10 * time.Minute,
			TenantTimeout:    20 * time.Second,
			FlushRate:        20,
		},
		Exchange: ExchangeConfig{
			RestURL:        "https://fapi.binance.com",
			WebsocketURL:   "wss://fstream.binance.com",
			RequestTimeout: 10 * time.Second,
			MaxIdleConns:   4,
		},
		MarketData: MarketDataConfig{
			CandleCapacity:  100,
			PriceFreshness:  30 * time.Second,
			LivenessTimeout: 65 * time.Second,
			ProbeTimeout:    10 * time.Second,
			MaxRetries:      5,
			BackoffMin:      time.Second,
			BackoffMax:      30 * time.Second,
		},
		Limits: LimitsConfig{
			AdmissionStarts: 20,
			AdmissionWindow: 3 * time.Minute,
		},
		Bot: BotConfig{
			Timeframe:            "15m",
			Leverage:             10,
			OrderSize:            100,
			StopLossPct:          3,
			TakeProfitPct:        10,
			MinTradeInterval:     time.Minute,
			MaxConsecutiveLosses: 3,
			RefreshInterval:      30 * time.Second,
			HistoryLimit:         100,
		},
		Store: StoreConfig{Driver: "memory"},
		TradeLog: TradeLogConfig{
			Archive: S3ArchiveConfig{
				Prefix:        "trades",
				FlushInterval: 5 * time.Minute,
				MaxBuffer:     500,
			},
		},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{Namespace: "FuturesFleet", Dashboard: "FuturesFleet"},
		},
		API: APIConfig{
			Enabled:          true,
			Address:          ":8080",
			MetricsHistory:   200,
			LogHistory:       200,
			ResourceInterval: 5 * time.Second,
			TradeHistory:     1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Store.PostgresDSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		config.Exchange.RestURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		config.Exchange.WebsocketURL = strings.TrimSpace(v)
	}

	archive := &config.TradeLog.Archive
	if archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			archive.Bucket = strings.TrimSpace(v)
		}
	}
	archive.Bucket = strings.TrimSpace(archive.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Fleet.Name == "" {
		return fmt.Errorf("fleet.name is required")
	}
	if cfg.Fleet.MaxBots <= 0 {
		return fmt.Errorf("fleet.max_bots must be greater than 0")
	}
	if cfg.Fleet.MonitorInterval <= 0 {
		return fmt.Errorf("fleet.monitor_interval must be greater than 0")
	}
	if cfg.Fleet.FlushInterval <= 0 {
		return fmt.Errorf("fleet.flush_interval must be greater than 0")
	}
	if cfg.Fleet.IdleClientTTL <= 0 {
		return fmt.Errorf("fleet.idle_client_ttl must be greater than 0")
	}

	if cfg.MarketData.CandleCapacity < 50 {
		return fmt.Errorf("marketdata.candle_capacity must be at least 50")
	}
	if cfg.MarketData.MaxRetries <= 0 {
		return fmt.Errorf("marketdata.max_retries must be greater than 0")
	}
	if cfg.MarketData.PriceFreshness <= 0 {
		return fmt.Errorf("marketdata.price_freshness must be greater than 0")
	}
	if cfg.MarketData.BackoffMin <= 0 || cfg.MarketData.BackoffMax < cfg.MarketData.BackoffMin {
		return fmt.Errorf("marketdata.backoff_min must be greater than 0 and not above backoff_max")
	}

	for name, budget := range cfg.Limits.Classes {
		if budget.PerMinute <= 0 || budget.PerSecond <= 0 || budget.Weight <= 0 {
			return fmt.Errorf("limits.classes.%s values must be greater than 0", name)
		}
	}

	if cfg.Bot.Leverage <= 0 {
		return fmt.Errorf("bot.leverage must be greater than 0")
	}
	if cfg.Bot.OrderSize <= 0 {
		return fmt.Errorf("bot.order_size must be greater than 0")
	}

	switch cfg.Store.Driver {
	case "memory":
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver '%s' is not supported", cfg.Store.Driver)
	}
	if cfg.TradeLog.Postgres && cfg.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required when tradelog.postgres is enabled")
	}

	archive := cfg.TradeLog.Archive
	if archive.Enabled {
		if archive.Bucket == "" {
			return fmt.Errorf("tradelog.archive.bucket is required when the archive is enabled")
		}
		if archive.Region == "" {
			return fmt.Errorf("tradelog.archive.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(archive.Bucket) {
			return fmt.Errorf("tradelog.archive.bucket '%s' is invalid", archive.Bucket)
		}
		if archive.FlushInterval <= 0 {
			return fmt.Errorf("tradelog.archive.flush_interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
