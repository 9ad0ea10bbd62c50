package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-tiers/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Tiering   TieringConfig   `mapstructure:"tiering"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Retention RetentionConfig `mapstructure:"retention"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LiveTrading bool   `mapstructure:"live_trading"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
	ApplicationName string        `mapstructure:"application_name"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the cadence of the periodic tasks.
type SchedulerConfig struct {
	TierInterval    time.Duration `mapstructure:"tier_interval"`
	IngestInterval  time.Duration `mapstructure:"ingest_interval"`
	BookInterval    time.Duration `mapstructure:"book_interval"`
	CleanupSpec     string        `mapstructure:"cleanup_spec"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
}

// ScoringConfig holds the interestingness weights.
type ScoringConfig struct {
	VolumeWeight    float64 `mapstructure:"volume_weight"`
	TradeWeight     float64 `mapstructure:"trade_weight"`
	SpreadWeight    float64 `mapstructure:"spread_weight"`
	VolumeScale     float64 `mapstructure:"volume_scale"`
	TradeScale      float64 `mapstructure:"trade_scale"`
	MaxSpread       float64 `mapstructure:"max_spread"`
	MinHorizonHours float64 `mapstructure:"min_horizon_hours"`
}

// TieringConfig holds promotion/demotion thresholds.
type TieringConfig struct {
	PromoteTier2  float64       `mapstructure:"promote_tier2"`
	PromoteTier3  float64       `mapstructure:"promote_tier3"`
	RetainTier2   float64       `mapstructure:"retain_tier2"`
	RetainTier3   float64       `mapstructure:"retain_tier3"`
	DemotionDwell time.Duration `mapstructure:"demotion_dwell"`
	SignalRecency time.Duration `mapstructure:"signal_recency"`
	RequestTTL    time.Duration `mapstructure:"request_ttl"`
	MaxRequestTTL time.Duration `mapstructure:"max_request_ttl"`
}

// FiltersConfig holds the hard filter thresholds.
type FiltersConfig struct {
	MaxTradeAge          time.Duration `mapstructure:"max_trade_age"`
	WeatherWords         []string      `mapstructure:"weather_words"`
	MinHoursToResolution float64       `mapstructure:"min_hours_to_resolution"`
	MinTradeSize         float64       `mapstructure:"min_trade_size"`
	BlockedCategories    []string      `mapstructure:"blocked_categories"`
	MaxBookDeviation     float64       `mapstructure:"max_book_deviation"`
}

// RetentionConfig sets per-table retention windows. Zero keeps rows forever.
type RetentionConfig struct {
	PriceSnapshots time.Duration `mapstructure:"price_snapshots"`
	Candles5m      time.Duration `mapstructure:"candles_5m"`
	Candles1h      time.Duration `mapstructure:"candles_1h"`
	Candles1d      time.Duration `mapstructure:"candles_1d"`
	Orderbooks     time.Duration `mapstructure:"orderbooks"`
}

// IngestConfig covers upstream market data access.
type IngestConfig struct {
	GammaBaseURL   string        `mapstructure:"gamma_base_url"`
	ClobBaseURL    string        `mapstructure:"clob_base_url"`
	Concurrency    int           `mapstructure:"concurrency"`
	PageSize       int           `mapstructure:"page_size"`
	MaxPages       int           `mapstructure:"max_pages"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryCount     int           `mapstructure:"retry_count"`
	BookDepth      int           `mapstructure:"book_depth"`
	MidMaxAge      time.Duration `mapstructure:"mid_max_age"`
	UserAgent      string        `mapstructure:"user_agent"`
	StreamEnabled  bool          `mapstructure:"stream_enabled"`
	StreamURL      string        `mapstructure:"stream_url"`
}

// PipelineConfig tunes the event-driven path and its reports.
type PipelineConfig struct {
	HandoffBuffer  int           `mapstructure:"handoff_buffer"`
	ReportWindow   time.Duration `mapstructure:"report_window"`
	RejectionLimit int           `mapstructure:"rejection_limit"`
	NearBand       float64       `mapstructure:"near_band"`
	LedgerStripes  int           `mapstructure:"ledger_stripes"`
	// Thresholds are the price levels a streamed trade is evaluated against.
	Thresholds     []float64     `mapstructure:"thresholds"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the read-only report server.
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETTIERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "markettiers")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.live_trading", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.tier_interval", "5m")
	v.SetDefault("scheduler.ingest_interval", "1m")
	v.SetDefault("scheduler.book_interval", "30s")
	v.SetDefault("scheduler.cleanup_spec", "@hourly")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d746965))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.max_backoff", "15m")

	v.SetDefault("scoring.volume_weight", 0.5)
	v.SetDefault("scoring.trade_weight", 0.3)
	v.SetDefault("scoring.spread_weight", 0.2)
	v.SetDefault("scoring.volume_scale", 1_000_000.0)
	v.SetDefault("scoring.trade_scale", 5_000.0)
	v.SetDefault("scoring.max_spread", 0.10)
	v.SetDefault("scoring.min_horizon_hours", 6.0)

	v.SetDefault("tiering.promote_tier2", 0.45)
	v.SetDefault("tiering.promote_tier3", 0.70)
	v.SetDefault("tiering.retain_tier2", 0.35)
	v.SetDefault("tiering.retain_tier3", 0.60)
	v.SetDefault("tiering.demotion_dwell", "30m")
	v.SetDefault("tiering.signal_recency", "15m")
	v.SetDefault("tiering.request_ttl", "1h")
	v.SetDefault("tiering.max_request_ttl", "24h")

	v.SetDefault("filters.max_trade_age", "300s")
	v.SetDefault("filters.weather_words", []string{"rain", "snow", "temperature", "weather", "hurricane", "celsius", "fahrenheit"})
	v.SetDefault("filters.min_hours_to_resolution", 6.0)
	v.SetDefault("filters.min_trade_size", 50.0)
	v.SetDefault("filters.blocked_categories", []string{})
	v.SetDefault("filters.max_book_deviation", 0.10)

	v.SetDefault("retention.price_snapshots", "24h")
	v.SetDefault("retention.candles_5m", "168h")
	v.SetDefault("retention.candles_1h", "2160h")
	v.SetDefault("retention.candles_1d", "0s")
	v.SetDefault("retention.orderbooks", "168h")

	v.SetDefault("ingest.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("ingest.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("ingest.concurrency", 10)
	v.SetDefault("ingest.page_size", 100)
	v.SetDefault("ingest.max_pages", 50)
	v.SetDefault("ingest.request_timeout", "10s")
	v.SetDefault("ingest.retry_count", 3)
	v.SetDefault("ingest.book_depth", 10)
	v.SetDefault("ingest.mid_max_age", "1m")
	v.SetDefault("ingest.user_agent", "markettiers/1.0")
	v.SetDefault("ingest.stream_enabled", true)
	v.SetDefault("ingest.stream_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")

	v.SetDefault("pipeline.handoff_buffer", 256)
	v.SetDefault("pipeline.report_window", "24h")
	v.SetDefault("pipeline.rejection_limit", 500)
	v.SetDefault("pipeline.near_band", 0.05)
	v.SetDefault("pipeline.ledger_stripes", 64)
	v.SetDefault("pipeline.thresholds", []float64{0.90, 0.95})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8088")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.application_name", "markettiers")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.TierInterval <= 0 {
		return fmt.Errorf("scheduler.tier_interval must be greater than zero")
	}
	if c.Scheduler.IngestInterval <= 0 {
		return fmt.Errorf("scheduler.ingest_interval must be greater than zero")
	}
	if c.Scheduler.BookInterval <= 0 {
		return fmt.Errorf("scheduler.book_interval must be greater than zero")
	}
	if strings.TrimSpace(c.Scheduler.CleanupSpec) == "" {
		return fmt.Errorf("scheduler.cleanup_spec is required")
	}
	if c.Tiering.PromoteTier3 <= c.Tiering.PromoteTier2 {
		return fmt.Errorf("tiering.promote_tier3 must be greater than tiering.promote_tier2")
	}
	if c.Tiering.RetainTier2 > c.Tiering.PromoteTier2 {
		return fmt.Errorf("tiering.retain_tier2 cannot exceed tiering.promote_tier2")
	}
	if c.Tiering.RetainTier3 > c.Tiering.PromoteTier3 {
		return fmt.Errorf("tiering.retain_tier3 cannot exceed tiering.promote_tier3")
	}
	if c.Tiering.DemotionDwell < 0 || c.Tiering.SignalRecency < 0 {
		return fmt.Errorf("tiering durations cannot be negative")
	}
	if c.Tiering.RequestTTL <= 0 {
		return fmt.Errorf("tiering.request_ttl must be greater than zero")
	}
	if c.Filters.MaxTradeAge <= 0 {
		return fmt.Errorf("filters.max_trade_age must be greater than zero")
	}
	if c.Filters.MinTradeSize < 0 {
		return fmt.Errorf("filters.min_trade_size cannot be negative")
	}
	if c.Filters.MaxBookDeviation <= 0 {
		return fmt.Errorf("filters.max_book_deviation must be greater than zero")
	}
	if c.Scoring.VolumeWeight+c.Scoring.TradeWeight+c.Scoring.SpreadWeight <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be greater than zero")
	}
	if c.Pipeline.LedgerStripes <= 0 {
		return fmt.Errorf("pipeline.ledger_stripes must be greater than zero")
	}
	for _, th := range c.Pipeline.Thresholds {
		if th <= 0 || th >= 1 {
			return fmt.Errorf("pipeline.thresholds must lie strictly between 0 and 1, got %v", th)
		}
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
