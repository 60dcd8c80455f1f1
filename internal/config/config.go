package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-pipeline/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Bus       BusConfig       `mapstructure:"bus"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	API       APIConfig       `mapstructure:"api"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	Retention RetentionConfig `mapstructure:"retention"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and configures the time-series store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// BusConfig selects the publish channel backend.
type BusConfig struct {
	Driver            string      `mapstructure:"driver"`
	PartitionCapacity int         `mapstructure:"partition_capacity"`
	Redis             RedisConfig `mapstructure:"redis"`
}

// RedisConfig covers the Redis Streams channel backend.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	StreamPrefix string        `mapstructure:"stream_prefix"`
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	Block        time.Duration `mapstructure:"block"`
	// MaxLen caps each stream by length, dropping entries whether or not
	// they were consumed. Zero leaves streams uncapped.
	MaxLen int64 `mapstructure:"max_len"`
	// TrimAcked removes entries below the oldest unacknowledged one after
	// every acknowledged batch.
	TrimAcked bool `mapstructure:"trim_acked"`
}

// PublisherConfig bounds the ingestion publisher buffer.
type PublisherConfig struct {
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// BandConfig is a plausible price band expressed as multiples of the trailing median.
type BandConfig struct {
	Lower float64 `mapstructure:"lower"`
	Upper float64 `mapstructure:"upper"`
}

// ProcessorConfig tunes validation and enrichment.
type ProcessorConfig struct {
	BatchSize          int                   `mapstructure:"batch_size"`
	BaselineWindow     time.Duration         `mapstructure:"baseline_window"`
	MinBaselineSamples int                   `mapstructure:"min_baseline_samples"`
	VolatilityWindow   int                   `mapstructure:"volatility_window"`
	DedupCacheSize     int                   `mapstructure:"dedup_cache_size"`
	Bands              map[string]BandConfig `mapstructure:"bands"`
	StoreRetryInitial  time.Duration         `mapstructure:"store_retry_initial"`
	StoreRetryMax      time.Duration         `mapstructure:"store_retry_max"`
}

// QualityConfig governs the quality metric cadence and thresholds.
type QualityConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	AlignToInterval       bool          `mapstructure:"align_to_interval"`
	Window                time.Duration `mapstructure:"window"`
	StaleMultiplier       float64       `mapstructure:"stale_multiplier"`
	StaleThreshold        time.Duration `mapstructure:"stale_threshold"`
	CompletenessThreshold float64       `mapstructure:"completeness_threshold"`
	AnomalyThreshold      int64         `mapstructure:"anomaly_threshold"`
}

// GatewayConfig tunes the live distribution gateway.
type GatewayConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`
	IntakeSize        int           `mapstructure:"intake_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessTimeout   time.Duration `mapstructure:"liveness_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen          string        `mapstructure:"listen"`
	MaxRange        time.Duration `mapstructure:"max_range"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BackfillConfig throttles historical ingestion.
type BackfillConfig struct {
	MaxRange         time.Duration `mapstructure:"max_range"`
	RecordsPerSecond float64       `mapstructure:"records_per_second"`
}

// RetentionConfig schedules compaction of old rows.
type RetentionConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Schedule    string `mapstructure:"schedule"`
	PriceDays   int    `mapstructure:"price_days"`
	QualityDays int    `mapstructure:"quality_days"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram Bot API channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// OracleConfig covers on-chain price feeds.
type OracleConfig struct {
	RPCURL      string `mapstructure:"rpc_url"`
	FeedAddress string `mapstructure:"feed_address"`
	Decimals    int32  `mapstructure:"decimals"`
	PriceType   string `mapstructure:"price_type"`
}

// SourceConfig is the per-connector configuration object.
type SourceConfig struct {
	ID                      string        `mapstructure:"id"`
	Kind                    string        `mapstructure:"kind"`
	Zones                   []string      `mapstructure:"zones"`
	PollIntervalSeconds     int           `mapstructure:"poll_interval_seconds"`
	AuthCredentialsRef      string        `mapstructure:"auth_credentials_ref"`
	RangeBatchSize          int           `mapstructure:"range_batch_size"`
	PlausibleBandMultiplier float64       `mapstructure:"plausible_band_multiplier"`
	RecordsPerPoll          int           `mapstructure:"records_per_poll"`
	BaseURL                 string        `mapstructure:"base_url"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	PollTimeout             time.Duration `mapstructure:"poll_timeout"`
	RateLimitPerSecond      float64       `mapstructure:"rate_limit_per_second"`
	RateBurst               int           `mapstructure:"rate_burst"`
	MaxRetries              int           `mapstructure:"max_retries"`
	UserAgent               string        `mapstructure:"user_agent"`
	Oracle                  OracleConfig  `mapstructure:"oracle"`
}

// PollInterval converts the configured seconds to a duration.
func (s SourceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// BandMultiplier returns the configured multiplier or 1.
func (s SourceConfig) BandMultiplier() float64 {
	if s.PlausibleBandMultiplier <= 0 {
		return 1
	}
	return s.PlausibleBandMultiplier
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEPIPE")
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
	cfg.applySourceDefaults()
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = map[string]string{"service": cfg.App.Name, "env": cfg.App.Environment}
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
	v.SetDefault("app.name", "pricepipe")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x70726963))

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.partition_capacity", 4096)
	v.SetDefault("bus.redis.addr", "localhost:6379")
	v.SetDefault("bus.redis.stream_prefix", "prices")
	v.SetDefault("bus.redis.group", "processor")
	v.SetDefault("bus.redis.consumer", "pricepipe-1")
	v.SetDefault("bus.redis.block", "2s")
	v.SetDefault("bus.redis.max_len", int64(0))
	v.SetDefault("bus.redis.trim_acked", true)

	v.SetDefault("publisher.buffer_capacity", 10000)
	v.SetDefault("publisher.publish_timeout", "5s")
	v.SetDefault("publisher.retry_interval", "2s")

	v.SetDefault("processor.batch_size", 256)
	v.SetDefault("processor.baseline_window", "24h")
	v.SetDefault("processor.min_baseline_samples", 12)
	v.SetDefault("processor.volatility_window", 48)
	v.SetDefault("processor.dedup_cache_size", 50000)
	v.SetDefault("processor.store_retry_initial", "500ms")
	v.SetDefault("processor.store_retry_max", "30s")
	v.SetDefault("processor.bands", map[string]any{
		"spot":      map[string]any{"lower": -10.0, "upper": 50.0},
		"day_ahead": map[string]any{"lower": -10.0, "upper": 50.0},
		"real_time": map[string]any{"lower": -10.0, "upper": 50.0},
		"ancillary": map[string]any{"lower": -10.0, "upper": 50.0},
	})

	v.SetDefault("quality.interval", "1m")
	v.SetDefault("quality.align_to_interval", true)
	v.SetDefault("quality.window", "1h")
	v.SetDefault("quality.stale_multiplier", 3.0)
	v.SetDefault("quality.stale_threshold", "0s")
	v.SetDefault("quality.completeness_threshold", 90.0)
	v.SetDefault("quality.anomaly_threshold", int64(5))

	v.SetDefault("gateway.queue_size", 256)
	v.SetDefault("gateway.intake_size", 4096)
	v.SetDefault("gateway.heartbeat_interval", "15s")
	v.SetDefault("gateway.liveness_timeout", "45s")
	v.SetDefault("gateway.write_timeout", "5s")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.max_range", "8760h")
	v.SetDefault("api.default_page_size", 500)
	v.SetDefault("api.max_page_size", 5000)
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("backfill.max_range", "8760h")
	v.SetDefault("backfill.records_per_second", 500.0)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "0 30 3 * * *")
	v.SetDefault("retention.price_days", 730)
	v.SetDefault("retention.quality_days", 90)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.RangeBatchSize <= 0 {
			s.RangeBatchSize = 500
		}
		if s.RecordsPerPoll <= 0 {
			s.RecordsPerPoll = 1
		}
		if s.Timeout <= 0 {
			s.Timeout = 10 * time.Second
		}
		if s.PollTimeout <= 0 {
			s.PollTimeout = 30 * time.Second
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = 3
		}
		if s.RateLimitPerSecond <= 0 {
			s.RateLimitPerSecond = 5
		}
		if s.RateBurst <= 0 {
			s.RateBurst = 1
		}
		if s.UserAgent == "" {
			s.UserAgent = "pricepipe/1.0"
		}
	}
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

// Validate performs sanity checks; any error here is fatal at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres", "clickhouse":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	}
	switch c.Bus.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("bus.driver %q not supported", c.Bus.Driver)
	}
	if c.Publisher.BufferCapacity <= 0 {
		return fmt.Errorf("publisher.buffer_capacity must be greater than zero")
	}
	if c.Quality.Interval <= 0 || c.Quality.Window <= 0 {
		return fmt.Errorf("quality.interval and quality.window must be greater than zero")
	}
	if c.Quality.CompletenessThreshold < 0 || c.Quality.CompletenessThreshold > 100 {
		return fmt.Errorf("quality.completeness_threshold must be within [0,100]")
	}
	if c.Gateway.QueueSize <= 0 {
		return fmt.Errorf("gateway.queue_size must be greater than zero")
	}
	if c.API.MaxRange <= 0 || c.Backfill.MaxRange <= 0 {
		return fmt.Errorf("api.max_range and backfill.max_range must be greater than zero")
	}
	if c.API.MaxPageSize <= 0 || c.API.DefaultPageSize <= 0 || c.API.DefaultPageSize > c.API.MaxPageSize {
		return fmt.Errorf("api page sizes must be positive and default_page_size <= max_page_size")
	}
	if c.Backfill.RecordsPerSecond <= 0 {
		return fmt.Errorf("backfill.records_per_second must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for name, band := range c.Processor.Bands {
		if band.Lower >= band.Upper {
			return fmt.Errorf("processor.bands.%s: lower must be below upper", name)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Kind == "" {
			return fmt.Errorf("sources.%s.kind is required", s.ID)
		}
		if len(s.Zones) == 0 {
			return fmt.Errorf("sources.%s.zones must list at least one market zone", s.ID)
		}
		if s.PollIntervalSeconds <= 0 {
			return fmt.Errorf("sources.%s.poll_interval_seconds must be greater than zero", s.ID)
		}
	}
	return nil
}

// Source looks up a source by id.
func (c *Config) Source(id string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Zones lists every configured market zone, de-duplicated, in config order.
func (c *Config) Zones() []string {
	seen := make(map[string]struct{})
	var zones []string
	for _, s := range c.Sources {
		for _, z := range s.Zones {
			if _, ok := seen[z]; ok {
				continue
			}
			seen[z] = struct{}{}
			zones = append(zones, z)
		}
	}
	return zones
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
