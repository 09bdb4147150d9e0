package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"streamguard/internal/resilience"
)

const DefaultPath = "config/config.yml"

type Config struct {
	Service        ServiceConfig        `yaml:"service"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Streams        StreamsConfig        `yaml:"streams"`
	Ingestion      IngestionConfig      `yaml:"ingestion"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Storage        StorageConfig        `yaml:"storage"`
	Risk           RiskConfig           `yaml:"risk"`
	Redis          RedisConfig          `yaml:"redis"`
	Cache          CacheConfig          `yaml:"cache"`
	Bus            BusConfig            `yaml:"bus"`
	Positions      PositionsConfig      `yaml:"positions"`
}

type ServiceConfig struct {
	Name          string        `yaml:"name" validate:"required"`
	Version       string        `yaml:"version" validate:"required"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age" validate:"gte=0"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval" validate:"gt=0"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// StreamsConfig describes the exchange subscriptions and the connection
// manager's supervision thresholds.
type StreamsConfig struct {
	BaseURL          string        `yaml:"base_url" validate:"required"`
	Symbols          []string      `yaml:"symbols"`
	Timeframes       []string      `yaml:"timeframes"`
	SilenceThreshold time.Duration `yaml:"silence_threshold" validate:"gt=0"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" validate:"gt=0"`
	DialTimeout      time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	PingInterval     time.Duration `yaml:"ping_interval" validate:"gt=0"`
	DialRate         float64       `yaml:"dial_rate" validate:"gt=0"`
	DialBurst        int           `yaml:"dial_burst" validate:"gt=0"`
	StopGrace        time.Duration `yaml:"stop_grace" validate:"gt=0"`
}

type IngestionConfig struct {
	BatchSize       int           `yaml:"batch_size" validate:"gt=0"`
	MaxQueueSize    int           `yaml:"max_queue_size" validate:"gt=0"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" validate:"gt=0"`
	Workers         int           `yaml:"workers" validate:"gt=0"`
	HighWaterMark   float64       `yaml:"high_water_mark" validate:"gt=0,lte=1"`
	MonitorInterval time.Duration `yaml:"monitor_interval" validate:"gt=0"`
	FailurePolicy   string        `yaml:"failure_policy" validate:"oneof=drop dead_letter"`
	EnqueueMode     string        `yaml:"enqueue_mode" validate:"oneof=block drop"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace" validate:"gt=0"`
}

// Enqueue modes: block stalls a stream's read loop while the queue is full,
// drop discards and counts the item.
const (
	EnqueueModeBlock = "block"
	EnqueueModeDrop  = "drop"
)

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gt=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"gt=0"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	BaseDelay     time.Duration `yaml:"base_delay" validate:"gt=0"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=1"`
	MaxDelay      time.Duration `yaml:"max_delay" validate:"gt=0"`
	Jitter        float64       `yaml:"jitter" validate:"gte=0,lt=1"`
}

type StorageConfig struct {
	Sink          string      `yaml:"sink" validate:"oneof=s3 local kafka"`
	Compression   string      `yaml:"compression" validate:"omitempty,oneof=snappy gzip none"`
	DeadLetterDir string      `yaml:"dead_letter_dir"`
	S3            S3Config    `yaml:"s3"`
	Local         LocalConfig `yaml:"local"`
	Kafka         KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LocalConfig struct {
	Dir string `yaml:"dir"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TakeProfitLevel suggests exiting Fraction of a position once profit reaches Threshold.
type TakeProfitLevel struct {
	Threshold float64 `yaml:"threshold" validate:"gt=0"`
	Fraction  float64 `yaml:"fraction" validate:"gt=0,lte=1"`
}

type RiskConfig struct {
	MaxDrawdown             float64            `yaml:"max_drawdown" validate:"gt=0,lt=1"`
	StopLossPct             float64            `yaml:"stop_loss_pct" validate:"gt=0,lt=1"`
	RiskPerTrade            float64            `yaml:"risk_per_trade" validate:"gt=0,lte=1"`
	DailyTradeLimit         int                `yaml:"daily_trade_limit" validate:"gt=0"`
	CircuitBreakerThreshold float64            `yaml:"circuit_breaker_threshold" validate:"gt=0,lt=1"`
	RecoveryTime            time.Duration      `yaml:"recovery_time" validate:"gt=0"`
	TakeProfitLevels        []TakeProfitLevel  `yaml:"take_profit_levels" validate:"dive"`
	AutoStopLoss            bool               `yaml:"auto_stop_loss"`
	AutoTakeProfit          bool               `yaml:"auto_take_profit"`
	MinTradeAmount          float64            `yaml:"min_trade_amount" validate:"gte=0"`
	MaxTradeAmount          float64            `yaml:"max_trade_amount" validate:"gt=0"`
	WinRate                 float64            `yaml:"win_rate" validate:"gte=0,lte=1"`
	WinLossRatio            float64            `yaml:"win_loss_ratio" validate:"gt=0"`
	KellyMinTrades          int                `yaml:"kelly_min_trades" validate:"gte=0"`
	RiskLevels              map[string]float64 `yaml:"risk_levels"`
	StateKey                string             `yaml:"state_key" validate:"required"`
	StateTTL                time.Duration      `yaml:"state_ttl" validate:"gte=0"`
	EventChannel            string             `yaml:"event_channel" validate:"required"`
	ControlChannel          string             `yaml:"control_channel" validate:"required"`
	PositionMaxAge          time.Duration      `yaml:"position_max_age" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type CacheConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory redis"`
}

type BusConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory redis"`
	History int    `yaml:"history" validate:"gte=0"`
}

type PositionsConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	DSN    string `yaml:"dsn"`
}

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Default returns a configuration with every documented default filled in.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "streamguard", Version: "dev", ShutdownGrace: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{ReportInterval: 30 * time.Second, CloudWatch: CloudWatchConfig{Namespace: "StreamGuard"}},
		Streams: StreamsConfig{
			BaseURL:          "wss://stream.binance.com:9443",
			Timeframes:       []string{"1m"},
			SilenceThreshold: 60 * time.Second,
			MonitorInterval:  10 * time.Second,
			DialTimeout:      10 * time.Second,
			PingInterval:     20 * time.Second,
			DialRate:         5,
			DialBurst:        5,
			StopGrace:        5 * time.Second,
		},
		Ingestion: IngestionConfig{
			BatchSize:       100,
			MaxQueueSize:    10000,
			BatchTimeout:    5 * time.Second,
			Workers:         2,
			HighWaterMark:   0.8,
			MonitorInterval: 10 * time.Second,
			FailurePolicy:   "drop",
			EnqueueMode:     EnqueueModeBlock,
			ShutdownGrace:   10 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 60 * time.Second},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     time.Second,
			BackoffFactor: 2,
			MaxDelay:      60 * time.Second,
			Jitter:        0.1,
		},
		Storage: StorageConfig{
			Sink:          "local",
			Compression:   "snappy",
			DeadLetterDir: "data/dead-letter",
			Local:         LocalConfig{Dir: "data/ohlcv"},
		},
		Risk: RiskConfig{
			MaxDrawdown:             0.15,
			StopLossPct:             0.05,
			RiskPerTrade:            0.02,
			DailyTradeLimit:         60,
			CircuitBreakerThreshold: 0.1,
			RecoveryTime:            time.Hour,
			TakeProfitLevels: []TakeProfitLevel{
				{Threshold: 0.05, Fraction: 0.25},
				{Threshold: 0.10, Fraction: 0.5},
				{Threshold: 0.20, Fraction: 1},
			},
			MinTradeAmount: 0.0001,
			MaxTradeAmount: 1000,
			WinRate:        0.5,
			WinLossRatio:   1.5,
			KellyMinTrades: 20,
			RiskLevels:     map[string]float64{"low": 0.5, "medium": 1, "high": 1.5},
			StateKey:       "risk:state",
			StateTTL:       7 * 24 * time.Hour,
			EventChannel:   "risk.events",
			ControlChannel: "risk.control",
			PositionMaxAge: 5 * time.Minute,
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Cache:     CacheConfig{Backend: "memory"},
		Bus:       BusConfig{Backend: "memory", History: 100},
		Positions: PositionsConfig{Driver: "memory"},
	}
}

// LoadConfig reads path (or its APP_ENV specific variant), layers it over
// Default, applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultPath, map[string]string{
		EnvironmentProduction: "config/config.production.yml",
		EnvironmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// Lists and maps replace the defaults rather than merge with them.
	cfg.Risk.TakeProfitLevels = nil
	cfg.Risk.RiskLevels = nil
	cfg.Streams.Timeframes = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Risk.TakeProfitLevels == nil {
		cfg.Risk.TakeProfitLevels = Default().Risk.TakeProfitLevels
	}
	if cfg.Risk.RiskLevels == nil {
		cfg.Risk.RiskLevels = Default().Risk.RiskLevels
	}
	if len(cfg.Streams.Timeframes) == 0 {
		cfg.Streams.Timeframes = Default().Streams.Timeframes
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if cfg.Storage.Sink == "s3" {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)

	if IsProductionLike(AppEnvironment()) {
		cfg.Logging.Format = "json"
	}
}

var validate = validator.New()

// Validate checks struct constraints and the cross-field rules that tags
// cannot express. All problems are reported together.
func Validate(cfg *Config) error {
	var problems []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ConfigurationError{Problems: []string{err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed '%s' (value %v)", fe.Namespace(), tagWithParam(fe), fe.Value()))
		}
	}

	if cfg.Risk.MinTradeAmount > cfg.Risk.MaxTradeAmount {
		problems = append(problems, "risk.min_trade_amount must not exceed risk.max_trade_amount")
	}
	if !sort.SliceIsSorted(cfg.Risk.TakeProfitLevels, func(i, j int) bool {
		return cfg.Risk.TakeProfitLevels[i].Threshold < cfg.Risk.TakeProfitLevels[j].Threshold
	}) {
		problems = append(problems, "risk.take_profit_levels must be ordered by ascending threshold")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		problems = append(problems, "retry.max_delay must be >= retry.base_delay")
	}
	if cfg.Streams.StopGrace > cfg.Service.ShutdownGrace {
		problems = append(problems, "streams.stop_grace must not exceed service.shutdown_grace")
	}
	if cfg.Ingestion.BatchSize > cfg.Ingestion.MaxQueueSize {
		problems = append(problems, "ingestion.batch_size must not exceed ingestion.max_queue_size")
	}

	switch cfg.Storage.Sink {
	case "s3":
		if cfg.Storage.S3.Bucket == "" || cfg.Storage.S3.Region == "" {
			problems = append(problems, "storage.s3.bucket and storage.s3.region are required when sink is s3")
		} else if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			problems = append(problems, fmt.Sprintf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket))
		}
	case "local":
		if cfg.Storage.Local.Dir == "" {
			problems = append(problems, "storage.local.dir is required when sink is local")
		}
	case "kafka":
		if len(cfg.Storage.Kafka.Brokers) == 0 || cfg.Storage.Kafka.Topic == "" {
			problems = append(problems, "storage.kafka.brokers and storage.kafka.topic are required when sink is kafka")
		}
	}
	if cfg.Ingestion.FailurePolicy == "dead_letter" && cfg.Storage.DeadLetterDir == "" {
		problems = append(problems, "storage.dead_letter_dir is required when ingestion.failure_policy is dead_letter")
	}
	if (cfg.Cache.Backend == "redis" || cfg.Bus.Backend == "redis") && cfg.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required when a redis backend is selected")
	}
	if IsProductionLike(AppEnvironment()) && cfg.Positions.Driver == "memory" {
		problems = append(problems, "positions.driver memory is not allowed in "+AppEnvironment())
	}
	if cfg.Positions.Driver == "sqlite" && cfg.Positions.DSN == "" {
		problems = append(problems, "positions.dsn is required when positions.driver is sqlite")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// BreakerConfig converts the circuit_breaker section for the resilience package.
func (c CircuitBreakerConfig) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
	}
}

// Policy converts the retry section for the resilience package.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:    r.MaxRetries,
		BaseDelay:     r.BaseDelay,
		BackoffFactor: r.BackoffFactor,
		MaxDelay:      r.MaxDelay,
		Jitter:        r.Jitter,
	}
}

// StreamURLs expands symbols x timeframes into stream IDs mapped to URLs using build.
func (s StreamsConfig) StreamURLs(build func(base, symbol, timeframe string) (id, url string)) map[string]string {
	out := make(map[string]string, len(s.Symbols)*len(s.Timeframes))
	for _, sym := range s.Symbols {
		for _, tf := range s.Timeframes {
			id, url := build(s.BaseURL, sym, tf)
			out[id] = url
		}
	}
	return out
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
