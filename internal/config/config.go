// Package config handles configuration loading with validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Bybit       BybitConfig       `yaml:"bybit"`
	DB          DBConfig          `yaml:"db"`
	Redis       RedisConfig       `yaml:"redis"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Order       OrderConfig       `yaml:"order"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	System      SystemConfig      `yaml:"system"`
}

// TradingConfig contains strategy parameters.
type TradingConfig struct {
	Symbols       []string `yaml:"symbols"`
	Interval      string   `yaml:"interval"`
	MaxStake      float64  `yaml:"max_stake"`
	ATRWindow     int      `yaml:"atr_window"`
	ATRMultiplier float64  `yaml:"atr_multiplier"`
	DefaultTheta  float64  `yaml:"default_theta"`
	ResearchMode  bool     `yaml:"research_mode"`
}

// RiskConfig contains the pre-trade risk limits.
type RiskConfig struct {
	MaxConcurrent           int                `yaml:"max_concurrent"`
	MaxTotalRiskR           float64            `yaml:"max_total_risk_r"`
	MaxPositionsPerBase     int                `yaml:"max_positions_per_base"`
	PerSymbolRiskR          map[string]float64 `yaml:"per_symbol_risk_r"`
	AntiChurnCooldownMinute int                `yaml:"anti_churn_cooldown_minutes"`
}

// BybitConfig contains exchange endpoints and credentials.
type BybitConfig struct {
	RESTBaseURL  string `yaml:"rest_base_url"`
	WSPublicURL  string `yaml:"ws_public_url"`
	WSPrivateURL string `yaml:"ws_private_url"`
	APIKey       Secret `yaml:"api_key"`
	APISecret    Secret `yaml:"api_secret"`
	RecvWindowMS int    `yaml:"recv_window_ms"`
}

// DBConfig contains the relational store settings.
type DBConfig struct {
	DSN         Secret `yaml:"dsn"`
	PoolMinSize int    `yaml:"pool_min_size"`
	PoolMaxSize int    `yaml:"pool_max_size"`
}

// RedisConfig contains the key/value store settings.
type RedisConfig struct {
	DSN Secret `yaml:"dsn"`
}

// ArchiveConfig contains retention and object-store settings.
type ArchiveConfig struct {
	Endpoint          string `yaml:"endpoint"`
	AccessKey         Secret `yaml:"access_key"`
	SecretKey         Secret `yaml:"secret_key"`
	Bucket            string `yaml:"bucket"`
	Prefix            string `yaml:"prefix"`
	UseSSL            bool   `yaml:"use_ssl"`
	SignalRetainDays  int    `yaml:"signal_retain_days"`
	PositionRetainDay int    `yaml:"position_retain_days"`
	BatchSize         int    `yaml:"batch_size"`
	IntervalMinutes   int    `yaml:"interval_minutes"`
}

// CalibrationConfig contains offline calibration settings.
type CalibrationConfig struct {
	TrainDays      int     `yaml:"train_days"`
	OOSDays        int     `yaml:"oos_days"`
	TargetQuantile float64 `yaml:"target_quantile"`
	ThetaMin       float64 `yaml:"theta_min"`
	ThetaMax       float64 `yaml:"theta_max"`
	PSIThreshold   float64 `yaml:"psi_threshold"`
}

// ReconcileConfig contains reconciliation settings.
type ReconcileConfig struct {
	IntervalSeconds        int  `yaml:"interval_seconds"`
	CloseMissingOnExchange bool `yaml:"close_missing_on_exchange"`
}

// OrderConfig contains order execution settings.
type OrderConfig struct {
	FreshnessGraceSeconds int     `yaml:"freshness_grace_seconds"`
	PollIntervalSeconds   int     `yaml:"poll_interval_seconds"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	FullFillRatio         float64 `yaml:"full_fill_ratio"`
	MinFillRatioToOpen    float64 `yaml:"min_fill_ratio_to_open"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains notification channel settings. Empty values
// disable the channel.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. DATABASE_URL/DB_DSN and REDIS_URL/REDIS_DSN override file values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Trading.Interval == "" {
		c.Trading.Interval = "5"
	}
	if c.Trading.ATRWindow == 0 {
		c.Trading.ATRWindow = 14
	}
	if c.Trading.ATRMultiplier == 0 {
		c.Trading.ATRMultiplier = 2
	}
	if c.Trading.DefaultTheta == 0 {
		c.Trading.DefaultTheta = 0.3
	}
	if c.Risk.MaxConcurrent == 0 {
		c.Risk.MaxConcurrent = 5
	}
	if c.Risk.MaxTotalRiskR == 0 {
		c.Risk.MaxTotalRiskR = 5
	}
	if c.Risk.MaxPositionsPerBase == 0 {
		c.Risk.MaxPositionsPerBase = 2
	}
	if c.Risk.AntiChurnCooldownMinute == 0 {
		c.Risk.AntiChurnCooldownMinute = 15
	}
	if c.Bybit.RecvWindowMS == 0 {
		c.Bybit.RecvWindowMS = 5000
	}
	if c.DB.PoolMinSize == 0 {
		c.DB.PoolMinSize = 5
	}
	if c.DB.PoolMaxSize == 0 {
		c.DB.PoolMaxSize = 20
	}
	if c.Archive.SignalRetainDays == 0 {
		c.Archive.SignalRetainDays = 90
	}
	if c.Archive.PositionRetainDay == 0 {
		c.Archive.PositionRetainDay = 180
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = 1000
	}
	if c.Archive.IntervalMinutes == 0 {
		c.Archive.IntervalMinutes = 60
	}
	if c.Calibration.TrainDays == 0 {
		c.Calibration.TrainDays = 180
	}
	if c.Calibration.OOSDays == 0 {
		c.Calibration.OOSDays = 30
	}
	if c.Calibration.TargetQuantile == 0 {
		c.Calibration.TargetQuantile = 0.7
	}
	if c.Calibration.ThetaMin == 0 {
		c.Calibration.ThetaMin = 0.15
	}
	if c.Calibration.ThetaMax == 0 {
		c.Calibration.ThetaMax = 0.50
	}
	if c.Calibration.PSIThreshold == 0 {
		c.Calibration.PSIThreshold = 0.2
	}
	if c.Reconcile.IntervalSeconds == 0 {
		c.Reconcile.IntervalSeconds = 60
		c.Reconcile.CloseMissingOnExchange = true
	}
	if c.Order.FreshnessGraceSeconds == 0 {
		c.Order.FreshnessGraceSeconds = 5
	}
	if c.Order.PollIntervalSeconds == 0 {
		c.Order.PollIntervalSeconds = 1
	}
	if c.Order.TimeoutSeconds == 0 {
		c.Order.TimeoutSeconds = 30
	}
	if c.Order.FullFillRatio == 0 {
		c.Order.FullFillRatio = 0.95
	}
	if c.Order.MinFillRatioToOpen == 0 {
		c.Order.MinFillRatioToOpen = 0.5
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = os.Getenv("LOG_LEVEL")
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

func (c *Config) applyEnvOverrides() {
	for _, key := range []string{"DATABASE_URL", "DB_DSN"} {
		if v := os.Getenv(key); v != "" {
			c.DB.DSN = Secret(v)
			break
		}
	}
	for _, key := range []string{"REDIS_URL", "REDIS_DSN"} {
		if v := os.Getenv(key); v != "" {
			c.Redis.DSN = Secret(v)
			break
		}
	}
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, ValidationError{
			Field:   "trading.symbols",
			Message: "at least one symbol is required",
		}.Error())
	}
	if c.Trading.MaxStake <= 0 {
		errs = append(errs, ValidationError{
			Field:   "trading.max_stake",
			Value:   c.Trading.MaxStake,
			Message: "max stake must be positive",
		}.Error())
	}
	if c.Bybit.RESTBaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "bybit.rest_base_url",
			Message: "REST base URL is required",
		}.Error())
	}
	if c.DB.DSN == "" {
		errs = append(errs, ValidationError{
			Field:   "db.dsn",
			Message: "database DSN is required",
		}.Error())
	}
	if c.Redis.DSN == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.dsn",
			Message: "redis DSN is required",
		}.Error())
	}
	if c.DB.PoolMinSize > c.DB.PoolMaxSize {
		errs = append(errs, ValidationError{
			Field:   "db.pool_min_size",
			Value:   c.DB.PoolMinSize,
			Message: "pool min size must not exceed pool max size",
		}.Error())
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// AntiChurnCooldown returns the cooldown as a duration.
func (c *Config) AntiChurnCooldown() time.Duration {
	return time.Duration(c.Risk.AntiChurnCooldownMinute) * time.Minute
}

// String returns a YAML rendering of the configuration. Secret fields
// redact themselves through their own marshaller.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
