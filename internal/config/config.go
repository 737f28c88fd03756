// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Accounts    map[string]AccountConfig `yaml:"accounts"`
	Brokerage   BrokerageConfig          `yaml:"brokerage"`
	Gateway     GatewayConfig            `yaml:"gateway"`
	Execution   ExecutionConfig          `yaml:"execution"`
	Weights     WeightsConfig            `yaml:"weights"`
	Advisor     AdvisorConfig            `yaml:"advisor"`
	Persistence PersistenceConfig        `yaml:"persistence"`
	System      SystemConfig             `yaml:"system"`
	Telemetry   TelemetryConfig          `yaml:"telemetry"`
}

// AdvisorConfig contains the AI decision service connection settings
type AdvisorConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AccountConfig contains per-account settings and risk limits
type AccountConfig struct {
	Strategy        string  `yaml:"strategy"` // signal | intraday | autonomous
	CredentialsRef  string  `yaml:"credentials_ref"`
	StartingCapital float64 `yaml:"starting_capital"`
	Symbols         []string `yaml:"symbols"`

	// Risk limits
	MaxConcentrationPct float64 `yaml:"max_concentration_pct"` // per-symbol, fraction of equity
	MaxInvestedPct      float64 `yaml:"max_invested_pct"`      // aggregate exposure cap
	MinCashBufferPct    float64 `yaml:"min_cash_buffer_pct"`   // cash retained after trade
	MaxOrdersPerCycle   int     `yaml:"max_orders_per_cycle"`
	MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct"` // intraday only, 0 disables
	MaxTradesPerDay     int     `yaml:"max_trades_per_day"` // intraday only, 0 disables
	MinConfidence       int     `yaml:"min_confidence"`     // autonomous only
	MinSignalStrength   float64 `yaml:"min_signal_strength"`
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"` // intraday only
	StopLossPct         float64 `yaml:"stop_loss_pct"`     // intraday only, off cost basis
	TakeProfitPct       float64 `yaml:"take_profit_pct"`   // intraday only, off cost basis
	MaxConsecutiveLosses int    `yaml:"max_consecutive_losses"` // cooldown trigger, 0 disables
}

// BrokerageConfig contains the brokerage API connection settings
type BrokerageConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// GatewayConfig contains signal gateway settings
type GatewayConfig struct {
	FreshnessWindowMinutes int                `yaml:"freshness_window_minutes"`
	DefaultSourceWeight    float64            `yaml:"default_source_weight"`
	QuoteStreamURL         string             `yaml:"quote_stream_url"`
	QuoteStaleSeconds      int                `yaml:"quote_stale_seconds"`
	SignalFeeds            []SignalFeedConfig `yaml:"signal_feeds"`
}

// SignalFeedConfig points at one external signal feed.
type SignalFeedConfig struct {
	Source string `yaml:"source"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// ExecutionConfig contains order execution settings
type ExecutionConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	BaseDelayMs      int     `yaml:"base_delay_ms"`
	MaxDelayMs       int     `yaml:"max_delay_ms"`
	OrdersPerSecond  float64 `yaml:"orders_per_second"`
	OrderBurst       int     `yaml:"order_burst"`
	DecisionTimeoutS int     `yaml:"decision_timeout_seconds"`
}

// WeightsConfig contains weight adapter settings
type WeightsConfig struct {
	Min           float64 `yaml:"min"`
	Max           float64 `yaml:"max"`
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
	MaxStep       float64 `yaml:"max_step"` // max change per review period
	ReviewDays    int     `yaml:"review_days"`
}

// PersistenceConfig contains durable store settings
type PersistenceConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel             string `yaml:"log_level"`
	CycleIntervalSeconds int    `yaml:"cycle_interval_seconds"`
	ReviewIntervalHours  int    `yaml:"review_interval_hours"`
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.FreshnessWindowMinutes == 0 {
		c.Gateway.FreshnessWindowMinutes = 5
	}
	if c.Gateway.DefaultSourceWeight == 0 {
		c.Gateway.DefaultSourceWeight = 1.0
	}
	if c.Gateway.QuoteStaleSeconds == 0 {
		c.Gateway.QuoteStaleSeconds = 30
	}
	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = 3
	}
	if c.Execution.BaseDelayMs == 0 {
		c.Execution.BaseDelayMs = 500
	}
	if c.Execution.MaxDelayMs == 0 {
		c.Execution.MaxDelayMs = 10000
	}
	if c.Execution.OrdersPerSecond == 0 {
		c.Execution.OrdersPerSecond = 5
	}
	if c.Execution.OrderBurst == 0 {
		c.Execution.OrderBurst = 10
	}
	if c.Execution.DecisionTimeoutS == 0 {
		c.Execution.DecisionTimeoutS = 60
	}
	if c.Weights.Min == 0 && c.Weights.Max == 0 {
		c.Weights.Min = 0.25
		c.Weights.Max = 2.0
	}
	if c.Weights.SmoothingAlpha == 0 {
		c.Weights.SmoothingAlpha = 0.3
	}
	if c.Weights.MaxStep == 0 {
		c.Weights.MaxStep = 0.25
	}
	if c.Weights.ReviewDays == 0 {
		c.Weights.ReviewDays = 7
	}
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = "memory"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.CycleIntervalSeconds == 0 {
		c.System.CycleIntervalSeconds = 60
	}
	if c.System.ReviewIntervalHours == 0 {
		c.System.ReviewIntervalHours = 24
	}
	if c.Brokerage.TimeoutSeconds == 0 {
		c.Brokerage.TimeoutSeconds = 30
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAccounts(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateWeights(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validatePersistence(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAccounts() error {
	if len(c.Accounts) == 0 {
		return ValidationError{
			Field:   "accounts",
			Message: "at least one account must be configured",
		}
	}

	validStrategies := []string{"signal", "intraday", "autonomous"}
	for id, acct := range c.Accounts {
		if !contains(validStrategies, acct.Strategy) {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.strategy", id),
				Value:   acct.Strategy,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validStrategies, ", ")),
			}
		}
		if acct.StartingCapital <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.starting_capital", id),
				Value:   acct.StartingCapital,
				Message: "starting capital must be positive",
			}
		}
		if acct.MaxConcentrationPct <= 0 || acct.MaxConcentrationPct > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.max_concentration_pct", id),
				Value:   acct.MaxConcentrationPct,
				Message: "must be in (0, 1]",
			}
		}
		if acct.MaxInvestedPct <= 0 || acct.MaxInvestedPct > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.max_invested_pct", id),
				Value:   acct.MaxInvestedPct,
				Message: "must be in (0, 1]",
			}
		}
		if acct.MinCashBufferPct < 0 || acct.MinCashBufferPct >= 1 {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.min_cash_buffer_pct", id),
				Value:   acct.MinCashBufferPct,
				Message: "must be in [0, 1)",
			}
		}
		if acct.MaxOrdersPerCycle <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("accounts.%s.max_orders_per_cycle", id),
				Value:   acct.MaxOrdersPerCycle,
				Message: "must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateWeights() error {
	if c.Weights.Min >= c.Weights.Max {
		return ValidationError{
			Field:   "weights.min",
			Value:   c.Weights.Min,
			Message: "min must be less than max",
		}
	}
	if c.Weights.SmoothingAlpha <= 0 || c.Weights.SmoothingAlpha > 1 {
		return ValidationError{
			Field:   "weights.smoothing_alpha",
			Value:   c.Weights.SmoothingAlpha,
			Message: "must be in (0, 1]",
		}
	}
	if c.Weights.MaxStep <= 0 {
		return ValidationError{
			Field:   "weights.max_step",
			Value:   c.Weights.MaxStep,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validatePersistence() error {
	switch c.Persistence.Driver {
	case "memory":
		return nil
	case "sqlite":
		if c.Persistence.Path == "" {
			return ValidationError{
				Field:   "persistence.path",
				Message: "path is required for the sqlite driver",
			}
		}
		return nil
	default:
		return ValidationError{
			Field:   "persistence.driver",
			Value:   c.Persistence.Driver,
			Message: "must be one of: memory, sqlite",
		}
	}
}

// CycleInterval returns the pause between decision cycles.
func (c *SystemConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// ReviewInterval returns the pause between weight reviews.
func (c *SystemConfig) ReviewInterval() time.Duration {
	return time.Duration(c.ReviewIntervalHours) * time.Hour
}

// FreshnessWindow returns the signal freshness window as a duration.
func (c *GatewayConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowMinutes) * time.Minute
}

// DecisionTimeout returns the AI decision provider timeout.
func (c *ExecutionConfig) DecisionTimeout() time.Duration {
	return time.Duration(c.DecisionTimeoutS) * time.Second
}

// String returns a string representation of the configuration with
// sensitive data masked
func (c *Config) String() string {
	cp := *c
	cp.Brokerage.APIKey = maskString(cp.Brokerage.APIKey)
	cp.Brokerage.SecretKey = maskString(cp.Brokerage.SecretKey)

	data, _ := yaml.Marshal(cp)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Accounts: map[string]AccountConfig{
			"account1": {
				Strategy:            "signal",
				StartingCapital:     10000,
				Symbols:             []string{"AAPL", "MSFT", "NVDA"},
				MaxConcentrationPct: 0.20,
				MaxInvestedPct:      0.60,
				MinCashBufferPct:    0.05,
				MaxOrdersPerCycle:   6,
			},
			"account2": {
				Strategy:            "intraday",
				StartingCapital:     10000,
				Symbols:             []string{"SPY", "QQQ", "TSLA"},
				MaxConcentrationPct: 0.10,
				MaxInvestedPct:      0.50,
				MinCashBufferPct:    0.10,
				MaxOrdersPerCycle:   4,
				MaxDailyLossPct:     0.02,
				MaxTradesPerDay:     8,
				MaxConsecutiveLosses: 3,
			},
			"account3": {
				Strategy:            "autonomous",
				StartingCapital:     10000,
				Symbols:             []string{"AAPL", "AMZN", "GOOG"},
				MaxConcentrationPct: 0.15,
				MaxInvestedPct:      0.75,
				MinCashBufferPct:    0.05,
				MaxOrdersPerCycle:   6,
				MinConfidence:       60,
			},
		},
		Brokerage: BrokerageConfig{
			BaseURL:   "https://paper-api.example.test",
			APIKey:    "test_api_key",
			SecretKey: "test_secret_key",
		},
		System: SystemConfig{LogLevel: "INFO"},
	}
	cfg.applyDefaults()
	return cfg
}
