// Package config handles configuration management with validation
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Exchange  ExchangeConfig  `json:"exchange" yaml:"exchange"`
	Failures  FailuresConfig  `json:"failures" yaml:"failures"`
	System    SystemConfig    `json:"system" yaml:"system"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// PricingModelConfig selects and parameterises the price model
type PricingModelConfig struct {
	ModelType  string  `json:"model_type" yaml:"model_type"` // gbm, random_walk, trend
	Drift      float64 `json:"drift" yaml:"drift"`
	Volatility float64 `json:"volatility" yaml:"volatility"`
}

// ExchangeConfig contains market and account settings
type ExchangeConfig struct {
	Symbols              []string           `json:"symbols" yaml:"symbols"`
	InitialPrices        map[string]string  `json:"initial_prices" yaml:"initial_prices"`
	TickInterval         float64            `json:"tick_interval" yaml:"tick_interval"` // seconds
	SpreadBps            float64            `json:"spread_bps" yaml:"spread_bps"`
	PricePrecision       int32              `json:"price_precision" yaml:"price_precision"` // decimal places
	HistorySize          int                `json:"history_size" yaml:"history_size"`
	RejectUnfilledMarket bool               `json:"reject_unfilled_market" yaml:"reject_unfilled_market"`
	PricingModel         PricingModelConfig `json:"pricing_model" yaml:"pricing_model"`
	DefaultBalance       map[string]string  `json:"default_balance" yaml:"default_balance"`
}

// LatencyConfig arms the log-normal link model and selects its preset
type LatencyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Mode    string `json:"mode" yaml:"mode"` // stable, typical
}

// FailureMode configures a single failure strategy
type FailureMode struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	Probability          float64 `json:"probability" yaml:"probability"`
	MinMs                int     `json:"min_ms" yaml:"min_ms"`
	MaxMs                int     `json:"max_ms" yaml:"max_ms"`
	WindowSize           int     `json:"window_size" yaml:"window_size"`
	MaxDuplicates        int     `json:"max_duplicates" yaml:"max_duplicates"`
	MaxMessagesPerSecond int     `json:"max_messages_per_second" yaml:"max_messages_per_second"`
	CorruptionLevel      float64 `json:"corruption_level" yaml:"corruption_level"`
	BaselineRPS          int     `json:"baseline_rps" yaml:"baseline_rps"`
	AfterMessages        int     `json:"after_messages" yaml:"after_messages"`
	ResetOnReconnect     bool    `json:"reset_on_reconnect" yaml:"reset_on_reconnect"`
}

// FailuresConfig contains failure injection settings
type FailuresConfig struct {
	Enabled bool                   `json:"enabled" yaml:"enabled"`
	Latency LatencyConfig          `json:"latency" yaml:"latency"`
	Modes   map[string]FailureMode `json:"modes" yaml:"modes"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `json:"enable_metrics" yaml:"enable_metrics"`
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

// LoadConfig loads configuration from a JSON or YAML file with environment
// variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := []byte(os.Expand(string(data), os.Getenv))

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(expanded, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateServerConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateFailuresConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	if len(c.Exchange.Symbols) == 0 {
		return ValidationError{
			Field:   "exchange.symbols",
			Message: "at least one symbol must be configured",
		}
	}

	for _, sym := range c.Exchange.Symbols {
		if !strings.Contains(sym, "/") {
			return ValidationError{
				Field:   "exchange.symbols",
				Value:   sym,
				Message: "symbol must be of the form BASE/QUOTE",
			}
		}
		priceStr, ok := c.Exchange.InitialPrices[sym]
		if !ok {
			return ValidationError{
				Field:   fmt.Sprintf("exchange.initial_prices.%s", sym),
				Message: "initial price is required for every symbol",
			}
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil || !price.IsPositive() {
			return ValidationError{
				Field:   fmt.Sprintf("exchange.initial_prices.%s", sym),
				Value:   priceStr,
				Message: "must be a positive decimal",
			}
		}
	}

	if c.Exchange.TickInterval <= 0 {
		return ValidationError{
			Field:   "exchange.tick_interval",
			Value:   c.Exchange.TickInterval,
			Message: "tick interval must be positive",
		}
	}

	if c.Exchange.PricePrecision < 0 || c.Exchange.PricePrecision > 18 {
		return ValidationError{
			Field:   "exchange.price_precision",
			Value:   c.Exchange.PricePrecision,
			Message: "must be between 0 and 18",
		}
	}

	if c.Exchange.HistorySize <= 0 {
		return ValidationError{
			Field:   "exchange.history_size",
			Value:   c.Exchange.HistorySize,
			Message: "history size must be positive",
		}
	}

	validModels := []string{"gbm", "random_walk", "trend"}
	if !contains(validModels, c.Exchange.PricingModel.ModelType) {
		return ValidationError{
			Field:   "exchange.pricing_model.model_type",
			Value:   c.Exchange.PricingModel.ModelType,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModels, ", ")),
		}
	}

	for asset, balStr := range c.Exchange.DefaultBalance {
		bal, err := decimal.NewFromString(balStr)
		if err != nil || bal.IsNegative() {
			return ValidationError{
				Field:   fmt.Sprintf("exchange.default_balance.%s", asset),
				Value:   balStr,
				Message: "must be a non-negative decimal",
			}
		}
	}

	return nil
}

func (c *Config) validateFailuresConfig() error {
	validLatencyModes := []string{"stable", "typical"}
	if !contains(validLatencyModes, c.Failures.Latency.Mode) {
		return ValidationError{
			Field:   "failures.latency.mode",
			Value:   c.Failures.Latency.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLatencyModes, ", ")),
		}
	}

	for name, mode := range c.Failures.Modes {
		if mode.Probability < 0 || mode.Probability > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("failures.modes.%s.probability", name),
				Value:   mode.Probability,
				Message: "probability must be between 0.0 and 1.0",
			}
		}
		if mode.MinMs < 0 || mode.MaxMs < 0 {
			return ValidationError{
				Field:   fmt.Sprintf("failures.modes.%s", name),
				Message: "delays must be non-negative",
			}
		}
		if mode.MaxMs > 0 && mode.MinMs > mode.MaxMs {
			return ValidationError{
				Field:   fmt.Sprintf("failures.modes.%s.min_ms", name),
				Value:   mode.MinMs,
				Message: "min_ms must be <= max_ms",
			}
		}
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
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

// InitialPricesDecimal returns initial prices parsed as decimals. Validate
// must have succeeded first.
func (c *Config) InitialPricesDecimal() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(c.Exchange.InitialPrices))
	for sym, s := range c.Exchange.InitialPrices {
		if d, err := decimal.NewFromString(s); err == nil {
			prices[sym] = d
		}
	}
	return prices
}

// DefaultBalanceDecimal returns the default account balance parsed as decimals
func (c *Config) DefaultBalanceDecimal() map[string]decimal.Decimal {
	balances := make(map[string]decimal.Decimal, len(c.Exchange.DefaultBalance))
	for asset, s := range c.Exchange.DefaultBalance {
		if d, err := decimal.NewFromString(s); err == nil {
			balances[asset] = d
		}
	}
	return balances
}

// Mode returns the named failure mode, zero-valued when absent
func (c *FailuresConfig) Mode(name string) FailureMode {
	return c.Modes[name]
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8765,
		},
		Exchange: ExchangeConfig{
			Symbols:              []string{"BTC/USD"},
			InitialPrices:        map[string]string{"BTC/USD": "50000"},
			TickInterval:         0.1,
			SpreadBps:            10,
			PricePrecision:       2,
			HistorySize:          10000,
			RejectUnfilledMarket: true,
			PricingModel: PricingModelConfig{
				ModelType:  "gbm",
				Drift:      0.0,
				Volatility: 0.1,
			},
			DefaultBalance: map[string]string{"USD": "100000", "BTC": "10"},
		},
		Failures: FailuresConfig{
			Enabled: false,
			Latency: LatencyConfig{Mode: "stable"},
			Modes:   map[string]FailureMode{},
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
	}
}
