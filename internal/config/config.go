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
	App       AppConfig               `yaml:"app"`
	Venues    map[string]VenueConfig  `yaml:"venues"`
	Master    AccountConfig           `yaml:"master"`
	Accounts  []AccountConfig         `yaml:"accounts"`
	Market    MarketDataConfig        `yaml:"market_data"`
	Webhook   WebhookConfig           `yaml:"webhook"`
	Alerts    AlertConfig             `yaml:"alerts"`
	System    SystemConfig            `yaml:"system"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	StatePath string `yaml:"state_path"` // sqlite file for nonces + position archive
}

// VenueConfig contains venue-specific credentials and endpoints
type VenueConfig struct {
	APIKey     Secret `yaml:"api_key"`
	SecretKey  Secret `yaml:"secret_key"`
	Passphrase Secret `yaml:"passphrase"` // required by some venues
	BaseURL    string `yaml:"base_url"`   // optional override for API URL
	WSURL      string `yaml:"ws_url"`     // optional price stream endpoint
	RateLimit  int    `yaml:"rate_limit"` // requests per second, 0 = venue default
}

// RiskPolicyConfig contains per-account risk parameters
type RiskPolicyConfig struct {
	MinFraction              float64 `yaml:"min_fraction"`
	MaxFraction              float64 `yaml:"max_fraction"`
	MaxTotalExposureFraction float64 `yaml:"max_total_exposure_fraction"`
	MaxConcurrentPositions   int     `yaml:"max_concurrent_positions"`
	EquityFloor              float64 `yaml:"equity_floor"`
	MaxUserRiskFraction      float64 `yaml:"max_user_risk_fraction"`
	MaxDailyLoss             float64 `yaml:"max_daily_loss"`
	MaxConsecutiveLosses     int     `yaml:"max_consecutive_losses"`
}

// ExitConfig contains position exit trigger parameters
type ExitConfig struct {
	StopLossPct      float64   `yaml:"stop_loss_pct"`
	TakeProfitPcts   []float64 `yaml:"take_profit_pcts"`
	TakeProfitSizes  []float64 `yaml:"take_profit_sizes"`
	TrailingStopPct  float64   `yaml:"trailing_stop_pct"`
	MaxAgeUnprofit   int       `yaml:"max_age_unprofitable_minutes"`
	CooldownMinutes  int       `yaml:"cooldown_minutes"`
	MaxExitFailures  int       `yaml:"max_exit_failures"`
}

// AccountConfig describes one trading account
type AccountConfig struct {
	ID            string           `yaml:"id"`
	DisplayName   string           `yaml:"display_name"`
	Venue         string           `yaml:"venue"`
	Enabled       bool             `yaml:"enabled"`
	CycleInterval int              `yaml:"cycle_interval_seconds"`
	Risk          RiskPolicyConfig `yaml:"risk"`
	Exit          ExitConfig       `yaml:"exit"`
}

// MarketDataConfig controls the two cache tiers and the rotation cursor
type MarketDataConfig struct {
	UniverseTTLMinutes int    `yaml:"universe_ttl_minutes"`
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`
	SliceSize          int    `yaml:"slice_size"`
	CandleInterval     string `yaml:"candle_interval"`
	CandleLimit        int    `yaml:"candle_limit"`
}

// WebhookConfig controls the signed trade-intent listener
type WebhookConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SigningKey Secret `yaml:"signing_key"`
}

// AlertConfig controls outbound alert channels
type AlertConfig struct {
	TelegramBotToken Secret  `yaml:"telegram_bot_token"`
	TelegramChatID   string  `yaml:"telegram_chat_id"`
	BalanceThreshold float64 `yaml:"balance_threshold"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel          string `yaml:"log_level"`
	RestartDelay      int    `yaml:"restart_delay_seconds"`
	DrainGracePeriod  int    `yaml:"drain_grace_seconds"`
	RequestTimeout    int    `yaml:"request_timeout_seconds"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	DebugExport   bool `yaml:"debug_export"`
}

// CycleIntervalDuration returns the account's scan interval
func (a AccountConfig) CycleIntervalDuration() time.Duration {
	if a.CycleInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.CycleInterval) * time.Second
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
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

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateVenues(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateAccounts(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMarketData(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{
			Field:   "venues",
			Message: "at least one venue must be configured",
		}
	}
	return nil
}

// validateAccounts checks the master account and risk policies. A dependent
// account whose venue has missing credentials is NOT a validation error; it
// is skipped at startup instead (and logged), so one broken account cannot
// keep the process from starting.
func (c *Config) validateAccounts() error {
	if c.Master.ID == "" {
		return ValidationError{
			Field:   "master.id",
			Message: "master account id is required",
		}
	}
	if _, ok := c.Venues[c.Master.Venue]; !ok && c.Master.Venue != "mock" {
		return ValidationError{
			Field:   "master.venue",
			Value:   c.Master.Venue,
			Message: "venue configuration not found in venues section",
		}
	}

	seen := map[string]bool{c.Master.ID: true}
	for _, acct := range c.Accounts {
		if acct.ID == "" {
			return ValidationError{
				Field:   "accounts.id",
				Message: "account id is required",
			}
		}
		if seen[acct.ID] {
			return ValidationError{
				Field:   "accounts.id",
				Value:   acct.ID,
				Message: "duplicate account id",
			}
		}
		seen[acct.ID] = true

		if err := validateRisk(acct.ID, acct.Risk); err != nil {
			return err
		}
	}

	return validateRisk(c.Master.ID, c.Master.Risk)
}

func validateRisk(accountID string, r RiskPolicyConfig) error {
	if r.MinFraction < 0 || r.MinFraction > 1 {
		return ValidationError{
			Field:   fmt.Sprintf("accounts.%s.risk.min_fraction", accountID),
			Value:   r.MinFraction,
			Message: "must be in [0, 1]",
		}
	}
	if r.MaxFraction < r.MinFraction || r.MaxFraction > 1 {
		return ValidationError{
			Field:   fmt.Sprintf("accounts.%s.risk.max_fraction", accountID),
			Value:   r.MaxFraction,
			Message: "must be in [min_fraction, 1]",
		}
	}
	if r.MaxTotalExposureFraction <= 0 || r.MaxTotalExposureFraction > 1 {
		return ValidationError{
			Field:   fmt.Sprintf("accounts.%s.risk.max_total_exposure_fraction", accountID),
			Value:   r.MaxTotalExposureFraction,
			Message: "must be in (0, 1]",
		}
	}
	if r.MaxConcurrentPositions <= 0 {
		return ValidationError{
			Field:   fmt.Sprintf("accounts.%s.risk.max_concurrent_positions", accountID),
			Value:   r.MaxConcurrentPositions,
			Message: "must be positive",
		}
	}
	if r.MaxUserRiskFraction < 0 || r.MaxUserRiskFraction > 1 {
		return ValidationError{
			Field:   fmt.Sprintf("accounts.%s.risk.max_user_risk_fraction", accountID),
			Value:   r.MaxUserRiskFraction,
			Message: "must be in [0, 1]",
		}
	}
	return nil
}

func (c *Config) validateMarketData() error {
	if c.Market.SliceSize <= 0 {
		return ValidationError{
			Field:   "market_data.slice_size",
			Value:   c.Market.SliceSize,
			Message: "must be positive",
		}
	}
	if c.Market.SnapshotTTLSeconds <= 0 {
		return ValidationError{
			Field:   "market_data.snapshot_ttl_seconds",
			Value:   c.Market.SnapshotTTLSeconds,
			Message: "must be positive",
		}
	}
	if c.Market.UniverseTTLMinutes <= 0 {
		return ValidationError{
			Field:   "market_data.universe_ttl_minutes",
			Value:   c.Market.UniverseTTLMinutes,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: "must be one of: DEBUG INFO WARN ERROR FATAL",
		}
	}
	return nil
}

// HasCredentials reports whether the venue for the given account has a usable
// credential set
func (c *Config) HasCredentials(acct AccountConfig) bool {
	if acct.Venue == "mock" {
		return true
	}
	v, ok := c.Venues[acct.Venue]
	if !ok {
		return false
	}
	return v.APIKey.IsSet() && v.SecretKey.IsSet()
}

// Helper functions

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
