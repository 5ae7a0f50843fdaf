// Package config provides configuration management for the equity fleet
// worker: a YAML file layered with environment variable overrides, the same
// precedence the bot's predecessor used (env wins over file).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when a field is left unset.
const (
	defaultPollIntervalMs          = 5000
	defaultHeartbeatIntervalMs     = 30000
	defaultLockTTLMs               = 60000
	defaultLockRenewThresholdMs    = 20000
	defaultShutdownDeadlineMs      = 60000
	defaultRPCTimeoutMs            = 10000
	defaultRPCMaxRetries           = 3
	defaultRateLimitPerSec         = 5.0
	defaultSessionLiquidationOffMin = 15
	defaultMinBuyConfidence         = 0.6
)

// Config is the complete worker configuration.
type Config struct {
	Credentials   CredentialsConfig `yaml:"credentials"`
	TradingMode   string            `yaml:"trading_mode"` // PAPER | LIVE
	LogLevel      string            `yaml:"log_level"`    // debug | info | warn | error
	Runtime       RuntimeConfig     `yaml:"runtime"`
	Risk          RiskConfig        `yaml:"risk"`
	Strategy      StrategyConfig    `yaml:"strategy"`
	Notifications NotifyConfig      `yaml:"notifications"`
	Store         StoreConfig       `yaml:"store"`
	Dashboard     DashboardConfig   `yaml:"dashboard"`
}

// CredentialsConfig holds broker API credentials.
type CredentialsConfig struct {
	AppKey        string `yaml:"app_key"`
	AppSecret     string `yaml:"app_secret"`
	AccountNumber string `yaml:"account_number"`
}

// RuntimeConfig controls the worker's internal timing knobs. Durations are
// expressed in milliseconds in both YAML and the environment, matching the
// enumerated _MS env vars; the As*() helpers hand back time.Duration.
type RuntimeConfig struct {
	PollIntervalMs       int64   `yaml:"poll_interval_ms"`
	HeartbeatIntervalMs  int64   `yaml:"heartbeat_interval_ms"`
	LockTTLMs            int64   `yaml:"lock_ttl_ms"`
	LockRenewThresholdMs int64   `yaml:"lock_renew_threshold_ms"`
	ShutdownDeadlineMs   int64   `yaml:"shutdown_deadline_ms"`
	RPCTimeoutMs         int64   `yaml:"rpc_timeout_ms"`
	RPCMaxRetries        int     `yaml:"rpc_max_retries"`
	RateLimitPerSec      float64 `yaml:"rate_limit_per_sec"`
}

func (r RuntimeConfig) PollInterval() time.Duration       { return time.Duration(r.PollIntervalMs) * time.Millisecond }
func (r RuntimeConfig) HeartbeatInterval() time.Duration  { return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond }
func (r RuntimeConfig) LockTTL() time.Duration            { return time.Duration(r.LockTTLMs) * time.Millisecond }
func (r RuntimeConfig) LockRenewThreshold() time.Duration { return time.Duration(r.LockRenewThresholdMs) * time.Millisecond }
func (r RuntimeConfig) ShutdownDeadline() time.Duration   { return time.Duration(r.ShutdownDeadlineMs) * time.Millisecond }
func (r RuntimeConfig) RPCTimeout() time.Duration         { return time.Duration(r.RPCTimeoutMs) * time.Millisecond }

// RiskConfig bounds capital exposure per worker and per trading session.
type RiskConfig struct {
	CapitalLimitPerWorker       float64 `yaml:"capital_limit_per_worker"`
	DailyLossLimit              float64 `yaml:"daily_loss_limit"`
	SessionLiquidationOffsetMin int     `yaml:"session_liquidation_offset_min"`
}

// StrategyConfig selects and parameterizes the trading strategy. Params
// carries strategy-specific opaque fields the registered strategy parses
// for itself; the worker never interprets its contents.
type StrategyConfig struct {
	Name             string            `yaml:"name"`
	MinBuyConfidence float64           `yaml:"min_buy_confidence"`
	Params           map[string]string `yaml:"params"`
}

// NotifyConfig configures the optional Slack notifier. Both fields empty
// means notifications are a no-op; this must never affect correctness.
type NotifyConfig struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

// StoreConfig points at the persistence backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// DashboardConfig controls the optional read-only HTTP dashboard.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads the YAML file at path (if any), layers the enumerated
// environment variable overrides on top, normalizes defaults, and validates
// the result. An empty path is tolerated — a deployment may configure
// everything through the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied config file path
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %q: %w", path, err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			dec := yaml.NewDecoder(strings.NewReader(expanded))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides layers the named environment variables over whatever
// the YAML file provided. Env wins: an operator can ship one YAML file to
// every worker and differentiate credentials/mode purely through the
// environment.
func applyEnvOverrides(c *Config) {
	setString(&c.Credentials.AppKey, "BROKER_APP_KEY")
	setString(&c.Credentials.AppSecret, "BROKER_APP_SECRET")
	setString(&c.Credentials.AccountNumber, "BROKER_ACCOUNT_NUMBER")
	setString(&c.TradingMode, "TRADING_MODE")
	setString(&c.LogLevel, "LOG_LEVEL")

	setInt64(&c.Runtime.PollIntervalMs, "POLL_INTERVAL_MS")
	setInt64(&c.Runtime.HeartbeatIntervalMs, "HEARTBEAT_INTERVAL_MS")
	setInt64(&c.Runtime.LockTTLMs, "LOCK_TTL_MS")
	setInt64(&c.Runtime.LockRenewThresholdMs, "LOCK_RENEW_THRESHOLD_MS")
	setInt64(&c.Runtime.ShutdownDeadlineMs, "SHUTDOWN_DEADLINE_MS")
	setInt64(&c.Runtime.RPCTimeoutMs, "RPC_TIMEOUT_MS")
	setInt(&c.Runtime.RPCMaxRetries, "RPC_MAX_RETRIES")
	setFloat(&c.Runtime.RateLimitPerSec, "RATE_LIMIT_PER_SEC")

	setFloat(&c.Risk.CapitalLimitPerWorker, "CAPITAL_LIMIT_PER_WORKER")
	setFloat(&c.Risk.DailyLossLimit, "DAILY_LOSS_LIMIT")
	setInt(&c.Risk.SessionLiquidationOffsetMin, "SESSION_LIQUIDATION_OFFSET_MIN")

	setString(&c.Strategy.Name, "STRATEGY_NAME")
	setFloat(&c.Strategy.MinBuyConfidence, "MIN_BUY_CONFIDENCE")

	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		c.Notifications.SlackToken = v
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		c.Notifications.SlackChannel = v
	}

	setString(&c.Store.DatabaseURL, "DATABASE_URL")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		*dst = n
	}
}

func setInt(dst *int, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		*dst = n
	}
}

func setFloat(dst *float64, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
		*dst = f
	}
}

// Normalize fills in defaults for anything left unset by file or environment.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.TradingMode) == "" {
		c.TradingMode = "PAPER"
	}
	c.TradingMode = strings.ToUpper(c.TradingMode)

	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}

	if c.Runtime.PollIntervalMs <= 0 {
		c.Runtime.PollIntervalMs = defaultPollIntervalMs
	}
	if c.Runtime.HeartbeatIntervalMs <= 0 {
		c.Runtime.HeartbeatIntervalMs = defaultHeartbeatIntervalMs
	}
	if c.Runtime.LockTTLMs <= 0 {
		c.Runtime.LockTTLMs = defaultLockTTLMs
	}
	if c.Runtime.LockRenewThresholdMs <= 0 {
		c.Runtime.LockRenewThresholdMs = defaultLockRenewThresholdMs
	}
	if c.Runtime.ShutdownDeadlineMs <= 0 {
		c.Runtime.ShutdownDeadlineMs = defaultShutdownDeadlineMs
	}
	if c.Runtime.RPCTimeoutMs <= 0 {
		c.Runtime.RPCTimeoutMs = defaultRPCTimeoutMs
	}
	if c.Runtime.RPCMaxRetries <= 0 {
		c.Runtime.RPCMaxRetries = defaultRPCMaxRetries
	}
	if c.Runtime.RateLimitPerSec <= 0 {
		c.Runtime.RateLimitPerSec = defaultRateLimitPerSec
	}

	if c.Risk.SessionLiquidationOffsetMin <= 0 {
		c.Risk.SessionLiquidationOffsetMin = defaultSessionLiquidationOffMin
	}

	if c.Strategy.MinBuyConfidence <= 0 {
		c.Strategy.MinBuyConfidence = defaultMinBuyConfidence
	}
	if c.Strategy.Params == nil {
		c.Strategy.Params = map[string]string{}
	}
}

// Validate checks that the configuration is complete and internally
// consistent. It never mutates c; call Normalize first.
func (c *Config) Validate() error {
	if c.TradingMode != "PAPER" && c.TradingMode != "LIVE" {
		return fmt.Errorf("trading_mode must be PAPER or LIVE, got %q", c.TradingMode)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(c.Credentials.AppKey) == "" {
		return fmt.Errorf("credentials.app_key (BROKER_APP_KEY) is required")
	}
	if strings.TrimSpace(c.Credentials.AppSecret) == "" {
		return fmt.Errorf("credentials.app_secret (BROKER_APP_SECRET) is required")
	}
	if strings.TrimSpace(c.Credentials.AccountNumber) == "" {
		return fmt.Errorf("credentials.account_number (BROKER_ACCOUNT_NUMBER) is required")
	}

	if c.Runtime.PollIntervalMs <= 0 {
		return fmt.Errorf("runtime.poll_interval_ms must be > 0")
	}
	if c.Runtime.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("runtime.heartbeat_interval_ms must be > 0")
	}
	if c.Runtime.LockTTLMs <= 0 {
		return fmt.Errorf("runtime.lock_ttl_ms must be > 0")
	}
	if c.Runtime.LockRenewThresholdMs <= 0 || c.Runtime.LockRenewThresholdMs >= c.Runtime.LockTTLMs {
		return fmt.Errorf("runtime.lock_renew_threshold_ms must be > 0 and < lock_ttl_ms")
	}
	if c.Runtime.ShutdownDeadlineMs <= 0 {
		return fmt.Errorf("runtime.shutdown_deadline_ms must be > 0")
	}
	if c.Runtime.RPCTimeoutMs <= 0 {
		return fmt.Errorf("runtime.rpc_timeout_ms must be > 0")
	}
	if c.Runtime.RPCMaxRetries < 0 {
		return fmt.Errorf("runtime.rpc_max_retries must be >= 0")
	}
	if c.Runtime.RateLimitPerSec <= 0 {
		return fmt.Errorf("runtime.rate_limit_per_sec must be > 0")
	}

	if c.Risk.CapitalLimitPerWorker <= 0 {
		return fmt.Errorf("risk.capital_limit_per_worker must be > 0")
	}
	if c.Risk.DailyLossLimit <= 0 {
		return fmt.Errorf("risk.daily_loss_limit must be > 0")
	}
	if c.Risk.SessionLiquidationOffsetMin <= 0 {
		return fmt.Errorf("risk.session_liquidation_offset_min must be > 0")
	}

	if strings.TrimSpace(c.Strategy.Name) == "" {
		return fmt.Errorf("strategy.name (STRATEGY_NAME) is required")
	}
	if c.Strategy.MinBuyConfidence <= 0 || c.Strategy.MinBuyConfidence > 1 {
		return fmt.Errorf("strategy.min_buy_confidence must be in (0,1]")
	}

	if strings.TrimSpace(c.Store.DatabaseURL) == "" {
		return fmt.Errorf("store.database_url (DATABASE_URL) is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	return nil
}

// IsLive reports whether the configuration selects live trading.
func (c *Config) IsLive() bool {
	return c.TradingMode == "LIVE"
}

// NotificationsEnabled reports whether a Slack notifier can be constructed
// from this configuration.
func (c *Config) NotificationsEnabled() bool {
	return strings.TrimSpace(c.Notifications.SlackToken) != "" && strings.TrimSpace(c.Notifications.SlackChannel) != ""
}
