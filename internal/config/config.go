// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/signal_pilot/internal/signal"
	"github.com/eddiefleurent/signal_pilot/internal/util"
)

// Defaults applied by normalize when a value is unset.
const (
	defaultEntrySettleDelay   = "5s"
	defaultFillPollInterval   = "1s"
	defaultFillWaitTimeout    = "30s"
	defaultCancelPollInterval = "1s"
	defaultCancelPollAttempts = 10
	defaultBrokerTimeout      = "10s"
	defaultAlertPollInterval  = "2s"
	defaultAlertInitialDelay  = "5s"
	defaultProfitPollInterval = "2s"
	defaultProfitInitialDelay = "10s"
	defaultFeedReadTimeout    = "90s"
	defaultReconnectInitial   = "1s"
	defaultReconnectMax       = "1m"
	defaultDashboardListen    = "127.0.0.1:8080"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Trading     TradingConfig     `yaml:"trading"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Signals     signal.Patterns   `yaml:"signals"`
	Feed        FeedConfig        `yaml:"feed"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	BaseURL       string `yaml:"base_url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	AccountNumber string `yaml:"account_number"`
	// SessionToken reuses an existing session instead of logging in.
	SessionToken string `yaml:"session_token"`
	Sandbox      bool   `yaml:"sandbox"`
	Timeout      string `yaml:"timeout"`
	// CircuitBreaker wraps the gateway in a breaker when true.
	CircuitBreaker     bool   `yaml:"circuit_breaker"`
	CancelPollInterval string `yaml:"cancel_poll_interval"`
	CancelPollAttempts int    `yaml:"cancel_poll_attempts"`
}

// TradingConfig holds the reconciler's sizing and order rules.
type TradingConfig struct {
	AvoidTickers           []string `yaml:"avoid_tickers"`
	MaxBet                 float64  `yaml:"max_bet"`
	MaxContracts           int      `yaml:"max_contracts"`
	EntryMarkup            float64  `yaml:"entry_markup"`
	StockStopBuffer        float64  `yaml:"stock_stop_buffer"`
	EntryPriceDriftLimit   float64  `yaml:"entry_price_drift_limit"`
	EnterWithMarketOrder   bool     `yaml:"enter_with_market_order"`
	MarketSellOnDeactivate bool     `yaml:"market_sell_on_deactivate"`
	// FillConfirmation defaults to true; false falls back to EntrySettleDelay.
	FillConfirmation *bool  `yaml:"fill_confirmation"`
	FillPollInterval string `yaml:"fill_poll_interval"`
	FillWaitTimeout  string `yaml:"fill_wait_timeout"`
	EntrySettleDelay string `yaml:"entry_settle_delay"`
}

// WatchdogConfig holds both exit loops.
type WatchdogConfig struct {
	AlertExit  AlertExitConfig  `yaml:"alert_exit"`
	ProfitExit ProfitExitConfig `yaml:"profit_exit"`
}

// AlertExitConfig controls the alert-triggered exit loop.
type AlertExitConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PollInterval string `yaml:"poll_interval"`
	InitialDelay string `yaml:"initial_delay"`
}

// ProfitExitConfig controls the profit/loss exit loop. It runs when either
// percentage is positive.
type ProfitExitConfig struct {
	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	UseStopMarketExit bool    `yaml:"use_stop_market_exit"`
	StopTriggerDelta  float64 `yaml:"stop_trigger_delta"`
	PollInterval      string  `yaml:"poll_interval"`
	InitialDelay      string  `yaml:"initial_delay"`
}

// FeedConfig defines the signal feed connection and channel routing.
type FeedConfig struct {
	URL                    string          `yaml:"url"`
	Token                  string          `yaml:"token"`
	AlertChannel           string          `yaml:"alert_channel"`
	TestChannel            string          `yaml:"test_channel"`
	ChatChannel            string          `yaml:"chat_channel"`
	SelfName               string          `yaml:"self_name"`
	ExecuteFromTestChannel bool            `yaml:"execute_from_test_channel"`
	ReadTimeout            string          `yaml:"read_timeout"`
	Reconnect              ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the feed's reconnect backoff.
type ReconnectConfig struct {
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// DashboardConfig defines the status HTTP server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}

	setDefault(&c.Broker.Timeout, defaultBrokerTimeout)
	setDefault(&c.Broker.CancelPollInterval, defaultCancelPollInterval)
	if c.Broker.CancelPollAttempts == 0 {
		c.Broker.CancelPollAttempts = defaultCancelPollAttempts
	}

	setDefault(&c.Trading.FillPollInterval, defaultFillPollInterval)
	setDefault(&c.Trading.FillWaitTimeout, defaultFillWaitTimeout)
	setDefault(&c.Trading.EntrySettleDelay, defaultEntrySettleDelay)

	setDefault(&c.Watchdog.AlertExit.PollInterval, defaultAlertPollInterval)
	setDefault(&c.Watchdog.AlertExit.InitialDelay, defaultAlertInitialDelay)
	setDefault(&c.Watchdog.ProfitExit.PollInterval, defaultProfitPollInterval)
	setDefault(&c.Watchdog.ProfitExit.InitialDelay, defaultProfitInitialDelay)

	setDefault(&c.Feed.ReadTimeout, defaultFeedReadTimeout)
	setDefault(&c.Feed.Reconnect.InitialBackoff, defaultReconnectInitial)
	setDefault(&c.Feed.Reconnect.MaxBackoff, defaultReconnectMax)

	setDefault(&c.Dashboard.Listen, defaultDashboardListen)
}

func setDefault(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	if !c.IsPaperTrading() {
		if c.Broker.SessionToken == "" && (c.Broker.Username == "" || c.Broker.Password == "") {
			return fmt.Errorf("broker.username and broker.password (or broker.session_token) are required in live mode")
		}
		if c.Broker.AccountNumber == "" {
			return fmt.Errorf("broker.account_number is required in live mode")
		}
	}
	if c.Broker.CancelPollAttempts < 0 {
		return fmt.Errorf("broker.cancel_poll_attempts must be >= 0")
	}

	// Trading validation
	if c.Trading.MaxBet <= 0 {
		return fmt.Errorf("trading.max_bet must be > 0")
	}
	if c.Trading.MaxContracts <= 0 {
		return fmt.Errorf("trading.max_contracts must be > 0")
	}
	if c.Trading.EntryMarkup < 0 {
		return fmt.Errorf("trading.entry_markup must be >= 0")
	}
	if c.Trading.StockStopBuffer < 0 {
		return fmt.Errorf("trading.stock_stop_buffer must be >= 0")
	}
	if c.Trading.EntryPriceDriftLimit < 0 {
		return fmt.Errorf("trading.entry_price_drift_limit must be >= 0")
	}

	// Watchdog validation
	p := c.Watchdog.ProfitExit
	if p.TakeProfitPct < 0 || p.StopLossPct < 0 {
		return fmt.Errorf("watchdog.profit_exit percentages must be >= 0")
	}
	if p.UseStopMarketExit && p.TakeProfitPct > 0 && p.StopTriggerDelta <= 0 {
		return fmt.Errorf("watchdog.profit_exit.stop_trigger_delta must be > 0 when use_stop_market_exit is set")
	}

	// Signal patterns
	if _, err := signal.NewParser(c.Signals); err != nil {
		return fmt.Errorf("signals: %w", err)
	}

	// Feed validation
	if c.Feed.URL != "" && c.Feed.AlertChannel == "" {
		return fmt.Errorf("feed.alert_channel is required when feed.url is set")
	}
	if c.Feed.ExecuteFromTestChannel && c.Feed.TestChannel == "" {
		return fmt.Errorf("feed.test_channel is required when execute_from_test_channel is set")
	}

	// Durations
	durations := []struct {
		name     string
		value    string
		positive bool
	}{
		{"broker.timeout", c.Broker.Timeout, true},
		{"broker.cancel_poll_interval", c.Broker.CancelPollInterval, true},
		{"trading.fill_poll_interval", c.Trading.FillPollInterval, true},
		{"trading.fill_wait_timeout", c.Trading.FillWaitTimeout, true},
		{"trading.entry_settle_delay", c.Trading.EntrySettleDelay, false},
		{"watchdog.alert_exit.poll_interval", c.Watchdog.AlertExit.PollInterval, true},
		{"watchdog.alert_exit.initial_delay", c.Watchdog.AlertExit.InitialDelay, false},
		{"watchdog.profit_exit.poll_interval", c.Watchdog.ProfitExit.PollInterval, true},
		{"watchdog.profit_exit.initial_delay", c.Watchdog.ProfitExit.InitialDelay, false},
		{"feed.read_timeout", c.Feed.ReadTimeout, true},
		{"feed.reconnect.initial_backoff", c.Feed.Reconnect.InitialBackoff, true},
		{"feed.reconnect.max_backoff", c.Feed.Reconnect.MaxBackoff, true},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return fmt.Errorf("%s must be > 0, got %s", d.name, d.value)
		}
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Duration parses a validated duration string, returning 0 if it does not parse.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Decimal converts a configured price or percentage to a decimal.
func Decimal(f float64) decimal.Decimal {
	return util.FromFloat(f, 4)
}

// FillConfirmationEnabled reports whether entries wait for a fill before the
// first stop alert is placed.
func (c *Config) FillConfirmationEnabled() bool {
	return c.Trading.FillConfirmation == nil || *c.Trading.FillConfirmation
}

// ProfitExitEnabled reports whether the profit/loss loop should run.
func (c *Config) ProfitExitEnabled() bool {
	return c.Watchdog.ProfitExit.TakeProfitPct > 0 || c.Watchdog.ProfitExit.StopLossPct > 0
}
