// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the trading engine.
type Config struct {
	Engine     EngineSection     `yaml:"engine"`
	Broker     BrokerSection     `yaml:"broker"`
	Storage    StorageSection    `yaml:"storage"`
	Execution  ExecutionSection  `yaml:"execution"`
	Risk       RiskSection       `yaml:"risk"`
	Budget     BudgetSection     `yaml:"budget"`
	Screener   ScreenerSection   `yaml:"screener"`
	Strategies []StrategySection `yaml:"strategies"`
	Bus        BusSection        `yaml:"bus"`
	Metrics    MetricsSection    `yaml:"metrics"`
	Logging    LoggingSection    `yaml:"logging"`
}

// EngineSection configures the runner loop.
type EngineSection struct {
	TickIntervalSec         int  `yaml:"tick_interval_sec" validate:"gte=1"`
	OffHoursPollIntervalSec int  `yaml:"off_hours_poll_interval_sec" validate:"gte=0"`
	StreamingEnabled        bool `yaml:"streaming_enabled"`
}

// BrokerSection selects and configures the broker adapter.
type BrokerSection struct {
	Kind       string            `yaml:"kind" validate:"oneof=paper live"`
	Paper      PaperSection      `yaml:"paper"`
	Resilience ResilienceSection `yaml:"resilience"`
}

// PaperSection configures the deterministic paper broker.
type PaperSection struct {
	InitialCash  float64            `yaml:"initial_cash" validate:"gte=0"`
	PinnedPrices map[string]float64 `yaml:"pinned_prices"`
	SlippageBps  float64            `yaml:"slippage_bps" validate:"gte=0"`
	Seed         int64              `yaml:"seed"`
	// FollowSession derives the market-open flag from the session window
	// below instead of the manual flag.
	FollowSession bool           `yaml:"follow_session"`
	Session       SessionSection `yaml:"session"`
}

// SessionSection is a trading session window in a named timezone.
type SessionSection struct {
	StartTime string `yaml:"start_time"` // HH:MM
	EndTime   string `yaml:"end_time"`   // HH:MM
	Timezone  string `yaml:"timezone"`   // e.g. "America/New_York"
}

// ResilienceSection configures the circuit-breaker broker decorator.
type ResilienceSection struct {
	Enabled                bool   `yaml:"enabled"`
	MaxConsecutiveFailures uint32 `yaml:"max_consecutive_failures"`
	OpenTimeoutSec         int    `yaml:"open_timeout_sec"`
}

// StorageSection selects the database backend.
type StorageSection struct {
	Driver string `yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN    string `yaml:"dsn"`
}

// ExecutionSection configures the order execution service.
type ExecutionSection struct {
	OrderThrottlePerMinute int     `yaml:"order_throttle_per_minute" validate:"gte=1"`
	MaxPositionValue       float64 `yaml:"max_position_value" validate:"gte=0"`
	MaxDailyRisk           float64 `yaml:"max_daily_risk" validate:"gte=0"`
}

// RiskSection configures the pre-trade risk manager.
type RiskSection struct {
	Enabled                   bool    `yaml:"enabled"`
	MaxPositionSize           float64 `yaml:"max_position_size" validate:"gte=0"`
	MaxPortfolioExposure      float64 `yaml:"max_portfolio_exposure" validate:"gte=0"`
	MaxSymbolConcentrationPct float64 `yaml:"max_symbol_concentration_pct" validate:"gte=0,lte=100"`
	MaxOpenPositions          int     `yaml:"max_open_positions" validate:"gte=0"`
	DailyLossLimit            float64 `yaml:"daily_loss_limit" validate:"gte=0"`
	MaxConsecutiveLosses      int     `yaml:"max_consecutive_losses" validate:"gte=0"`
	MaxDrawdownPct            float64 `yaml:"max_drawdown_pct" validate:"gte=0,lte=100"`
}

// BudgetSection configures the weekly budget tracker.
type BudgetSection struct {
	Enabled      bool    `yaml:"enabled"`
	WeeklyBudget float64 `yaml:"weekly_budget" validate:"gte=0"`
	Persist      bool    `yaml:"persist"`
}

// ScreenerSection configures universe selection.
type ScreenerSection struct {
	Mode                  string   `yaml:"mode" validate:"oneof=seed_only seed_guardrail_blend guardrail_only"`
	Limit                 int      `yaml:"limit" validate:"gte=1"`
	MinDollarVolume       float64  `yaml:"min_dollar_volume" validate:"gte=0"`
	MaxSpreadBps          float64  `yaml:"max_spread_bps" validate:"gte=0"`
	RequireBrokerTradable bool     `yaml:"require_broker_tradable"`
	RequireFractionable   bool     `yaml:"require_fractionable"`
	MaxSectorWeightPct    float64  `yaml:"max_sector_weight_pct" validate:"gte=0,lte=100"`
	Universe              []string `yaml:"universe"`
}

// StrategySection declares one strategy instance for the runner.
type StrategySection struct {
	Name           string             `yaml:"name" validate:"required"`
	Type           string             `yaml:"type" validate:"required"`
	Enabled        bool               `yaml:"enabled"`
	Symbols        []string           `yaml:"symbols"`
	AllowedRegimes []string           `yaml:"allowed_regimes"`
	Parameters     map[string]float64 `yaml:"parameters"`
}

// BusSection configures the optional NATS event bus.
type BusSection struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsSection configures the prometheus endpoint. Empty addr disables it.
type MetricsSection struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingSection configures zap.
type LoggingSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

var validate = validator.New()

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration back to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.applyDefaults()

	if err := validate.Struct(c); err != nil {
		return err
	}

	// The off-hours poll may not be shorter than the tick interval, and
	// never under 15 seconds.
	if c.Engine.OffHoursPollIntervalSec < 15 {
		c.Engine.OffHoursPollIntervalSec = 15
	}
	if c.Engine.OffHoursPollIntervalSec < c.Engine.TickIntervalSec {
		c.Engine.OffHoursPollIntervalSec = c.Engine.TickIntervalSec
	}

	seen := make(map[string]bool, len(c.Strategies))
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if seen[s.Name] {
			return fmt.Errorf("duplicate strategy name: %s", s.Name)
		}
		seen[s.Name] = true
		// A strategy with no static symbols takes its universe from the
		// screener, which needs a universe to scan.
		if s.Enabled && len(s.Symbols) == 0 && len(c.Screener.Universe) == 0 {
			return fmt.Errorf("strategies[%d] (%s): symbols cannot be empty without a screener universe", i, s.Name)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Engine.TickIntervalSec == 0 {
		c.Engine.TickIntervalSec = 10
	}
	if c.Engine.OffHoursPollIntervalSec == 0 {
		c.Engine.OffHoursPollIntervalSec = 300
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = "paper"
	}
	if c.Broker.Paper.InitialCash == 0 {
		c.Broker.Paper.InitialCash = 100000
	}
	if c.Broker.Paper.Session.Timezone == "" {
		c.Broker.Paper.Session.Timezone = "America/New_York"
	}
	if c.Broker.Paper.Session.StartTime == "" {
		c.Broker.Paper.Session.StartTime = "09:30"
	}
	if c.Broker.Paper.Session.EndTime == "" {
		c.Broker.Paper.Session.EndTime = "16:00"
	}
	if c.Broker.Resilience.MaxConsecutiveFailures == 0 {
		c.Broker.Resilience.MaxConsecutiveFailures = 5
	}
	if c.Broker.Resilience.OpenTimeoutSec == 0 {
		c.Broker.Resilience.OpenTimeoutSec = 30
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "tradeengine.db"
	}
	if c.Execution.OrderThrottlePerMinute == 0 {
		c.Execution.OrderThrottlePerMinute = 60
	}
	if c.Execution.MaxPositionValue == 0 {
		c.Execution.MaxPositionValue = 10000
	}
	if c.Execution.MaxDailyRisk == 0 {
		c.Execution.MaxDailyRisk = 1000
	}
	if c.Risk.MaxPositionSize == 0 {
		c.Risk.MaxPositionSize = 10000
	}
	if c.Risk.MaxPortfolioExposure == 0 {
		c.Risk.MaxPortfolioExposure = 50000
	}
	if c.Risk.MaxSymbolConcentrationPct == 0 {
		c.Risk.MaxSymbolConcentrationPct = 25
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = 10
	}
	if c.Risk.DailyLossLimit == 0 {
		c.Risk.DailyLossLimit = 500
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 5
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 20
	}
	if c.Budget.WeeklyBudget == 0 {
		c.Budget.WeeklyBudget = 1000
	}
	if c.Screener.Mode == "" {
		c.Screener.Mode = "seed_guardrail_blend"
	}
	if c.Screener.Limit == 0 {
		c.Screener.Limit = 10
	}
	if c.Screener.MinDollarVolume == 0 {
		c.Screener.MinDollarVolume = 5_000_000
	}
	if c.Screener.MaxSpreadBps == 0 {
		c.Screener.MaxSpreadBps = 40
	}
	if c.Screener.MaxSectorWeightPct == 0 {
		c.Screener.MaxSectorWeightPct = 40
	}
	if c.Bus.SubjectPrefix == "" {
		c.Bus.SubjectPrefix = "engine"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
