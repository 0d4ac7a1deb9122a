// Package config loads and snapshots the tunable constants the core
// honors (SPEC_FULL §6.3), backed by viper: defaults, an optional config
// file and TRADECORE_* environment variables, read once by Load.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full set of tunables. A *Config is treated as an
// immutable snapshot: the Supervisor takes one copy at the top of each
// cycle so an operator edit never tears a single cycle's decisions.
type Config struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`

	MinConfidence      float64 `mapstructure:"min_confidence"`
	MaxPositionSize    float64 `mapstructure:"max_position_size"`
	MaxDailyLoss       float64 `mapstructure:"max_daily_loss"`
	MaxTradesPerDay    int     `mapstructure:"max_trades_per_day"`
	MaxDrawdownPct     float64 `mapstructure:"max_drawdown_pct"`
	DefaultStopLossPct float64 `mapstructure:"default_stop_loss_pct"`
	ReflectionTrigger  int     `mapstructure:"reflection_trigger"`
	MinRiskRewardBlock float64 `mapstructure:"min_risk_reward_block"`
	MinRiskRewardWarn  float64 `mapstructure:"min_risk_reward_warn"`

	SimWalkStdPct        float64 `mapstructure:"sim_walk_std_pct"`
	SimIntradayRangePct  float64 `mapstructure:"sim_intraday_range_pct"`
	SimSpreadPct         float64 `mapstructure:"sim_spread_pct"`

	BrokerRESTTimeout       time.Duration `mapstructure:"broker_rest_timeout"`
	BrokerHistoricalTimeout time.Duration `mapstructure:"broker_historical_timeout"`

	Weights  Weights  `mapstructure:"weights"`
	Watchlist []string `mapstructure:"watchlist"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
}

// Weights holds the weighted-vote constants from SPEC_FULL §4.4 (the
// predictor's weights are fixed in the regime package), broken out so an
// operator can retune the strategy without a redeploy.
type Weights struct {
	Trend5m  float64 `mapstructure:"trend_5m"`
	Trend15m float64 `mapstructure:"trend_15m"`
	Trend1h  float64 `mapstructure:"trend_1h"`
	Osc5m    float64 `mapstructure:"osc_5m"`
	Osc15m   float64 `mapstructure:"osc_15m"`
	Osc1h    float64 `mapstructure:"osc_1h"`
	Prophet  float64 `mapstructure:"prophet"`
}

// Default returns the table of defaults from SPEC_FULL §6.3 so the
// engine is runnable with zero external configuration.
func Default() *Config {
	return &Config{
		CycleInterval:           60 * time.Second,
		MinConfidence:           0.6,
		MaxPositionSize:         100000,
		MaxDailyLoss:            10000,
		MaxTradesPerDay:         20,
		MaxDrawdownPct:          5.0,
		DefaultStopLossPct:      2.0,
		ReflectionTrigger:       10,
		MinRiskRewardBlock:      0.8,
		MinRiskRewardWarn:       1.2,
		SimWalkStdPct:           0.3,
		SimIntradayRangePct:     0.5,
		SimSpreadPct:            0.05,
		BrokerRESTTimeout:       30 * time.Second,
		BrokerHistoricalTimeout: 60 * time.Second,
		Weights: Weights{
			Trend5m: 0.03, Trend15m: 0.12, Trend1h: 0.30,
			Osc5m: 0.03, Osc15m: 0.07, Osc1h: 0.10,
			Prophet: 0.05,
		},
		Watchlist:      []string{"RELIANCE", "TCS", "INFY", "HDFCBANK", "ICICIBANK"},
		MetricsEnabled: true,
		MetricsAddr:    ":9090",
	}
}

// MaxPositionSizeDecimal is a convenience accessor for the decimal-typed
// callers in the risk and execution packages.
func (c *Config) MaxPositionSizeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxPositionSize)
}

// Load reads configuration from an optional file plus environment
// overrides (prefix TRADECORE_) layered on top of Default(). A missing
// config file is not an error; Default() still applies.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("cycle_interval", def.CycleInterval)
	v.SetDefault("min_confidence", def.MinConfidence)
	v.SetDefault("max_position_size", def.MaxPositionSize)
	v.SetDefault("max_daily_loss", def.MaxDailyLoss)
	v.SetDefault("max_trades_per_day", def.MaxTradesPerDay)
	v.SetDefault("max_drawdown_pct", def.MaxDrawdownPct)
	v.SetDefault("default_stop_loss_pct", def.DefaultStopLossPct)
	v.SetDefault("reflection_trigger", def.ReflectionTrigger)
	v.SetDefault("min_risk_reward_block", def.MinRiskRewardBlock)
	v.SetDefault("min_risk_reward_warn", def.MinRiskRewardWarn)
	v.SetDefault("sim_walk_std_pct", def.SimWalkStdPct)
	v.SetDefault("sim_intraday_range_pct", def.SimIntradayRangePct)
	v.SetDefault("sim_spread_pct", def.SimSpreadPct)
	v.SetDefault("broker_rest_timeout", def.BrokerRESTTimeout)
	v.SetDefault("broker_historical_timeout", def.BrokerHistoricalTimeout)
	v.SetDefault("watchlist", def.Watchlist)
	v.SetDefault("metrics_enabled", def.MetricsEnabled)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("weights.trend_5m", def.Weights.Trend5m)
	v.SetDefault("weights.trend_15m", def.Weights.Trend15m)
	v.SetDefault("weights.trend_1h", def.Weights.Trend1h)
	v.SetDefault("weights.osc_5m", def.Weights.Osc5m)
	v.SetDefault("weights.osc_15m", def.Weights.Osc15m)
	v.SetDefault("weights.osc_1h", def.Weights.Osc1h)
	v.SetDefault("weights.prophet", def.Weights.Prophet)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Snapshot returns a shallow copy, used by the Supervisor at cycle entry
// so concurrent config reloads never tear a single cycle's view.
func (c *Config) Snapshot() *Config {
	cp := *c
	cp.Watchlist = append([]string(nil), c.Watchlist...)
	return &cp
}
