// Package config defines all configuration for the up/down trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// behavioral fields overridable via UPDOWN_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	API      APIConfig      `mapstructure:"api"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Status   StatusConfig   `mapstructure:"status"`
	Markets  []StaticMarket `mapstructure:"markets"`
}

// APIConfig holds the endpoints of the external collaborators: the order
// executor, the events (discovery) API, and the market-data WebSocket.
type APIConfig struct {
	ExecutorBaseURL string `mapstructure:"executor_base_url"`
	EventsBaseURL   string `mapstructure:"events_base_url"`
	WSMarketURL     string `mapstructure:"ws_market_url"`
}

// StrategyConfig tunes the complete-set quoting strategy.
//
// Maker quoting:
//   - ImproveTicks: base improvement over best bid (default 1).
//   - CompleteSetMinEdge: minimum planned edge 1−(pUp+pDown) to quote at all.
//   - CompleteSetMaxSkewTicks / CompleteSetImbalanceSharesForMaxSkew:
//     inventory skew ramp — at refShares of imbalance the quote moves by
//     maxSkewTicks toward the lagging leg.
//
// Rebalancing:
//   - CompleteSetTopUp*: end-of-life taker buy of the lagging leg.
//   - FastTopUp*: post-fill taker hedge within a short window after a
//     lead-leg fill.
//
// Sizing and caps:
//   - QuoteSize / QuoteSizeBankrollFraction: fallback sizing for unknown
//     series (the four known series use the fixed share schedule).
//   - BankrollUsd with MaxOrderBankrollFraction / MaxTotalBankrollFraction
//     and MaxOrderNotionalUsd cap every placement.
//   - DirectionalBias*: scale sizes by displayed bid-size imbalance.
type StrategyConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	RefreshMillis    int  `mapstructure:"refresh_millis"`
	MinReplaceMillis int  `mapstructure:"min_replace_millis"`
	MinSecondsToEnd  int  `mapstructure:"min_seconds_to_end"`
	MaxSecondsToEnd  int  `mapstructure:"max_seconds_to_end"`

	QuoteSize                 float64 `mapstructure:"quote_size"`
	QuoteSizeBankrollFraction float64 `mapstructure:"quote_size_bankroll_fraction"`
	BankrollUsd               float64 `mapstructure:"bankroll_usd"`
	MaxOrderBankrollFraction  float64 `mapstructure:"max_order_bankroll_fraction"`
	MaxTotalBankrollFraction  float64 `mapstructure:"max_total_bankroll_fraction"`
	MaxOrderNotionalUsd       float64 `mapstructure:"max_order_notional_usd"`

	ImproveTicks                         int     `mapstructure:"improve_ticks"`
	CompleteSetMinEdge                   float64 `mapstructure:"complete_set_min_edge"`
	CompleteSetMaxSkewTicks              int     `mapstructure:"complete_set_max_skew_ticks"`
	CompleteSetImbalanceSharesForMaxSkew float64 `mapstructure:"complete_set_imbalance_shares_for_max_skew"`

	CompleteSetTopUpEnabled      bool    `mapstructure:"complete_set_top_up_enabled"`
	CompleteSetTopUpSecondsToEnd int     `mapstructure:"complete_set_top_up_seconds_to_end"`
	CompleteSetTopUpMinShares    float64 `mapstructure:"complete_set_top_up_min_shares"`

	CompleteSetFastTopUpEnabled  bool    `mapstructure:"complete_set_fast_top_up_enabled"`
	FastTopUpMinShares           float64 `mapstructure:"fast_top_up_min_shares"`
	FastTopUpMinSecondsAfterFill int     `mapstructure:"fast_top_up_min_seconds_after_fill"`
	FastTopUpMaxSecondsAfterFill int     `mapstructure:"fast_top_up_max_seconds_after_fill"`
	FastTopUpCooldownMillis      int     `mapstructure:"fast_top_up_cooldown_millis"`
	FastTopUpMinEdge             float64 `mapstructure:"fast_top_up_min_edge"`

	DirectionalBiasEnabled bool    `mapstructure:"directional_bias_enabled"`
	DirectionalBiasFactor  float64 `mapstructure:"directional_bias_factor"`
	ImbalanceThreshold     float64 `mapstructure:"imbalance_threshold"`

	TakerModeEnabled   bool    `mapstructure:"taker_mode_enabled"`
	TakerModeMaxSpread float64 `mapstructure:"taker_mode_max_spread"`
}

// RefreshInterval returns the tick period, floored at 100ms.
func (c StrategyConfig) RefreshInterval() time.Duration {
	ms := c.RefreshMillis
	if ms < 100 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}

// MinReplaceAge returns how old an order must be before it may be replaced.
func (c StrategyConfig) MinReplaceAge() time.Duration {
	return time.Duration(c.MinReplaceMillis) * time.Millisecond
}

// FastTopUpCooldown returns the minimum interval between fast top-ups.
func (c StrategyConfig) FastTopUpCooldown() time.Duration {
	return time.Duration(c.FastTopUpCooldownMillis) * time.Millisecond
}

// StaticMarket is an operator-pinned market merged with the discovered set.
type StaticMarket struct {
	Slug        string `mapstructure:"slug"`
	UpTokenID   string `mapstructure:"up_token_id"`
	DownTokenID string `mapstructure:"down_token_id"`
	EndTime     string `mapstructure:"end_time"`    // ISO-8601
	MarketType  string `mapstructure:"market_type"` // "15m" or "1h"
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the read-only status server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("UPDOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if os.Getenv("UPDOWN_DRY_RUN") == "true" || os.Getenv("UPDOWN_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults sets the production parameter set.
func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.enabled", true)
	v.SetDefault("strategy.refresh_millis", 250)
	v.SetDefault("strategy.min_replace_millis", 1000)
	v.SetDefault("strategy.min_seconds_to_end", 0)
	v.SetDefault("strategy.max_seconds_to_end", 3600)
	v.SetDefault("strategy.improve_ticks", 1)
	v.SetDefault("strategy.complete_set_min_edge", 0.01)
	v.SetDefault("strategy.complete_set_max_skew_ticks", 0)
	v.SetDefault("strategy.complete_set_imbalance_shares_for_max_skew", 40)
	v.SetDefault("strategy.complete_set_top_up_enabled", true)
	v.SetDefault("strategy.complete_set_top_up_seconds_to_end", 60)
	v.SetDefault("strategy.complete_set_top_up_min_shares", 10)
	v.SetDefault("strategy.complete_set_fast_top_up_enabled", true)
	v.SetDefault("strategy.fast_top_up_min_shares", 1)
	v.SetDefault("strategy.fast_top_up_min_seconds_after_fill", 2)
	v.SetDefault("strategy.fast_top_up_max_seconds_after_fill", 120)
	v.SetDefault("strategy.fast_top_up_cooldown_millis", 5000)
	v.SetDefault("strategy.fast_top_up_min_edge", 0)
	v.SetDefault("strategy.directional_bias_enabled", false)
	v.SetDefault("strategy.directional_bias_factor", 1)
	v.SetDefault("strategy.imbalance_threshold", 0.3)
	v.SetDefault("strategy.taker_mode_enabled", false)
	v.SetDefault("strategy.taker_mode_max_spread", 0.02)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("status.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.ExecutorBaseURL == "" {
		return fmt.Errorf("api.executor_base_url is required")
	}
	if c.API.EventsBaseURL == "" {
		return fmt.Errorf("api.events_base_url is required")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	s := c.Strategy
	if s.RefreshMillis < 100 {
		return fmt.Errorf("strategy.refresh_millis must be >= 100")
	}
	if s.BankrollUsd <= 0 {
		return fmt.Errorf("strategy.bankroll_usd must be > 0")
	}
	if s.MaxOrderBankrollFraction < 0 || s.MaxOrderBankrollFraction > 1 {
		return fmt.Errorf("strategy.max_order_bankroll_fraction must be in [0, 1]")
	}
	if s.MaxTotalBankrollFraction < 0 || s.MaxTotalBankrollFraction > 1 {
		return fmt.Errorf("strategy.max_total_bankroll_fraction must be in [0, 1]")
	}
	if s.QuoteSizeBankrollFraction < 0 || s.QuoteSizeBankrollFraction > 1 {
		return fmt.Errorf("strategy.quote_size_bankroll_fraction must be in [0, 1]")
	}
	if s.CompleteSetMinEdge < 0 || s.CompleteSetMinEdge > 1 {
		return fmt.Errorf("strategy.complete_set_min_edge must be in [0, 1]")
	}
	if s.DirectionalBiasEnabled && s.DirectionalBiasFactor < 1 {
		return fmt.Errorf("strategy.directional_bias_factor must be >= 1")
	}
	if s.ImbalanceThreshold < 0 || s.ImbalanceThreshold > 1 {
		return fmt.Errorf("strategy.imbalance_threshold must be in [0, 1]")
	}
	if s.MinSecondsToEnd < 0 || s.MaxSecondsToEnd < s.MinSecondsToEnd {
		return fmt.Errorf("strategy time window [%d, %d] is invalid", s.MinSecondsToEnd, s.MaxSecondsToEnd)
	}
	for i, m := range c.Markets {
		if m.Slug == "" || m.UpTokenID == "" || m.DownTokenID == "" {
			return fmt.Errorf("markets[%d]: slug, up_token_id and down_token_id are required", i)
		}
		if _, err := time.Parse(time.RFC3339, m.EndTime); err != nil {
			return fmt.Errorf("markets[%d].end_time: %w", i, err)
		}
		switch m.MarketType {
		case "15m", "1h":
		default:
			return fmt.Errorf("markets[%d].market_type must be 15m or 1h", i)
		}
	}
	return nil
}
