// Package config loads and validates the bot's YAML configuration.
//
// The file is passed through os.ExpandEnv before parsing, so any value may
// reference environment variables, e.g. api_key: "${OPENALGO_API_KEY}".
// Decoding is strict: unknown fields are rejected.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment modes.
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// Config is the full runtime configuration, loaded once at startup.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Market      MarketConfig      `yaml:"market"`
	Risk        RiskConfig        `yaml:"risk"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Orders      OrdersConfig      `yaml:"orders"`
	Storage     StorageConfig     `yaml:"storage"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig identifies the instance and trading mode.
type EnvironmentConfig struct {
	Mode         string `yaml:"mode"`          // live | paper
	InstanceName string `yaml:"instance_name"` // notification prefix, e.g. LOCAL, EC2
	Timezone     string `yaml:"timezone"`      // default Asia/Kolkata
}

// BrokerConfig covers the REST gateway and both quote websockets.
type BrokerConfig struct {
	APIKey         string `yaml:"api_key"`
	Host           string `yaml:"host"`
	WSURL          string `yaml:"ws_url"`        // primary feed
	BackupWSURL    string `yaml:"backup_ws_url"` // backup feed, silent standby
	Exchange       string `yaml:"exchange"`      // NFO
	Product        string `yaml:"product"`       // MIS
	StrategyTag    string `yaml:"strategy_tag"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MarketConfig defines session boundaries and the option universe.
type MarketConfig struct {
	Underlying     string `yaml:"underlying"`      // NIFTY
	Expiry         string `yaml:"expiry"`          // "30JAN25", weekly contract in symbol form
	OpenTime       string `yaml:"open_time"`       // "09:15"
	CloseTime      string `yaml:"close_time"`      // "15:30"
	ForceExitTime  string `yaml:"force_exit_time"` // "15:15"
	StrikeStep     int    `yaml:"strike_step"`     // 50 for NIFTY weeklies
	StrikeScanRange int   `yaml:"strike_scan_range"` // strikes each side of ATM
	ATMStrike      int    `yaml:"atm_strike"`      // spot rounded to nearest 100, set per session
	LotSize        int    `yaml:"lot_size"`
	TickSize       float64 `yaml:"tick_size"`
}

// RiskConfig holds sizing, caps, and entry-filter thresholds.
type RiskConfig struct {
	RValue                float64 `yaml:"r_value"` // rupees per R
	MaxLotsPerPosition    int     `yaml:"max_lots_per_position"`
	MaxPositions          int     `yaml:"max_positions"`
	MaxPerType            int     `yaml:"max_per_type"`
	MinEntryPrice         float64 `yaml:"min_entry_price"`
	MaxEntryPrice         float64 `yaml:"max_entry_price"`
	MinVWAPPremium        float64 `yaml:"min_vwap_premium"` // 0.04 = 4%
	MinSLPercent          float64 `yaml:"min_sl_percent"`
	MaxSLPercent          float64 `yaml:"max_sl_percent"`
	TargetSLPoints        float64 `yaml:"target_sl_points"`
	DailyTargetR          float64 `yaml:"daily_target_r"` // +5
	DailyStopR            float64 `yaml:"daily_stop_r"`   // -5
	ModificationThreshold float64 `yaml:"modification_threshold"`
	OrderProximity        float64 `yaml:"order_proximity"` // place when price within this of entry
}

// PipelineConfig tunes failover, watchdog, reconnect, and memory bounds.
type PipelineConfig struct {
	NoTickThresholdSeconds    int     `yaml:"no_tick_threshold_seconds"`   // failover trigger
	SwitchbackThresholdSeconds int    `yaml:"switchback_threshold_seconds"`
	MonitorIntervalSeconds    int     `yaml:"monitor_interval_seconds"`
	MinDataCoverage           float64 `yaml:"min_data_coverage"` // 0.5
	StaleDataTimeoutSeconds   int     `yaml:"stale_data_timeout_seconds"`
	MaxBarAgeSeconds          int     `yaml:"max_bar_age_seconds"`
	ReconnectDelaySeconds     int     `yaml:"reconnect_delay_seconds"`
	MaxReconnectAttempts      int     `yaml:"max_reconnect_attempts"`
	HistoryMinCoverage        float64 `yaml:"history_min_coverage"` // 0.8
	HistoryRetries            int     `yaml:"history_retries"`
	HistoryRetryDelaySeconds  int     `yaml:"history_retry_delay_seconds"`
	MaxBarsPerSymbol          int     `yaml:"max_bars_per_symbol"`
	BarPruningThreshold       int     `yaml:"bar_pruning_threshold"`
}

// OrdersConfig tunes order retries, SL safety, and the churn breaker.
type OrdersConfig struct {
	MaxOrderRetries          int     `yaml:"max_order_retries"`
	OrderRetryDelaySeconds   int     `yaml:"order_retry_delay_seconds"`
	SLLimitOffset            float64 `yaml:"sl_limit_offset"` // limit = trigger + offset for BUY SL
	EntryLimitOffset         float64 `yaml:"entry_limit_offset"`
	MaxSLFailureCount        int     `yaml:"max_sl_failure_count"`
	EmergencyExitRetryCount  int     `yaml:"emergency_exit_retry_count"`
	EmergencyExitRetrySeconds int    `yaml:"emergency_exit_retry_seconds"`
	ChurnCycleWindowSeconds  int     `yaml:"churn_cycle_window_seconds"`   // cancel->place pairing window
	ChurnSymbolLimit         int     `yaml:"churn_symbol_limit"`           // cycles per symbol per period
	ChurnSymbolPeriodSeconds int     `yaml:"churn_symbol_period_seconds"`
	ChurnGlobalLimit         int     `yaml:"churn_global_limit"` // cycles across all symbols -> pause
	TickIntervalSeconds      int     `yaml:"tick_interval_seconds"`
}

// StorageConfig locates the durable store and sentinel files.
type StorageConfig struct {
	DBPath   string `yaml:"db_path"`
	StateDir string `yaml:"state_dir"` // holds KILL_SWITCH / PAUSE_SWITCH
}

// TelegramConfig configures the notifier and command listener.
type TelegramConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	BotToken                string `yaml:"bot_token"`
	ChatID                  int64  `yaml:"chat_id"`
	NotifyOnTradeEntry      bool   `yaml:"notify_on_trade_entry"`
	NotifyOnTradeExit       bool   `yaml:"notify_on_trade_exit"`
	NotifyOnDailyTarget     bool   `yaml:"notify_on_daily_target"`
	NotifyOnError           bool   `yaml:"notify_on_error"`
	NotifyOnBestStrikeChange bool  `yaml:"notify_on_best_strike_change"`
}

// DashboardConfig configures the read-only HTTP dashboard.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads, expands, decodes, defaults, and validates the config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = ModePaper
	}
	if c.Environment.InstanceName == "" {
		c.Environment.InstanceName = os.Getenv("INSTANCE_NAME")
	}
	if c.Environment.Timezone == "" {
		c.Environment.Timezone = "Asia/Kolkata"
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "NFO"
	}
	if c.Broker.Product == "" {
		c.Broker.Product = "MIS"
	}
	if c.Broker.StrategyTag == "" {
		c.Broker.StrategyTag = "swingbreak_v1"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 15
	}
	if c.Market.Underlying == "" {
		c.Market.Underlying = "NIFTY"
	}
	if c.Market.OpenTime == "" {
		c.Market.OpenTime = "09:15"
	}
	if c.Market.CloseTime == "" {
		c.Market.CloseTime = "15:30"
	}
	if c.Market.ForceExitTime == "" {
		c.Market.ForceExitTime = "15:15"
	}
	if c.Market.StrikeStep == 0 {
		c.Market.StrikeStep = 50
	}
	if c.Market.StrikeScanRange == 0 {
		c.Market.StrikeScanRange = 20
	}
	if c.Market.LotSize == 0 {
		c.Market.LotSize = 65
	}
	if c.Market.TickSize == 0 {
		c.Market.TickSize = 0.05
	}
	if c.Risk.RValue == 0 {
		c.Risk.RValue = 6500
	}
	if c.Risk.MaxLotsPerPosition == 0 {
		c.Risk.MaxLotsPerPosition = 10
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 5
	}
	if c.Risk.MaxPerType == 0 {
		c.Risk.MaxPerType = 3
	}
	if c.Risk.MinEntryPrice == 0 {
		c.Risk.MinEntryPrice = 100
	}
	if c.Risk.MaxEntryPrice == 0 {
		c.Risk.MaxEntryPrice = 300
	}
	if c.Risk.MinVWAPPremium == 0 {
		c.Risk.MinVWAPPremium = 0.04
	}
	if c.Risk.MinSLPercent == 0 {
		c.Risk.MinSLPercent = 0.02
	}
	if c.Risk.MaxSLPercent == 0 {
		c.Risk.MaxSLPercent = 0.10
	}
	if c.Risk.TargetSLPoints == 0 {
		c.Risk.TargetSLPoints = 10
	}
	if c.Risk.DailyTargetR == 0 {
		c.Risk.DailyTargetR = 5
	}
	if c.Risk.DailyStopR == 0 {
		c.Risk.DailyStopR = -5
	}
	if c.Risk.ModificationThreshold == 0 {
		c.Risk.ModificationThreshold = 1.00
	}
	if c.Risk.OrderProximity == 0 {
		c.Risk.OrderProximity = 1.00
	}
	if c.Pipeline.NoTickThresholdSeconds == 0 {
		c.Pipeline.NoTickThresholdSeconds = 15
	}
	if c.Pipeline.SwitchbackThresholdSeconds == 0 {
		c.Pipeline.SwitchbackThresholdSeconds = 10
	}
	if c.Pipeline.MonitorIntervalSeconds == 0 {
		c.Pipeline.MonitorIntervalSeconds = 10
	}
	if c.Pipeline.MinDataCoverage == 0 {
		c.Pipeline.MinDataCoverage = 0.5
	}
	if c.Pipeline.StaleDataTimeoutSeconds == 0 {
		c.Pipeline.StaleDataTimeoutSeconds = 120
	}
	if c.Pipeline.MaxBarAgeSeconds == 0 {
		c.Pipeline.MaxBarAgeSeconds = 180
	}
	if c.Pipeline.ReconnectDelaySeconds == 0 {
		c.Pipeline.ReconnectDelaySeconds = 5
	}
	if c.Pipeline.MaxReconnectAttempts == 0 {
		c.Pipeline.MaxReconnectAttempts = 5
	}
	if c.Pipeline.HistoryMinCoverage == 0 {
		c.Pipeline.HistoryMinCoverage = 0.8
	}
	if c.Pipeline.HistoryRetries == 0 {
		c.Pipeline.HistoryRetries = 3
	}
	if c.Pipeline.HistoryRetryDelaySeconds == 0 {
		c.Pipeline.HistoryRetryDelaySeconds = 60
	}
	if c.Pipeline.MaxBarsPerSymbol == 0 {
		c.Pipeline.MaxBarsPerSymbol = 400
	}
	if c.Pipeline.BarPruningThreshold == 0 {
		c.Pipeline.BarPruningThreshold = 500
	}
	if c.Orders.MaxOrderRetries == 0 {
		c.Orders.MaxOrderRetries = 3
	}
	if c.Orders.OrderRetryDelaySeconds == 0 {
		c.Orders.OrderRetryDelaySeconds = 2
	}
	if c.Orders.SLLimitOffset == 0 {
		c.Orders.SLLimitOffset = 3
	}
	if c.Orders.EntryLimitOffset == 0 {
		c.Orders.EntryLimitOffset = 3
	}
	if c.Orders.MaxSLFailureCount == 0 {
		c.Orders.MaxSLFailureCount = 3
	}
	if c.Orders.EmergencyExitRetryCount == 0 {
		c.Orders.EmergencyExitRetryCount = 3
	}
	if c.Orders.EmergencyExitRetrySeconds == 0 {
		c.Orders.EmergencyExitRetrySeconds = 2
	}
	if c.Orders.ChurnCycleWindowSeconds == 0 {
		c.Orders.ChurnCycleWindowSeconds = 30
	}
	if c.Orders.ChurnSymbolLimit == 0 {
		c.Orders.ChurnSymbolLimit = 2
	}
	if c.Orders.ChurnSymbolPeriodSeconds == 0 {
		c.Orders.ChurnSymbolPeriodSeconds = 300
	}
	if c.Orders.ChurnGlobalLimit == 0 {
		c.Orders.ChurnGlobalLimit = 5
	}
	if c.Orders.TickIntervalSeconds == 0 {
		c.Orders.TickIntervalSeconds = 1
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/state.db"
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = "data"
	}
	if c.Dashboard.ListenAddr == "" {
		c.Dashboard.ListenAddr = ":9190"
	}
}

// Validate checks ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.Environment.Mode != ModeLive && c.Environment.Mode != ModePaper {
		return fmt.Errorf("environment.mode must be %q or %q, got %q", ModeLive, ModePaper, c.Environment.Mode)
	}
	if c.Environment.Mode == ModeLive {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key required in live mode")
		}
		if c.Broker.Host == "" {
			return fmt.Errorf("broker.host required in live mode")
		}
	}
	if _, err := parseClock(c.Market.OpenTime); err != nil {
		return fmt.Errorf("market.open_time: %w", err)
	}
	if _, err := parseClock(c.Market.CloseTime); err != nil {
		return fmt.Errorf("market.close_time: %w", err)
	}
	if _, err := parseClock(c.Market.ForceExitTime); err != nil {
		return fmt.Errorf("market.force_exit_time: %w", err)
	}
	open, _ := parseClock(c.Market.OpenTime)
	close_, _ := parseClock(c.Market.CloseTime)
	forceExit, _ := parseClock(c.Market.ForceExitTime)
	if !open.before(close_) {
		return fmt.Errorf("market.open_time %s must be before close_time %s", c.Market.OpenTime, c.Market.CloseTime)
	}
	if !forceExit.before(close_) {
		return fmt.Errorf("market.force_exit_time %s must be before close_time %s", c.Market.ForceExitTime, c.Market.CloseTime)
	}
	if c.Market.LotSize <= 0 {
		return fmt.Errorf("market.lot_size must be positive")
	}
	if c.Market.TickSize <= 0 {
		return fmt.Errorf("market.tick_size must be positive")
	}
	if c.Risk.RValue <= 0 {
		return fmt.Errorf("risk.r_value must be positive")
	}
	if c.Risk.MinEntryPrice >= c.Risk.MaxEntryPrice {
		return fmt.Errorf("risk.min_entry_price %.2f must be below max_entry_price %.2f",
			c.Risk.MinEntryPrice, c.Risk.MaxEntryPrice)
	}
	if c.Risk.MinSLPercent >= c.Risk.MaxSLPercent {
		return fmt.Errorf("risk.min_sl_percent must be below max_sl_percent")
	}
	if c.Risk.MinVWAPPremium < 0 || c.Risk.MinVWAPPremium > 1 {
		return fmt.Errorf("risk.min_vwap_premium must be a fraction in [0,1]")
	}
	if c.Risk.DailyTargetR <= 0 {
		return fmt.Errorf("risk.daily_target_r must be positive")
	}
	if c.Risk.DailyStopR >= 0 {
		return fmt.Errorf("risk.daily_stop_r must be negative")
	}
	if c.Risk.MaxPerType > c.Risk.MaxPositions {
		return fmt.Errorf("risk.max_per_type cannot exceed max_positions")
	}
	if c.Pipeline.MinDataCoverage <= 0 || c.Pipeline.MinDataCoverage > 1 {
		return fmt.Errorf("pipeline.min_data_coverage must be in (0,1]")
	}
	if c.Pipeline.HistoryMinCoverage <= 0 || c.Pipeline.HistoryMinCoverage > 1 {
		return fmt.Errorf("pipeline.history_min_coverage must be in (0,1]")
	}
	if c.Pipeline.MaxBarsPerSymbol > c.Pipeline.BarPruningThreshold {
		return fmt.Errorf("pipeline.max_bars_per_symbol cannot exceed bar_pruning_threshold")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" || c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.bot_token and chat_id required when telegram.enabled")
		}
	}
	return nil
}

// IsPaperTrading reports whether broker mutations should be synthesized.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == ModePaper
}

// Location returns the exchange timezone, falling back to a fixed UTC+5:30
// when tzdata is unavailable in the runtime image.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Environment.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// IsWithinMarketHours reports whether now falls inside [open, close).
func (c *Config) IsWithinMarketHours(now time.Time) bool {
	local := now.In(c.Location())
	open, _ := parseClock(c.Market.OpenTime)
	close_, _ := parseClock(c.Market.CloseTime)
	cur := clock{local.Hour(), local.Minute()}
	return !cur.before(open) && cur.before(close_)
}

// IsForceExitTime reports whether now is at or past the forced EOD exit.
func (c *Config) IsForceExitTime(now time.Time) bool {
	local := now.In(c.Location())
	forceExit, _ := parseClock(c.Market.ForceExitTime)
	cur := clock{local.Hour(), local.Minute()}
	return !cur.before(forceExit)
}

// MarketOpenAt returns today's market open instant for the given day.
func (c *Config) MarketOpenAt(day time.Time) time.Time {
	loc := c.Location()
	local := day.In(loc)
	open, _ := parseClock(c.Market.OpenTime)
	return time.Date(local.Year(), local.Month(), local.Day(), open.hour, open.minute, 0, 0, loc)
}

// BrokerTimeout returns the per-call REST timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.TimeoutSeconds) * time.Second
}

type clock struct {
	hour, minute int
}

func (c clock) before(o clock) bool {
	return c.hour < o.hour || (c.hour == o.hour && c.minute < o.minute)
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, fmt.Errorf("invalid clock time %q (want HH:MM): %w", s, err)
	}
	return clock{t.Hour(), t.Minute()}, nil
}
