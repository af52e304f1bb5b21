// Package config loads and validates the single typed configuration
// document. Decoding is strict: unknown fields fail fast, numeric ranges are
// checked, and secrets arrive only through environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amuzetnoM/herald/internal/indicator"
	"github.com/amuzetnoM/herald/internal/models"
)

// Config is the whole document.
type Config struct {
	Broker            BrokerConfig      `yaml:"broker"`
	Trading           TradingConfig     `yaml:"trading"`
	Risk              models.RiskLimits `yaml:"risk"`
	Strategy          StrategyConfig    `yaml:"strategy"`
	Indicators        []indicator.Spec  `yaml:"indicators"`
	ExitStrategies    []ExitConfig      `yaml:"exit_strategies"`
	OrphanTrades      OrphanConfig      `yaml:"orphan_trades"`
	Mindset           string            `yaml:"mindset"`
	Persistence       PersistenceConfig `yaml:"persistence"`
	Ops               OpsConfig         `yaml:"ops"`
	Execution         ExecutionConfig   `yaml:"execution"`
	DryRun            bool              `yaml:"dry_run"`
	FlattenOnShutdown bool              `yaml:"flatten_on_shutdown"`
}

// BrokerConfig carries the session credentials and terminal settings.
// Password is never logged; use MaskedLogin for the login. Mode selects the
// venue variant: "bridge" talks to a local terminal gateway over HTTP,
// "replay" runs against a recorded bar file.
type BrokerConfig struct {
	Mode         string `yaml:"mode"`
	Login        int64  `yaml:"login"`
	Password     string `yaml:"password"`
	Server       string `yaml:"server"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	TerminalPath string `yaml:"terminal_path"`
	BridgeURL    string `yaml:"bridge_url"`
	ReplayFile   string `yaml:"replay_file"`
}

// MaskedLogin renders the login with only the last four digits visible.
func (b BrokerConfig) MaskedLogin() string {
	s := strconv.FormatInt(b.Login, 10)
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// TradingConfig selects what and how often to trade.
type TradingConfig struct {
	Symbol              string `yaml:"symbol"`
	Timeframe           string `yaml:"timeframe"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	LookbackBars        int    `yaml:"lookback_bars"`
	MagicTag            int64  `yaml:"magic_tag"`
	DeviationPoints     int    `yaml:"deviation_points"`
}

// PollInterval returns the tick cadence as a duration.
func (t TradingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

// StrategyConfig selects the entry strategy by type tag.
type StrategyConfig struct {
	Type   string                 `yaml:"type"`
	Params map[string]interface{} `yaml:"params"`
}

// ExitConfig declares one exit rule. Enabled defaults to true when omitted.
type ExitConfig struct {
	Type    string                 `yaml:"type"`
	Enabled *bool                  `yaml:"enabled"`
	Params  map[string]interface{} `yaml:"params"`
}

// IsEnabled resolves the optional enabled flag.
func (e ExitConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// OrphanConfig governs adoption of positions this process did not open.
type OrphanConfig struct {
	Enabled       bool     `yaml:"enabled"`
	AdoptSymbols  []string `yaml:"adopt_symbols"`
	IgnoreSymbols []string `yaml:"ignore_symbols"`
	MaxAgeHours   float64  `yaml:"max_age_hours"`
	LogOnly       bool     `yaml:"log_only"`
}

// PersistenceConfig locates the sqlite store.
type PersistenceConfig struct {
	Path string `yaml:"path"`
}

// OpsConfig enables the status HTTP server when Listen is set.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// ExecutionConfig tunes the execution engine and session pacing.
type ExecutionConfig struct {
	FillTimeoutSeconds int `yaml:"fill_timeout_seconds"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	RateLimitMs        int `yaml:"rate_limit_ms"`
}

// Load reads, expands, decodes, applies the mindset preset and defaults, and
// validates the document at path.
func Load(path string) (*Config, error) {
	return LoadWithMindset(path, "")
}

// LoadWithMindset is Load with a command-line mindset override that takes
// precedence over the document's own mindset field.
func LoadWithMindset(path, mindsetOverride string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvSecrets()
	if mindsetOverride != "" {
		cfg.Mindset = mindsetOverride
	}
	if err := cfg.ApplyMindset(cfg.Mindset); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvSecrets lets HERALD_* environment variables supply or override the
// credentials, so they never have to live in the file.
func (c *Config) applyEnvSecrets() {
	if v := os.Getenv("HERALD_LOGIN"); v != "" {
		if login, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Broker.Login = login
		}
	}
	if v := os.Getenv("HERALD_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("HERALD_SERVER"); v != "" {
		c.Broker.Server = v
	}
}

func (c *Config) applyDefaults() {
	if c.Trading.Timeframe == "" {
		c.Trading.Timeframe = string(models.TimeframeM15)
	}
	if c.Trading.PollIntervalSeconds == 0 {
		c.Trading.PollIntervalSeconds = 60
	}
	if c.Trading.LookbackBars == 0 {
		c.Trading.LookbackBars = 200
	}
	if c.Trading.DeviationPoints == 0 {
		c.Trading.DeviationPoints = 10
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 30000
	}
	if c.Broker.Mode == "" {
		c.Broker.Mode = "bridge"
	}
	if c.Broker.BridgeURL == "" {
		c.Broker.BridgeURL = "http://127.0.0.1:8228"
	}
	if c.Execution.FillTimeoutSeconds == 0 {
		c.Execution.FillTimeoutSeconds = 30
	}
	if c.Execution.PollIntervalMs == 0 {
		c.Execution.PollIntervalMs = 500
	}
	if c.Execution.RateLimitMs == 0 {
		c.Execution.RateLimitMs = 100
	}
	if c.Persistence.Path == "" {
		c.Persistence.Path = "herald.db"
	}
	if c.Strategy.Type == "" {
		c.Strategy.Type = "sma_crossover"
	}
	if c.Risk.DefaultVolume == 0 {
		c.Risk.DefaultVolume = 0.01
	}
}

// Validate fails fast on anything a running loop could not tolerate.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("config: trading.symbol is required")
	}
	if !models.Timeframe(c.Trading.Timeframe).Valid() {
		return fmt.Errorf("config: trading.timeframe %q is not a known timeframe", c.Trading.Timeframe)
	}
	if c.Trading.PollIntervalSeconds < 1 {
		return fmt.Errorf("config: trading.poll_interval_seconds must be at least 1")
	}
	if c.Trading.LookbackBars < 50 {
		return fmt.Errorf("config: trading.lookback_bars must be at least 50")
	}
	if c.Trading.MagicTag == 0 {
		return fmt.Errorf("config: trading.magic_tag is required and must be non-zero")
	}
	if c.Trading.DeviationPoints < 0 {
		return fmt.Errorf("config: trading.deviation_points must not be negative")
	}

	if c.Risk.DefaultVolume <= 0 {
		return fmt.Errorf("config: risk.default_volume must be positive")
	}
	if c.Risk.MaxVolumePerOrder < 0 || c.Risk.MaxDailyLoss < 0 {
		return fmt.Errorf("config: risk volumes and loss limits must not be negative")
	}
	if c.Risk.PositionSizePct < 0 || c.Risk.PositionSizePct >= 1 {
		return fmt.Errorf("config: risk.position_size_pct must be in [0, 1)")
	}
	if c.Risk.EmergencyDrawdownPct < 0 || c.Risk.EmergencyDrawdownPct >= 1 {
		return fmt.Errorf("config: risk.emergency_drawdown_pct must be in [0, 1)")
	}
	if c.Risk.MaxPositionsPerSymbol < 0 || c.Risk.MaxTotalPositions < 0 {
		return fmt.Errorf("config: position caps must not be negative")
	}

	if c.Strategy.Type == "" {
		return fmt.Errorf("config: strategy.type is required")
	}
	for i, e := range c.ExitStrategies {
		if e.Type == "" {
			return fmt.Errorf("config: exit_strategies[%d] is missing a type", i)
		}
	}
	if c.OrphanTrades.MaxAgeHours < 0 {
		return fmt.Errorf("config: orphan_trades.max_age_hours must not be negative")
	}
	switch c.Broker.Mode {
	case "bridge":
		if !c.DryRun && c.Broker.Login == 0 {
			return fmt.Errorf("config: broker.login is required (set HERALD_LOGIN)")
		}
	case "replay":
		if c.Broker.ReplayFile == "" {
			return fmt.Errorf("config: broker.replay_file is required in replay mode")
		}
	default:
		return fmt.Errorf("config: broker.mode %q is not one of bridge, replay", c.Broker.Mode)
	}
	return nil
}

// Timeframe returns the typed trading timeframe.
func (c *Config) Timeframe() models.Timeframe {
	return models.Timeframe(c.Trading.Timeframe)
}
