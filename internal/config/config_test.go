package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuzetnoM/herald/internal/models"
)

const baseYAML = `
broker:
  mode: bridge
  login: 12345678
  server: Demo-Server
trading:
  symbol: EURUSD
  timeframe: M15
  magic_tag: 777001
risk:
  max_daily_loss: 500
  default_volume: 0.02
strategy:
  type: sma_crossover
  params:
    fast_period: 10
    slow_period: 30
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "EURUSD", cfg.Trading.Symbol)
	assert.Equal(t, models.TimeframeM15, cfg.Timeframe())
	assert.Equal(t, 60*time.Second, cfg.Trading.PollInterval())
	assert.Equal(t, 200, cfg.Trading.LookbackBars)
	assert.Equal(t, "herald.db", cfg.Persistence.Path)
	assert.Equal(t, "http://127.0.0.1:8228", cfg.Broker.BridgeURL)
	assert.Equal(t, 30, cfg.Execution.FillTimeoutSeconds)
	assert.Equal(t, 100, cfg.Execution.RateLimitMs)
}

func TestLoadUnknownFieldFails(t *testing.T) {
	_, err := Load(writeConfig(t, baseYAML+`
typo_section:
  oops: true
`))
	assert.Error(t, err, "strict decoding must reject unknown fields")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvSecretsOverrideDocument(t *testing.T) {
	t.Setenv("HERALD_LOGIN", "87654321")
	t.Setenv("HERALD_PASSWORD", "hunter2")
	t.Setenv("HERALD_SERVER", "Live-Server")

	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)
	assert.Equal(t, int64(87654321), cfg.Broker.Login)
	assert.Equal(t, "hunter2", cfg.Broker.Password)
	assert.Equal(t, "Live-Server", cfg.Broker.Server)
	assert.Equal(t, "****4321", cfg.Broker.MaskedLogin())
}

func TestExpandEnvInDocument(t *testing.T) {
	t.Setenv("HERALD_TEST_SYMBOL", "GBPUSD")
	cfg, err := Load(writeConfig(t, `
broker:
  login: 12345678
trading:
  symbol: ${HERALD_TEST_SYMBOL}
  magic_tag: 777001
`))
	require.NoError(t, err)
	assert.Equal(t, "GBPUSD", cfg.Trading.Symbol)
}

func TestMindsetFillsZeroFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML+`
mindset: balanced
`))
	require.NoError(t, err)

	// explicit values win over the preset
	assert.Equal(t, 500.0, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 0.02, cfg.Risk.DefaultVolume)
	// preset fills the rest
	assert.Equal(t, 1.0, cfg.Risk.MaxVolumePerOrder)
	assert.Equal(t, 0.15, cfg.Risk.EmergencyDrawdownPct)
	assert.True(t, cfg.Risk.CircuitBreakerEnabled)
	require.Len(t, cfg.ExitStrategies, 4)
	assert.Equal(t, "adverse_movement", cfg.ExitStrategies[0].Type)
	assert.True(t, cfg.ExitStrategies[0].IsEnabled())
}

func TestMindsetOverrideBeatsDocument(t *testing.T) {
	cfg, err := LoadWithMindset(writeConfig(t, baseYAML+`
mindset: balanced
`), "conservative")
	require.NoError(t, err)
	assert.Equal(t, "conservative", cfg.Mindset)
	assert.Equal(t, 0.5, cfg.Risk.MaxVolumePerOrder)
}

func TestUnknownMindsetFails(t *testing.T) {
	_, err := Load(writeConfig(t, baseYAML+`
mindset: reckless
`))
	assert.Error(t, err)
}

func TestExplicitExitStrategiesBeatPreset(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML+`
mindset: balanced
exit_strategies:
  - type: time_based
    params:
      max_hold_hours: 12
`))
	require.NoError(t, err)
	require.Len(t, cfg.ExitStrategies, 1)
	assert.Equal(t, "time_based", cfg.ExitStrategies[0].Type)
}

func TestExitEnabledDefaultsTrue(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML+`
exit_strategies:
  - type: time_based
  - type: profit_target
    enabled: false
`))
	require.NoError(t, err)
	assert.True(t, cfg.ExitStrategies[0].IsEnabled())
	assert.False(t, cfg.ExitStrategies[1].IsEnabled())
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing symbol", `
broker:
  login: 12345678
trading:
  magic_tag: 777001
`},
		{"bad timeframe", `
broker:
  login: 12345678
trading:
  symbol: EURUSD
  timeframe: M7
  magic_tag: 777001
`},
		{"missing magic", `
broker:
  login: 12345678
trading:
  symbol: EURUSD
`},
		{"lookback too small", `
broker:
  login: 12345678
trading:
  symbol: EURUSD
  magic_tag: 777001
  lookback_bars: 10
`},
		{"position size pct out of range", `
broker:
  login: 12345678
trading:
  symbol: EURUSD
  magic_tag: 777001
risk:
  position_size_pct: 1.5
`},
		{"missing login in bridge mode", `
trading:
  symbol: EURUSD
  magic_tag: 777001
`},
		{"replay without file", `
broker:
  mode: replay
trading:
  symbol: EURUSD
  magic_tag: 777001
`},
		{"unknown broker mode", `
broker:
  mode: fix44
  login: 12345678
trading:
  symbol: EURUSD
  magic_tag: 777001
`},
		{"exit strategy without type", `
broker:
  login: 12345678
trading:
  symbol: EURUSD
  magic_tag: 777001
exit_strategies:
  - params:
      max_hold_hours: 12
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDryRunSkipsLoginRequirement(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
dry_run: true
trading:
  symbol: EURUSD
  magic_tag: 777001
`))
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
}

func TestReplayModeValidates(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
broker:
  mode: replay
  replay_file: testdata/eurusd_m15.csv
trading:
  symbol: EURUSD
  magic_tag: 777001
`))
	require.NoError(t, err)
	assert.Equal(t, "replay", cfg.Broker.Mode)
}
