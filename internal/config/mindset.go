package config

import (
	"fmt"

	"github.com/amuzetnoM/herald/internal/models"
)

// A mindset preset expands to risk limits and an exit-rule set. Explicitly
// configured fields always win; presets only fill what the document left at
// its zero value.
type mindset struct {
	risk  models.RiskLimits
	exits []ExitConfig
}

func enabled() *bool { b := true; return &b }

var mindsets = map[string]mindset{
	"aggressive": {
		risk: models.RiskLimits{
			MaxVolumePerOrder:     2.0,
			DefaultVolume:         0.05,
			MaxDailyLoss:          1000,
			MaxPositionsPerSymbol: 3,
			MaxTotalPositions:     6,
			PositionSizePct:       0.02,
			EmergencyDrawdownPct:  0.25,
			CircuitBreakerEnabled: true,
		},
		exits: []ExitConfig{
			{Type: "adverse_movement", Enabled: enabled(), Params: map[string]interface{}{"adverse_pct": 1.5}},
			{Type: "time_based", Enabled: enabled(), Params: map[string]interface{}{"max_hold_hours": 72}},
			{Type: "profit_target", Enabled: enabled(), Params: map[string]interface{}{"target_pct": 3.0}},
			{Type: "trailing_stop", Enabled: enabled(), Params: map[string]interface{}{"activation_pct": 1.0, "atr_multiple": 2.5}},
		},
	},
	"balanced": {
		risk: models.RiskLimits{
			MaxVolumePerOrder:     1.0,
			DefaultVolume:         0.02,
			MaxDailyLoss:          500,
			MaxPositionsPerSymbol: 2,
			MaxTotalPositions:     4,
			PositionSizePct:       0.01,
			EmergencyDrawdownPct:  0.15,
			CircuitBreakerEnabled: true,
		},
		exits: []ExitConfig{
			{Type: "adverse_movement", Enabled: enabled(), Params: map[string]interface{}{"adverse_pct": 1.0}},
			{Type: "time_based", Enabled: enabled(), Params: map[string]interface{}{"max_hold_hours": 48, "weekend_protection": true}},
			{Type: "profit_target", Enabled: enabled(), Params: map[string]interface{}{"target_pct": 2.0}},
			{Type: "trailing_stop", Enabled: enabled(), Params: map[string]interface{}{"activation_pct": 0.5, "atr_multiple": 2.0}},
		},
	},
	"conservative": {
		risk: models.RiskLimits{
			MaxVolumePerOrder:     0.5,
			DefaultVolume:         0.01,
			MaxDailyLoss:          250,
			MaxPositionsPerSymbol: 1,
			MaxTotalPositions:     2,
			PositionSizePct:       0.005,
			EmergencyDrawdownPct:  0.10,
			CircuitBreakerEnabled: true,
		},
		exits: []ExitConfig{
			{Type: "adverse_movement", Enabled: enabled(), Params: map[string]interface{}{"adverse_pct": 0.75, "consecutive_ticks": 2}},
			{Type: "time_based", Enabled: enabled(), Params: map[string]interface{}{"max_hold_hours": 24, "weekend_protection": true}},
			{Type: "profit_target", Enabled: enabled(), Params: map[string]interface{}{"levels": []interface{}{
				map[string]interface{}{"pct": 1.0, "close_pct": 50.0},
				map[string]interface{}{"pct": 2.0, "close_pct": 50.0},
			}}},
			{Type: "trailing_stop", Enabled: enabled(), Params: map[string]interface{}{"activation_pct": 0.4, "atr_multiple": 1.5}},
		},
	},
}

// ApplyMindset merges the named preset into the config. An empty name is a
// no-op; an unknown name is a hard error.
func (c *Config) ApplyMindset(name string) error {
	if name == "" {
		return nil
	}
	preset, ok := mindsets[name]
	if !ok {
		return fmt.Errorf("config: unknown mindset %q (want aggressive, balanced, or conservative)", name)
	}
	c.Mindset = name

	r := &c.Risk
	p := preset.risk
	if r.MaxVolumePerOrder == 0 {
		r.MaxVolumePerOrder = p.MaxVolumePerOrder
	}
	if r.DefaultVolume == 0 {
		r.DefaultVolume = p.DefaultVolume
	}
	if r.MaxDailyLoss == 0 {
		r.MaxDailyLoss = p.MaxDailyLoss
	}
	if r.MaxPositionsPerSymbol == 0 {
		r.MaxPositionsPerSymbol = p.MaxPositionsPerSymbol
	}
	if r.MaxTotalPositions == 0 {
		r.MaxTotalPositions = p.MaxTotalPositions
	}
	if r.PositionSizePct == 0 {
		r.PositionSizePct = p.PositionSizePct
	}
	if r.EmergencyDrawdownPct == 0 {
		r.EmergencyDrawdownPct = p.EmergencyDrawdownPct
	}
	if !r.CircuitBreakerEnabled {
		r.CircuitBreakerEnabled = p.CircuitBreakerEnabled
	}

	if len(c.ExitStrategies) == 0 {
		c.ExitStrategies = preset.exits
	}
	return nil
}

// MindsetNames lists the available presets, for the CLI help text.
func MindsetNames() []string {
	return []string{"aggressive", "balanced", "conservative"}
}
