package models

// RiskLimits is the static half of the risk gate's state, loaded from config
// (optionally via a mindset preset) and fixed for the process lifetime.
type RiskLimits struct {
	MaxVolumePerOrder     float64 `yaml:"max_volume_per_order" json:"max_volume_per_order"`
	DefaultVolume         float64 `yaml:"default_volume" json:"default_volume"`
	MaxDailyLoss          float64 `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxPositionsPerSymbol int     `yaml:"max_positions_per_symbol" json:"max_positions_per_symbol"`
	MaxTotalPositions     int     `yaml:"max_total_positions" json:"max_total_positions"`
	PositionSizePct       float64 `yaml:"position_size_pct" json:"position_size_pct"`
	EmergencyDrawdownPct  float64 `yaml:"emergency_drawdown_pct" json:"emergency_drawdown_pct"`
	CircuitBreakerEnabled bool    `yaml:"circuit_breaker_enabled" json:"circuit_breaker_enabled"`
}
