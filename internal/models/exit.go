package models

import "time"

// ExitDecision is one rule's verdict for one position on one tick.
// CloseVolume of zero means close the full position; a positive value not
// exceeding the position's volume requests a partial close.
type ExitDecision struct {
	Ticket      int64             `json:"ticket"`
	Reason      string            `json:"reason"`
	Rule        string            `json:"rule"`
	CloseVolume float64           `json:"close_volume,omitempty"`
	TriggerTime time.Time         `json:"trigger_time"`
	Confidence  float64           `json:"confidence"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Stable exit reason codes. These appear in logs, trade records, and metrics
// labels, so they never change spelling.
const (
	ExitReasonAdverseMovement   = "adverse_movement"
	ExitReasonMaxHold           = "max_hold"
	ExitReasonWeekendProtection = "weekend_protection"
	ExitReasonEndOfDay          = "end_of_day"
	ExitReasonProfitTarget      = "profit_target"
	ExitReasonTrailingStop      = "trailing_stop"
	ExitReasonShutdownFlatten   = "shutdown_flatten"
	ExitReasonEmergencyDrawdown = "emergency_drawdown"
	ExitReasonManual            = "manual"
)
