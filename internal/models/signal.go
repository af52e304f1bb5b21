package models

import "time"

// Side is the direction of a signal or an open position.
type Side string

const (
	// SideLong indicates a buy-to-open intent or a long position.
	SideLong Side = "long"
	// SideShort indicates a sell-to-open intent or a short position.
	SideShort Side = "short"
	// SideFlat indicates no directional intent.
	SideFlat Side = "flat"
)

// Directional returns true for Long and Short; Flat signals never open trades.
func (s Side) Directional() bool {
	return s == SideLong || s == SideShort
}

// Signal is a strategy's intent to enter or flatten. It is created by the
// strategy, consumed by the risk gate, and never mutated.
type Signal struct {
	ID         string            `json:"id"`
	EmitTime   time.Time         `json:"emit_time"`
	Symbol     string            `json:"symbol"`
	Side       Side              `json:"side"`
	Price      float64           `json:"price"`
	StopLoss   float64           `json:"stop_loss,omitempty"`   // 0 = unset
	TakeProfit float64           `json:"take_profit,omitempty"` // 0 = unset
	Confidence float64           `json:"confidence"`
	Strategy   string            `json:"strategy"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
