package models

import "time"

// Origin records how a position entered the tracker.
type Origin string

const (
	// OriginNative marks positions this process opened itself.
	OriginNative Origin = "native"
	// OriginAdopted marks positions taken over during reconciliation.
	OriginAdopted Origin = "adopted"
)

// PositionRecord is the tracker's shadow of one broker position. Ticket is the
// primary key; Side never changes; Volume stays positive while tracked.
// CurrentPrice and UnrealizedPnL lag broker truth by at most one tick.
type PositionRecord struct {
	Ticket        int64             `json:"ticket"`
	Symbol        string            `json:"symbol"`
	Side          Side              `json:"side"`
	Volume        float64           `json:"volume"`
	OpenPrice     float64           `json:"open_price"`
	OpenTime      time.Time         `json:"open_time"`
	CurrentPrice  float64           `json:"current_price"`
	StopLoss      float64           `json:"stop_loss,omitempty"`
	TakeProfit    float64           `json:"take_profit,omitempty"`
	UnrealizedPnL float64           `json:"unrealized_pnl"`
	RealizedPnL   float64           `json:"realized_pnl"`
	Commission    float64           `json:"commission"`
	Swap          float64           `json:"swap"`
	Magic         int64             `json:"magic"`
	Comment       string            `json:"comment,omitempty"`
	FirstSeen     time.Time         `json:"first_seen"`
	Origin        Origin            `json:"origin"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AgeAt returns how long the position has been open as of now.
func (p *PositionRecord) AgeAt(now time.Time) time.Duration {
	return now.Sub(p.OpenTime)
}

// ProfitPercent is the unrealized P&L as a percentage of the position's
// notional at open. Returns 0 when the notional is degenerate.
func (p *PositionRecord) ProfitPercent() float64 {
	notional := p.Volume * p.OpenPrice
	if notional <= 0 {
		return 0
	}
	return p.UnrealizedPnL / notional * 100
}

// Clone returns a deep copy, so callers outside the tracker can hold a
// snapshot without racing the single-writer loop.
func (p *PositionRecord) Clone() *PositionRecord {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
