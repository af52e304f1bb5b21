package models

import (
	"fmt"
	"time"
)

// AccountSnapshot is a point-in-time view of the broker account. ServerTime is
// the broker's clock, which drives day-boundary logic; never substitute the
// local clock.
type AccountSnapshot struct {
	Login          int64     `json:"login"`
	Currency       string    `json:"currency"`
	Balance        float64   `json:"balance"`
	Equity         float64   `json:"equity"`
	MarginUsed     float64   `json:"margin_used"`
	MarginFree     float64   `json:"margin_free"`
	TradingEnabled bool      `json:"trading_enabled"`
	ServerTime     time.Time `json:"server_time"`
}

// MaskedLogin renders the account login with only the last four digits
// visible, for log output.
func (a AccountSnapshot) MaskedLogin() string {
	s := fmt.Sprintf("%d", a.Login)
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
