// Package risk turns raw signals into sized, approved orders or typed
// refusals, and owns the daily-loss circuit breaker.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/models"
	"github.com/amuzetnoM/herald/internal/util"
)

// Code is a stable, human-legible refusal identifier.
type Code string

const (
	CodeTradingDisabled      Code = "trading_disabled"
	CodeSymbolCap            Code = "symbol_cap"
	CodeTotalCap             Code = "total_cap"
	CodeDailyLossBreached    Code = "daily_loss_breached"
	CodeZeroOrNegativeSize   Code = "zero_or_negative_size"
	CodeVolumeBelowBrokerMin Code = "volume_below_broker_min"
	CodeVolumeAboveConfigMax Code = "volume_above_config_max"
	CodeInsufficientMargin   Code = "insufficient_margin"
	CodeCircuitBreakerOpen   Code = "circuit_breaker_open"
)

// Decision is the gate's answer for one signal.
type Decision struct {
	Approved bool
	Volume   float64
	Code     Code
	Message  string
}

func refuse(code Code, format string, args ...interface{}) Decision {
	return Decision{Code: code, Message: fmt.Sprintf(format, args...)}
}

// marginRate approximates the broker's margin requirement per unit of
// notional. The broker's own reject remains the authority.
const marginRate = 0.01

// Gate holds the running risk state. Mutation happens only on the control
// loop; the lock exists for the read-only ops surface.
type Gate struct {
	limits models.RiskLimits
	spec   broker.SymbolSpec
	logger *logrus.Logger

	mu            sync.Mutex
	realizedToday float64
	currentDay    time.Time
	breakerOpen   bool

	sessionStartEquity float64
	entriesHalted      bool
}

// NewGate builds a gate. spec supplies the broker lot constraints used for
// sizing.
func NewGate(limits models.RiskLimits, spec broker.SymbolSpec, logger *logrus.Logger) *Gate {
	return &Gate{limits: limits, spec: spec, logger: logger}
}

// SetSymbolSpec installs the broker lot constraints once they are known.
// The loop fetches the spec after connecting, which is after construction.
func (g *Gate) SetSymbolSpec(spec broker.SymbolSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spec = spec
}

// SetSessionStart records the equity baseline for emergency-drawdown checks.
// Called once, from the first successful account snapshot.
func (g *Gate) SetSessionStart(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionStartEquity == 0 {
		g.sessionStartEquity = equity
	}
}

// RealizedToday exposes the running daily P&L accumulator.
func (g *Gate) RealizedToday() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.realizedToday
}

// BreakerOpen reports whether the daily-loss breaker is latched.
func (g *Gate) BreakerOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breakerOpen
}

// EntriesHalted reports whether the emergency halt latch is set.
func (g *Gate) EntriesHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entriesHalted
}

// HaltEntries latches the gate shut for the rest of the process lifetime.
// Used after an emergency flatten; only a restart clears it.
func (g *Gate) HaltEntries() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entriesHalted = true
}

// SeedRealized primes the daily accumulator from persisted trades, so a
// restart mid-day cannot forget losses already taken.
func (g *Gate) SeedRealized(pnl float64, serverTime time.Time) {
	g.RecordClose(pnl, serverTime)
}

// rollDay resets the accumulator and the breaker when the broker server date
// advances. The boundary is the server clock's own calendar midnight, not a
// UTC truncation; the local clock is never consulted.
func (g *Gate) rollDay(serverTime time.Time) {
	day := time.Date(serverTime.Year(), serverTime.Month(), serverTime.Day(),
		0, 0, 0, 0, serverTime.Location())
	if g.currentDay.IsZero() {
		g.currentDay = day
		return
	}
	if day.After(g.currentDay) {
		g.logger.WithFields(logrus.Fields{
			"previous_day":   g.currentDay.Format("2006-01-02"),
			"new_day":        day.Format("2006-01-02"),
			"realized_final": g.realizedToday,
		}).Info("server day advanced, daily loss accumulator reset")
		g.currentDay = day
		g.realizedToday = 0
		g.breakerOpen = false
	}
}

// RecordClose feeds one confirmed close into the daily accumulator and trips
// the breaker when the configured loss is reached.
func (g *Gate) RecordClose(pnl float64, serverTime time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(serverTime)
	g.realizedToday += pnl
	if !g.breakerOpen && g.limits.CircuitBreakerEnabled &&
		g.limits.MaxDailyLoss > 0 && g.realizedToday <= -g.limits.MaxDailyLoss {
		g.breakerOpen = true
		g.logger.WithFields(logrus.Fields{
			"realized_today": g.realizedToday,
			"max_daily_loss": g.limits.MaxDailyLoss,
		}).Warn("daily loss limit reached, circuit breaker open")
	}
}

// EmergencyBreached reports whether equity has fallen from the session start
// beyond the configured drawdown fraction.
func (g *Gate) EmergencyBreached(acct *models.AccountSnapshot) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limits.EmergencyDrawdownPct <= 0 || g.sessionStartEquity <= 0 {
		return false
	}
	floor := g.sessionStartEquity * (1 - g.limits.EmergencyDrawdownPct)
	return acct.Equity <= floor
}

// Approve evaluates one directional signal against account state and open
// position counts, and sizes the order on approval.
func (g *Gate) Approve(sig *models.Signal, acct *models.AccountSnapshot, perSymbol, total int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(acct.ServerTime)

	if g.entriesHalted {
		return refuse(CodeCircuitBreakerOpen, "entries halted after emergency drawdown")
	}
	if g.breakerOpen {
		return refuse(CodeCircuitBreakerOpen, "daily loss breaker open (realized %.2f)", g.realizedToday)
	}
	if !acct.TradingEnabled {
		return refuse(CodeTradingDisabled, "account %s has trading disabled", acct.MaskedLogin())
	}
	if g.limits.MaxDailyLoss > 0 && g.realizedToday <= -g.limits.MaxDailyLoss {
		// breaker disabled in config but the limit itself still binds
		return refuse(CodeDailyLossBreached, "daily loss %.2f exceeds limit %.2f", -g.realizedToday, g.limits.MaxDailyLoss)
	}
	if g.limits.MaxPositionsPerSymbol > 0 && perSymbol >= g.limits.MaxPositionsPerSymbol {
		return refuse(CodeSymbolCap, "%d positions already open on %s (max %d)", perSymbol, sig.Symbol, g.limits.MaxPositionsPerSymbol)
	}
	if g.limits.MaxTotalPositions > 0 && total >= g.limits.MaxTotalPositions {
		return refuse(CodeTotalCap, "%d positions already open (max %d)", total, g.limits.MaxTotalPositions)
	}

	volume, dec := g.size(sig, acct)
	if dec != nil {
		return *dec
	}

	required := volume * sig.Price * g.contractSize() * marginRate
	if acct.MarginFree > 0 && required > acct.MarginFree {
		return refuse(CodeInsufficientMargin, "estimated margin %.2f exceeds free margin %.2f", required, acct.MarginFree)
	}

	return Decision{Approved: true, Volume: volume}
}

func (g *Gate) contractSize() float64 {
	if g.spec.ContractSize > 0 {
		return g.spec.ContractSize
	}
	return 1
}

// size applies the sizing policy: stop-distance sizing when the signal
// carries a stop, otherwise the configured default volume.
func (g *Gate) size(sig *models.Signal, acct *models.AccountSnapshot) (float64, *Decision) {
	step := g.spec.VolumeStep
	if step <= 0 {
		step = 0.01
	}

	var volume float64
	if sig.StopLoss > 0 && g.limits.PositionSizePct > 0 {
		dist := math.Abs(sig.Price - sig.StopLoss)
		if dist <= 0 {
			volume = g.limits.DefaultVolume
		} else {
			riskAmount := acct.Balance * g.limits.PositionSizePct
			volume = riskAmount / (dist * g.contractSize())
			// stop-sized volume clamps into bounds rather than refusing
			volume = util.Clamp(volume, g.spec.VolumeMin, g.limits.MaxVolumePerOrder)
		}
	} else {
		volume = g.limits.DefaultVolume
	}

	volume = util.QuantizeVolume(volume, step)

	if volume <= 0 {
		d := refuse(CodeZeroOrNegativeSize, "sized volume %.4f is not positive", volume)
		return 0, &d
	}
	if g.spec.VolumeMin > 0 && volume < g.spec.VolumeMin {
		d := refuse(CodeVolumeBelowBrokerMin, "volume %.4f below broker minimum %.4f", volume, g.spec.VolumeMin)
		return 0, &d
	}
	if g.limits.MaxVolumePerOrder > 0 && volume > g.limits.MaxVolumePerOrder {
		d := refuse(CodeVolumeAboveConfigMax, "volume %.4f above configured maximum %.4f", volume, g.limits.MaxVolumePerOrder)
		return 0, &d
	}
	if g.spec.VolumeMax > 0 && volume > g.spec.VolumeMax {
		d := refuse(CodeVolumeAboveConfigMax, "volume %.4f above broker maximum %.4f", volume, g.spec.VolumeMax)
		return 0, &d
	}
	return volume, nil
}
