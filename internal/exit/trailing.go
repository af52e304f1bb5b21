package exit

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/models"
)

// TrailingStop activates once a position has shown enough profit, then
// follows the best price seen with a volatility-scaled stop. The stop only
// ever moves in the profitable direction; the best-price scratch here is the
// authoritative copy, not the position record.
type TrailingStop struct {
	enabled       bool
	activationPct float64 // profit % that arms the trail
	atrMultiple   float64
	minDistance   float64 // absolute price floor for the trail distance
	logger        *logrus.Logger

	scratch map[int64]*trailState
}

type trailState struct {
	active    bool
	bestPrice float64
	stop      float64
}

// NewTrailingStop builds the rule from config params.
func NewTrailingStop(enabled bool, params map[string]interface{}, logger *logrus.Logger) *TrailingStop {
	return &TrailingStop{
		enabled:       enabled,
		activationPct: floatParam(params, "activation_pct", 0.5),
		atrMultiple:   floatParam(params, "atr_multiple", 2.0),
		minDistance:   floatParam(params, "min_distance", 0),
		logger:        logger,
		scratch:       make(map[int64]*trailState),
	}
}

var _ Rule = (*TrailingStop)(nil)

func (r *TrailingStop) Name() string  { return "trailing_stop" }
func (r *TrailingStop) Priority() int { return 25 }
func (r *TrailingStop) Enabled() bool { return r.enabled }

func (r *TrailingStop) Forget(ticket int64) { delete(r.scratch, ticket) }

// StopLevel exposes the current trail for a ticket, for tests and the ops
// surface. Second return is false before activation.
func (r *TrailingStop) StopLevel(ticket int64) (float64, bool) {
	st, ok := r.scratch[ticket]
	if !ok || !st.active {
		return 0, false
	}
	return st.stop, true
}

func (r *TrailingStop) ShouldExit(rec *models.PositionRecord, ctx Context) *models.ExitDecision {
	st, ok := r.scratch[rec.Ticket]
	if !ok {
		st = &trailState{}
		r.scratch[rec.Ticket] = st
	}

	price := rec.CurrentPrice
	if !st.active {
		if rec.ProfitPercent() < r.activationPct {
			return nil
		}
		st.active = true
		st.bestPrice = price
		st.stop = r.trailFrom(rec, price, ctx.ATR)
		r.logger.WithFields(logrus.Fields{
			"ticket": rec.Ticket,
			"stop":   st.stop,
		}).Info("trailing stop activated")
		return nil
	}

	improved := (rec.Side == models.SideLong && price > st.bestPrice) ||
		(rec.Side == models.SideShort && price < st.bestPrice)
	if improved {
		st.bestPrice = price
		candidate := r.trailFrom(rec, price, ctx.ATR)
		// monotonic: the stop never retreats toward loss
		if rec.Side == models.SideLong && candidate > st.stop {
			st.stop = candidate
		}
		if rec.Side == models.SideShort && candidate < st.stop {
			st.stop = candidate
		}
	}

	crossed := (rec.Side == models.SideLong && price <= st.stop) ||
		(rec.Side == models.SideShort && price >= st.stop)
	if !crossed {
		return nil
	}
	return &models.ExitDecision{
		Reason:     models.ExitReasonTrailingStop,
		Confidence: 1,
		Metadata: map[string]string{
			"stop":       fmt.Sprintf("%.5f", st.stop),
			"best_price": fmt.Sprintf("%.5f", st.bestPrice),
		},
	}
}

func (r *TrailingStop) trailFrom(rec *models.PositionRecord, best, atr float64) float64 {
	dist := atr * r.atrMultiple
	if dist < r.minDistance {
		dist = r.minDistance
	}
	if dist <= 0 {
		// no volatility proxy at all: fall back to a 0.5% trail
		dist = best * 0.005
	}
	if rec.Side == models.SideLong {
		return best - dist
	}
	return best + dist
}
