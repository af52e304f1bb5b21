package exit

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/models"
)

// AdverseMovement is the emergency rule: it fires when price moves against
// the position by at least adversePct within the observation window,
// confirmed by a run of consecutive adverse observations. A volatility
// filter can suppress it in wild markets, and a cooldown stops immediate
// re-triggering.
type AdverseMovement struct {
	enabled        bool
	adversePct     float64
	window         time.Duration
	consecutive    int
	cooldown       time.Duration
	maxVolatilePct float64 // 0 = filter off; suppress when ATR/price*100 exceeds
	logger         *logrus.Logger

	scratch map[int64]*adverseState
}

type observation struct {
	at    time.Time
	price float64
}

type adverseState struct {
	window      []observation
	consecutive int
	lastPrice   float64
	lastTrigger time.Time
}

// NewAdverseMovement builds the rule from config params.
func NewAdverseMovement(enabled bool, params map[string]interface{}, logger *logrus.Logger) *AdverseMovement {
	return &AdverseMovement{
		enabled:        enabled,
		adversePct:     floatParam(params, "adverse_pct", 1.0),
		window:         time.Duration(intParam(params, "window_seconds", 60)) * time.Second,
		consecutive:    intParam(params, "consecutive_ticks", 3),
		cooldown:       time.Duration(intParam(params, "cooldown_seconds", 300)) * time.Second,
		maxVolatilePct: floatParam(params, "max_volatility_pct", 0),
		logger:         logger,
		scratch:        make(map[int64]*adverseState),
	}
}

var _ Rule = (*AdverseMovement)(nil)

func (r *AdverseMovement) Name() string  { return "adverse_movement" }
func (r *AdverseMovement) Priority() int { return 90 }
func (r *AdverseMovement) Enabled() bool { return r.enabled }

func (r *AdverseMovement) Forget(ticket int64) { delete(r.scratch, ticket) }

func (r *AdverseMovement) ShouldExit(rec *models.PositionRecord, ctx Context) *models.ExitDecision {
	st, ok := r.scratch[rec.Ticket]
	if !ok {
		st = &adverseState{lastPrice: rec.CurrentPrice}
		r.scratch[rec.Ticket] = st
	}

	price := rec.CurrentPrice
	adverseTick := false
	if st.lastPrice != 0 {
		if rec.Side == models.SideLong {
			adverseTick = price < st.lastPrice
		} else {
			adverseTick = price > st.lastPrice
		}
	}
	if adverseTick {
		st.consecutive++
	} else if price != st.lastPrice {
		st.consecutive = 0
	}
	st.lastPrice = price

	st.window = append(st.window, observation{at: ctx.Now, price: price})
	cutoff := ctx.Now.Add(-r.window)
	for len(st.window) > 0 && st.window[0].at.Before(cutoff) {
		st.window = st.window[1:]
	}

	if !st.lastTrigger.IsZero() && ctx.Now.Sub(st.lastTrigger) < r.cooldown {
		return nil
	}
	if r.maxVolatilePct > 0 && price > 0 && ctx.ATR/price*100 > r.maxVolatilePct {
		// market is too wild for the threshold to mean anything
		return nil
	}
	if st.consecutive < r.consecutive || len(st.window) == 0 {
		return nil
	}

	// worst favourable price seen inside the window bounds the move
	ref := st.window[0].price
	for _, o := range st.window {
		if rec.Side == models.SideLong && o.price > ref {
			ref = o.price
		}
		if rec.Side == models.SideShort && o.price < ref {
			ref = o.price
		}
	}
	if ref <= 0 {
		return nil
	}
	var movePct float64
	if rec.Side == models.SideLong {
		movePct = (ref - price) / ref * 100
	} else {
		movePct = (price - ref) / ref * 100
	}
	if movePct < r.adversePct {
		return nil
	}

	st.lastTrigger = ctx.Now
	return &models.ExitDecision{
		Reason:     models.ExitReasonAdverseMovement,
		Confidence: 1,
		Metadata: map[string]string{
			"move_pct":    fmt.Sprintf("%.3f", movePct),
			"consecutive": fmt.Sprintf("%d", st.consecutive),
		},
	}
}
