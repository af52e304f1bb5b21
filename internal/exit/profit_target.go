package exit

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/models"
)

// TargetLevel is one profit threshold and the fraction of the original
// volume to close when it is reached.
type TargetLevel struct {
	Pct      float64 // unrealized profit as % of notional at open
	ClosePct float64 // % of the position's ORIGINAL volume to close
}

// ProfitTarget scales out of winners at configured profit levels. Each level
// fires once per position; the remainder keeps being managed by every rule.
type ProfitTarget struct {
	enabled bool
	levels  []TargetLevel
	logger  *logrus.Logger

	scratch map[int64]*targetState
}

type targetState struct {
	originalVolume float64
	fired          []bool
}

// NewProfitTarget builds the rule. Config may give either a flat target_pct
// (full close at one level) or an explicit levels list.
func NewProfitTarget(enabled bool, params map[string]interface{}, logger *logrus.Logger) (*ProfitTarget, error) {
	levels, err := parseLevels(params)
	if err != nil {
		return nil, err
	}
	return &ProfitTarget{
		enabled: enabled,
		levels:  levels,
		logger:  logger,
		scratch: make(map[int64]*targetState),
	}, nil
}

func parseLevels(params map[string]interface{}) ([]TargetLevel, error) {
	raw, ok := params["levels"]
	if !ok {
		return []TargetLevel{{Pct: floatParam(params, "target_pct", 2.0), ClosePct: 100}}, nil
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("profit_target: levels must be a non-empty list")
	}
	var levels []TargetLevel
	total := 0.0
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("profit_target: level %d is not a mapping", i)
		}
		lv := TargetLevel{
			Pct:      floatParam(m, "pct", 0),
			ClosePct: floatParam(m, "close_pct", 100),
		}
		if lv.Pct <= 0 {
			return nil, fmt.Errorf("profit_target: level %d needs a positive pct", i)
		}
		if lv.ClosePct <= 0 || lv.ClosePct > 100 {
			return nil, fmt.Errorf("profit_target: level %d close_pct out of (0,100]", i)
		}
		total += lv.ClosePct
		levels = append(levels, lv)
	}
	if total > 100+1e-9 {
		return nil, fmt.Errorf("profit_target: close_pct across levels sums to %.1f (max 100)", total)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Pct < levels[j].Pct })
	return levels, nil
}

var _ Rule = (*ProfitTarget)(nil)

func (r *ProfitTarget) Name() string  { return "profit_target" }
func (r *ProfitTarget) Priority() int { return 40 }
func (r *ProfitTarget) Enabled() bool { return r.enabled }

func (r *ProfitTarget) Forget(ticket int64) { delete(r.scratch, ticket) }

func (r *ProfitTarget) ShouldExit(rec *models.PositionRecord, ctx Context) *models.ExitDecision {
	st, ok := r.scratch[rec.Ticket]
	if !ok {
		st = &targetState{
			originalVolume: rec.Volume,
			fired:          make([]bool, len(r.levels)),
		}
		r.scratch[rec.Ticket] = st
	}

	profitPct := rec.ProfitPercent()
	for i, lv := range r.levels {
		if st.fired[i] || profitPct < lv.Pct {
			continue
		}
		st.fired[i] = true

		closeVol := st.originalVolume * lv.ClosePct / 100
		lastLevel := i == len(r.levels)-1
		if lastLevel || closeVol >= rec.Volume-1e-9 {
			closeVol = 0 // full close of whatever remains
		}
		return &models.ExitDecision{
			Reason:      models.ExitReasonProfitTarget,
			CloseVolume: closeVol,
			Confidence:  1,
			Metadata: map[string]string{
				"level_pct":  fmt.Sprintf("%.2f", lv.Pct),
				"profit_pct": fmt.Sprintf("%.3f", profitPct),
			},
		}
	}
	return nil
}
