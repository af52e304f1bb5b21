// Package exit evaluates a prioritised set of exit rules against every
// tracked position and resolves at most one decision per position per tick.
package exit

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/models"
)

// Context carries the per-tick market state rules may consult in addition to
// the position record itself.
type Context struct {
	// Now is the broker server time, never the local clock.
	Now time.Time
	// ATR is the latest ATR value for the traded symbol, 0 when unavailable.
	ATR float64
	// Account is the tick's account snapshot.
	Account *models.AccountSnapshot
}

// Rule is one exit strategy. Rules read position records but never mutate
// them; any state they need lives in their own per-ticket scratch, freed via
// Forget when the tracker drops the ticket.
type Rule interface {
	Name() string
	Priority() int
	Enabled() bool
	ShouldExit(rec *models.PositionRecord, ctx Context) *models.ExitDecision
	Forget(ticket int64)
}

// Arbiter holds the rule set sorted by priority descending, insertion order
// breaking ties.
type Arbiter struct {
	rules  []Rule
	logger *logrus.Logger
}

// NewArbiter sorts the rules once at construction.
func NewArbiter(rules []Rule, logger *logrus.Logger) *Arbiter {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Arbiter{rules: sorted, logger: logger}
}

// Rules exposes the evaluation order, for logging and the ops surface.
func (a *Arbiter) Rules() []Rule { return a.rules }

// Evaluate walks positions in the given (ticket-ascending) order; for each,
// the first rule to decide wins and short-circuits the rest. Decisions are
// returned for the loop to execute after the scan, never applied mid-scan.
func (a *Arbiter) Evaluate(positions []*models.PositionRecord, ctx Context) []models.ExitDecision {
	var decisions []models.ExitDecision
	for _, rec := range positions {
		for _, rule := range a.rules {
			if !rule.Enabled() {
				continue
			}
			d := rule.ShouldExit(rec, ctx)
			if d == nil {
				continue
			}
			d.Ticket = rec.Ticket
			d.Rule = rule.Name()
			if d.TriggerTime.IsZero() {
				d.TriggerTime = ctx.Now
			}
			a.logger.WithFields(logrus.Fields{
				"ticket":       rec.Ticket,
				"rule":         rule.Name(),
				"reason":       d.Reason,
				"close_volume": d.CloseVolume,
			}).Info("exit decision")
			decisions = append(decisions, *d)
			break
		}
	}
	return decisions
}

// Forget clears every rule's scratch for a ticket. Wired to the tracker's
// removal hook.
func (a *Arbiter) Forget(ticket int64) {
	for _, rule := range a.rules {
		rule.Forget(ticket)
	}
}

// NewRule builds a rule by its config type tag.
func NewRule(typ string, enabled bool, params map[string]interface{}, logger *logrus.Logger) (Rule, error) {
	switch typ {
	case "adverse_movement":
		return NewAdverseMovement(enabled, params, logger), nil
	case "time_based":
		return NewTimeBased(enabled, params, logger), nil
	case "profit_target":
		return NewProfitTarget(enabled, params, logger)
	case "trailing_stop":
		return NewTrailingStop(enabled, params, logger), nil
	default:
		return nil, fmt.Errorf("exit: unknown rule type %q", typ)
	}
}

func intParam(params map[string]interface{}, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func boolParam(params map[string]interface{}, key string, def bool) bool {
	if params == nil {
		return def
	}
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}
