package exit

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/models"
)

// TimeBased closes positions on the clock rather than on price: maximum hold
// age, a protective window before the weekly close, and an optional
// end-of-day cutoff for day-trading accounts. All times are broker server
// time.
type TimeBased struct {
	enabled           bool
	maxHold           time.Duration // 0 = no age limit
	weekendProtection bool
	weekendBuffer     time.Duration
	dayTrading        bool
	eodHour           int
	logger            *logrus.Logger
}

// NewTimeBased builds the rule from config params.
func NewTimeBased(enabled bool, params map[string]interface{}, logger *logrus.Logger) *TimeBased {
	return &TimeBased{
		enabled:           enabled,
		maxHold:           time.Duration(floatParam(params, "max_hold_hours", 48) * float64(time.Hour)),
		weekendProtection: boolParam(params, "weekend_protection", false),
		weekendBuffer:     time.Duration(floatParam(params, "weekend_buffer_hours", 2) * float64(time.Hour)),
		dayTrading:        boolParam(params, "day_trading", false),
		eodHour:           intParam(params, "eod_hour", 22),
		logger:            logger,
	}
}

var _ Rule = (*TimeBased)(nil)

func (r *TimeBased) Name() string  { return "time_based" }
func (r *TimeBased) Priority() int { return 50 }
func (r *TimeBased) Enabled() bool { return r.enabled }

// Forget is a no-op: the rule keeps no per-ticket state.
func (r *TimeBased) Forget(int64) {}

func (r *TimeBased) ShouldExit(rec *models.PositionRecord, ctx Context) *models.ExitDecision {
	if r.maxHold > 0 {
		if age := rec.AgeAt(ctx.Now); age >= r.maxHold {
			return &models.ExitDecision{
				Reason:     models.ExitReasonMaxHold,
				Confidence: 1,
				Metadata:   map[string]string{"age": age.Round(time.Minute).String()},
			}
		}
	}

	if r.weekendProtection && r.inWeekendWindow(ctx.Now) {
		return &models.ExitDecision{
			Reason:     models.ExitReasonWeekendProtection,
			Confidence: 1,
		}
	}

	if r.dayTrading && ctx.Now.Hour() >= r.eodHour {
		return &models.ExitDecision{
			Reason:     models.ExitReasonEndOfDay,
			Confidence: 1,
			Metadata:   map[string]string{"eod_hour": fmt.Sprintf("%d", r.eodHour)},
		}
	}
	return nil
}

// inWeekendWindow reports whether now sits inside the buffer before the
// weekly close (Saturday 00:00 server time).
func (r *TimeBased) inWeekendWindow(now time.Time) bool {
	if now.Weekday() != time.Friday {
		return false
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return midnight.Sub(now) <= r.weekendBuffer
}
