package strategy

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/indicator"
	"github.com/amuzetnoM/herald/internal/models"
)

// SMACrossover emits a long signal when the fast SMA crosses above the slow
// SMA on the last closed bar, and a short signal on the opposite cross. The
// stop sits an ATR multiple away from the reference price; the take-profit is
// placed at the configured reward-to-risk multiple of the stop distance.
type SMACrossover struct {
	fastPeriod  int
	slowPeriod  int
	atrMultiple float64
	riskReward  float64
	logger      *logrus.Logger
}

var _ Strategy = (*SMACrossover)(nil)

// NewSMACrossover builds the strategy from its config params.
func NewSMACrossover(params map[string]interface{}, logger *logrus.Logger) (*SMACrossover, error) {
	s := &SMACrossover{
		fastPeriod:  intParam(params, "fast_period", 10),
		slowPeriod:  intParam(params, "slow_period", 30),
		atrMultiple: floatParam(params, "atr_stop_multiple", 2.0),
		riskReward:  floatParam(params, "risk_reward", 2.0),
		logger:      logger,
	}
	if s.fastPeriod <= 0 || s.slowPeriod <= 0 {
		return nil, fmt.Errorf("sma_crossover: periods must be positive (fast=%d slow=%d)", s.fastPeriod, s.slowPeriod)
	}
	if s.fastPeriod >= s.slowPeriod {
		return nil, fmt.Errorf("sma_crossover: fast_period %d must be below slow_period %d", s.fastPeriod, s.slowPeriod)
	}
	if s.atrMultiple <= 0 {
		return nil, fmt.Errorf("sma_crossover: atr_stop_multiple must be positive")
	}
	if s.riskReward <= 0 {
		return nil, fmt.Errorf("sma_crossover: risk_reward must be positive")
	}
	return s, nil
}

func (s *SMACrossover) Name() string { return "sma_crossover" }

func (s *SMACrossover) RequiredIndicators() []indicator.Spec {
	return []indicator.Spec{
		{Type: "sma", Params: map[string]interface{}{"period": s.fastPeriod}},
		{Type: "sma", Params: map[string]interface{}{"period": s.slowPeriod}},
		{Type: "atr", Params: map[string]interface{}{"period": 14}},
	}
}

// OnBar checks the last two closed bars for a cross.
func (s *SMACrossover) OnBar(frame *indicator.Frame) (*models.Signal, error) {
	n := frame.Len()
	// need one bar past the slow warm-up so the previous row is meaningful
	if n < s.slowPeriod+2 {
		return nil, nil
	}

	fastCol := fmt.Sprintf("sma_%d", s.fastPeriod)
	slowCol := fmt.Sprintf("sma_%d", s.slowPeriod)

	fastPrev, err := frame.At(fastCol, n-2)
	if err != nil {
		return nil, err
	}
	fastNow, err := frame.At(fastCol, n-1)
	if err != nil {
		return nil, err
	}
	slowPrev, err := frame.At(slowCol, n-2)
	if err != nil {
		return nil, err
	}
	slowNow, err := frame.At(slowCol, n-1)
	if err != nil {
		return nil, err
	}
	if fastPrev == 0 || slowPrev == 0 {
		// still inside warm-up rows
		return nil, nil
	}

	var side models.Side
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		side = models.SideLong
	case fastPrev >= slowPrev && fastNow < slowNow:
		side = models.SideShort
	default:
		return nil, nil
	}

	bar := frame.LastBar()
	price := bar.Close

	atr, err := frame.Last("atr")
	if err != nil || atr <= 0 {
		s.logger.Warnf("sma_crossover: atr unavailable, signal without stop: %v", err)
		atr = 0
	}

	var stop, takeProfit float64
	if atr > 0 {
		dist := atr * s.atrMultiple
		if side == models.SideLong {
			stop = price - dist
			takeProfit = price + dist*s.riskReward
		} else {
			stop = price + dist
			takeProfit = price - dist*s.riskReward
		}
	}

	sig := &models.Signal{
		ID:         uuid.NewString(),
		EmitTime:   bar.OpenTime.Add(bar.Timeframe.Duration()),
		Symbol:     bar.Symbol,
		Side:       side,
		Price:      price,
		StopLoss:   stop,
		TakeProfit: takeProfit,
		Confidence: crossConfidence(fastNow, slowNow, atr),
		Strategy:   s.Name(),
		Metadata: map[string]string{
			"fast_sma": fmt.Sprintf("%.5f", fastNow),
			"slow_sma": fmt.Sprintf("%.5f", slowNow),
		},
	}
	s.logger.WithFields(logrus.Fields{
		"symbol":     sig.Symbol,
		"side":       sig.Side,
		"price":      sig.Price,
		"stop":       sig.StopLoss,
		"confidence": sig.Confidence,
	}).Info("sma crossover signal")
	return sig, nil
}

// crossConfidence scales with the separation of the averages relative to
// volatility, capped at 1.
func crossConfidence(fast, slow, atr float64) float64 {
	if atr <= 0 {
		return 0.5
	}
	sep := fast - slow
	if sep < 0 {
		sep = -sep
	}
	c := 0.5 + sep/atr
	if c > 1 {
		c = 1
	}
	return c
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
