package indicator

import (
	"context"
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/amuzetnoM/herald/internal/models"
)

// Spec declares one indicator to compute, as it appears in config.
type Spec struct {
	Type   string                 `yaml:"type" json:"type"`
	Params map[string]interface{} `yaml:"params" json:"params"`
}

// Pipeline computes a fixed set of indicator columns over each bar window.
type Pipeline struct {
	specs  []Spec
	logger *logrus.Logger
}

// NewPipeline validates the specs and returns a pipeline. Unknown indicator
// types fail here rather than silently at tick time.
func NewPipeline(specs []Spec, logger *logrus.Logger) (*Pipeline, error) {
	for _, s := range specs {
		switch s.Type {
		case "sma", "rsi", "macd", "atr", "bbands", "stoch", "adx":
		default:
			return nil, fmt.Errorf("indicator: unknown type %q", s.Type)
		}
	}
	return &Pipeline{specs: specs, logger: logger}, nil
}

// Compute runs every spec over the window. Independent specs run
// concurrently; a failing spec logs and leaves its columns absent.
func (p *Pipeline) Compute(ctx context.Context, bars []models.Bar) *Frame {
	frame := &Frame{Bars: bars, Columns: make(map[string][]float64)}
	if len(bars) == 0 {
		return frame
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, spec := range p.specs {
		spec := spec
		g.Go(func() error {
			cols, err := computeSpec(spec, high, low, closes)
			if err != nil {
				p.logger.WithField("indicator", spec.Type).
					Warnf("indicator computation failed, column absent: %v", err)
				return nil
			}
			mu.Lock()
			for name, col := range cols {
				frame.Columns[name] = col
			}
			mu.Unlock()
			return nil
		})
	}
	// workers never return errors; Wait is just the join point
	_ = g.Wait()
	return frame
}

func computeSpec(spec Spec, high, low, closes []float64) (map[string][]float64, error) {
	n := len(closes)
	switch spec.Type {
	case "sma":
		period := intParam(spec.Params, "period", 20)
		if n < period {
			return nil, fmt.Errorf("sma(%d): window too short (%d bars)", period, n)
		}
		return map[string][]float64{
			fmt.Sprintf("sma_%d", period): talib.Sma(closes, period),
		}, nil

	case "rsi":
		period := intParam(spec.Params, "period", 14)
		if n <= period {
			return nil, fmt.Errorf("rsi(%d): window too short (%d bars)", period, n)
		}
		return map[string][]float64{"rsi": talib.Rsi(closes, period)}, nil

	case "macd":
		fast := intParam(spec.Params, "fast_period", 12)
		slow := intParam(spec.Params, "slow_period", 26)
		signal := intParam(spec.Params, "signal_period", 9)
		if n < slow+signal {
			return nil, fmt.Errorf("macd(%d,%d,%d): window too short (%d bars)", fast, slow, signal, n)
		}
		macd, sig, hist := talib.Macd(closes, fast, slow, signal)
		return map[string][]float64{
			"macd":        macd,
			"macd_signal": sig,
			"macd_hist":   hist,
		}, nil

	case "atr":
		period := intParam(spec.Params, "period", 14)
		if n <= period {
			return nil, fmt.Errorf("atr(%d): window too short (%d bars)", period, n)
		}
		return map[string][]float64{"atr": talib.Atr(high, low, closes, period)}, nil

	case "bbands":
		period := intParam(spec.Params, "period", 20)
		dev := floatParam(spec.Params, "deviation", 2.0)
		if n < period {
			return nil, fmt.Errorf("bbands(%d): window too short (%d bars)", period, n)
		}
		upper, middle, lower := talib.BBands(closes, period, dev, dev, talib.SMA)
		return map[string][]float64{
			"bb_upper":  upper,
			"bb_middle": middle,
			"bb_lower":  lower,
		}, nil

	case "stoch":
		fastK := intParam(spec.Params, "k_period", 14)
		slowK := intParam(spec.Params, "slowing", 3)
		slowD := intParam(spec.Params, "d_period", 3)
		if n < fastK+slowK+slowD {
			return nil, fmt.Errorf("stoch(%d,%d,%d): window too short (%d bars)", fastK, slowK, slowD, n)
		}
		k, d := talib.Stoch(high, low, closes, fastK, slowK, talib.SMA, slowD, talib.SMA)
		return map[string][]float64{"stoch_k": k, "stoch_d": d}, nil

	case "adx":
		period := intParam(spec.Params, "period", 14)
		if n <= 2*period {
			return nil, fmt.Errorf("adx(%d): window too short (%d bars)", period, n)
		}
		return map[string][]float64{"adx": talib.Adx(high, low, closes, period)}, nil
	}
	return nil, fmt.Errorf("unknown indicator type %q", spec.Type)
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

// EnsureSpecs appends any of required that the config did not already
// declare. The exit rules always need atr; the strategy declares its own.
func EnsureSpecs(specs []Spec, required []Spec) []Spec {
	have := make(map[string]bool, len(specs))
	for _, s := range specs {
		have[specKey(s)] = true
	}
	for _, r := range required {
		if !have[specKey(r)] {
			specs = append(specs, r)
			have[specKey(r)] = true
		}
	}
	return specs
}

func specKey(s Spec) string {
	switch s.Type {
	case "sma":
		return fmt.Sprintf("sma_%d", intParam(s.Params, "period", 20))
	default:
		return s.Type
	}
}
