package strategy

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuzetnoM/herald/internal/indicator"
	"github.com/amuzetnoM/herald/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testStrategy(t *testing.T) *SMACrossover {
	t.Helper()
	s, err := NewSMACrossover(map[string]interface{}{
		"fast_period":       3,
		"slow_period":       5,
		"atr_stop_multiple": 2.0,
		"risk_reward":       2.0,
	}, quietLogger())
	require.NoError(t, err)
	return s
}

// crossFrame builds a frame whose last two rows realise the given fast/slow
// values, padded in front so warm-up checks pass.
func crossFrame(n int, fastPrev, fastNow, slowPrev, slowNow, atr float64) *indicator.Frame {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	fast := make([]float64, n)
	slow := make([]float64, n)
	atrCol := make([]float64, n)
	for i := range bars {
		bars[i] = models.Bar{
			Symbol:    "EURUSD",
			Timeframe: models.TimeframeM15,
			OpenTime:  start.Add(time.Duration(i) * 15 * time.Minute),
			Close:     1.1000,
		}
		fast[i] = 1.0
		slow[i] = 1.0
		atrCol[i] = atr
	}
	fast[n-2], fast[n-1] = fastPrev, fastNow
	slow[n-2], slow[n-1] = slowPrev, slowNow
	return &indicator.Frame{
		Bars: bars,
		Columns: map[string][]float64{
			"sma_3": fast,
			"sma_5": slow,
			"atr":   atrCol,
		},
	}
}

func TestOnBarLongCross(t *testing.T) {
	s := testStrategy(t)
	frame := crossFrame(10, 1.0990, 1.1010, 1.1000, 1.1005, 0.0010)

	sig, err := s.OnBar(frame)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, models.SideLong, sig.Side)
	assert.Equal(t, "EURUSD", sig.Symbol)
	assert.Equal(t, "sma_crossover", sig.Strategy)
	assert.NotEmpty(t, sig.ID)

	// stop two ATRs below price, take-profit at twice the stop distance
	assert.InDelta(t, 1.1000-2*0.0010, sig.StopLoss, 1e-9)
	assert.InDelta(t, 1.1000+4*0.0010, sig.TakeProfit, 1e-9)

	bar := frame.LastBar()
	assert.Equal(t, bar.OpenTime.Add(15*time.Minute), sig.EmitTime)
}

func TestOnBarShortCross(t *testing.T) {
	s := testStrategy(t)
	frame := crossFrame(10, 1.1010, 1.0990, 1.1005, 1.1000, 0.0010)

	sig, err := s.OnBar(frame)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, models.SideShort, sig.Side)
	assert.InDelta(t, 1.1000+2*0.0010, sig.StopLoss, 1e-9)
	assert.InDelta(t, 1.1000-4*0.0010, sig.TakeProfit, 1e-9)
}

func TestOnBarNoCrossNoSignal(t *testing.T) {
	s := testStrategy(t)
	// fast stays above slow on both rows
	frame := crossFrame(10, 1.1010, 1.1012, 1.1000, 1.1001, 0.0010)

	sig, err := s.OnBar(frame)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestOnBarTooFewBars(t *testing.T) {
	s := testStrategy(t)
	frame := crossFrame(5, 1.0990, 1.1010, 1.1000, 1.1005, 0.0010)

	sig, err := s.OnBar(frame)
	require.NoError(t, err)
	assert.Nil(t, sig, "slow_period+2 bars are required before signalling")
}

func TestOnBarWarmupZeroSuppressed(t *testing.T) {
	s := testStrategy(t)
	frame := crossFrame(10, 0, 1.1010, 1.1000, 1.1005, 0.0010)

	sig, err := s.OnBar(frame)
	require.NoError(t, err)
	assert.Nil(t, sig, "zero previous row means warm-up, not a cross")
}

func TestOnBarMissingATRStillSignals(t *testing.T) {
	s := testStrategy(t)
	frame := crossFrame(10, 1.0990, 1.1010, 1.1000, 1.1005, 0.0010)
	delete(frame.Columns, "atr")

	sig, err := s.OnBar(frame)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Zero(t, sig.StopLoss)
	assert.Zero(t, sig.TakeProfit)
	assert.Equal(t, 0.5, sig.Confidence)
}

func TestNewSMACrossoverValidation(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"fast not below slow", map[string]interface{}{"fast_period": 30, "slow_period": 30}},
		{"negative fast", map[string]interface{}{"fast_period": -1}},
		{"zero atr multiple", map[string]interface{}{"atr_stop_multiple": -2.0}},
		{"zero risk reward", map[string]interface{}{"risk_reward": -1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSMACrossover(tt.params, quietLogger())
			assert.Error(t, err)
		})
	}
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := New("martingale", nil, quietLogger())
	assert.Error(t, err)

	s, err := New("sma_crossover", nil, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "sma_crossover", s.Name())
}

func TestRequiredIndicatorsIncludeATR(t *testing.T) {
	s := testStrategy(t)
	specs := s.RequiredIndicators()
	require.Len(t, specs, 3)
	types := map[string]bool{}
	for _, sp := range specs {
		types[sp.Type] = true
	}
	assert.True(t, types["sma"])
	assert.True(t, types["atr"])
}
