package risk

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testLimits() models.RiskLimits {
	return models.RiskLimits{
		MaxVolumePerOrder:     1.0,
		DefaultVolume:         0.10,
		MaxDailyLoss:          500,
		MaxPositionsPerSymbol: 2,
		MaxTotalPositions:     5,
		PositionSizePct:       0.01,
		EmergencyDrawdownPct:  0.10,
		CircuitBreakerEnabled: true,
	}
}

func testSpec() broker.SymbolSpec {
	return broker.SymbolSpec{
		Symbol:       "EURUSD",
		Point:        0.00001,
		VolumeMin:    0.01,
		VolumeMax:    100,
		VolumeStep:   0.01,
		ContractSize: 1,
	}
}

func testAccount() *models.AccountSnapshot {
	return &models.AccountSnapshot{
		Login:          12345678,
		Balance:        10000,
		Equity:         10000,
		MarginFree:     10000,
		TradingEnabled: true,
		ServerTime:     time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func testSignal() *models.Signal {
	return &models.Signal{
		ID:     "sig-1",
		Symbol: "EURUSD",
		Side:   models.SideLong,
		Price:  100,
	}
}

func TestApproveDefaultVolume(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	dec := g.Approve(testSignal(), testAccount(), 0, 0)
	require.True(t, dec.Approved, "refused: %s %s", dec.Code, dec.Message)
	assert.Equal(t, 0.10, dec.Volume)
}

func TestApproveStopDistanceSizing(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	sig := testSignal()
	sig.StopLoss = 99 // distance 1.0

	// 10000 * 0.01 / (1.0 * 1) = 100, clamped to MaxVolumePerOrder 1.0
	dec := g.Approve(sig, testAccount(), 0, 0)
	require.True(t, dec.Approved)
	assert.InDelta(t, 1.0, dec.Volume, 1e-9)
}

func TestApproveSizingQuantizes(t *testing.T) {
	limits := testLimits()
	limits.MaxVolumePerOrder = 10
	g := NewGate(limits, testSpec(), quietLogger())
	sig := testSignal()
	sig.StopLoss = 99.963 // distance 0.037 -> 100/0.037 no, risk 100 / 0.037 = 2702.7, clamps to 10
	sig.Price = 100

	dec := g.Approve(sig, testAccount(), 0, 0)
	require.True(t, dec.Approved)
	assert.InDelta(t, 10.0, dec.Volume, 1e-9)

	// a stop far away sizes small and lands on the volume step
	sig2 := testSignal()
	sig2.StopLoss = 100 - 1234.0
	sig2.Price = 100
	acct := testAccount()
	acct.MarginFree = 0 // skip the margin estimate for this tiny check
	dec2 := g.Approve(sig2, acct, 0, 0)
	require.True(t, dec2.Approved)
	assert.InDelta(t, 0.08, dec2.Volume, 1e-9, "100/1234 = 0.081..., floored to step")
}

func TestRefuseTradingDisabled(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	acct := testAccount()
	acct.TradingEnabled = false

	dec := g.Approve(testSignal(), acct, 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeTradingDisabled, dec.Code)
}

func TestRefuseSymbolCap(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	dec := g.Approve(testSignal(), testAccount(), 2, 2)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeSymbolCap, dec.Code)
}

func TestRefuseTotalCap(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	dec := g.Approve(testSignal(), testAccount(), 1, 5)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeTotalCap, dec.Code)
}

func TestRefuseDefaultVolumeAboveConfigMax(t *testing.T) {
	limits := testLimits()
	limits.DefaultVolume = 2.0 // above MaxVolumePerOrder 1.0
	g := NewGate(limits, testSpec(), quietLogger())

	dec := g.Approve(testSignal(), testAccount(), 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeVolumeAboveConfigMax, dec.Code)
}

func TestRefuseZeroSize(t *testing.T) {
	limits := testLimits()
	limits.DefaultVolume = 0.005 // quantizes to zero against step 0.01
	g := NewGate(limits, testSpec(), quietLogger())

	dec := g.Approve(testSignal(), testAccount(), 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeZeroOrNegativeSize, dec.Code)
}

func TestRefuseVolumeBelowBrokerMin(t *testing.T) {
	limits := testLimits()
	limits.DefaultVolume = 0.05
	spec := testSpec()
	spec.VolumeMin = 0.10 // exotic contract with a coarse minimum
	g := NewGate(limits, spec, quietLogger())

	dec := g.Approve(testSignal(), testAccount(), 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeVolumeBelowBrokerMin, dec.Code)
}

func TestRefuseInsufficientMargin(t *testing.T) {
	limits := testLimits()
	limits.DefaultVolume = 1.0
	g := NewGate(limits, broker.SymbolSpec{
		Symbol: "EURUSD", VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, ContractSize: 100000,
	}, quietLogger())

	acct := testAccount()
	acct.MarginFree = 50 // 1.0 * 100 * 100000 * 0.01 = 100000 required

	dec := g.Approve(testSignal(), acct, 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeInsufficientMargin, dec.Code)
}

func TestDailyLossBreakerTripsAndResets(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	day1 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	g.RecordClose(-200, day1)
	assert.False(t, g.BreakerOpen())
	assert.InDelta(t, -200, g.RealizedToday(), 1e-9)

	g.RecordClose(-310, day1.Add(time.Hour))
	assert.True(t, g.BreakerOpen(), "-510 crosses the 500 limit")

	acct := testAccount()
	acct.ServerTime = day1.Add(2 * time.Hour)
	dec := g.Approve(testSignal(), acct, 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeCircuitBreakerOpen, dec.Code)

	// server date advance resets accumulator and breaker
	acct.ServerTime = day1.Add(24 * time.Hour)
	dec = g.Approve(testSignal(), acct, 0, 0)
	assert.True(t, dec.Approved)
	assert.Zero(t, g.RealizedToday())
	assert.False(t, g.BreakerOpen())
}

func TestDailyLossLimitBindsWithBreakerDisabled(t *testing.T) {
	limits := testLimits()
	limits.CircuitBreakerEnabled = false
	g := NewGate(limits, testSpec(), quietLogger())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	g.RecordClose(-600, now)
	assert.False(t, g.BreakerOpen(), "breaker disabled never latches")

	dec := g.Approve(testSignal(), testAccount(), 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeDailyLossBreached, dec.Code)
}

func TestSeedRealizedPrimesAccumulator(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	g.SeedRealized(-520, now)
	assert.True(t, g.BreakerOpen(), "restart must not forget losses already taken")
	assert.InDelta(t, -520, g.RealizedToday(), 1e-9)
}

func TestEmergencyBreached(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	g.SetSessionStart(10000)

	acct := testAccount()
	acct.Equity = 9100
	assert.False(t, g.EmergencyBreached(acct))

	acct.Equity = 9000
	assert.True(t, g.EmergencyBreached(acct), "10%% drawdown floor is inclusive")

	acct.Equity = 8500
	assert.True(t, g.EmergencyBreached(acct))
}

func TestSessionStartFirstWriteWins(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	g.SetSessionStart(10000)
	g.SetSessionStart(20000)

	acct := testAccount()
	acct.Equity = 9000
	assert.True(t, g.EmergencyBreached(acct), "baseline stays at the first snapshot")
}

func TestHaltEntriesLatch(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	assert.False(t, g.EntriesHalted())

	g.HaltEntries()
	assert.True(t, g.EntriesHalted())

	dec := g.Approve(testSignal(), testAccount(), 0, 0)
	assert.False(t, dec.Approved)
	assert.Equal(t, CodeCircuitBreakerOpen, dec.Code)
}

func TestDayRollFollowsServerCalendar(t *testing.T) {
	g := NewGate(testLimits(), testSpec(), quietLogger())
	tz := time.FixedZone("UTC+3", 3*3600)

	lateEvening := time.Date(2025, 3, 10, 23, 30, 0, 0, tz)
	g.RecordClose(-200, lateEvening)
	assert.InDelta(t, -200, g.RealizedToday(), 1e-9)

	// ninety minutes later the server's date has advanced while the UTC
	// date has not
	afterMidnight := time.Date(2025, 3, 11, 1, 0, 0, 0, tz)
	g.RecordClose(-50, afterMidnight)
	assert.InDelta(t, -50, g.RealizedToday(), 1e-9, "accumulator resets at the server's own midnight")
	assert.False(t, g.BreakerOpen())
}
