package broker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/models"
)

// flakyBroker fails each call a configured number of times before
// succeeding, counting every attempt.
type flakyBroker struct {
	failures int
	err      error
	calls    int
	submits  int
}

func (f *flakyBroker) step() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func (f *flakyBroker) Connect(ctx context.Context) error { return f.step() }
func (f *flakyBroker) Disconnect() error                 { return nil }
func (f *flakyBroker) Ping(ctx context.Context) error    { return f.step() }

func (f *flakyBroker) AccountInfo(ctx context.Context) (*models.AccountSnapshot, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &models.AccountSnapshot{Balance: 10000, TradingEnabled: true}, nil
}

func (f *flakyBroker) Bars(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return []models.Bar{{Symbol: symbol}}, nil
}

func (f *flakyBroker) SymbolSpec(ctx context.Context, symbol string) (*broker.SymbolSpec, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &broker.SymbolSpec{Symbol: symbol, VolumeStep: 0.01}, nil
}

func (f *flakyBroker) OpenPositions(ctx context.Context, magic int64) ([]models.PositionRecord, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *flakyBroker) SubmitOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderOutcome, error) {
	f.submits++
	if err := f.step(); err != nil {
		return nil, err
	}
	return &models.OrderOutcome{Status: models.OrderFilled}, nil
}

func (f *flakyBroker) ClosePosition(ctx context.Context, ticket int64, volume float64, deviation int, comment string) (*models.OrderOutcome, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &models.OrderOutcome{Status: models.OrderFilled}, nil
}

func (f *flakyBroker) OrderByTag(ctx context.Context, tag string) (*models.OrderOutcome, error) {
	return nil, broker.ErrOrderNotFound
}

func (f *flakyBroker) OrderStatus(ctx context.Context, ticket int64) (*models.OrderOutcome, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &models.OrderOutcome{Status: models.OrderFilled}, nil
}

func (f *flakyBroker) CancelOrder(ctx context.Context, ticket int64) error { return f.step() }

func testSessionConfig() broker.SessionConfig {
	return broker.SessionConfig{
		MinCallSpacing: time.Millisecond,
		CallTimeout:    time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestSessionRetriesTransientFaults(t *testing.T) {
	inner := &flakyBroker{failures: 2, err: fmt.Errorf("connection reset by peer")}
	s := broker.NewSession(inner, testSessionConfig(), quietLogger())

	acct, err := s.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, acct.Balance)
	assert.Equal(t, 3, inner.calls, "two failures plus one success")
}

func TestSessionGivesUpAfterRetryBudget(t *testing.T) {
	inner := &flakyBroker{failures: 10, err: fmt.Errorf("timeout waiting for terminal")}
	s := broker.NewSession(inner, testSessionConfig(), quietLogger())

	_, err := s.AccountInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, 4, inner.calls, "initial attempt plus MaxRetries")
}

func TestSessionDoesNotRetryNonTransient(t *testing.T) {
	inner := &flakyBroker{failures: 10, err: fmt.Errorf("invalid stops")}
	s := broker.NewSession(inner, testSessionConfig(), quietLogger())

	_, err := s.AccountInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestSessionNeverRetriesMutations(t *testing.T) {
	inner := &flakyBroker{failures: 1, err: fmt.Errorf("timeout waiting for terminal")}
	s := broker.NewSession(inner, testSessionConfig(), quietLogger())

	_, err := s.SubmitOrder(context.Background(), &models.OrderRequest{ClientTag: "t"})
	require.Error(t, err, "an ambiguous submit must surface, not resubmit")
	assert.Equal(t, 1, inner.submits)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{fmt.Errorf("request timeout"), true},
		{fmt.Errorf("connection refused"), true},
		{fmt.Errorf("503 service unavailable"), true},
		{fmt.Errorf("too many requests"), true},
		{fmt.Errorf("requote"), true},
		{fmt.Errorf("invalid volume"), false},
		{fmt.Errorf("not enough money"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.transient, broker.IsTransient(tt.err), "error: %v", tt.err)
	}
}

func TestCircuitBreakerOpensUnderFailure(t *testing.T) {
	inner := &flakyBroker{failures: 100, err: errors.New("server error")}
	cb := broker.NewCircuitBreakerBrokerWithSettings(inner, broker.CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	}, quietLogger())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, cb.Ping(ctx))
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	callsBefore := inner.calls
	err := cb.Ping(ctx)
	require.Error(t, err)
	assert.Equal(t, callsBefore, inner.calls, "open breaker must not reach the venue")
}
