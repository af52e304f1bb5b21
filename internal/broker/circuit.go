package broker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/amuzetnoM/herald/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping terminal stops absorbing the whole tick budget.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker executes a broker call through the breaker with proper
// type safety using generics.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	result, err := breaker.Execute(func() (interface{}, error) {
		return fn(broker)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(b Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings, logger *logrus.Logger) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("broker circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State { return c.breaker.State() }

func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Connect(ctx)
	})
	return err
}

// Disconnect bypasses the breaker: teardown must always reach the venue.
func (c *CircuitBreakerBroker) Disconnect() error { return c.broker.Disconnect() }

func (c *CircuitBreakerBroker) Ping(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Ping(ctx)
	})
	return err
}

func (c *CircuitBreakerBroker) AccountInfo(ctx context.Context) (*models.AccountSnapshot, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.AccountSnapshot, error) {
		return b.AccountInfo(ctx)
	})
}

func (c *CircuitBreakerBroker) Bars(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Bar, error) {
		return b.Bars(ctx, symbol, tf, count)
	})
}

func (c *CircuitBreakerBroker) SymbolSpec(ctx context.Context, symbol string) (*SymbolSpec, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*SymbolSpec, error) {
		return b.SymbolSpec(ctx, symbol)
	})
}

func (c *CircuitBreakerBroker) OpenPositions(ctx context.Context, magic int64) ([]models.PositionRecord, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.PositionRecord, error) {
		return b.OpenPositions(ctx, magic)
	})
}

func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderOutcome, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderOutcome, error) {
		return b.SubmitOrder(ctx, req)
	})
}

func (c *CircuitBreakerBroker) ClosePosition(ctx context.Context, ticket int64, volume float64, deviation int, comment string) (*models.OrderOutcome, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderOutcome, error) {
		return b.ClosePosition(ctx, ticket, volume, deviation, comment)
	})
}

func (c *CircuitBreakerBroker) OrderByTag(ctx context.Context, tag string) (*models.OrderOutcome, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderOutcome, error) {
		return b.OrderByTag(ctx, tag)
	})
}

func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, ticket int64) (*models.OrderOutcome, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderOutcome, error) {
		return b.OrderStatus(ctx, ticket)
	})
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, ticket int64) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, ticket)
	})
	return err
}
