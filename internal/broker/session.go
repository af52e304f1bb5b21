package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/models"
)

// SessionConfig tunes the pacing and retry behaviour of a Session.
type SessionConfig struct {
	// MinCallSpacing is the minimum gap between consecutive broker calls.
	MinCallSpacing time.Duration
	// CallTimeout bounds every individual broker call.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff growth.
	MaxBackoff time.Duration
}

// DefaultSessionConfig mirrors the pacing the terminal tolerates.
var DefaultSessionConfig = SessionConfig{
	MinCallSpacing: 100 * time.Millisecond,
	CallTimeout:    30 * time.Second,
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Session decorates a Broker with minimum inter-call spacing, per-call
// timeouts, and transient-fault retry with capped backoff and jitter.
// Mutating calls (SubmitOrder, ClosePosition, CancelOrder) are NOT retried:
// a timed-out submit may have reached the venue, and resubmission is the
// execution engine's decision, made through its idempotency map.
type Session struct {
	inner  Broker
	cfg    SessionConfig
	logger *logrus.Logger
	clock  Clock

	mu       sync.Mutex
	lastCall time.Time
}

var _ Broker = (*Session)(nil)

// NewSession wraps inner with pacing and retry.
func NewSession(inner Broker, cfg SessionConfig, logger *logrus.Logger) *Session {
	if cfg.MinCallSpacing <= 0 {
		cfg.MinCallSpacing = DefaultSessionConfig.MinCallSpacing
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultSessionConfig.CallTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultSessionConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultSessionConfig.MaxBackoff
	}
	return &Session{inner: inner, cfg: cfg, logger: logger, clock: realClock{}}
}

// SetClock replaces the wall clock. Tests only.
func (s *Session) SetClock(c Clock) { s.clock = c }

// pace blocks until MinCallSpacing has elapsed since the previous call.
func (s *Session) pace() {
	s.mu.Lock()
	wait := s.cfg.MinCallSpacing - s.clock.Now().Sub(s.lastCall)
	if wait > 0 {
		s.clock.Sleep(wait)
	}
	s.lastCall = s.clock.Now()
	s.mu.Unlock()
}

// call runs fn once with pacing and a per-call timeout.
func (s *Session) call(ctx context.Context, fn func(ctx context.Context) error) error {
	s.pace()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// callRetry runs fn with pacing, timeout, and transient-fault retry.
func (s *Session) callRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := s.cfg.InitialBackoff
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}
		lastErr = s.call(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == s.cfg.MaxRetries {
			break
		}
		s.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Warnf("transient broker fault, retrying: %v", lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, s.cfg.MaxRetries+1, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransient classifies broker faults worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"service unavailable",
		"too many requests",
		"no connection",
		"requote",
	}
	for _, p := range transientPatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

func (s *Session) Connect(ctx context.Context) error {
	return s.callRetry(ctx, "connect", func(ctx context.Context) error {
		return s.inner.Connect(ctx)
	})
}

func (s *Session) Disconnect() error { return s.inner.Disconnect() }

func (s *Session) Ping(ctx context.Context) error {
	return s.call(ctx, func(ctx context.Context) error {
		return s.inner.Ping(ctx)
	})
}

func (s *Session) AccountInfo(ctx context.Context) (*models.AccountSnapshot, error) {
	var out *models.AccountSnapshot
	err := s.callRetry(ctx, "account_info", func(ctx context.Context) error {
		var err error
		out, err = s.inner.AccountInfo(ctx)
		return err
	})
	return out, err
}

func (s *Session) Bars(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	var out []models.Bar
	err := s.callRetry(ctx, "bars", func(ctx context.Context) error {
		var err error
		out, err = s.inner.Bars(ctx, symbol, tf, count)
		return err
	})
	return out, err
}

func (s *Session) SymbolSpec(ctx context.Context, symbol string) (*SymbolSpec, error) {
	var out *SymbolSpec
	err := s.callRetry(ctx, "symbol_spec", func(ctx context.Context) error {
		var err error
		out, err = s.inner.SymbolSpec(ctx, symbol)
		return err
	})
	return out, err
}

func (s *Session) OpenPositions(ctx context.Context, magic int64) ([]models.PositionRecord, error) {
	var out []models.PositionRecord
	err := s.callRetry(ctx, "open_positions", func(ctx context.Context) error {
		var err error
		out, err = s.inner.OpenPositions(ctx, magic)
		return err
	})
	return out, err
}

func (s *Session) SubmitOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderOutcome, error) {
	var out *models.OrderOutcome
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.SubmitOrder(ctx, req)
		return err
	})
	return out, err
}

func (s *Session) ClosePosition(ctx context.Context, ticket int64, volume float64, deviation int, comment string) (*models.OrderOutcome, error) {
	var out *models.OrderOutcome
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.ClosePosition(ctx, ticket, volume, deviation, comment)
		return err
	})
	return out, err
}

func (s *Session) OrderByTag(ctx context.Context, tag string) (*models.OrderOutcome, error) {
	var out *models.OrderOutcome
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.OrderByTag(ctx, tag)
		return err
	})
	return out, err
}

func (s *Session) OrderStatus(ctx context.Context, ticket int64) (*models.OrderOutcome, error) {
	var out *models.OrderOutcome
	err := s.callRetry(ctx, "order_status", func(ctx context.Context) error {
		var err error
		out, err = s.inner.OrderStatus(ctx, ticket)
		return err
	})
	return out, err
}

func (s *Session) CancelOrder(ctx context.Context, ticket int64) error {
	return s.call(ctx, func(ctx context.Context) error {
		return s.inner.CancelOrder(ctx, ticket)
	})
}
