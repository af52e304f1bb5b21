// Package broker defines the capability surface the rest of the system uses
// to talk to a trading venue, plus decorators that add rate limiting, retry,
// and circuit breaking around any implementation.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/amuzetnoM/herald/internal/models"
)

// SymbolSpec describes the tradable contract for one symbol. It drives lot
// quantisation and margin heuristics.
type SymbolSpec struct {
	Symbol       string  `json:"symbol"`
	Point        float64 `json:"point"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	ContractSize float64 `json:"contract_size"`
}

// Broker is the narrow capability interface over a trading venue. All calls
// can fail transiently; decorators in this package handle retry and pacing so
// call sites do not.
type Broker interface {
	// Connect establishes the session. Safe to call again after a drop.
	Connect(ctx context.Context) error
	// Disconnect tears the session down. Idempotent.
	Disconnect() error
	// Ping is a cheap health probe of the live session.
	Ping(ctx context.Context) error

	// AccountInfo returns a point-in-time account snapshot including the
	// broker server time.
	AccountInfo(ctx context.Context) (*models.AccountSnapshot, error)

	// Bars returns up to count most recent bars for symbol+timeframe,
	// oldest first.
	Bars(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error)

	// SymbolSpec returns the contract specification for a symbol.
	SymbolSpec(ctx context.Context, symbol string) (*SymbolSpec, error)

	// OpenPositions enumerates open positions carrying the given magic tag.
	// magic == 0 returns all positions on the account.
	OpenPositions(ctx context.Context, magic int64) ([]models.PositionRecord, error)

	// SubmitOrder places a new order. The broker does not deduplicate by
	// ClientTag; idempotency lives in the execution engine.
	SubmitOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderOutcome, error)

	// ClosePosition closes volume lots of an open position by ticket.
	// volume == 0 closes the full position.
	ClosePosition(ctx context.Context, ticket int64, volume float64, deviation int, comment string) (*models.OrderOutcome, error)

	// OrderByTag looks up a working or recently filled order by its client
	// tag. Returns ErrOrderNotFound when no such order exists.
	OrderByTag(ctx context.Context, tag string) (*models.OrderOutcome, error)

	// OrderStatus polls the state of a previously placed order.
	OrderStatus(ctx context.Context, ticket int64) (*models.OrderOutcome, error)

	// CancelOrder cancels the unfilled remainder of a working order.
	CancelOrder(ctx context.Context, ticket int64) error
}

// ErrOrderNotFound is returned by OrderByTag when no order carries the tag.
var ErrOrderNotFound = errors.New("broker: order not found")

// ErrNotConnected is returned when a call is made on a dropped session.
var ErrNotConnected = errors.New("broker: not connected")

// Clock abstracts time for the session decorator so tests can pace
// deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
