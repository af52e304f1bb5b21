// Package exec is the only component that mutates broker state. It makes
// order submission idempotent over client tags, snaps volumes to the
// broker's lot step, handles partial-fill polling, and synthesises fills in
// dry-run mode.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/models"
	"github.com/amuzetnoM/herald/internal/util"
)

// dryTicketBase reserves a numeric range that never collides with real
// broker tickets.
const dryTicketBase int64 = 900000000

// IsDryTicket reports whether ticket falls in the reserved dry-run range.
// Such positions exist only in the local book; the venue never sees them.
func IsDryTicket(ticket int64) bool { return ticket > dryTicketBase }

// Config tunes the engine.
type Config struct {
	// FillTimeout bounds how long a partially filled order may keep
	// working before the remainder is cancelled.
	FillTimeout time.Duration
	// PollInterval is the gap between order-status polls.
	PollInterval time.Duration
	// Deviation is the price tolerance in points passed to the broker.
	Deviation int
	// Magic tags every order this system places.
	Magic int64
	// DryRun synthesises fills instead of touching the venue.
	DryRun bool
}

// Engine submits and closes orders. Outcomes are remembered per client tag
// for a day, which covers restarts within a trading session; after a longer
// gap the broker-side tag lookup still prevents duplicates.
type Engine struct {
	broker broker.Broker
	cfg    Config
	logger *logrus.Logger

	outcomes  *gocache.Cache
	specs     *gocache.Cache
	dryTicket atomic.Int64
}

// NewEngine builds an engine around the (already decorated) broker session.
func NewEngine(b broker.Broker, cfg Config, logger *logrus.Logger) *Engine {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	e := &Engine{
		broker:   b,
		cfg:      cfg,
		logger:   logger,
		outcomes: gocache.New(24*time.Hour, time.Hour),
		specs:    gocache.New(time.Hour, time.Hour),
	}
	e.dryTicket.Store(dryTicketBase)
	return e
}

// Submit places an order, idempotently over req.ClientTag: a resubmission
// with a tag the engine has already resolved returns the prior outcome and
// never reaches the venue.
func (e *Engine) Submit(ctx context.Context, req *models.OrderRequest) (*models.OrderOutcome, error) {
	if req.ClientTag == "" {
		return nil, fmt.Errorf("exec: order request missing client tag")
	}
	if req.Magic == 0 {
		req.Magic = e.cfg.Magic
	}
	if req.Deviation == 0 {
		req.Deviation = e.cfg.Deviation
	}

	if cached, ok := e.outcomes.Get(req.ClientTag); ok {
		out := cached.(*models.OrderOutcome)
		e.logger.WithFields(logrus.Fields{
			"tag":    req.ClientTag,
			"status": out.Status,
			"ticket": out.Ticket,
		}).Info("duplicate submission suppressed, returning prior outcome")
		return out, nil
	}

	// the venue rejects off-step volumes outright, so snap before placing
	if spec := e.specFor(ctx, req.Symbol); spec != nil {
		if q := QuantizeTo(spec, req.Volume); q != req.Volume {
			e.logger.WithFields(logrus.Fields{
				"tag":       req.ClientTag,
				"requested": req.Volume,
				"snapped":   q,
			}).Info("volume snapped to lot step")
			req.Volume = q
		}
	}

	// The local cache is empty after a restart; ask the venue before
	// placing anything.
	if !e.cfg.DryRun {
		if prior, err := e.broker.OrderByTag(ctx, req.ClientTag); err == nil {
			e.logger.WithFields(logrus.Fields{
				"tag":    req.ClientTag,
				"status": prior.Status,
				"ticket": prior.Ticket,
			}).Info("tag already known to broker, adopting prior outcome")
			e.remember(req.ClientTag, prior)
			return prior, nil
		} else if !errors.Is(err, broker.ErrOrderNotFound) {
			return nil, fmt.Errorf("exec: tag lookup before submit: %w", err)
		}
	}

	if e.cfg.DryRun {
		out := &models.OrderOutcome{
			Status:   models.OrderFilled,
			Ticket:   e.dryTicket.Add(1),
			Price:    req.Price,
			Volume:   req.Volume,
			FillTime: time.Now().UTC(),
		}
		e.remember(req.ClientTag, out)
		e.logger.WithFields(logrus.Fields{
			"tag":    req.ClientTag,
			"symbol": req.Symbol,
			"side":   req.Side,
			"volume": req.Volume,
		}).Info("dry-run fill synthesised")
		return out, nil
	}

	out, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		// The submit may have reached the venue before failing; the tag
		// lookup disambiguates.
		if prior, lookupErr := e.broker.OrderByTag(ctx, req.ClientTag); lookupErr == nil {
			e.logger.WithField("tag", req.ClientTag).
				Warnf("submit errored but order exists broker-side, adopting: %v", err)
			out = prior
		} else {
			return nil, fmt.Errorf("exec: submit %s: %w", req.ClientTag, err)
		}
	}

	out = e.settle(ctx, req, out)
	e.remember(req.ClientTag, out)
	return out, nil
}

// settle polls a working order until it reaches a terminal state or the fill
// timeout elapses, then cancels the remainder and consolidates. A partial
// fill is never treated as a failure.
func (e *Engine) settle(ctx context.Context, req *models.OrderRequest, out *models.OrderOutcome) *models.OrderOutcome {
	if out.Status.Terminal() || out.Ticket == 0 {
		return out
	}

	deadline := time.Now().Add(e.cfg.FillTimeout)
	last := out
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last
		case <-time.After(e.cfg.PollInterval):
		}
		polled, err := e.broker.OrderStatus(ctx, out.Ticket)
		if err != nil {
			e.logger.WithField("ticket", out.Ticket).
				Warnf("order status poll failed: %v", err)
			continue
		}
		last = polled
		if polled.Status.Terminal() {
			return polled
		}
	}

	e.logger.WithFields(logrus.Fields{
		"tag":    req.ClientTag,
		"ticket": out.Ticket,
		"filled": last.Volume,
		"wanted": req.Volume,
	}).Warn("fill timeout reached, cancelling remainder")
	if err := e.broker.CancelOrder(ctx, out.Ticket); err != nil {
		e.logger.WithField("ticket", out.Ticket).
			Errorf("cancel remainder failed: %v", err)
	}

	consolidated := *last
	if consolidated.Volume > 0 {
		consolidated.Status = models.OrderPartiallyFilled
	} else {
		consolidated.Status = models.OrderCancelled
	}
	return &consolidated
}

// Close closes volume lots of a position (0 = full) with an idempotent
// close tag. In dry-run the close is synthesised at the record's current
// price.
func (e *Engine) Close(ctx context.Context, pos *models.PositionRecord, volume float64, reason string) (*models.OrderOutcome, error) {
	if volume < 0 || volume > pos.Volume {
		return nil, fmt.Errorf("exec: close volume %.4f invalid for position %d (open %.4f)", volume, pos.Ticket, pos.Volume)
	}
	if volume > 0 {
		if spec := e.specFor(ctx, pos.Symbol); spec != nil {
			volume = QuantizeTo(spec, volume)
			// a partial at or past the remainder degenerates to a full close
			if volume >= pos.Volume-1e-9 {
				volume = 0
			}
		}
	}
	nonce := uuid.NewString()[:8]
	tag := fmt.Sprintf("close:%d:%s", pos.Ticket, nonce)

	if e.cfg.DryRun {
		closeVol := volume
		if closeVol == 0 {
			closeVol = pos.Volume
		}
		out := &models.OrderOutcome{
			Status:   models.OrderFilled,
			Ticket:   pos.Ticket,
			Price:    pos.CurrentPrice,
			Volume:   closeVol,
			FillTime: time.Now().UTC(),
		}
		e.remember(tag, out)
		e.logger.WithFields(logrus.Fields{
			"ticket": pos.Ticket,
			"volume": closeVol,
			"reason": reason,
		}).Info("dry-run close synthesised")
		return out, nil
	}

	comment := fmt.Sprintf("%s %s", tag, reason)
	out, err := e.broker.ClosePosition(ctx, pos.Ticket, volume, e.cfg.Deviation, comment)
	if err != nil {
		// same ambiguity as submit: the close may have landed
		if prior, lookupErr := e.broker.OrderByTag(ctx, tag); lookupErr == nil {
			e.logger.WithField("tag", tag).
				Warnf("close errored but order exists broker-side, adopting: %v", err)
			out = prior
		} else {
			return nil, fmt.Errorf("exec: close position %d: %w", pos.Ticket, err)
		}
	}
	e.remember(tag, out)
	return out, nil
}

// QuantizeTo rounds a requested volume down to the symbol's lot step and
// into broker bounds.
func QuantizeTo(spec *broker.SymbolSpec, volume float64) float64 {
	v := util.QuantizeVolume(volume, spec.VolumeStep)
	return util.Clamp(v, spec.VolumeMin, spec.VolumeMax)
}

// specFor returns the contract spec for symbol, cached for an hour. A fetch
// failure leaves volumes unquantised; the venue's own reject stays the
// authority.
func (e *Engine) specFor(ctx context.Context, symbol string) *broker.SymbolSpec {
	if cached, ok := e.specs.Get(symbol); ok {
		return cached.(*broker.SymbolSpec)
	}
	spec, err := e.broker.SymbolSpec(ctx, symbol)
	if err != nil {
		e.logger.WithField("symbol", symbol).
			Warnf("symbol spec fetch failed, volume not quantised: %v", err)
		return nil
	}
	e.specs.SetDefault(symbol, spec)
	return spec
}

func (e *Engine) remember(tag string, out *models.OrderOutcome) {
	e.outcomes.SetDefault(tag, out)
}
