// Package position maintains the local shadow of the broker's position book:
// registration on fill, per-tick monitoring, closes, and authoritative
// reconciliation across disconnects.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/exec"
	"github.com/amuzetnoM/herald/internal/models"
)

// Closer is the slice of the execution engine the tracker needs to close
// positions. Kept narrow so tests can substitute a fake.
type Closer interface {
	Close(ctx context.Context, pos *models.PositionRecord, volume float64, reason string) (*models.OrderOutcome, error)
}

// AdoptionPolicy governs whether orphan broker positions carrying our magic
// tag are taken under management during reconciliation.
type AdoptionPolicy struct {
	Enabled       bool
	AdoptSymbols  []string // empty = all symbols adoptable
	IgnoreSymbols []string
	MaxAge        time.Duration // 0 = no age limit
	LogOnly       bool
}

func (p AdoptionPolicy) allows(rec *models.PositionRecord, now time.Time) (bool, string) {
	if !p.Enabled {
		return false, "adoption disabled"
	}
	for _, s := range p.IgnoreSymbols {
		if s == rec.Symbol {
			return false, "symbol on ignore list"
		}
	}
	if len(p.AdoptSymbols) > 0 {
		found := false
		for _, s := range p.AdoptSymbols {
			if s == rec.Symbol {
				found = true
				break
			}
		}
		if !found {
			return false, "symbol not on adopt list"
		}
	}
	if p.MaxAge > 0 && now.Sub(rec.OpenTime) > p.MaxAge {
		return false, fmt.Sprintf("older than %s", p.MaxAge)
	}
	if p.LogOnly {
		return false, "log-only mode"
	}
	return true, ""
}

// ClosedPosition describes a position that left the tracker, with enough
// context to append a trade record.
type ClosedPosition struct {
	Record    models.PositionRecord
	ExitPrice float64
	Realized  float64
	Volume    float64
	Reason    string
	External  bool
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Refreshed []int64
	Adopted   []int64
	Dropped   []ClosedPosition
	Orphans   []int64 // seen but not adopted (policy refused)
}

// Tracker owns the ticket → PositionRecord map. Mutation happens only on the
// control-loop goroutine; the lock exists for the read-only ops surface.
type Tracker struct {
	broker broker.Broker
	closer Closer
	magic  int64
	policy AdoptionPolicy
	logger *logrus.Logger

	mu        sync.RWMutex
	positions map[int64]*models.PositionRecord
	onRemove  []func(ticket int64)
}

// NewTracker builds an empty tracker.
func NewTracker(b broker.Broker, closer Closer, magic int64, policy AdoptionPolicy, logger *logrus.Logger) *Tracker {
	return &Tracker{
		broker:    b,
		closer:    closer,
		magic:     magic,
		policy:    policy,
		logger:    logger,
		positions: make(map[int64]*models.PositionRecord),
	}
}

// OnRemove registers a hook fired whenever a ticket leaves the tracker, used
// to free exit-rule scratch state.
func (t *Tracker) OnRemove(fn func(ticket int64)) {
	t.onRemove = append(t.onRemove, fn)
}

func (t *Tracker) fireRemove(ticket int64) {
	for _, fn := range t.onRemove {
		fn(ticket)
	}
}

// Register adds a freshly filled position. A duplicate ticket is logged and
// ignored, never overwritten.
func (t *Tracker) Register(rec *models.PositionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.positions[rec.Ticket]; exists {
		t.logger.WithField("ticket", rec.Ticket).
			Warn("register ignored: ticket already tracked")
		return
	}
	if rec.Origin == "" {
		rec.Origin = models.OriginNative
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = time.Now().UTC()
	}
	if rec.CurrentPrice == 0 {
		rec.CurrentPrice = rec.OpenPrice
	}
	t.positions[rec.Ticket] = rec
	t.logger.WithFields(logrus.Fields{
		"ticket": rec.Ticket,
		"symbol": rec.Symbol,
		"side":   rec.Side,
		"volume": rec.Volume,
		"origin": rec.Origin,
	}).Info("position registered")
}

// NewRecordFromFill builds the tracker record for a filled entry order.
func NewRecordFromFill(req *models.OrderRequest, out *models.OrderOutcome) *models.PositionRecord {
	side := models.SideLong
	if req.Side == models.OrderSell {
		side = models.SideShort
	}
	return &models.PositionRecord{
		Ticket:       out.Ticket,
		Symbol:       req.Symbol,
		Side:         side,
		Volume:       out.Volume,
		OpenPrice:    out.Price,
		OpenTime:     out.FillTime,
		CurrentPrice: out.Price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Commission:   out.Commission,
		Swap:         out.Swap,
		Magic:        req.Magic,
		Comment:      req.Comment,
		FirstSeen:    out.FillTime,
		Origin:       models.OriginNative,
	}
}

// Monitor refreshes every tracked record from one batched broker call.
// Positions the broker no longer reports are removed and returned as
// externally closed, with the exit price taken from the last known current
// price.
func (t *Tracker) Monitor(ctx context.Context) ([]*models.PositionRecord, []ClosedPosition, error) {
	live, err := t.broker.OpenPositions(ctx, t.magic)
	if err != nil {
		return nil, nil, fmt.Errorf("monitor: %w", err)
	}
	byTicket := make(map[int64]*models.PositionRecord, len(live))
	for i := range live {
		byTicket[live[i].Ticket] = &live[i]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var closed []ClosedPosition
	for ticket, rec := range t.positions {
		if exec.IsDryTicket(ticket) {
			// synthesised fills have no venue side; MarkToMarket prices them
			continue
		}
		fresh, ok := byTicket[ticket]
		if !ok {
			closed = append(closed, ClosedPosition{
				Record:    *rec,
				ExitPrice: rec.CurrentPrice,
				Realized:  rec.UnrealizedPnL,
				Volume:    rec.Volume,
				Reason:    "closed_externally",
				External:  true,
			})
			delete(t.positions, ticket)
			t.fireRemove(ticket)
			t.logger.WithField("ticket", ticket).
				Warn("position no longer reported by broker, removed as externally closed")
			continue
		}
		rec.CurrentPrice = fresh.CurrentPrice
		rec.UnrealizedPnL = fresh.UnrealizedPnL
		rec.Swap = fresh.Swap
		rec.Commission = fresh.Commission
		rec.Volume = fresh.Volume
		rec.StopLoss = fresh.StopLoss
		rec.TakeProfit = fresh.TakeProfit
	}

	active := t.snapshotLocked()
	return active, closed, nil
}

// MarkToMarket re-prices synthesised dry-run records for one symbol from the
// freshest bar close. Venue-backed records are refreshed by Monitor; tickets
// in the reserved dry-run range are invisible to the broker, so the loop
// prices them here before exit evaluation.
func (t *Tracker) MarkToMarket(symbol string, price, contractSize float64) {
	if price <= 0 {
		return
	}
	if contractSize <= 0 {
		contractSize = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for ticket, rec := range t.positions {
		if !exec.IsDryTicket(ticket) || rec.Symbol != symbol {
			continue
		}
		move := price - rec.OpenPrice
		if rec.Side == models.SideShort {
			move = -move
		}
		rec.CurrentPrice = price
		rec.UnrealizedPnL = move * rec.Volume * contractSize
	}
}

// Close closes the full position, or volume lots of it, through the
// execution engine. On success the record is removed (full) or shrunk
// (partial) and the realised delta reported.
func (t *Tracker) Close(ctx context.Context, ticket int64, volume float64, reason string) (*ClosedPosition, error) {
	t.mu.RLock()
	rec, ok := t.positions[ticket]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("close: ticket %d not tracked", ticket)
	}

	out, err := t.closer.Close(ctx, rec, volume, reason)
	if err != nil {
		return nil, fmt.Errorf("close ticket %d: %w", ticket, err)
	}
	if out.Status != models.OrderFilled {
		return nil, fmt.Errorf("close ticket %d: broker returned %s: %s", ticket, out.Status, out.Reason)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	closedVol := out.Volume
	if closedVol <= 0 || closedVol > rec.Volume {
		closedVol = rec.Volume
	}
	fraction := closedVol / rec.Volume
	realized := rec.UnrealizedPnL * fraction

	cp := ClosedPosition{
		Record:    *rec,
		ExitPrice: out.Price,
		Realized:  realized,
		Volume:    closedVol,
		Reason:    reason,
	}

	if closedVol >= rec.Volume-1e-9 {
		delete(t.positions, ticket)
		t.fireRemove(ticket)
		t.logger.WithFields(logrus.Fields{
			"ticket":   ticket,
			"price":    out.Price,
			"realized": realized,
			"reason":   reason,
		}).Info("position closed")
	} else {
		rec.Volume -= closedVol
		rec.UnrealizedPnL -= realized
		rec.RealizedPnL += realized
		t.logger.WithFields(logrus.Fields{
			"ticket":    ticket,
			"closed":    closedVol,
			"remaining": rec.Volume,
			"realized":  realized,
			"reason":    reason,
		}).Info("position partially closed")
	}
	return &cp, nil
}

// CloseAll is the best-effort emergency flatten. Failures are logged and do
// not stop the sweep.
func (t *Tracker) CloseAll(ctx context.Context, reason string) []ClosedPosition {
	var results []ClosedPosition
	for _, ticket := range t.Tickets() {
		cp, err := t.Close(ctx, ticket, 0, reason)
		if err != nil {
			t.logger.WithField("ticket", ticket).
				Errorf("flatten failed: %v", err)
			continue
		}
		results = append(results, *cp)
	}
	return results
}

// Reconcile performs the authoritative sync with the broker book. It runs at
// startup and after every reconnect; entries stay blocked until it succeeds.
func (t *Tracker) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	live, err := t.broker.OpenPositions(ctx, t.magic)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	report := &ReconcileReport{}
	seen := make(map[int64]bool, len(live))
	for i := range live {
		fresh := &live[i]
		seen[fresh.Ticket] = true
		if rec, ok := t.positions[fresh.Ticket]; ok {
			rec.CurrentPrice = fresh.CurrentPrice
			rec.UnrealizedPnL = fresh.UnrealizedPnL
			rec.Swap = fresh.Swap
			rec.Commission = fresh.Commission
			rec.Volume = fresh.Volume
			rec.StopLoss = fresh.StopLoss
			rec.TakeProfit = fresh.TakeProfit
			report.Refreshed = append(report.Refreshed, fresh.Ticket)
			continue
		}
		if ok, why := t.policy.allows(fresh, now); !ok {
			report.Orphans = append(report.Orphans, fresh.Ticket)
			t.logger.WithFields(logrus.Fields{
				"ticket": fresh.Ticket,
				"symbol": fresh.Symbol,
				"age":    now.Sub(fresh.OpenTime).Round(time.Minute),
			}).Warnf("orphan position not adopted: %s", why)
			continue
		}
		adopted := fresh.Clone()
		adopted.Origin = models.OriginAdopted
		adopted.FirstSeen = now
		if adopted.CurrentPrice == 0 {
			adopted.CurrentPrice = adopted.OpenPrice
		}
		t.positions[adopted.Ticket] = adopted
		report.Adopted = append(report.Adopted, adopted.Ticket)
		t.logger.WithFields(logrus.Fields{
			"ticket": adopted.Ticket,
			"symbol": adopted.Symbol,
			"volume": adopted.Volume,
		}).Info("orphan position adopted")
	}

	for ticket, rec := range t.positions {
		if seen[ticket] || exec.IsDryTicket(ticket) {
			continue
		}
		report.Dropped = append(report.Dropped, ClosedPosition{
			Record:    *rec,
			ExitPrice: rec.CurrentPrice,
			Realized:  rec.UnrealizedPnL,
			Volume:    rec.Volume,
			Reason:    "closed_externally",
			External:  true,
		})
		delete(t.positions, ticket)
		t.fireRemove(ticket)
	}

	t.logger.WithFields(logrus.Fields{
		"refreshed": len(report.Refreshed),
		"adopted":   len(report.Adopted),
		"dropped":   len(report.Dropped),
		"orphans":   len(report.Orphans),
	}).Info("reconciliation complete")
	return report, nil
}

// Counts returns open-position counts for the risk gate.
func (t *Tracker) Counts(symbol string) (perSymbol, total int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.positions {
		total++
		if rec.Symbol == symbol {
			perSymbol++
		}
	}
	return perSymbol, total
}

// Tickets returns tracked tickets in ascending order.
func (t *Tracker) Tickets() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int64, 0, len(t.positions))
	for ticket := range t.positions {
		out = append(out, ticket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns the live record for a ticket. Exit rules read it and must not
// mutate.
func (t *Tracker) Get(ticket int64) (*models.PositionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.positions[ticket]
	return rec, ok
}

// Snapshot returns deep copies of every record, ticket ascending. Safe to
// hand to the ops server.
func (t *Tracker) Snapshot() []models.PositionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	recs := t.snapshotLocked()
	out := make([]models.PositionRecord, len(recs))
	for i, r := range recs {
		out[i] = *r.Clone()
	}
	return out
}

func (t *Tracker) snapshotLocked() []*models.PositionRecord {
	out := make([]*models.PositionRecord, 0, len(t.positions))
	for _, rec := range t.positions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}
