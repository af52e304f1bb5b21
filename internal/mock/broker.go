// Package mock provides a deterministic, scriptable in-memory broker for
// tests and dry-run rehearsal. It keeps a real position book: submitted
// orders open positions, closes shrink or remove them, and price updates
// refresh unrealized P&L, so loop-level tests exercise the same state
// transitions a live venue would produce.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/models"
)

// CloseCall records one ClosePosition invocation for assertions.
type CloseCall struct {
	Ticket  int64
	Volume  float64
	Comment string
}

// Broker is the scripted implementation of broker.Broker.
type Broker struct {
	mu sync.Mutex

	connected   bool
	connectErrs int
	pingErrs    int

	serverTime time.Time
	account    models.AccountSnapshot
	contract   float64

	bars    map[string][]models.Bar
	barsErr error
	specs   map[string]broker.SymbolSpec

	positions  map[int64]*models.PositionRecord
	nextTicket int64

	submitScript map[string][]*models.OrderOutcome
	statusScript map[int64][]*models.OrderOutcome
	byTag        map[string]*models.OrderOutcome
	tagSubmits   map[string]int

	Submitted []models.OrderRequest
	Closes    []CloseCall
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker returns a connected-ready mock with a 10 000 balance account and
// contract size 1.
func NewBroker() *Broker {
	st := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return &Broker{
		serverTime: st,
		account: models.AccountSnapshot{
			Login:          12345678,
			Currency:       "USD",
			Balance:        10000,
			Equity:         10000,
			MarginFree:     10000,
			TradingEnabled: true,
			ServerTime:     st,
		},
		contract:     1,
		bars:         make(map[string][]models.Bar),
		specs:        make(map[string]broker.SymbolSpec),
		positions:    make(map[int64]*models.PositionRecord),
		nextTicket:   1000,
		submitScript: make(map[string][]*models.OrderOutcome),
		statusScript: make(map[int64][]*models.OrderOutcome),
		byTag:        make(map[string]*models.OrderOutcome),
		tagSubmits:   make(map[string]int),
	}
}

func barKey(symbol string, tf models.Timeframe) string {
	return symbol + "|" + string(tf)
}

// SetBars replaces the bar window served for symbol+timeframe.
func (m *Broker) SetBars(symbol string, tf models.Timeframe, bars []models.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[barKey(symbol, tf)] = append([]models.Bar(nil), bars...)
}

// AppendBar adds one bar to the served window.
func (m *Broker) AppendBar(symbol string, tf models.Timeframe, bar models.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := barKey(symbol, tf)
	m.bars[k] = append(m.bars[k], bar)
}

// SetBarsError makes Bars fail until cleared with nil.
func (m *Broker) SetBarsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barsErr = err
}

// SetSpec registers a symbol specification.
func (m *Broker) SetSpec(spec broker.SymbolSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Symbol] = spec
	if spec.ContractSize > 0 {
		m.contract = spec.ContractSize
	}
}

// SetAccount overwrites the account snapshot (ServerTime is still owned by
// the mock clock).
func (m *Broker) SetAccount(a models.AccountSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ServerTime = m.serverTime
	m.account = a
}

// ServerTime returns the mock broker clock.
func (m *Broker) ServerTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverTime
}

// AdvanceTime moves the broker clock forward.
func (m *Broker) AdvanceTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverTime = m.serverTime.Add(d)
	m.account.ServerTime = m.serverTime
}

// SetServerTime pins the broker clock.
func (m *Broker) SetServerTime(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverTime = t
	m.account.ServerTime = t
}

// SetPrice moves the market for a symbol, refreshing every open position's
// current price and unrealized P&L.
func (m *Broker) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Symbol != symbol {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = m.pnlLocked(p, price)
	}
	m.account.Equity = m.account.Balance
	for _, p := range m.positions {
		m.account.Equity += p.UnrealizedPnL
	}
}

func (m *Broker) pnlLocked(p *models.PositionRecord, price float64) float64 {
	diff := price - p.OpenPrice
	if p.Side == models.SideShort {
		diff = -diff
	}
	return diff * p.Volume * m.contract
}

// AddPosition seeds the broker book directly, for reconciliation tests.
// Returns the assigned ticket when the record carries none.
func (m *Broker) AddPosition(p models.PositionRecord) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Ticket == 0 {
		m.nextTicket++
		p.Ticket = m.nextTicket
	}
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.OpenPrice
	}
	m.positions[p.Ticket] = &p
	return p.Ticket
}

// Position returns a copy of the broker-side record, if present.
func (m *Broker) Position(ticket int64) (models.PositionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[ticket]
	if !ok {
		return models.PositionRecord{}, false
	}
	return *p, true
}

// RemovePosition deletes a position server-side, simulating an external close.
func (m *Broker) RemovePosition(ticket int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, ticket)
}

// ScriptSubmit queues outcomes returned for submissions with the given tag,
// in order. When the queue is exhausted, default fill behaviour resumes.
func (m *Broker) ScriptSubmit(tag string, outcomes ...*models.OrderOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitScript[tag] = append(m.submitScript[tag], outcomes...)
}

// ScriptStatus queues outcomes returned by OrderStatus for a ticket.
func (m *Broker) ScriptStatus(ticket int64, outcomes ...*models.OrderOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusScript[ticket] = append(m.statusScript[ticket], outcomes...)
}

// FailPings makes the next n Ping calls fail.
func (m *Broker) FailPings(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErrs = n
}

// FailConnects makes the next n Connect calls fail.
func (m *Broker) FailConnects(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs = n
}

// SubmitCount reports how many broker orders ever carried the tag.
func (m *Broker) SubmitCount(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tagSubmits[tag]
}

func (m *Broker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErrs > 0 {
		m.connectErrs--
		return fmt.Errorf("mock: connection refused")
	}
	m.connected = true
	return nil
}

func (m *Broker) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Broker) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErrs > 0 {
		m.pingErrs--
		return fmt.Errorf("mock: no connection")
	}
	if !m.connected {
		return broker.ErrNotConnected
	}
	return nil
}

func (m *Broker) AccountInfo(ctx context.Context) (*models.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, broker.ErrNotConnected
	}
	a := m.account
	a.ServerTime = m.serverTime
	return &a, nil
}

func (m *Broker) Bars(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, broker.ErrNotConnected
	}
	if m.barsErr != nil {
		return nil, m.barsErr
	}
	all := m.bars[barKey(symbol, tf)]
	if count > 0 && len(all) > count {
		all = all[len(all)-count:]
	}
	return append([]models.Bar(nil), all...), nil
}

func (m *Broker) SymbolSpec(ctx context.Context, symbol string) (*broker.SymbolSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec, ok := m.specs[symbol]; ok {
		return &spec, nil
	}
	return &broker.SymbolSpec{
		Symbol:       symbol,
		Point:        0.01,
		VolumeMin:    0.01,
		VolumeMax:    100,
		VolumeStep:   0.01,
		ContractSize: m.contract,
	}, nil
}

func (m *Broker) OpenPositions(ctx context.Context, magic int64) ([]models.PositionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, broker.ErrNotConnected
	}
	out := make([]models.PositionRecord, 0, len(m.positions))
	for _, p := range m.positions {
		if magic != 0 && p.Magic != magic {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (m *Broker) SubmitOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, broker.ErrNotConnected
	}
	m.Submitted = append(m.Submitted, *req)
	m.tagSubmits[req.ClientTag]++

	if script := m.submitScript[req.ClientTag]; len(script) > 0 {
		out := script[0]
		m.submitScript[req.ClientTag] = script[1:]
		res := *out
		if res.Ticket == 0 && (res.Status == models.OrderFilled || res.Status == models.OrderPartiallyFilled || res.Status == models.OrderPlaced) {
			m.nextTicket++
			res.Ticket = m.nextTicket
		}
		if res.Status == models.OrderFilled {
			m.openLocked(req, &res)
		}
		m.byTag[req.ClientTag] = &res
		return &res, nil
	}

	m.nextTicket++
	out := &models.OrderOutcome{
		Status:   models.OrderFilled,
		Ticket:   m.nextTicket,
		Price:    req.Price,
		Volume:   req.Volume,
		FillTime: m.serverTime,
	}
	m.openLocked(req, out)
	m.byTag[req.ClientTag] = out
	return out, nil
}

func (m *Broker) openLocked(req *models.OrderRequest, out *models.OrderOutcome) {
	side := models.SideLong
	if req.Side == models.OrderSell {
		side = models.SideShort
	}
	m.positions[out.Ticket] = &models.PositionRecord{
		Ticket:       out.Ticket,
		Symbol:       req.Symbol,
		Side:         side,
		Volume:       out.Volume,
		OpenPrice:    out.Price,
		OpenTime:     m.serverTime,
		CurrentPrice: out.Price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Magic:        req.Magic,
		Comment:      req.Comment,
	}
}

func (m *Broker) ClosePosition(ctx context.Context, ticket int64, volume float64, deviation int, comment string) (*models.OrderOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, broker.ErrNotConnected
	}
	p, ok := m.positions[ticket]
	if !ok {
		return &models.OrderOutcome{Status: models.OrderRejected, Reason: "position not found"}, nil
	}
	if volume <= 0 || volume > p.Volume {
		volume = p.Volume
	}
	m.Closes = append(m.Closes, CloseCall{Ticket: ticket, Volume: volume, Comment: comment})

	price := p.CurrentPrice
	realized := m.pnlLocked(p, price) * (volume / p.Volume)
	if volume >= p.Volume-1e-9 {
		delete(m.positions, ticket)
	} else {
		p.Volume -= volume
		p.UnrealizedPnL = m.pnlLocked(p, price)
	}
	m.account.Balance += realized
	m.account.Equity = m.account.Balance
	for _, q := range m.positions {
		m.account.Equity += q.UnrealizedPnL
	}
	return &models.OrderOutcome{
		Status:   models.OrderFilled,
		Ticket:   ticket,
		Price:    price,
		Volume:   volume,
		FillTime: m.serverTime,
	}, nil
}

func (m *Broker) OrderByTag(ctx context.Context, tag string) (*models.OrderOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.byTag[tag]; ok {
		res := *out
		return &res, nil
	}
	return nil, broker.ErrOrderNotFound
}

func (m *Broker) OrderStatus(ctx context.Context, ticket int64) (*models.OrderOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if script := m.statusScript[ticket]; len(script) > 0 {
		out := script[0]
		m.statusScript[ticket] = script[1:]
		res := *out
		res.Ticket = ticket
		return &res, nil
	}
	if _, ok := m.positions[ticket]; ok {
		return &models.OrderOutcome{Status: models.OrderFilled, Ticket: ticket}, nil
	}
	return nil, broker.ErrOrderNotFound
}

func (m *Broker) CancelOrder(ctx context.Context, ticket int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statusScript, ticket)
	return nil
}
