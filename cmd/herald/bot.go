package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/config"
	"github.com/amuzetnoM/herald/internal/exec"
	"github.com/amuzetnoM/herald/internal/exit"
	"github.com/amuzetnoM/herald/internal/feed"
	"github.com/amuzetnoM/herald/internal/indicator"
	"github.com/amuzetnoM/herald/internal/metrics"
	"github.com/amuzetnoM/herald/internal/mock"
	"github.com/amuzetnoM/herald/internal/models"
	"github.com/amuzetnoM/herald/internal/ops"
	"github.com/amuzetnoM/herald/internal/persistence"
	"github.com/amuzetnoM/herald/internal/position"
	"github.com/amuzetnoM/herald/internal/risk"
	"github.com/amuzetnoM/herald/internal/strategy"
)

// metricSampleEvery controls how often a metrics row is persisted.
const metricSampleEvery = 10

// connectAttempts bounds startup connection retries before giving up.
const connectAttempts = 5

// shutdownGrace bounds the whole shutdown sequence.
const shutdownGrace = 30 * time.Second

// Bot wires every component together and drives the tick loop. All mutation
// of tracker, gate, and rule state happens on the loop goroutine.
type Bot struct {
	cfg    *config.Config
	logger *logrus.Logger

	broker   broker.Broker
	feed     *feed.Feed
	pipeline *indicator.Pipeline
	strat    strategy.Strategy
	gate     *risk.Gate
	engine   *exec.Engine
	tracker  *position.Tracker
	arbiter  *exit.Arbiter
	store    *persistence.Store
	metrics  *metrics.Metrics
	ops      *ops.Server

	tick         int
	reconciled   bool
	lastATR      float64
	lastAccount  *models.AccountSnapshot
	contractSize float64
}

func newBot(cfg *config.Config, logger *logrus.Logger) (*Bot, error) {
	venue, err := buildVenue(cfg)
	if err != nil {
		return nil, err
	}
	session := broker.NewSession(venue, broker.SessionConfig{
		MinCallSpacing: time.Duration(cfg.Execution.RateLimitMs) * time.Millisecond,
		CallTimeout:    time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond,
	}, logger)
	guarded := broker.NewCircuitBreakerBroker(session, logger)

	store, err := persistence.Open(cfg.Persistence.Path, logger)
	if err != nil {
		return nil, err
	}

	strat, err := strategy.New(cfg.Strategy.Type, cfg.Strategy.Params, logger)
	if err != nil {
		return nil, err
	}

	// exit rules always need atr, whatever the config declares
	specs := indicator.EnsureSpecs(cfg.Indicators, strat.RequiredIndicators())
	specs = indicator.EnsureSpecs(specs, []indicator.Spec{{Type: "atr", Params: map[string]interface{}{"period": 14}}})
	pipeline, err := indicator.NewPipeline(specs, logger)
	if err != nil {
		return nil, err
	}

	engine := exec.NewEngine(guarded, exec.Config{
		FillTimeout:  time.Duration(cfg.Execution.FillTimeoutSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Execution.PollIntervalMs) * time.Millisecond,
		Deviation:    cfg.Trading.DeviationPoints,
		Magic:        cfg.Trading.MagicTag,
		DryRun:       cfg.DryRun,
	}, logger)

	policy := position.AdoptionPolicy{
		Enabled:       cfg.OrphanTrades.Enabled,
		AdoptSymbols:  cfg.OrphanTrades.AdoptSymbols,
		IgnoreSymbols: cfg.OrphanTrades.IgnoreSymbols,
		MaxAge:        time.Duration(cfg.OrphanTrades.MaxAgeHours * float64(time.Hour)),
		LogOnly:       cfg.OrphanTrades.LogOnly,
	}
	tracker := position.NewTracker(guarded, engine, cfg.Trading.MagicTag, policy, logger)

	var rules []exit.Rule
	for _, ec := range cfg.ExitStrategies {
		rule, err := exit.NewRule(ec.Type, ec.IsEnabled(), ec.Params, logger)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	arbiter := exit.NewArbiter(rules, logger)
	tracker.OnRemove(arbiter.Forget)

	gate := risk.NewGate(cfg.Risk, broker.SymbolSpec{}, logger)
	m := metrics.New()

	b := &Bot{
		cfg:      cfg,
		logger:   logger,
		broker:   guarded,
		feed:     feed.New(guarded, cfg.Trading.Symbol, cfg.Timeframe(), cfg.Trading.LookbackBars, logger),
		pipeline: pipeline,
		strat:    strat,
		gate:     gate,
		engine:   engine,
		tracker:  tracker,
		arbiter:  arbiter,
		store:    store,
		metrics:  m,
	}
	if cfg.Ops.Listen != "" {
		b.ops = ops.NewServer(cfg.Ops.Listen, tracker, gate, m, logger)
	}
	return b, nil
}

func buildVenue(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Mode {
	case "replay":
		return mock.NewReplay(cfg.Broker.ReplayFile, cfg.Trading.Symbol, cfg.Timeframe(), cfg.Trading.LookbackBars)
	case "bridge":
		return broker.NewBridgeClient(
			cfg.Broker.BridgeURL,
			cfg.Broker.Login,
			cfg.Broker.Password,
			cfg.Broker.Server,
			time.Duration(cfg.Broker.TimeoutMs)*time.Millisecond,
		), nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
	}
}

// Run connects, reconciles, then ticks until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.connect(ctx, connectAttempts); err != nil {
		return fmt.Errorf("cannot establish broker session: %w", err)
	}
	defer b.shutdown()

	acct, err := b.broker.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("initial account snapshot: %w", err)
	}
	b.lastAccount = acct
	b.gate.SetSessionStart(acct.Equity)
	b.logger.WithFields(logrus.Fields{
		"login":   acct.MaskedLogin(),
		"balance": acct.Balance,
		"equity":  acct.Equity,
	}).Info("broker session established")

	spec, err := b.broker.SymbolSpec(ctx, b.cfg.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("symbol spec for %s: %w", b.cfg.Trading.Symbol, err)
	}
	b.gate.SetSymbolSpec(*spec)
	b.contractSize = spec.ContractSize

	// a restart mid-day must not forget losses already taken; the day starts
	// at the server clock's own midnight, whatever its offset
	st := acct.ServerTime
	dayStart := time.Date(st.Year(), st.Month(), st.Day(), 0, 0, 0, 0, st.Location())
	if realized, err := b.store.RealizedSince(dayStart); err != nil {
		b.logger.Warnf("could not rebuild daily accumulator: %v", err)
	} else if realized != 0 {
		b.gate.SeedRealized(realized, acct.ServerTime)
		b.logger.WithField("realized_today", realized).Info("daily accumulator rebuilt from store")
	}

	if err := b.reconcileNow(ctx); err != nil {
		b.logger.Warnf("startup reconciliation failed, entries blocked until it succeeds: %v", err)
	}

	if b.ops != nil {
		b.ops.Start()
	}

	ticker := time.NewTicker(b.cfg.Trading.PollInterval())
	defer ticker.Stop()

	b.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.runTick(ctx)
		}
	}
}

func (b *Bot) connect(ctx context.Context, attempts int) error {
	backoff := time.Second
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = b.broker.Connect(ctx); lastErr == nil {
			return nil
		}
		b.logger.Warnf("connect attempt %d/%d failed: %v", i+1, attempts, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return lastErr
}

func (b *Bot) reconcileNow(ctx context.Context) error {
	report, err := b.tracker.Reconcile(ctx)
	if err != nil {
		b.reconciled = false
		return err
	}
	b.reconciled = true
	b.metrics.AdoptionsTotal.Add(float64(len(report.Adopted)))
	for _, cp := range report.Dropped {
		b.recordClosed(cp)
	}
	return nil
}

// runTick executes the phases of one tick in strict order. A failing phase
// is logged and the tick continues, except a dead session which skips
// everything but the reconnect attempt.
func (b *Bot) runTick(ctx context.Context) {
	start := time.Now()
	b.tick++
	defer func() {
		d := time.Since(start)
		b.metrics.ObserveTick(d)
		b.logger.WithFields(logrus.Fields{
			"tick":     b.tick,
			"duration": d.Round(time.Millisecond),
		}).Debug("tick complete")
	}()

	// phase 1: health probe, reconnect, reconcile
	if err := b.broker.Ping(ctx); err != nil {
		b.logger.Warnf("broker session unhealthy: %v", err)
		if err := b.connect(ctx, 3); err != nil {
			b.logger.Errorf("reconnect failed, skipping tick: %v", err)
			return
		}
		b.metrics.ReconnectsTotal.Inc()
		b.reconciled = false
	}
	entriesAllowed := true
	if !b.reconciled {
		if err := b.reconcileNow(ctx); err != nil {
			b.logger.Errorf("reconciliation failed, entries blocked: %v", err)
			entriesAllowed = false
		}
	}

	acct, err := b.broker.AccountInfo(ctx)
	if err != nil {
		b.logger.Warnf("account snapshot failed: %v", err)
		acct = b.lastAccount
		entriesAllowed = false
	} else {
		b.lastAccount = acct
	}

	// phase 2: bars
	bars, newBar, err := b.feed.Fetch(ctx)
	if err != nil {
		b.logger.Warnf("bar fetch failed: %v", err)
		bars = nil
	}

	// synthesised dry-run fills are invisible to the venue, so their records
	// are priced from the freshest close before monitoring and exits
	if b.cfg.DryRun && len(bars) > 0 {
		b.tracker.MarkToMarket(b.cfg.Trading.Symbol, bars[len(bars)-1].Close, b.contractSize)
	}

	// phases 3-5: indicators, strategy, entry — only on a new closed bar
	if newBar && entriesAllowed && len(bars) > 0 && acct != nil {
		b.entryPhase(ctx, bars, acct)
	}

	// phase 6: refresh tracked positions
	var active []*models.PositionRecord
	if b.reconciled {
		act, closedExt, err := b.tracker.Monitor(ctx)
		if err != nil {
			b.logger.Warnf("position monitor failed: %v", err)
		} else {
			active = act
			for _, cp := range closedExt {
				b.recordClosed(cp)
			}
		}
	}

	// phase 7: exit arbitration, then execution of the collected decisions
	if len(active) > 0 {
		exitCtx := exit.Context{Now: b.serverTime(), ATR: b.lastATR, Account: acct}
		for _, d := range b.arbiter.Evaluate(active, exitCtx) {
			cp, err := b.tracker.Close(ctx, d.Ticket, d.CloseVolume, d.Reason)
			if err != nil {
				b.logger.WithField("ticket", d.Ticket).
					Errorf("exit close failed: %v", err)
				continue
			}
			b.recordClosed(*cp)
		}
	}

	// emergency drawdown: flatten and halt entries, but keep the loop alive
	if acct != nil && !b.gate.EntriesHalted() && b.gate.EmergencyBreached(acct) {
		b.logger.WithField("equity", acct.Equity).
			Error("emergency drawdown breached, flattening all positions")
		for _, cp := range b.tracker.CloseAll(ctx, models.ExitReasonEmergencyDrawdown) {
			b.recordClosed(cp)
		}
		b.gate.HaltEntries()
	}

	// phase 8: housekeeping
	b.housekeeping(acct, len(active), time.Since(start))
}

// entryPhase runs indicators, the strategy, the risk gate, and order
// placement for one new bar.
func (b *Bot) entryPhase(ctx context.Context, bars []models.Bar, acct *models.AccountSnapshot) {
	frame := b.pipeline.Compute(ctx, bars)
	if atr, err := frame.Last("atr"); err == nil && atr > 0 {
		b.lastATR = atr
	}

	sig, err := b.strat.OnBar(frame)
	if err != nil {
		b.logger.Errorf("strategy failed: %v", err)
		return
	}
	if sig == nil || !sig.Side.Directional() {
		return
	}
	b.metrics.SignalsTotal.WithLabelValues(string(sig.Side)).Inc()
	if err := b.store.SaveSignal(sig); err != nil {
		b.logger.Warnf("persist signal: %v", err)
	}

	perSymbol, total := b.tracker.Counts(sig.Symbol)
	decision := b.gate.Approve(sig, acct, perSymbol, total)
	if !decision.Approved {
		b.metrics.RefusalsTotal.WithLabelValues(string(decision.Code)).Inc()
		b.logger.WithFields(logrus.Fields{
			"code":   decision.Code,
			"signal": sig.ID,
		}).Warnf("signal refused: %s", decision.Message)
		return
	}

	req := &models.OrderRequest{
		ClientTag:  models.EntryTag(sig.ID),
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       models.OrderSideFor(sig.Side),
		Volume:     decision.Volume,
		Type:       models.OrderTypeMarket,
		Price:      sig.Price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Deviation:  b.cfg.Trading.DeviationPoints,
		Magic:      b.cfg.Trading.MagicTag,
		Comment:    "herald " + sig.Strategy,
	}
	out, err := b.engine.Submit(ctx, req)
	if err != nil {
		b.logger.Errorf("order submit failed: %v", err)
		return
	}
	b.metrics.OrdersTotal.WithLabelValues(string(out.Status)).Inc()
	if err := b.store.SaveOrder(req, out); err != nil {
		b.logger.Warnf("persist order: %v", err)
	}

	switch out.Status {
	case models.OrderFilled, models.OrderPartiallyFilled:
		b.tracker.Register(position.NewRecordFromFill(req, out))
	case models.OrderRejected:
		b.logger.WithField("reason", out.Reason).Warn("order rejected by broker")
	default:
		b.logger.WithField("status", out.Status).Warn("order did not fill")
	}
}

// recordClosed persists a completed close and feeds the daily accumulator.
func (b *Bot) recordClosed(cp position.ClosedPosition) {
	st := b.serverTime()
	if err := b.store.SaveTrade(&cp.Record, cp.ExitPrice, cp.Realized, cp.Volume, st, cp.Reason, cp.External); err != nil {
		b.logger.Warnf("persist trade %d: %v", cp.Record.Ticket, err)
	}
	b.gate.RecordClose(cp.Realized, st)
	b.metrics.ExitsTotal.WithLabelValues(cp.Reason).Inc()
}

func (b *Bot) serverTime() time.Time {
	if b.lastAccount != nil {
		return b.lastAccount.ServerTime
	}
	return time.Now().UTC()
}

func (b *Bot) housekeeping(acct *models.AccountSnapshot, open int, tickDur time.Duration) {
	b.metrics.OpenPositions.Set(float64(open))
	b.metrics.DailyRealized.Set(b.gate.RealizedToday())
	if acct != nil {
		b.metrics.Equity.Set(acct.Equity)
	}
	if b.tick%metricSampleEvery != 0 {
		return
	}
	sample := &persistence.MetricSample{
		At:             b.serverTime(),
		RealizedToday:  b.gate.RealizedToday(),
		OpenPositions:  open,
		TickDurationMs: tickDur.Milliseconds(),
	}
	if acct != nil {
		sample.Balance = acct.Balance
		sample.Equity = acct.Equity
	}
	if err := b.store.SaveMetricSample(sample); err != nil {
		b.logger.Warnf("persist metric sample: %v", err)
	}
	b.logger.WithFields(logrus.Fields{
		"open_positions": open,
		"realized_today": b.gate.RealizedToday(),
		"breaker_open":   b.gate.BreakerOpen(),
	}).Info("periodic summary")
}

// shutdown runs the bounded shutdown sequence: optional flatten, synchronous
// store flush, ops stop, disconnect.
func (b *Bot) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if b.cfg.FlattenOnShutdown {
		b.logger.Info("flattening all positions before shutdown")
		for _, cp := range b.tracker.CloseAll(ctx, models.ExitReasonShutdownFlatten) {
			b.recordClosed(cp)
		}
	}
	for _, ticket := range b.tracker.Tickets() {
		if rec, ok := b.tracker.Get(ticket); ok {
			b.logger.WithFields(logrus.Fields{
				"ticket": rec.Ticket,
				"symbol": rec.Symbol,
				"volume": rec.Volume,
			}).Warn("position left open at shutdown")
		}
	}

	if err := b.store.Close(); err != nil {
		b.logger.Errorf("persistence flush failed: %v", err)
	}
	if b.ops != nil {
		if err := b.ops.Shutdown(ctx); err != nil {
			b.logger.Warnf("ops server shutdown: %v", err)
		}
	}
	if err := b.broker.Disconnect(); err != nil {
		b.logger.Warnf("broker disconnect: %v", err)
	}
}
